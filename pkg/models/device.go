// Package models defines the domain types shared across EdgeBridge modules.
package models

import "time"

// Severity grades a device error. Matches the wire protocol's 0..3 range.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityError    Severity = 2
	SeverityCritical Severity = 3
)

// Valid reports whether s is inside the wire protocol's range.
func (s Severity) Valid() bool {
	return s >= SeverityInfo && s <= SeverityCritical
}

// Device is the in-memory view of a single fleet device: its declared
// capabilities, latest telemetry per sensor and actuator, liveness, and a
// bounded window of recent errors.
type Device struct {
	DeviceID       string                   `json:"device_id" example:"esp32_aa11bb"`
	Online         bool                     `json:"online"`
	LastSeen       time.Time                `json:"last_seen" example:"2026-01-15T10:30:00Z"`
	Capabilities   DeviceCapabilities       `json:"capabilities"`
	SensorReadings map[string]SensorReading `json:"sensor_readings,omitempty"`
	ActuatorStates map[string]ActuatorState `json:"actuator_states,omitempty"`
	RecentErrors   []DeviceError            `json:"recent_errors,omitempty"`
}

// HasSensor reports whether the device advertises the named sensor.
func (d *Device) HasSensor(name string) bool {
	for _, s := range d.Capabilities.Sensors {
		if s == name {
			return true
		}
	}
	return false
}

// HasActuator reports whether the device advertises the named actuator.
func (d *Device) HasActuator(name string) bool {
	for _, a := range d.Capabilities.Actuators {
		if a == name {
			return true
		}
	}
	return false
}

// DeviceCapabilities is a device's self-described inventory. A later
// snapshot fully replaces an earlier one; there is no per-field merge.
type DeviceCapabilities struct {
	Sensors         []string       `json:"sensors"`
	Actuators       []string       `json:"actuators"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty" example:"1.0.0"`
	HardwareVersion string         `json:"hardware_version,omitempty"`
	DeviceType      string         `json:"device_type,omitempty" example:"esp32"`
	Location        string         `json:"location,omitempty" example:"greenhouse-2"`
	ReceivedAt      time.Time      `json:"received_at"`
}

// SensorReading is one scalar measurement. Immutable once written.
type SensorReading struct {
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type" example:"temperature"`
	Value      float64   `json:"value" example:"23.5"`
	Unit       string    `json:"unit,omitempty" example:"°C"`
	Quality    float64   `json:"quality" example:"100"` // 0..100, 0 when unreported
	Timestamp  time.Time `json:"timestamp"`
}

// ActuatorState is the latest reported state of one actuator. The wire
// value may be a string, number, or object; it is carried verbatim as a
// string rendering.
type ActuatorState struct {
	DeviceID     string    `json:"device_id"`
	ActuatorType string    `json:"actuator_type" example:"led"`
	State        string    `json:"state" example:"on"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeviceError is one error report from a device. Append-only.
type DeviceError struct {
	DeviceID  string    `json:"device_id"`
	ErrorType string    `json:"error_type" example:"sensor_fail"`
	Message   string    `json:"message,omitempty"`
	Severity  Severity  `json:"severity" example:"2"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceMetrics holds bridge-derived per-device counters. Counters reset
// on process restart; rows are periodically snapshot to the store.
type DeviceMetrics struct {
	DeviceID           string    `json:"device_id"`
	MessagesSent       int64     `json:"messages_sent"`
	MessagesReceived   int64     `json:"messages_received"`
	ConnectionFailures int64     `json:"connection_failures"`
	SensorReadErrors   int64     `json:"sensor_read_errors"`
	LastActivity       time.Time `json:"last_activity"`
	UptimeStart        time.Time `json:"uptime_start"`
}
