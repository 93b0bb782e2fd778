// Package fleet tracks the device fleet: an in-memory registry of device
// state fed by MQTT telemetry, a SQLite persistence layer, and background
// maintenance loops for liveness, metrics snapshots, and retention.
package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/edgebridge/edgebridge/pkg/models"
)

// DefaultErrorRingSize bounds the per-device in-memory error window.
const DefaultErrorRingSize = 100

// Manager is the in-memory device registry. All state is guarded by a
// single RWMutex; no I/O happens under the lock. Accessors return deep
// copies so callers never share maps with the registry.
type Manager struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	metrics  map[string]*models.DeviceMetrics
	ringSize int
	now      func() time.Time
}

// NewManager creates an empty registry. ringSize <= 0 selects the default.
func NewManager(ringSize int) *Manager {
	if ringSize <= 0 {
		ringSize = DefaultErrorRingSize
	}
	return &Manager{
		devices:  make(map[string]*models.Device),
		metrics:  make(map[string]*models.DeviceMetrics),
		ringSize: ringSize,
		now:      time.Now,
	}
}

// ensureLocked returns the device entry, creating it on first sight.
// Caller must hold the write lock.
func (m *Manager) ensureLocked(deviceID string) (*models.Device, bool) {
	if d, ok := m.devices[deviceID]; ok {
		return d, false
	}
	d := &models.Device{
		DeviceID:       deviceID,
		SensorReadings: make(map[string]models.SensorReading),
		ActuatorStates: make(map[string]models.ActuatorState),
	}
	m.devices[deviceID] = d
	return d, true
}

func (m *Manager) metricsLocked(deviceID string) *models.DeviceMetrics {
	if mt, ok := m.metrics[deviceID]; ok {
		return mt
	}
	mt := &models.DeviceMetrics{DeviceID: deviceID, UptimeStart: m.now()}
	m.metrics[deviceID] = mt
	return mt
}

// touchLocked marks the device alive and counts the inbound message.
func (m *Manager) touchLocked(d *models.Device, ts time.Time) {
	if ts.After(d.LastSeen) {
		d.LastSeen = ts
	}
	d.Online = true
	mt := m.metricsLocked(d.DeviceID)
	mt.MessagesReceived++
	mt.LastActivity = m.now()
}

// RecordSensorReading stores the latest reading for a sensor type and
// marks the device online. A reading older than the current one does not
// replace it, so out-of-order delivery keeps the newest value current.
// Returns true when the device was first seen.
func (m *Manager) RecordSensorReading(r models.SensorReading) (created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, created := m.ensureLocked(r.DeviceID)
	if cur, ok := d.SensorReadings[r.SensorType]; !ok || !r.Timestamp.Before(cur.Timestamp) {
		d.SensorReadings[r.SensorType] = r
	}
	m.touchLocked(d, r.Timestamp)
	return created
}

// RecordActuatorState stores the latest state for an actuator type.
func (m *Manager) RecordActuatorState(s models.ActuatorState) (created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, created := m.ensureLocked(s.DeviceID)
	d.ActuatorStates[s.ActuatorType] = s
	m.touchLocked(d, s.Timestamp)
	return created
}

// UpsertCapabilities replaces the device's capability snapshot wholesale.
func (m *Manager) UpsertCapabilities(deviceID string, caps models.DeviceCapabilities) (created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, created := m.ensureLocked(deviceID)
	d.Capabilities = caps
	m.touchLocked(d, caps.ReceivedAt)
	return created
}

// RecordError appends to the device's bounded error window, evicting the
// oldest entry when full. Sensor and connection errors also bump the
// matching per-device counters.
func (m *Manager) RecordError(e models.DeviceError) (created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, created := m.ensureLocked(e.DeviceID)
	d.RecentErrors = append(d.RecentErrors, e)
	if len(d.RecentErrors) > m.ringSize {
		d.RecentErrors = d.RecentErrors[len(d.RecentErrors)-m.ringSize:]
	}
	m.touchLocked(d, e.Timestamp)

	mt := m.metricsLocked(e.DeviceID)
	switch e.ErrorType {
	case "sensor_error", "sensor_fail":
		mt.SensorReadErrors++
	case "connection_error", "connection_lost":
		mt.ConnectionFailures++
	}
	return created
}

// SetStatus sets the device's liveness explicitly (status topic or timeout
// sweep). Returns the previous liveness so callers can detect transitions.
func (m *Manager) SetStatus(deviceID string, online bool, ts time.Time) (wasOnline, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, created := m.ensureLocked(deviceID)
	wasOnline = d.Online
	d.Online = online
	if ts.After(d.LastSeen) {
		d.LastSeen = ts
	}
	if online {
		mt := m.metricsLocked(deviceID)
		mt.MessagesReceived++
		mt.LastActivity = m.now()
	}
	return wasOnline, created
}

// IncrementSent counts one outbound command for the device.
func (m *Manager) IncrementSent(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := m.metricsLocked(deviceID)
	mt.MessagesSent++
	mt.LastActivity = m.now()
}

// ScanTimeouts marks devices offline whose LastSeen is older than timeout
// and returns the affected devices' id and last-seen pairs.
func (m *Manager) ScanTimeouts(timeout time.Duration) []StatusEvent {
	cutoff := m.now().Add(-timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []StatusEvent
	for _, d := range m.devices {
		if d.Online && d.LastSeen.Before(cutoff) {
			d.Online = false
			expired = append(expired, StatusEvent{
				DeviceID: d.DeviceID,
				Online:   false,
				LastSeen: d.LastSeen,
				Reason:   "timeout",
			})
		}
	}
	return expired
}

// Get returns a deep copy of one device.
func (m *Manager) Get(deviceID string) (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return copyDevice(d), true
}

// List returns deep copies of all devices, sorted by id. When onlineOnly
// is set, offline devices are skipped.
func (m *Manager) List(onlineOnly bool) []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		if onlineOnly && !d.Online {
			continue
		}
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Query filters devices by advertised capability. Empty filter strings
// match everything.
func (m *Manager) Query(sensorType, actuatorType string, onlineOnly bool) []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Device
	for _, d := range m.devices {
		if onlineOnly && !d.Online {
			continue
		}
		if sensorType != "" && !d.HasSensor(sensorType) {
			continue
		}
		if actuatorType != "" && !d.HasActuator(actuatorType) {
			continue
		}
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Counts returns the total and online device counts.
func (m *Manager) Counts() (total, online int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total = len(m.devices)
	for _, d := range m.devices {
		if d.Online {
			online++
		}
	}
	return total, online
}

// MetricsSnapshot returns copies of all per-device counters, sorted by id.
func (m *Manager) MetricsSnapshot() []models.DeviceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.DeviceMetrics, 0, len(m.metrics))
	for _, mt := range m.metrics {
		out = append(out, *mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Metrics returns a copy of one device's counters.
func (m *Manager) Metrics(deviceID string) (models.DeviceMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.metrics[deviceID]
	if !ok {
		return models.DeviceMetrics{}, false
	}
	return *mt, true
}

func copyDevice(d *models.Device) models.Device {
	out := *d
	out.SensorReadings = make(map[string]models.SensorReading, len(d.SensorReadings))
	for k, v := range d.SensorReadings {
		out.SensorReadings[k] = v
	}
	out.ActuatorStates = make(map[string]models.ActuatorState, len(d.ActuatorStates))
	for k, v := range d.ActuatorStates {
		out.ActuatorStates[k] = v
	}
	out.RecentErrors = append([]models.DeviceError(nil), d.RecentErrors...)
	out.Capabilities.Sensors = append([]string(nil), d.Capabilities.Sensors...)
	out.Capabilities.Actuators = append([]string(nil), d.Capabilities.Actuators...)
	if d.Capabilities.Metadata != nil {
		md := make(map[string]any, len(d.Capabilities.Metadata))
		for k, v := range d.Capabilities.Metadata {
			md[k] = v
		}
		out.Capabilities.Metadata = md
	}
	return out
}
