package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edgebridge/edgebridge/pkg/models"
)

// Telemetry topic patterns. Device id is always the second segment.
const (
	topicSensorData   = "devices/+/sensors/+/data"
	topicActuatorStat = "devices/+/actuators/+/status"
	topicCapabilities = "devices/+/capabilities"
	topicStatus       = "devices/+/status"
	topicErrors       = "devices/+/error"
)

// TelemetrySink receives decoded telemetry. Implemented by the fleet
// module; wired by the composition root before Start.
type TelemetrySink interface {
	HandleSensorReading(ctx context.Context, r models.SensorReading) error
	HandleActuatorState(ctx context.Context, st models.ActuatorState) error
	HandleCapabilities(ctx context.Context, deviceID string, caps models.DeviceCapabilities) error
	HandleStatus(ctx context.Context, deviceID string, online bool, raw string, ts time.Time) error
	HandleDeviceError(ctx context.Context, e models.DeviceError) error
}

// registerRoutes wires the telemetry handlers into the dispatcher.
// Registration order matters: the first matching route wins.
func (m *Module) registerRoutes() {
	m.dispatcher.register(topicSensorData, m.handleSensorData)
	m.dispatcher.register(topicActuatorStat, m.handleActuatorStatus)
	m.dispatcher.register(topicCapabilities, m.handleCapabilities)
	m.dispatcher.register(topicStatus, m.handleStatus)
	m.dispatcher.register(topicErrors, m.handleError)
}

// dropPayload counts a malformed message and logs it through a rate
// limiter so a chattering device cannot flood the log.
func (m *Module) dropPayload(topic string, err error) {
	m.dispatcher.malformed.Inc()
	if m.dropLimiter.Allow() {
		m.logger.Warn("dropping undecodable payload",
			zap.String("topic", topic), zap.Error(err))
	}
}

func (m *Module) handleSensorData(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	deviceID, sensorType := parts[1], parts[3]

	var p sensorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.dropPayload(topic, err)
		return
	}
	if p.Value == nil {
		m.dropPayload(topic, errMissingValue)
		return
	}

	r := models.SensorReading{
		DeviceID:   deviceID,
		SensorType: sensorType,
		Value:      p.Value.Reading,
		Unit:       p.Value.Unit,
		Quality:    p.Value.Quality,
		Timestamp:  p.Timestamp.or(time.Now().UTC()),
	}
	if m.sink != nil {
		if err := m.sink.HandleSensorReading(ctx, r); err != nil {
			m.logger.Debug("sensor reading sink error",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

func (m *Module) handleActuatorStatus(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	deviceID, actuatorType := parts[1], parts[3]

	var p actuatorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.dropPayload(topic, err)
		return
	}
	if len(p.Value) == 0 {
		m.dropPayload(topic, errMissingValue)
		return
	}

	st := models.ActuatorState{
		DeviceID:     deviceID,
		ActuatorType: actuatorType,
		State:        p.stateString(),
		Timestamp:    p.Timestamp.or(time.Now().UTC()),
	}
	if m.sink != nil {
		if err := m.sink.HandleActuatorState(ctx, st); err != nil {
			m.logger.Debug("actuator state sink error",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

func (m *Module) handleCapabilities(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	deviceID := parts[1]

	var p capabilitiesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.dropPayload(topic, err)
		return
	}

	caps := models.DeviceCapabilities{
		Sensors:         p.Sensors,
		Actuators:       p.Actuators,
		Metadata:        p.Metadata,
		FirmwareVersion: p.FirmwareVersion,
		HardwareVersion: p.HardwareVersion,
		DeviceType:      p.DeviceType,
		Location:        p.Location,
		ReceivedAt:      time.Now().UTC(),
	}
	if m.sink != nil {
		if err := m.sink.HandleCapabilities(ctx, deviceID, caps); err != nil {
			m.logger.Debug("capabilities sink error",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

func (m *Module) handleStatus(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	deviceID := parts[1]

	p, err := decodeStatus(payload)
	if err != nil {
		m.dropPayload(topic, err)
		return
	}

	online := onlineStatuses[strings.ToLower(p.Value)]
	ts := p.Timestamp.or(time.Now().UTC())
	if m.sink != nil {
		if err := m.sink.HandleStatus(ctx, deviceID, online, p.Value, ts); err != nil {
			m.logger.Debug("status sink error",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

func (m *Module) handleError(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	deviceID := parts[1]

	p, err := decodeError(payload)
	if err != nil {
		m.dropPayload(topic, err)
		return
	}

	sev := models.SeverityError
	if p.Severity != nil && models.Severity(*p.Severity).Valid() {
		sev = models.Severity(*p.Severity)
	}
	e := models.DeviceError{
		DeviceID:  deviceID,
		ErrorType: p.ErrorType,
		Message:   p.Message,
		Severity:  sev,
		Timestamp: p.Timestamp.or(time.Now().UTC()),
	}
	if m.sink != nil {
		if err := m.sink.HandleDeviceError(ctx, e); err != nil {
			m.logger.Debug("device error sink error",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

// newDropLimiter allows one drop log per second with a small burst.
func newDropLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 5)
}
