// Package testutil provides shared fixtures and fakes for module tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgebridge/edgebridge/pkg/models"
	"github.com/edgebridge/edgebridge/pkg/plugin"
)

// NewDevice returns a Device with sensible defaults, suitable for test
// fixtures. Override individual fields via options.
func NewDevice(opts ...func(*models.Device)) models.Device {
	now := time.Now().UTC()
	d := models.Device{
		DeviceID: "esp32-" + uuid.New().String()[:8],
		Online:   true,
		LastSeen: now,
		Capabilities: models.DeviceCapabilities{
			Sensors:    []string{"temperature"},
			Actuators:  []string{"led"},
			DeviceType: "esp32",
			ReceivedAt: now,
		},
		SensorReadings: map[string]models.SensorReading{},
		ActuatorStates: map[string]models.ActuatorState{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithDeviceID sets the device identifier.
func WithDeviceID(id string) func(*models.Device) {
	return func(d *models.Device) { d.DeviceID = id }
}

// WithOnline sets the device liveness.
func WithOnline(online bool) func(*models.Device) {
	return func(d *models.Device) { d.Online = online }
}

// WithSensors sets the advertised sensor list.
func WithSensors(sensors ...string) func(*models.Device) {
	return func(d *models.Device) { d.Capabilities.Sensors = sensors }
}

// WithActuators sets the advertised actuator list.
func WithActuators(actuators ...string) func(*models.Device) {
	return func(d *models.Device) { d.Capabilities.Actuators = actuators }
}

// WithReading sets one latest sensor reading.
func WithReading(sensor string, value float64) func(*models.Device) {
	return func(d *models.Device) {
		d.SensorReadings[sensor] = models.SensorReading{
			DeviceID:   d.DeviceID,
			SensorType: sensor,
			Value:      value,
			Quality:    100,
			Timestamp:  time.Now().UTC(),
		}
	}
}

// MockBus is an EventBus fake that records published events and performs
// no delivery.
type MockBus struct {
	mu     sync.Mutex
	events []plugin.Event
}

// NewMockBus creates an empty MockBus.
func NewMockBus() *MockBus {
	return &MockBus{}
}

func (b *MockBus) Publish(_ context.Context, event plugin.Event) error {
	b.record(event)
	return nil
}

func (b *MockBus) PublishAsync(_ context.Context, event plugin.Event) {
	b.record(event)
}

func (b *MockBus) Subscribe(string, plugin.EventHandler) func() {
	return func() {}
}

func (b *MockBus) SubscribeAll(plugin.EventHandler) func() {
	return func() {}
}

func (b *MockBus) record(event plugin.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns a copy of everything published so far.
func (b *MockBus) Events() []plugin.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]plugin.Event(nil), b.events...)
}
