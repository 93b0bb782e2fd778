package mqtt

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/edgebridge/edgebridge/pkg/plugin"
	"github.com/edgebridge/edgebridge/pkg/plugin/plugintest"
)

func TestModule_contract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return NewModule() })
}

func depsWithLogger() plugin.Dependencies {
	return plugin.Dependencies{Logger: zap.NewNop()}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Broker: "localhost", Port: 1883}, "tcp://localhost:1883"},
		{Config{Broker: "broker.example.com", Port: 8883, UseTLS: true}, "ssl://broker.example.com:8883"},
		{Config{Broker: "localhost"}, "tcp://localhost:1883"},
	}
	for _, tt := range tests {
		if got := tt.cfg.BrokerURL(); got != tt.want {
			t.Errorf("BrokerURL() = %q, want %q", got, tt.want)
		}
	}
}

func TestPublish_not_connected(t *testing.T) {
	m := NewModule()
	if err := m.Init(context.Background(), depsWithLogger()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	err := m.Publish("devices/x/actuators/led/cmd", map[string]any{"action": "on"}, 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish without connection = %v, want ErrNotConnected", err)
	}

	_, err = m.PublishCommand(context.Background(), "x", "led", "on", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishCommand without connection = %v, want ErrNotConnected", err)
	}
}

func TestCommandTopic(t *testing.T) {
	tests := []struct {
		deviceID, actuatorType string
		want                   string
	}{
		{"esp32_aa11bb", "led", "devices/esp32_aa11bb/actuators/led/cmd"},
		{"esp32_a", "water_pump", "devices/esp32_a/actuators/water_pump/cmd"},
	}
	for _, tt := range tests {
		if got := commandTopic(tt.deviceID, tt.actuatorType); got != tt.want {
			t.Errorf("commandTopic(%q, %q) = %q, want %q", tt.deviceID, tt.actuatorType, got, tt.want)
		}
	}
}

func TestStart_without_broker_is_idle(t *testing.T) {
	m := NewModule()
	if err := m.Init(context.Background(), depsWithLogger()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start without broker should be a no-op, got %v", err)
	}
	if m.Connected() {
		t.Error("idle module should not report connected")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
