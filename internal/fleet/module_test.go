package fleet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgebridge/edgebridge/internal/event"
	"github.com/edgebridge/edgebridge/internal/store"
	"github.com/edgebridge/edgebridge/pkg/models"
	"github.com/edgebridge/edgebridge/pkg/plugin"
	"github.com/edgebridge/edgebridge/pkg/plugin/plugintest"
	"go.uber.org/zap"
)

func TestModule_contract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return NewModule() })
}

func testModule(t *testing.T) (*Module, plugin.EventBus) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := event.NewBus(zap.NewNop())
	m := NewModule()
	err = m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  s,
		Bus:    bus,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, bus
}

func TestHandleSensorReading_updates_registry_and_store(t *testing.T) {
	m, _ := testModule(t)
	ctx := context.Background()

	r := models.SensorReading{
		DeviceID:   "esp32_a",
		SensorType: "temperature",
		Value:      23.5,
		Quality:    100,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.HandleSensorReading(ctx, r); err != nil {
		t.Fatalf("HandleSensorReading: %v", err)
	}

	d, ok := m.Manager().Get("esp32_a")
	if !ok || !d.Online {
		t.Fatal("device should be registered and online")
	}

	hist, err := m.Store().GetSensorData(ctx, "esp32_a", "temperature", time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetSensorData: %v", err)
	}
	if len(hist) != 1 || hist[0].Value != 23.5 {
		t.Errorf("persisted history = %+v, want one reading of 23.5", hist)
	}
}

func TestHandleStatus_publishes_transition(t *testing.T) {
	m, bus := testModule(t)
	ctx := context.Background()

	got := make(chan plugin.Event, 2)
	unsub := bus.Subscribe(TopicDeviceOffline, func(_ context.Context, e plugin.Event) {
		got <- e
	})
	defer unsub()

	now := time.Now().UTC()
	if err := m.HandleStatus(ctx, "esp32_a", true, "online", now); err != nil {
		t.Fatalf("HandleStatus online: %v", err)
	}
	if err := m.HandleStatus(ctx, "esp32_a", false, "offline", now.Add(time.Second)); err != nil {
		t.Fatalf("HandleStatus offline: %v", err)
	}

	select {
	case e := <-got:
		ev, ok := e.Payload.(StatusEvent)
		if !ok {
			t.Fatalf("payload type %T, want StatusEvent", e.Payload)
		}
		if ev.DeviceID != "esp32_a" || ev.Online {
			t.Errorf("event = %+v, want offline esp32_a", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no offline event published")
	}

	// Re-sending the same status must not publish again.
	if err := m.HandleStatus(ctx, "esp32_a", false, "offline", now.Add(2*time.Second)); err != nil {
		t.Fatalf("HandleStatus repeat: %v", err)
	}
	select {
	case <-got:
		t.Error("duplicate status should not publish a transition")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleStatus_stores_verbatim_string(t *testing.T) {
	m, _ := testModule(t)
	ctx := context.Background()

	// Unrecognized status strings mean offline but persist untouched.
	if err := m.HandleStatus(ctx, "esp32_a", false, "sleeping", time.Now().UTC()); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}

	d, _ := m.Manager().Get("esp32_a")
	if d.Online {
		t.Error("sleeping device should be offline in the registry")
	}

	var status string
	err := m.Store().db.QueryRowContext(ctx,
		"SELECT status FROM devices WHERE device_id = 'esp32_a'",
	).Scan(&status)
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "sleeping" {
		t.Errorf("persisted status = %q, want the verbatim string sleeping", status)
	}
}

func TestHandleCapabilities_persists_catalog(t *testing.T) {
	m, _ := testModule(t)
	ctx := context.Background()

	caps := models.DeviceCapabilities{
		Sensors:         []string{"temperature"},
		Actuators:       []string{"led"},
		DeviceType:      "esp32",
		FirmwareVersion: "1.0.0",
		Location:        "greenhouse-2",
		ReceivedAt:      time.Now().UTC(),
	}
	if err := m.HandleCapabilities(ctx, "esp32_a", caps); err != nil {
		t.Fatalf("HandleCapabilities: %v", err)
	}

	d, _ := m.Manager().Get("esp32_a")
	if !d.HasSensor("temperature") || !d.HasActuator("led") {
		t.Error("registry capabilities not applied")
	}

	stored, err := m.Store().GetCapabilities(ctx, "esp32_a")
	if err != nil {
		t.Fatalf("GetCapabilities: %v", err)
	}
	if stored == nil || stored.Location != "greenhouse-2" {
		t.Errorf("stored capabilities = %+v", stored)
	}
}

func TestHandleDeviceError_records_and_persists(t *testing.T) {
	m, _ := testModule(t)
	ctx := context.Background()

	e := models.DeviceError{
		DeviceID:  "esp32_a",
		ErrorType: "sensor_fail",
		Message:   "dht22 timeout",
		Severity:  models.SeverityError,
		Timestamp: time.Now().UTC(),
	}
	if err := m.HandleDeviceError(ctx, e); err != nil {
		t.Fatalf("HandleDeviceError: %v", err)
	}

	d, _ := m.Manager().Get("esp32_a")
	if len(d.RecentErrors) != 1 {
		t.Fatalf("recent errors = %d, want 1", len(d.RecentErrors))
	}

	stored, err := m.Store().GetDeviceErrors(ctx, "esp32_a", models.SeverityInfo, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetDeviceErrors: %v", err)
	}
	if len(stored) != 1 || stored[0].Message != "dht22 timeout" {
		t.Errorf("persisted errors = %+v", stored)
	}
}

func TestModule_start_stop(t *testing.T) {
	m, _ := testModule(t)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
