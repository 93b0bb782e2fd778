package fleet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgebridge/edgebridge/internal/store"
	"github.com/edgebridge/edgebridge/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background(), "fleet", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(s.DB())
}

func TestRegisterDevice_preserves_created_at(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RegisterDevice(ctx, "esp32_a", "esp32", "1.0.0", "greenhouse"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	var created1 string
	if err := s.db.QueryRowContext(ctx, "SELECT created_at FROM devices WHERE device_id = 'esp32_a'").Scan(&created1); err != nil {
		t.Fatalf("query created_at: %v", err)
	}

	if err := s.RegisterDevice(ctx, "esp32_a", "esp32", "1.1.0", "lab"); err != nil {
		t.Fatalf("second register: %v", err)
	}
	var created2, firmware string
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, firmware_version FROM devices WHERE device_id = 'esp32_a'",
	).Scan(&created2, &firmware)
	if err != nil {
		t.Fatalf("query after upsert: %v", err)
	}
	if created2 != created1 {
		t.Errorf("created_at changed on re-register: %q -> %q", created1, created2)
	}
	if firmware != "1.1.0" {
		t.Errorf("firmware = %q, want 1.1.0", firmware)
	}
}

func TestRegisterDevice_requires_id(t *testing.T) {
	s := testStore(t)
	if err := s.RegisterDevice(context.Background(), "", "esp32", "", ""); err == nil {
		t.Error("expected error for empty device id")
	}
}

func TestSensorData_roundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r := models.SensorReading{
			DeviceID:   "esp32_a",
			SensorType: "temperature",
			Value:      20 + float64(i),
			Unit:       "°C",
			Quality:    100,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.StoreSensorData(ctx, r); err != nil {
			t.Fatalf("store reading %d: %v", i, err)
		}
	}

	got, err := s.GetSensorData(ctx, "esp32_a", "temperature", base.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("GetSensorData: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d readings, want 3", len(got))
	}
	if got[0].Value != 22 {
		t.Errorf("newest first: got[0].Value = %v, want 22", got[0].Value)
	}

	// since excludes older rows
	got, err = s.GetSensorData(ctx, "esp32_a", "temperature", base.Add(90*time.Second), 10)
	if err != nil {
		t.Fatalf("GetSensorData since: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("since filter returned %d readings, want 1", len(got))
	}

	// limit caps the result
	got, err = s.GetSensorData(ctx, "esp32_a", "temperature", base.Add(-time.Hour), 2)
	if err != nil {
		t.Fatalf("GetSensorData limit: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limit 2 returned %d readings", len(got))
	}
}

func TestStoreSensorData_validates(t *testing.T) {
	s := testStore(t)
	err := s.StoreSensorData(context.Background(), models.SensorReading{DeviceID: "a"})
	if err == nil {
		t.Error("expected error for missing sensor type")
	}
}

func TestDeviceErrors_filtering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	errs := []models.DeviceError{
		{DeviceID: "a", ErrorType: "sensor_fail", Severity: models.SeverityWarning, Timestamp: now},
		{DeviceID: "a", ErrorType: "overheat", Severity: models.SeverityCritical, Timestamp: now.Add(time.Second)},
		{DeviceID: "b", ErrorType: "sensor_fail", Severity: models.SeverityError, Timestamp: now.Add(2 * time.Second)},
	}
	for _, e := range errs {
		if err := s.LogDeviceError(ctx, e); err != nil {
			t.Fatalf("log error: %v", err)
		}
	}

	got, err := s.GetDeviceErrors(ctx, "", models.SeverityError, now.Add(-time.Minute), 50)
	if err != nil {
		t.Fatalf("GetDeviceErrors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("severity filter returned %d errors, want 2", len(got))
	}
	if got[0].DeviceID != "b" {
		t.Errorf("newest first: got[0].DeviceID = %q, want b", got[0].DeviceID)
	}

	got, err = s.GetDeviceErrors(ctx, "a", models.SeverityInfo, now.Add(-time.Minute), 50)
	if err != nil {
		t.Fatalf("GetDeviceErrors device: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("device filter returned %d errors, want 2", len(got))
	}
}

func TestCapabilities_roundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.GetCapabilities(ctx, "unknown")
	if err != nil {
		t.Fatalf("GetCapabilities unknown: %v", err)
	}
	if got != nil {
		t.Error("unknown device should return nil capabilities")
	}

	caps := models.DeviceCapabilities{
		Sensors:         []string{"temperature", "humidity"},
		Actuators:       []string{"led"},
		FirmwareVersion: "1.0.0",
		DeviceType:      "esp32",
		ReceivedAt:      time.Now().UTC(),
	}
	if err := s.UpsertCapabilities(ctx, "esp32_a", caps); err != nil {
		t.Fatalf("UpsertCapabilities: %v", err)
	}

	got, err = s.GetCapabilities(ctx, "esp32_a")
	if err != nil {
		t.Fatalf("GetCapabilities: %v", err)
	}
	if got == nil || len(got.Sensors) != 2 || got.FirmwareVersion != "1.0.0" {
		t.Errorf("capabilities roundtrip mismatch: %+v", got)
	}
}

func TestMetrics_roundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := models.DeviceMetrics{
		DeviceID:         "esp32_a",
		MessagesSent:     3,
		MessagesReceived: 42,
		LastActivity:     time.Now().UTC(),
		UptimeStart:      time.Now().UTC().Add(-time.Hour),
	}
	if err := s.UpsertMetrics(ctx, m); err != nil {
		t.Fatalf("UpsertMetrics: %v", err)
	}
	m.MessagesReceived = 43
	if err := s.UpsertMetrics(ctx, m); err != nil {
		t.Fatalf("UpsertMetrics update: %v", err)
	}

	got, err := s.ListMetrics(ctx, "esp32_a")
	if err != nil {
		t.Fatalf("ListMetrics: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d metric rows, want 1", len(got))
	}
	if got[0].MessagesReceived != 43 {
		t.Errorf("messages received = %d, want 43", got[0].MessagesReceived)
	}
}

func TestCleanup_deletes_only_expired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	old := models.SensorReading{DeviceID: "a", SensorType: "temperature", Value: 1, Timestamp: now.AddDate(0, 0, -60)}
	fresh := models.SensorReading{DeviceID: "a", SensorType: "temperature", Value: 2, Timestamp: now}
	for _, r := range []models.SensorReading{old, fresh} {
		if err := s.StoreSensorData(ctx, r); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if err := s.LogDeviceError(ctx, models.DeviceError{
		DeviceID: "a", ErrorType: "x", Severity: 2, Timestamp: now.AddDate(0, 0, -60),
	}); err != nil {
		t.Fatalf("log error: %v", err)
	}

	res, err := s.Cleanup(ctx, now.AddDate(0, 0, -30), now.AddDate(0, 0, -30), 500)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.SensorRows != 1 || res.ErrorRows != 1 {
		t.Errorf("Cleanup removed %+v, want 1 sensor row and 1 error row", res)
	}

	got, err := s.GetSensorData(ctx, "a", "temperature", time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetSensorData: %v", err)
	}
	if len(got) != 1 || got[0].Value != 2 {
		t.Errorf("fresh reading should survive cleanup, got %+v", got)
	}
}

func TestCleanup_keeps_latest_actuator_state(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -60)

	// Both rows are expired; the newer one must survive as the latest state.
	states := []models.ActuatorState{
		{DeviceID: "a", ActuatorType: "led", State: "off", Timestamp: old},
		{DeviceID: "a", ActuatorType: "led", State: "on", Timestamp: old.Add(time.Minute)},
	}
	for _, st := range states {
		if err := s.StoreActuatorState(ctx, st); err != nil {
			t.Fatalf("store state: %v", err)
		}
	}

	res, err := s.Cleanup(ctx, time.Now(), time.Now(), 500)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.ActuatorRows != 1 {
		t.Errorf("removed %d actuator rows, want 1", res.ActuatorRows)
	}

	var state string
	err = s.db.QueryRowContext(ctx,
		"SELECT state FROM actuator_states WHERE device_id = 'a' AND actuator_type = 'led'",
	).Scan(&state)
	if err != nil {
		t.Fatalf("query surviving state: %v", err)
	}
	if state != "on" {
		t.Errorf("surviving state = %q, want the newest (on)", state)
	}
}

func TestCleanup_batches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -60)

	for i := 0; i < 7; i++ {
		r := models.SensorReading{DeviceID: "a", SensorType: "temperature", Value: float64(i), Timestamp: old}
		if err := s.StoreSensorData(ctx, r); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	res, err := s.Cleanup(ctx, time.Now(), time.Now(), 3)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.SensorRows != 7 {
		t.Errorf("batched cleanup removed %d rows, want 7", res.SensorRows)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RegisterDevice(ctx, "a", "esp32", "", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.StoreSensorData(ctx, models.SensorReading{
		DeviceID: "a", SensorType: "temperature", Value: 1, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Devices != 1 || st.SensorRows != 1 {
		t.Errorf("Stats = %+v, want 1 device and 1 sensor row", st)
	}
	if st.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", st.SizeBytes)
	}
}
