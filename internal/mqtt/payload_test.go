package mqtt

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSensorValue_scalar(t *testing.T) {
	var p sensorPayload
	if err := json.Unmarshal([]byte(`{"value": 23.5}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Value.Reading != 23.5 {
		t.Errorf("reading = %v, want 23.5", p.Value.Reading)
	}
	if p.Value.Unit != "" || p.Value.Quality != 0 {
		t.Errorf("scalar value should leave unit/quality zero, got %+v", p.Value)
	}
}

func TestSensorValue_object(t *testing.T) {
	var p sensorPayload
	raw := `{"value": {"reading": 23.5, "unit": "°C", "quality": 95}, "timestamp": 1755200000.5}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Value.Reading != 23.5 || p.Value.Unit != "°C" || p.Value.Quality != 95 {
		t.Errorf("value = %+v", p.Value)
	}
	if !p.Timestamp.set {
		t.Fatal("timestamp should be set")
	}
	want := time.Unix(1755200000, 500000000).UTC()
	if !p.Timestamp.t.Equal(want) {
		t.Errorf("timestamp = %v, want %v", p.Timestamp.t, want)
	}
}

func TestSensorValue_object_value_key(t *testing.T) {
	var p sensorPayload
	if err := json.Unmarshal([]byte(`{"value": {"value": 7.25}}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Value.Reading != 7.25 {
		t.Errorf("reading = %v, want 7.25", p.Value.Reading)
	}
}

func TestSensorValue_rejects_garbage(t *testing.T) {
	var p sensorPayload
	for _, raw := range []string{`{"value": "hot"}`, `{"value": {}}`, `{"value": [1]}`} {
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			t.Errorf("unmarshal(%s) should fail", raw)
		}
	}
}

func TestWireTimestamp_missing_uses_fallback(t *testing.T) {
	var p sensorPayload
	if err := json.Unmarshal([]byte(`{"value": 1}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	fallback := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if got := p.Timestamp.or(fallback); !got.Equal(fallback) {
		t.Errorf("or(fallback) = %v, want %v", got, fallback)
	}
}

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"value": "online"}`, "online"},
		{`"connected"`, "connected"},
		{`offline`, "offline"},
	}
	for _, tt := range tests {
		p, err := decodeStatus([]byte(tt.raw))
		if err != nil {
			t.Errorf("decodeStatus(%s): %v", tt.raw, err)
			continue
		}
		if p.Value != tt.want {
			t.Errorf("decodeStatus(%s) = %q, want %q", tt.raw, p.Value, tt.want)
		}
	}
	if _, err := decodeStatus([]byte("  ")); err == nil {
		t.Error("empty status should fail")
	}
}

func TestDecodeError_flat_and_nested(t *testing.T) {
	flat := `{"error_type": "sensor_fail", "message": "dht22 timeout", "severity": 3}`
	p, err := decodeError([]byte(flat))
	if err != nil {
		t.Fatalf("decodeError flat: %v", err)
	}
	if p.ErrorType != "sensor_fail" || p.Severity == nil || *p.Severity != 3 {
		t.Errorf("flat = %+v", p)
	}

	nested := `{"value": {"error_type": "overheat", "message": "85C"}}`
	p, err = decodeError([]byte(nested))
	if err != nil {
		t.Fatalf("decodeError nested: %v", err)
	}
	if p.ErrorType != "overheat" || p.Message != "85C" {
		t.Errorf("nested = %+v", p)
	}
}

func TestActuatorPayload_stateString(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"value": "on"}`, "on"},
		{`{"value": 42}`, "42"},
		{`{"value": {"r": 255, "g": 0}}`, `{"r": 255, "g": 0}`},
	}
	for _, tt := range tests {
		var p actuatorPayload
		if err := json.Unmarshal([]byte(tt.raw), &p); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		if got := p.stateString(); got != tt.want {
			t.Errorf("stateString(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
