package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// sensorValue is the polymorphic "value" field of a sensor payload: either
// a bare number or an object carrying unit and quality alongside the
// reading.
type sensorValue struct {
	Reading float64
	Unit    string
	Quality float64
}

func (v *sensorValue) UnmarshalJSON(b []byte) error {
	var scalar float64
	if err := json.Unmarshal(b, &scalar); err == nil {
		v.Reading = scalar
		v.Unit = ""
		v.Quality = 0
		return nil
	}

	var obj struct {
		Reading *float64 `json:"reading"`
		Value   *float64 `json:"value"`
		Unit    string   `json:"unit"`
		Quality float64  `json:"quality"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("sensor value must be a number or object: %w", err)
	}
	switch {
	case obj.Reading != nil:
		v.Reading = *obj.Reading
	case obj.Value != nil:
		v.Reading = *obj.Value
	default:
		return fmt.Errorf("sensor value object missing reading")
	}
	v.Unit = obj.Unit
	v.Quality = obj.Quality
	return nil
}

// wireTimestamp is an optional unix-seconds timestamp, possibly fractional.
type wireTimestamp struct {
	set bool
	t   time.Time
}

func (w *wireTimestamp) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("timestamp must be unix seconds: %w", err)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("timestamp is not finite")
	}
	whole, frac := math.Modf(secs)
	w.t = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	w.set = true
	return nil
}

// or returns the wire timestamp when present, else the fallback.
func (w wireTimestamp) or(fallback time.Time) time.Time {
	if w.set {
		return w.t
	}
	return fallback
}

type sensorPayload struct {
	Value     *sensorValue  `json:"value"`
	Timestamp wireTimestamp `json:"timestamp"`
}

type actuatorPayload struct {
	Value     json.RawMessage `json:"value"`
	Timestamp wireTimestamp   `json:"timestamp"`
}

// stateString renders the raw actuator value as a stable string: bare
// strings unquoted, everything else as compact JSON.
func (p actuatorPayload) stateString() string {
	var s string
	if err := json.Unmarshal(p.Value, &s); err == nil {
		return s
	}
	return string(p.Value)
}

type capabilitiesPayload struct {
	Sensors         []string       `json:"sensors"`
	Actuators       []string       `json:"actuators"`
	Metadata        map[string]any `json:"metadata"`
	FirmwareVersion string         `json:"firmware_version"`
	HardwareVersion string         `json:"hardware_version"`
	DeviceType      string         `json:"device_type"`
	Location        string         `json:"location"`
}

type statusPayload struct {
	Value     string        `json:"value"`
	Timestamp wireTimestamp `json:"timestamp"`
}

// onlineStatuses are the wire values treated as "online"; anything else
// means offline.
var onlineStatuses = map[string]bool{
	"online":    true,
	"connected": true,
	"active":    true,
}

// decodeStatus accepts either a JSON object with a "value" field or a bare
// string payload.
func decodeStatus(b []byte) (statusPayload, error) {
	var p statusPayload
	if err := json.Unmarshal(b, &p); err == nil && p.Value != "" {
		return p, nil
	}
	var bare string
	if err := json.Unmarshal(b, &bare); err == nil && bare != "" {
		return statusPayload{Value: bare}, nil
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return p, fmt.Errorf("empty status payload")
	}
	return statusPayload{Value: s}, nil
}

type errorPayload struct {
	ErrorType string        `json:"error_type"`
	Message   string        `json:"message"`
	Severity  *int          `json:"severity"`
	Timestamp wireTimestamp `json:"timestamp"`
}

// decodeError accepts the flat error shape or the same object nested
// under "value".
func decodeError(b []byte) (errorPayload, error) {
	var p errorPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.ErrorType != "" || p.Message != "" {
		return p, nil
	}
	var nested struct {
		Value errorPayload `json:"value"`
	}
	if err := json.Unmarshal(b, &nested); err == nil {
		if nested.Value.ErrorType != "" || nested.Value.Message != "" {
			return nested.Value, nil
		}
	}
	return p, nil
}
