package fleet

import "errors"

// Sentinel errors surfaced to tool callers.
var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrSensorNotFound     = errors.New("sensor not found")
	ErrDeviceOffline      = errors.New("device is offline")
	ErrUnknownActuator    = errors.New("unknown actuator")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
