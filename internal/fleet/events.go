package fleet

import (
	"time"

	"github.com/edgebridge/edgebridge/pkg/models"
)

// Event topics published by the fleet module.
const (
	TopicDeviceOnline  = "fleet.device.online"
	TopicDeviceOffline = "fleet.device.offline"
	TopicDeviceError   = "fleet.device.error"
)

// StatusEvent is the payload for TopicDeviceOnline and TopicDeviceOffline.
type StatusEvent struct {
	DeviceID string    `json:"device_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	Reason   string    `json:"reason"` // "status_message" or "timeout"
}

// ErrorEvent is the payload for TopicDeviceError.
type ErrorEvent struct {
	Error models.DeviceError `json:"error"`
}
