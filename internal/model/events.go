package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventDeviceRegistered EventType = "device.registered"
	EventKeyRotated       EventType = "device.key_rotated"
	EventKeyRevoked       EventType = "device.key_revoked"
)

// Event is handed to external audit/notification consumers. It carries only
// non-secret identifiers.
type Event struct {
	Type       EventType `json:"type"`
	DeviceID   uuid.UUID `json:"device_id"`
	UserID     uuid.UUID `json:"user_id"`
	KeyHandle  string    `json:"key_handle,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
