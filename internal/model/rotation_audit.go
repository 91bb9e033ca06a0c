package model

import (
	"time"

	"github.com/google/uuid"
)

type RotationReason string

const (
	RotationReasonPeriodic    RotationReason = "PERIODIC"
	RotationReasonManual      RotationReason = "MANUAL"
	RotationReasonCompromised RotationReason = "COMPROMISED"
)

// InitiatorSystem is recorded as InitiatedBy for rotations triggered by the
// scheduled sweep rather than an authenticated user.
const InitiatorSystem = "system"

// RotationAuditRecord is append-only: one row per rotation event, never
// mutated. It doubles as the rate-limit counter (trailing 24h window).
type RotationAuditRecord struct {
	ID                int64          `json:"id"`
	DeviceID          uuid.UUID      `json:"device_id"`
	UserID            uuid.UUID      `json:"user_id"`
	PreviousKeyHandle string         `json:"previous_key_handle"`
	NewKeyHandle      string         `json:"new_key_handle"`
	Reason            RotationReason `json:"reason"`
	InitiatedBy       string         `json:"initiated_by"`
	RotatedAt         time.Time      `json:"rotated_at"`
}
