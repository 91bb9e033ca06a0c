package model

import (
	"time"

	"github.com/google/uuid"
)

// Protocol constants. These are part of the wire contract with the mobile
// clients and must not change without bumping ProtocolVersion.
const (
	ProtocolVersion = "E2E1"

	// Uncompressed P-256 point: 0x04 prefix + 32-byte X + 32-byte Y.
	PublicKeyRawLen    = 65
	PublicKeyBase64Len = 88

	SaltLen      = 32
	KeyHandleLen = 32
	SharedKeyLen = 64 // HKDF output: 256-bit cipher key + 256-bit integrity key

	// Domain separator for the HKDF expansion. The device uses the same
	// string, so both sides arrive at identical key material.
	KeyDerivationInfo = "device-master-key:" + ProtocolVersion

	KeyValidityDays    = 365
	RotationWindowDays = 90

	MaxActiveDevicesPerUser = 10
	MaxRotationsPerWindow   = 5
)

// RotationRateWindow is the trailing window over which MaxRotationsPerWindow
// is enforced.
const RotationRateWindow = 24 * time.Hour

type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "ACTIVE"
	KeyStatusRotated KeyStatus = "ROTATED"
	KeyStatusRevoked KeyStatus = "REVOKED"
	KeyStatusExpired KeyStatus = "EXPIRED"
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func (p Platform) Valid() bool {
	return p == PlatformAndroid || p == PlatformIOS
}

// DeviceKeyRecord is one issued server key-pair instance. The private key
// itself lives in the secret store under KeyHandle; this row holds only
// non-secret metadata and is never physically deleted.
type DeviceKeyRecord struct {
	ID              int64     `json:"id"`
	DeviceID        uuid.UUID `json:"device_id"`
	UserID          uuid.UUID `json:"user_id"`
	KeyHandle       string    `json:"key_handle"`
	DevicePublicKey string    `json:"device_public_key"`
	ServerPublicKey string    `json:"server_public_key"`
	Salt            string    `json:"salt"`
	Status          KeyStatus `json:"status"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Platform        Platform  `json:"platform"`
	AppVersion      string    `json:"app_version"`
	DeviceName      string    `json:"device_name,omitempty"`
}
