package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/valu/devicekeys/internal/model"
)

// DeviceKeyStore persists device key metadata. *repository.DB is the
// production implementation.
type DeviceKeyStore interface {
	CreateDeviceKey(ctx context.Context, key *model.DeviceKeyRecord) error
	ActiveDeviceKey(ctx context.Context, deviceID uuid.UUID) (*model.DeviceKeyRecord, error)
	LatestDeviceKey(ctx context.Context, deviceID uuid.UUID) (*model.DeviceKeyRecord, error)
	CountActiveDevices(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRotated(ctx context.Context, deviceID uuid.UUID, keyHandle string) (bool, error)
	MarkRevoked(ctx context.Context, deviceID uuid.UUID, keyHandle string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	ListDeviceKeys(ctx context.Context, userID uuid.UUID) ([]*model.DeviceKeyRecord, error)
	ListExpiring(ctx context.Context, cutoff time.Time) ([]*model.DeviceKeyRecord, error)
	MarkExpired(ctx context.Context, asOf time.Time) (int64, error)
	ListKeyHandles(ctx context.Context) ([]string, error)
	WithLocks(ctx context.Context, keys []uuid.UUID, fn func(ctx context.Context) error) error
}

// RotationAuditStore persists the append-only rotation history.
type RotationAuditStore interface {
	AppendRotationAudit(ctx context.Context, rec *model.RotationAuditRecord) error
	CountRotationsSince(ctx context.Context, deviceID uuid.UUID, since time.Time) (int, error)
	ListRotationHistory(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*model.RotationAuditRecord, error)
	CountRotationHistory(ctx context.Context, deviceID uuid.UUID) (int, error)
}

// SecretStore custodies PEM private keys by opaque handle. No other component
// ever touches raw private key material after generation.
type SecretStore interface {
	StoreKey(ctx context.Context, keyHandle, privateKeyPEM string) error
	FetchKey(ctx context.Context, keyHandle string) (string, error)
	DeleteKey(ctx context.Context, keyHandle string) error
	ListHandles(ctx context.Context) ([]string, error)
}
