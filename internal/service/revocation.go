package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/internal/repository"
	"github.com/valu/devicekeys/pkg/errs"
)

// Revocation soft-revokes device keys: the REVOKED metadata status is
// authoritative, the custody delete is best-effort cleanup.
type Revocation struct {
	keys    DeviceKeyStore
	secrets SecretStore
	emitter Emitter
	log     *zerolog.Logger
	now     func() time.Time
}

func NewRevocation(keys DeviceKeyStore, secrets SecretStore, emitter Emitter, log *zerolog.Logger) *Revocation {
	return &Revocation{
		keys:    keys,
		secrets: secrets,
		emitter: emitter,
		log:     log,
		now:     time.Now,
	}
}

func (c *Revocation) Revoke(ctx context.Context, deviceID, userID uuid.UUID, reason string) error {
	var keyHandle string
	err := c.keys.WithLocks(ctx, []uuid.UUID{deviceID}, func(ctx context.Context) error {
		rec, err := c.keys.ActiveDeviceKey(ctx, deviceID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return errs.NotFound("no active key for device")
			}
			return err
		}
		if rec.UserID != userID {
			return errs.NotFound("no active key for device")
		}

		ok, err := c.keys.MarkRevoked(ctx, deviceID, rec.KeyHandle)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Conflict("concurrent revocation for device")
		}
		keyHandle = rec.KeyHandle
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).
			Str("device_id", deviceID.String()).
			Str("user_id", userID.String()).
			Msg("revocation failed")
		return err
	}

	// REVOKED is already durable; a lingering secret is cleaned up by the
	// reconciliation sweep if this delete fails.
	if err := c.secrets.DeleteKey(ctx, keyHandle); err != nil {
		c.log.Warn().Err(err).
			Str("device_id", deviceID.String()).
			Msg("custody delete failed, secret will be reconciled later")
	}

	c.emitter.Emit(ctx, model.Event{
		Type:       model.EventKeyRevoked,
		DeviceID:   deviceID,
		UserID:     userID,
		KeyHandle:  keyHandle,
		Reason:     reason,
		OccurredAt: c.now().UTC(),
	})
	return nil
}

// RevokeAll transitions every ACTIVE key for the user to REVOKED. Used for
// account-compromise response; returns the number of devices affected.
func (c *Revocation) RevokeAll(ctx context.Context, userID uuid.UUID, reason string) (int64, error) {
	var (
		count   int64
		revoked []*model.DeviceKeyRecord
	)
	err := c.keys.WithLocks(ctx, []uuid.UUID{userID}, func(ctx context.Context) error {
		recs, err := c.keys.ListDeviceKeys(ctx, userID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Status == model.KeyStatusActive {
				revoked = append(revoked, rec)
			}
		}
		count, err = c.keys.RevokeAllForUser(ctx, userID)
		return err
	})
	if err != nil {
		c.log.Error().Err(err).
			Str("user_id", userID.String()).
			Msg("bulk revocation failed")
		return 0, err
	}

	now := c.now().UTC()
	for _, rec := range revoked {
		if err := c.secrets.DeleteKey(ctx, rec.KeyHandle); err != nil {
			c.log.Warn().Err(err).
				Str("device_id", rec.DeviceID.String()).
				Msg("custody delete failed, secret will be reconciled later")
		}
		c.emitter.Emit(ctx, model.Event{
			Type:       model.EventKeyRevoked,
			DeviceID:   rec.DeviceID,
			UserID:     userID,
			KeyHandle:  rec.KeyHandle,
			Reason:     reason,
			OccurredAt: now,
		})
	}
	return count, nil
}
