package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/internal/repository"
	"github.com/valu/devicekeys/pkg/crypto"
	"github.com/valu/devicekeys/pkg/errs"
)

// Rotation issues a replacement key pair for a device that already holds an
// ACTIVE key. The manual handler and the scheduled sweep share this routine;
// the audit reason and initiator are parameters so scheduled rotations are
// recorded as PERIODIC/system rather than inheriting the manual labels.
type Rotation struct {
	keys    DeviceKeyStore
	audits  RotationAuditStore
	secrets SecretStore
	emitter Emitter
	log     *zerolog.Logger
	now     func() time.Time
}

func NewRotation(keys DeviceKeyStore, audits RotationAuditStore, secrets SecretStore, emitter Emitter, log *zerolog.Logger) *Rotation {
	return &Rotation{
		keys:    keys,
		audits:  audits,
		secrets: secrets,
		emitter: emitter,
		log:     log,
		now:     time.Now,
	}
}

// Rotate replaces the device's ACTIVE key. newDevicePublicKey is optional;
// when empty the device public key on file is reused.
func (c *Rotation) Rotate(ctx context.Context, deviceID, userID uuid.UUID, newDevicePublicKey string, reason model.RotationReason, initiatedBy string) (*ExchangeResult, error) {
	current, err := c.keys.ActiveDeviceKey(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("no active key for device")
		}
		return nil, err
	}
	if current.UserID != userID {
		return nil, errs.NotFound("no active key for device")
	}

	devicePublicKey := current.DevicePublicKey
	if newDevicePublicKey != "" {
		if err := crypto.ValidatePublicKey(newDevicePublicKey); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidArgument, "device public key rejected: "+err.Error(), err)
		}
		devicePublicKey = newDevicePublicKey
	}

	privateKeyPEM, serverPublicKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, errs.Internal("server key generation failed", err)
	}
	if _, err := crypto.DeriveSharedSecret(devicePublicKey, privateKeyPEM); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidArgument, "key agreement failed", err)
	}
	salt, err := crypto.GenerateSalt(model.SaltLen)
	if err != nil {
		return nil, errs.Internal("salt generation failed", err)
	}
	saltB64 := encodeSalt(salt)

	for attempt := 0; attempt < maxHandleAttempts; attempt++ {
		keyHandle, err := crypto.GenerateKeyHandle()
		if err != nil {
			return nil, errs.Internal("key handle generation failed", err)
		}

		if err := c.secrets.StoreKey(ctx, keyHandle, privateKeyPEM); err != nil {
			c.logErr(err, deviceID, userID).Msg("custody write failed")
			return nil, errs.Custody("secret store rejected key", err)
		}

		var result *ExchangeResult
		err = c.keys.WithLocks(ctx, []uuid.UUID{deviceID}, func(ctx context.Context) error {
			now := c.now().UTC()

			// Re-read under the lock; a concurrent rotation may have
			// superseded the record we saw outside it.
			active, err := c.keys.ActiveDeviceKey(ctx, deviceID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return errs.NotFound("no active key for device")
				}
				return err
			}
			if active.UserID != userID {
				return errs.NotFound("no active key for device")
			}

			rotations, err := c.audits.CountRotationsSince(ctx, deviceID, now.Add(-model.RotationRateWindow))
			if err != nil {
				return err
			}
			if rotations >= model.MaxRotationsPerWindow {
				return errs.RateLimited("rotation limit reached for device")
			}

			ok, err := c.keys.MarkRotated(ctx, deviceID, active.KeyHandle)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Conflict("concurrent rotation for device")
			}

			rec := &model.DeviceKeyRecord{
				DeviceID:        deviceID,
				UserID:          userID,
				KeyHandle:       keyHandle,
				DevicePublicKey: devicePublicKey,
				ServerPublicKey: serverPublicKey,
				Salt:            saltB64,
				Status:          model.KeyStatusActive,
				IssuedAt:        now,
				ExpiresAt:       now.AddDate(0, 0, model.KeyValidityDays),
				Platform:        active.Platform,
				AppVersion:      active.AppVersion,
				DeviceName:      active.DeviceName,
			}
			if err := c.keys.CreateDeviceKey(ctx, rec); err != nil {
				if errors.Is(err, repository.ErrActiveExists) {
					return errs.Conflict("concurrent rotation for device")
				}
				return err
			}

			err = c.audits.AppendRotationAudit(ctx, &model.RotationAuditRecord{
				DeviceID:          deviceID,
				UserID:            userID,
				PreviousKeyHandle: active.KeyHandle,
				NewKeyHandle:      keyHandle,
				Reason:            reason,
				InitiatedBy:       initiatedBy,
				RotatedAt:         now,
			})
			if err != nil {
				return err
			}

			result = buildExchangeResult(rec, now)
			return nil
		})

		if err == nil {
			c.emitter.Emit(ctx, model.Event{
				Type:       model.EventKeyRotated,
				DeviceID:   deviceID,
				UserID:     userID,
				KeyHandle:  keyHandle,
				Reason:     string(reason),
				OccurredAt: result.IssuedAt,
			})
			return result, nil
		}

		if delErr := c.secrets.DeleteKey(ctx, keyHandle); delErr != nil {
			c.logErr(delErr, deviceID, userID).Msg("failed to unwind orphaned secret")
		}
		if errors.Is(err, repository.ErrDuplicateHandle) {
			c.log.Warn().Str("device_id", deviceID.String()).Msg("key handle collision, regenerating")
			continue
		}
		c.logErr(err, deviceID, userID).Msg("key rotation failed")
		return nil, err
	}
	return nil, errs.Internal("key handle collisions persisted", nil)
}

func (c *Rotation) logErr(err error, deviceID, userID uuid.UUID) *zerolog.Event {
	return c.log.Error().Err(err).
		Str("device_id", deviceID.String()).
		Str("user_id", userID.String())
}
