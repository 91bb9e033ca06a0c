package service

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/internal/repository"
	"github.com/valu/devicekeys/pkg/crypto"
	"github.com/valu/devicekeys/pkg/errs"
)

// maxHandleAttempts bounds the retry loop on a key-handle collision. The
// handle space is 192 bits, so a second collision in a row means something
// is wrong with the RNG, not bad luck.
const maxHandleAttempts = 3

type ExchangeRequest struct {
	DevicePublicKey string
	DeviceID        uuid.UUID
	Platform        model.Platform
	AppVersion      string
	DeviceName      string
}

type ExchangeResult struct {
	ServerPublicKey     string    `json:"server_public_key"`
	KeyHandle           string    `json:"key_handle"`
	Salt                string    `json:"salt"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	ProtocolVersion     string    `json:"protocol_version"`
	DaysUntilExpiration int       `json:"days_until_expiration"`
}

// KeyExchange establishes the mutually-derived device master key: the server
// generates a fresh P-256 pair, both sides run ECDH + HKDF independently, and
// only non-secret metadata is persisted. The private key goes to the secret
// store before the handle is ever exposed.
type KeyExchange struct {
	keys    DeviceKeyStore
	audits  RotationAuditStore
	secrets SecretStore
	emitter Emitter
	log     *zerolog.Logger
	now     func() time.Time
}

func NewKeyExchange(keys DeviceKeyStore, audits RotationAuditStore, secrets SecretStore, emitter Emitter, log *zerolog.Logger) *KeyExchange {
	return &KeyExchange{
		keys:    keys,
		audits:  audits,
		secrets: secrets,
		emitter: emitter,
		log:     log,
		now:     time.Now,
	}
}

func (c *KeyExchange) Exchange(ctx context.Context, userID uuid.UUID, req ExchangeRequest) (*ExchangeResult, error) {
	if userID == uuid.Nil {
		return nil, errs.Unauthenticated("caller must be authenticated")
	}
	if req.DeviceID == uuid.Nil {
		return nil, errs.InvalidArg("device_id is required")
	}
	if !req.Platform.Valid() {
		return nil, errs.InvalidArg("platform must be android or ios")
	}
	if req.AppVersion == "" {
		return nil, errs.InvalidArg("app_version is required")
	}
	if err := crypto.ValidatePublicKey(req.DevicePublicKey); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidArgument, "device public key rejected: "+err.Error(), err)
	}

	privateKeyPEM, serverPublicKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, errs.Internal("server key generation failed", err)
	}

	// The derived secret is discarded: the device repeats this computation
	// with its own private key and the server public key. Running it here
	// catches degenerate peer keys before anything is persisted.
	if _, err := crypto.DeriveSharedSecret(req.DevicePublicKey, privateKeyPEM); err != nil {
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

		// Custody write is the point of no return: the private key must be
		// durably stored before the metadata row goes ACTIVE.
		if err := c.secrets.StoreKey(ctx, keyHandle, privateKeyPEM); err != nil {
			c.logErr(err, req.DeviceID, userID).Msg("custody write failed")
			return nil, errs.Custody("secret store rejected key", err)
		}

		var (
			result   *ExchangeResult
			previous *model.DeviceKeyRecord
		)
		err = c.keys.WithLocks(ctx, []uuid.UUID{userID, req.DeviceID}, func(ctx context.Context) error {
			active, err := c.keys.CountActiveDevices(ctx, userID)
			if err != nil {
				return err
			}
			if active >= model.MaxActiveDevicesPerUser {
				return errs.Capacity("active device limit reached")
			}

			prev, err := c.keys.ActiveDeviceKey(ctx, req.DeviceID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			// An implicit rotation mutates an existing device; only its owner
			// may do that, no matter who knows the device id.
			if prev != nil && prev.UserID != userID {
				return errs.Conflict("device is registered to another user")
			}

			now := c.now().UTC()
			rec := &model.DeviceKeyRecord{
				DeviceID:        req.DeviceID,
				UserID:          userID,
				KeyHandle:       keyHandle,
				DevicePublicKey: req.DevicePublicKey,
				ServerPublicKey: serverPublicKey,
				Salt:            saltB64,
				Status:          model.KeyStatusActive,
				IssuedAt:        now,
				ExpiresAt:       now.AddDate(0, 0, model.KeyValidityDays),
				Platform:        req.Platform,
				AppVersion:      req.AppVersion,
				DeviceName:      req.DeviceName,
			}

			if prev != nil {
				// Re-exchange for a known device is an implicit rotation.
				ok, err := c.keys.MarkRotated(ctx, req.DeviceID, prev.KeyHandle)
				if err != nil {
					return err
				}
				if !ok {
					return errs.Conflict("concurrent key exchange for device")
				}
				err = c.audits.AppendRotationAudit(ctx, &model.RotationAuditRecord{
					DeviceID:          req.DeviceID,
					UserID:            userID,
					PreviousKeyHandle: prev.KeyHandle,
					NewKeyHandle:      keyHandle,
					Reason:            model.RotationReasonManual,
					InitiatedBy:       userID.String(),
					RotatedAt:         now,
				})
				if err != nil {
					return err
				}
			}

			if err := c.keys.CreateDeviceKey(ctx, rec); err != nil {
				if errors.Is(err, repository.ErrActiveExists) {
					return errs.Conflict("concurrent key exchange for device")
				}
				return err
			}

			previous = prev
			result = buildExchangeResult(rec, now)
			return nil
		})

		if err == nil {
			c.emitter.Emit(ctx, model.Event{
				Type:       model.EventDeviceRegistered,
				DeviceID:   req.DeviceID,
				UserID:     userID,
				KeyHandle:  keyHandle,
				OccurredAt: result.IssuedAt,
			})
			if previous != nil {
				c.emitter.Emit(ctx, model.Event{
					Type:       model.EventKeyRotated,
					DeviceID:   req.DeviceID,
					UserID:     userID,
					KeyHandle:  keyHandle,
					Reason:     string(model.RotationReasonManual),
					OccurredAt: result.IssuedAt,
				})
			}
			return result, nil
		}

		// The metadata write failed, so the custody entry is an orphan.
		// Delete it before surfacing the error or retrying a new handle.
		if delErr := c.secrets.DeleteKey(ctx, keyHandle); delErr != nil {
			c.logErr(delErr, req.DeviceID, userID).Msg("failed to unwind orphaned secret")
		}
		if errors.Is(err, repository.ErrDuplicateHandle) {
			c.log.Warn().Str("device_id", req.DeviceID.String()).Msg("key handle collision, regenerating")
			continue
		}
		c.logErr(err, req.DeviceID, userID).Msg("key exchange failed")
		return nil, err
	}
	return nil, errs.Internal("key handle collisions persisted", nil)
}

func (c *KeyExchange) logErr(err error, deviceID, userID uuid.UUID) *zerolog.Event {
	return c.log.Error().Err(err).
		Str("device_id", deviceID.String()).
		Str("user_id", userID.String())
}

func encodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}

func buildExchangeResult(rec *model.DeviceKeyRecord, now time.Time) *ExchangeResult {
	return &ExchangeResult{
		ServerPublicKey:     rec.ServerPublicKey,
		KeyHandle:           rec.KeyHandle,
		Salt:                rec.Salt,
		IssuedAt:            rec.IssuedAt,
		ExpiresAt:           rec.ExpiresAt,
		ProtocolVersion:     model.ProtocolVersion,
		DaysUntilExpiration: int(rec.ExpiresAt.Sub(now).Hours() / 24),
	}
}
