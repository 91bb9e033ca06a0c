package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/internal/model"
)

// Sweeper is the periodic maintenance job: it expires lapsed keys, rotates
// keys entering the rotation window, and reconciles orphaned custody entries.
// Each device is processed independently; one failure never aborts the batch.
type Sweeper struct {
	keys     DeviceKeyStore
	rotation *Rotation
	secrets  SecretStore
	log      *zerolog.Logger
	interval time.Duration
	now      func() time.Time

	// Handles seen orphaned on the previous pass. A handle is only deleted
	// once it has been orphaned across two consecutive passes.
	pendingOrphans map[string]struct{}
}

func NewSweeper(keys DeviceKeyStore, rotation *Rotation, secrets SecretStore, log *zerolog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		keys:     keys,
		rotation: rotation,
		secrets:  secrets,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

// Run blocks, sweeping once immediately and then on every tick until the
// context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()

	expired, err := s.keys.MarkExpired(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
	} else if expired > 0 {
		s.log.Info().Int64("count", expired).Msg("marked lapsed keys expired")
	}

	cutoff := now.AddDate(0, 0, model.RotationWindowDays)
	expiring, err := s.keys.ListExpiring(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("rotation scan failed")
		return
	}

	rotated := 0
	for _, rec := range expiring {
		_, err := s.rotation.Rotate(ctx, rec.DeviceID, rec.UserID, "", model.RotationReasonPeriodic, model.InitiatorSystem)
		if err != nil {
			s.log.Error().Err(err).
				Str("device_id", rec.DeviceID.String()).
				Str("user_id", rec.UserID.String()).
				Msg("scheduled rotation failed, skipping device")
			continue
		}
		rotated++
	}
	if len(expiring) > 0 {
		s.log.Info().Int("eligible", len(expiring)).Int("rotated", rotated).Msg("rotation sweep complete")
	}

	s.reconcileOrphans(ctx)
}

// reconcileOrphans deletes custody entries whose handle has no live metadata
// row: leftovers from exchanges that failed after the secret-store write, and
// secrets of revoked keys whose delete failed at revocation time.
//
// A handle can legitimately be custodied before its metadata row exists: the
// secret-store write lands before the locked metadata commit. A handle is
// therefore only deleted after it has shown up orphaned on two consecutive
// passes; an in-flight exchange commits long before the next one.
func (s *Sweeper) reconcileOrphans(ctx context.Context) {
	stored, err := s.secrets.ListHandles(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("orphan scan: secret store listing failed")
		return
	}
	if len(stored) == 0 {
		s.pendingOrphans = nil
		return
	}

	known, err := s.keys.ListKeyHandles(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("orphan scan: metadata listing failed")
		return
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, h := range known {
		knownSet[h] = struct{}{}
	}

	removed := 0
	next := make(map[string]struct{})
	for _, handle := range stored {
		if _, ok := knownSet[handle]; ok {
			continue
		}
		if _, seen := s.pendingOrphans[handle]; !seen {
			next[handle] = struct{}{}
			continue
		}
		if err := s.secrets.DeleteKey(ctx, handle); err != nil {
			s.log.Warn().Err(err).Msg("orphan delete failed")
			next[handle] = struct{}{}
			continue
		}
		removed++
	}
	s.pendingOrphans = next
	if removed > 0 {
		s.log.Info().Int("count", removed).Msg("removed orphaned custody entries")
	}
}
