package service

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/internal/model"
)

// Emitter hands lifecycle events to external audit/notification consumers.
type Emitter interface {
	Emit(ctx context.Context, event model.Event)
}

// LogEmitter writes events to the structured audit log.
type LogEmitter struct {
	log *zerolog.Logger
}

func NewLogEmitter(log *zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(_ context.Context, event model.Event) {
	e.log.Info().
		Str("event", string(event.Type)).
		Str("device_id", event.DeviceID.String()).
		Str("user_id", event.UserID.String()).
		Str("key_handle", event.KeyHandle).
		Str("reason", event.Reason).
		Time("occurred_at", event.OccurredAt).
		Msg("device key event")
}
