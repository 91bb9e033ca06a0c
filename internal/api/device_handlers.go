package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/internal/service"
	"github.com/valu/devicekeys/pkg/errs"
	"github.com/valu/devicekeys/pkg/jsn"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Exchanger interface {
	Exchange(ctx context.Context, userID uuid.UUID, req service.ExchangeRequest) (*service.ExchangeResult, error)
}

type Rotator interface {
	Rotate(ctx context.Context, deviceID, userID uuid.UUID, newDevicePublicKey string, reason model.RotationReason, initiatedBy string) (*service.ExchangeResult, error)
}

type Revoker interface {
	Revoke(ctx context.Context, deviceID, userID uuid.UUID, reason string) error
	RevokeAll(ctx context.Context, userID uuid.UUID, reason string) (int64, error)
}

type HistoryReader interface {
	ListRotationHistory(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*model.RotationAuditRecord, error)
	CountRotationHistory(ctx context.Context, deviceID uuid.UUID) (int, error)
}

type DeviceHandler struct {
	exchange   Exchanger
	rotation   Rotator
	revocation Revoker
	history    HistoryReader
	devices    DeviceReader
	log        *zerolog.Logger
}

type exchangeRequest struct {
	DevicePublicKey string `json:"device_public_key"`
	DeviceID        string `json:"device_id"`
	AppVersion      string `json:"app_version"`
	Platform        string `json:"platform"`
	DeviceName      string `json:"device_name,omitempty"`
}

func (h *DeviceHandler) KeyExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := jsn.ReadJSON(w, r, &req); err != nil {
		errs.BadRequestResponse(w, r, err)
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		errs.SendErrorResponse(w, r, http.StatusBadRequest, errs.CodeInvalidArgument, "device_id must be a UUID")
		return
	}

	result, err := h.exchange.Exchange(r.Context(), principalFrom(r), service.ExchangeRequest{
		DevicePublicKey: req.DevicePublicKey,
		DeviceID:        deviceID,
		Platform:        model.Platform(req.Platform),
		AppVersion:      req.AppVersion,
		DeviceName:      req.DeviceName,
	})
	if err != nil {
		errs.SendAppError(w, r, err)
		return
	}

	if err := jsn.WriteJSON(w, http.StatusCreated, result, nil); err != nil {
		errs.ServerErrorResponse(w, r, err)
	}
}

type rotateRequest struct {
	DevicePublicKey string `json:"device_public_key,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (h *DeviceHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if r.ContentLength > 0 {
		if err := jsn.ReadJSON(w, r, &req); err != nil {
			errs.BadRequestResponse(w, r, err)
			return
		}
	}

	reason := model.RotationReasonManual
	switch req.Reason {
	case "", string(model.RotationReasonManual):
	case string(model.RotationReasonCompromised):
		reason = model.RotationReasonCompromised
	default:
		errs.SendErrorResponse(w, r, http.StatusBadRequest, errs.CodeInvalidArgument, "reason must be MANUAL or COMPROMISED")
		return
	}

	rec := deviceKeyFrom(r)
	userID := principalFrom(r)
	result, err := h.rotation.Rotate(r.Context(), rec.DeviceID, userID, req.DevicePublicKey, reason, userID.String())
	if err != nil {
		errs.SendAppError(w, r, err)
		return
	}

	if err := jsn.WriteJSON(w, http.StatusOK, result, nil); err != nil {
		errs.ServerErrorResponse(w, r, err)
	}
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *DeviceHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength > 0 {
		if err := jsn.ReadJSON(w, r, &req); err != nil {
			errs.BadRequestResponse(w, r, err)
			return
		}
	}

	rec := deviceKeyFrom(r)
	if err := h.revocation.Revoke(r.Context(), rec.DeviceID, principalFrom(r), req.Reason); err != nil {
		errs.SendAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength > 0 {
		if err := jsn.ReadJSON(w, r, &req); err != nil {
			errs.BadRequestResponse(w, r, err)
			return
		}
	}

	count, err := h.revocation.RevokeAll(r.Context(), principalFrom(r), req.Reason)
	if err != nil {
		errs.SendAppError(w, r, err)
		return
	}

	response := struct {
		RevokedCount int64 `json:"revoked_count"`
	}{RevokedCount: count}
	if err := jsn.WriteJSON(w, http.StatusOK, response, nil); err != nil {
		errs.ServerErrorResponse(w, r, err)
	}
}

func (h *DeviceHandler) KeyHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	rec := deviceKeyFrom(r)
	history, err := h.history.ListRotationHistory(r.Context(), rec.DeviceID, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("device_id", rec.DeviceID.String()).Msg("history query failed")
		errs.ServerErrorResponse(w, r, err)
		return
	}
	total, err := h.history.CountRotationHistory(r.Context(), rec.DeviceID)
	if err != nil {
		h.log.Error().Err(err).Str("device_id", rec.DeviceID.String()).Msg("history count failed")
		errs.ServerErrorResponse(w, r, err)
		return
	}
	if history == nil {
		history = []*model.RotationAuditRecord{}
	}

	response := struct {
		History []*model.RotationAuditRecord `json:"history"`
		Total   int                          `json:"total"`
		Limit   int                          `json:"limit"`
		Offset  int                          `json:"offset"`
	}{History: history, Total: total, Limit: limit, Offset: offset}
	if err := jsn.WriteJSON(w, http.StatusOK, response, nil); err != nil {
		errs.ServerErrorResponse(w, r, err)
	}
}

// deviceSummary is the informational view of a device key record: the salt
// and public keys stay out, clients that need them already hold them.
type deviceSummary struct {
	DeviceID   string    `json:"device_id"`
	KeyHandle  string    `json:"key_handle"`
	Status     string    `json:"status"`
	Platform   string    `json:"platform"`
	AppVersion string    `json:"app_version"`
	DeviceName string    `json:"device_name,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func toDeviceSummary(rec *model.DeviceKeyRecord) deviceSummary {
	return deviceSummary{
		DeviceID:   rec.DeviceID.String(),
		KeyHandle:  rec.KeyHandle,
		Status:     string(rec.Status),
		Platform:   string(rec.Platform),
		AppVersion: rec.AppVersion,
		DeviceName: rec.DeviceName,
		IssuedAt:   rec.IssuedAt,
		ExpiresAt:  rec.ExpiresAt,
	}
}

func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	recs, err := h.devices.ListDeviceKeys(r.Context(), principalFrom(r))
	if err != nil {
		h.log.Error().Err(err).Msg("device listing failed")
		errs.ServerErrorResponse(w, r, err)
		return
	}

	devices := make([]deviceSummary, 0, len(recs))
	for _, rec := range recs {
		devices = append(devices, toDeviceSummary(rec))
	}
	response := struct {
		Devices []deviceSummary `json:"devices"`
	}{Devices: devices}
	if err := jsn.WriteJSON(w, http.StatusOK, response, nil); err != nil {
		errs.ServerErrorResponse(w, r, err)
	}
}

func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	if err := jsn.WriteJSON(w, http.StatusOK, toDeviceSummary(deviceKeyFrom(r)), nil); err != nil {
		errs.ServerErrorResponse(w, r, err)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
