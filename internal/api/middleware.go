package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/internal/repository"
	"github.com/valu/devicekeys/pkg/errs"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	deviceKeyKey contextKey = "deviceKey"
)

// Authenticator verifies bearer tokens issued by the platform's auth service
// and resolves the principal. Token issuance lives elsewhere; only
// verification happens at this boundary.
type Authenticator struct {
	secret []byte
	log    *zerolog.Logger
}

func NewAuthenticator(secret string, log *zerolog.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), log: log}
}

func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			errs.SendErrorResponse(w, r, http.StatusUnauthorized, errs.CodeUnauthenticated, "missing bearer token")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			a.log.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected bearer token")
			errs.SendErrorResponse(w, r, http.StatusUnauthorized, errs.CodeUnauthenticated, "invalid bearer token")
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil {
			a.log.Warn().Err(err).Str("path", r.URL.Path).Msg("token has no usable subject")
			errs.SendErrorResponse(w, r, http.StatusUnauthorized, errs.CodeUnauthenticated, "invalid bearer token")
			return
		}
		userID, err := uuid.Parse(subject)
		if err != nil {
			a.log.Warn().Err(err).Str("path", r.URL.Path).Msg("token subject is not a user id")
			errs.SendErrorResponse(w, r, http.StatusUnauthorized, errs.CodeUnauthenticated, "invalid bearer token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) uuid.UUID {
	userID, _ := r.Context().Value(principalKey).(uuid.UUID)
	return userID
}

// DeviceReader is the read side the ownership gate and the informational
// endpoints need; *repository.DB satisfies it.
type DeviceReader interface {
	LatestDeviceKey(ctx context.Context, deviceID uuid.UUID) (*model.DeviceKeyRecord, error)
	ListDeviceKeys(ctx context.Context, userID uuid.UUID) ([]*model.DeviceKeyRecord, error)
}

// RequireOwnership binds the authenticated principal to the deviceID route
// parameter before any per-device operation. The resolved record is attached
// to the context so handlers skip a second lookup.
func (h *DeviceHandler) RequireOwnership(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
		if err != nil {
			errs.SendErrorResponse(w, r, http.StatusBadRequest, errs.CodeInvalidArgument, "device id must be a UUID")
			return
		}

		rec, err := h.devices.LatestDeviceKey(r.Context(), deviceID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				errs.NotFoundResponse(w, r)
				return
			}
			h.log.Error().Err(err).Str("device_id", deviceID.String()).Msg("ownership lookup failed")
			errs.ServerErrorResponse(w, r, err)
			return
		}
		if rec.UserID != principalFrom(r) {
			errs.SendErrorResponse(w, r, http.StatusForbidden, errs.CodePermissionDenied, "device belongs to another user")
			return
		}

		ctx := context.WithValue(r.Context(), deviceKeyKey, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deviceKeyFrom(r *http.Request) *model.DeviceKeyRecord {
	rec, _ := r.Context().Value(deviceKeyKey).(*model.DeviceKeyRecord)
	return rec
}
