package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/valu/devicekeys/pkg/errs"
)

// Deps collects everything the router needs; cmd/api wires the production
// implementations, tests substitute fakes.
type Deps struct {
	Exchange   Exchanger
	Rotation   Rotator
	Revocation Revoker
	History    HistoryReader
	Devices    DeviceReader
	Auth       *Authenticator
	Log        *zerolog.Logger
}

func SetupRoutes(d Deps) http.Handler {
	h := &DeviceHandler{
		exchange:   d.Exchange,
		rotation:   d.Rotation,
		revocation: d.Revocation,
		history:    d.History,
		devices:    d.Devices,
		log:        d.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.NotFound(errs.NotFoundResponse)
	r.MethodNotAllowed(errs.MethodNotAllowedResponse)

	r.Route("/devices", func(r chi.Router) {
		r.Use(d.Auth.Authenticate)

		r.Post("/key-exchange", h.KeyExchange)
		r.Post("/revoke-all", h.RevokeAll)
		r.Get("/list", h.ListDevices)

		r.Route("/{deviceID}", func(r chi.Router) {
			r.Use(h.RequireOwnership)

			r.Get("/", h.GetDevice)
			r.Delete("/", h.RevokeDevice)
			r.Post("/rotate-key", h.RotateKey)
			r.Get("/key-history", h.KeyHistory)
		})
	})

	return r
}
