package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/clinicdesk/libs/auth"
	"github.com/md-rashed-zaman/clinicdesk/libs/dbguard"
	"github.com/md-rashed-zaman/clinicdesk/libs/httpx"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/booking"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/messaging"
)

const defaultRequestTimeout = 15 * time.Second

// StatusSource is satisfied by *dbguard.Guard.
type StatusSource interface {
	Status() dbguard.Status
}

type Config struct {
	Service *booking.Service
	// Messaging serves the chat routes. Nil leaves them unmounted.
	Messaging *messaging.Service
	// Feed serves the SSE activity stream.
	Feed http.Handler
	// Ensurer gates every /api route except the db status route.
	Ensurer httpx.ConnectionEnsurer
	Status  StatusSource
	Driver  string
	// Target is the redacted connection string.
	Target         string
	JWTSecret      string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type dbStatusResponse struct {
	Driver string         `json:"driver"`
	Target string         `json:"target,omitempty"`
	Status dbguard.Status `json:"status"`
}

// NewAPIRouter builds the /api subtree. Mount it under "/api".
func NewAPIRouter(cfg Config) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	appts := NewAppointmentHandler(cfg.Service, logger)

	r := chi.NewRouter()
	r.With(httpx.OptionalConnection(cfg.Ensurer, logger)).Get("/v1/db/status", func(w http.ResponseWriter, _ *http.Request) {
		resp := dbStatusResponse{Driver: cfg.Driver, Target: cfg.Target}
		if cfg.Status != nil {
			resp.Status = cfg.Status.Status()
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	})

	r.Group(func(r chi.Router) {
		r.Use(httpx.RequireConnection(cfg.Ensurer, logger))
		r.Use(auth.RequireAuth(cfg.JWTSecret, logger))

		if cfg.Feed != nil {
			r.Get("/events", cfg.Feed.ServeHTTP)
		}

		r.Route("/v1", func(r chi.Router) {
			r.Use(httpx.WithTimeout(timeout))

			r.Route("/appointments", func(r chi.Router) {
				r.With(auth.RequireRole(auth.RolePatient, auth.RoleAdmin)).Post("/", appts.Create)
				r.Get("/", appts.List)
				r.Get("/{id}", appts.Get)
				r.Patch("/{id}/status", appts.UpdateStatus)
				r.With(auth.RequireRole(auth.RolePatient, auth.RoleAdmin)).Post("/{id}/rating", appts.Rate)
				r.With(auth.RequireRole(auth.RoleAdmin)).Delete("/{id}", appts.Delete)
			})
			r.Get("/doctors/{id}/slots", appts.Slots)
			r.With(auth.RequireRole(auth.RoleAdmin)).Get("/reports/appointments", appts.Report)

			if cfg.Messaging != nil {
				msgs := NewMessageHandler(cfg.Messaging, logger)
				r.Route("/messages/threads", func(r chi.Router) {
					r.Get("/", msgs.ListThreads)
					r.Post("/", msgs.OpenThread)
					r.Get("/{chatId}/messages", msgs.ListMessages)
					r.Post("/{chatId}/messages", msgs.Send)
				})
			}
		})
	})
	return r
}
