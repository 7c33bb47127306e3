package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/clinicdesk/libs/dbguard"
	"github.com/md-rashed-zaman/clinicdesk/libs/httpx"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/booking"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/locks"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/messaging"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/storage"
)

type conflictResponse struct {
	Error     string              `json:"error"`
	Conflicts []model.Appointment `json:"conflicts"`
}

// writeServiceError maps domain errors to HTTP statuses. Unknown errors are logged and answered with 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var conflict *booking.ConflictError
	switch {
	case errors.As(err, &conflict):
		conflicts := conflict.Conflicts
		if conflicts == nil {
			conflicts = []model.Appointment{}
		}
		httpx.WriteJSON(w, http.StatusConflict, conflictResponse{Error: "Scheduling conflict detected", Conflicts: conflicts})
	case errors.Is(err, model.ErrInvalidInterval),
		errors.Is(err, model.ErrInvalidStatus),
		errors.Is(err, model.ErrInvalidRating),
		errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, messaging.ErrInvalidRequest),
		errors.Is(err, model.ErrEmptyMessage),
		errors.Is(err, model.ErrMessageTooLong),
		errors.Is(err, model.ErrInvalidAttachment):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, storage.ErrThreadNotFound):
		httpx.WriteError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, messaging.ErrNotParticipant), errors.Is(err, messaging.ErrSenderMismatch):
		httpx.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, booking.ErrNotRateable):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, "appointment conflicts with an existing booking")
	case errors.Is(err, storage.ErrStaleStatus):
		httpx.WriteError(w, http.StatusConflict, "appointment was modified concurrently, reload and retry")
	case errors.Is(err, locks.ErrNotAcquired), errors.Is(err, locks.ErrLockLost):
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(w, http.StatusServiceUnavailable, "doctor calendar is busy, retry shortly")
	case errors.Is(err, dbguard.ErrConnect):
		httpx.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
	default:
		logger.Error("request failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
