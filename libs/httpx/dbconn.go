package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ConnectionEnsurer brings the backing database to a usable state or reports why it cannot.
type ConnectionEnsurer interface {
	EnsureReady(ctx context.Context) error
}

// ContextEnsurer is a ConnectionEnsurer that can mark the request context as verified,
// letting handlers skip a second liveness ping. *dbguard.Guard implements it.
type ContextEnsurer interface {
	EnsureContext(ctx context.Context) (context.Context, error)
}

func ensureRequest(ensurer ConnectionEnsurer, r *http.Request) (*http.Request, error) {
	if ce, ok := ensurer.(ContextEnsurer); ok {
		ctx, err := ce.EnsureContext(r.Context())
		if err != nil {
			return r, err
		}
		return r.WithContext(ctx), nil
	}
	return r, ensurer.EnsureReady(r.Context())
}

type connectionFailure struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// RequireConnection checks the database before every request and answers 503 when it is unreachable.
func RequireConnection(ensurer ConnectionEnsurer, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, err := ensureRequest(ensurer, r)
			if err != nil {
				logger.Error("database connection failed in middleware",
					"request_id", RequestIDFromContext(r.Context()),
					"path", r.URL.Path,
					"err", err,
				)
				WriteJSON(w, http.StatusServiceUnavailable, connectionFailure{
					Error:     "Database connection failed",
					Message:   "Unable to connect to database. Please try again.",
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OptionalConnection tries to connect but never fails the request.
func OptionalConnection(ensurer ConnectionEnsurer, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, err := ensureRequest(ensurer, r)
			if err != nil {
				logger.Warn("optional database connection failed", "err", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}
