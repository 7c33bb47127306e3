package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const readyCheckTimeout = 2 * time.Second

// ReadyCheck is one dependency probed by /readyz. An unnamed check reports as "dependency".
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

type readiness struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// runChecks probes every dependency concurrently, each under its own timeout.
func runChecks(ctx context.Context, checks []ReadyCheck) readiness {
	results := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		if c.Check == nil {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
			defer cancel()
			results[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := readiness{Ready: true, Checks: make(map[string]string, len(checks))}
	for i, c := range checks {
		if c.Check == nil {
			continue
		}
		name := c.Name
		if name == "" {
			name = "dependency"
		}
		if results[i] != nil {
			rep.Ready = false
			rep.Checks[name] = results[i].Error()
			continue
		}
		rep.Checks[name] = "ok"
	}
	return rep
}

// NewBaseRouterWithReady serves /healthz (process is up) and /readyz (every check passes).
// /readyz answers 503 with the per-check errors when any dependency is down.
func NewBaseRouterWithReady(checks ...ReadyCheck) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		rep := runChecks(req.Context(), checks)
		status := http.StatusOK
		if !rep.Ready {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(rep)
	})
	return r
}
