package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRateLimit  = 60
	defaultRateWindow = time.Minute
)

// windowUsage is the state of one client's fixed window after counting a request.
type windowUsage struct {
	limit   int
	used    int64
	resetIn time.Duration
}

func (u windowUsage) exceeded() bool { return u.used > int64(u.limit) }

func (u windowUsage) remaining() int64 { return max(int64(u.limit)-u.used, 0) }

type windowCounter interface {
	hit(ctx context.Context, client string) (windowUsage, error)
}

// limitByClient counts every request against its client's window. When the counter fails the request
// goes through if failOpen is set and gets a 503 otherwise.
func limitByClient(c windowCounter, logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			usage, err := c.hit(r.Context(), clientIP(r))
			if err != nil {
				if logger != nil {
					logger.Warn("rate limiter unavailable", "request_id", RequestIDFromContext(r.Context()), "err", err)
				}
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(usage.limit))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(usage.remaining(), 10))
			if usage.exceeded() {
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(usage.resetIn)))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(int(d.Round(time.Second)/time.Second), 1)
}

// clientIP prefers the proxy headers set by the ingress, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimiter keeps fixed windows per client IP in process memory. Use it when there is a single replica.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*clientWindow
	lastSweep time.Time
}

type clientWindow struct {
	used    int64
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{limit: limit, window: window, now: time.Now, windows: make(map[string]*clientWindow)}
}

func (rl *RateLimiter) Middleware() Middleware {
	return limitByClient(rl, nil, false)
}

func (rl *RateLimiter) hit(_ context.Context, client string) (windowUsage, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)
	cw, ok := rl.windows[client]
	if !ok || now.After(cw.resetAt) {
		cw = &clientWindow{resetAt: now.Add(rl.window)}
		rl.windows[client] = cw
	}
	cw.used++
	return windowUsage{limit: rl.limit, used: cw.used, resetIn: cw.resetAt.Sub(now)}, nil
}

// sweepLocked forgets expired windows, at most once per window length.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for client, cw := range rl.windows {
		if now.After(cw.resetAt) {
			delete(rl.windows, client)
		}
	}
}
