package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow bumps the counter, arms its expiry on the first hit and reports {count, pttl}.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisRateLimiter shares fixed windows across replicas through Redis keys "<prefix>:<client ip>".
type RedisRateLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

func NewRedisRateLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisRateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window < time.Millisecond {
		window = defaultRateWindow
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "rl"
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

// Middleware enforces the limit. failOpen decides what happens while Redis is unreachable.
func (rl *RedisRateLimiter) Middleware(logger *slog.Logger, failOpen bool) Middleware {
	return limitByClient(rl, logger, failOpen)
}

func (rl *RedisRateLimiter) hit(ctx context.Context, client string) (windowUsage, error) {
	key := rl.prefix + ":" + client
	vals, err := incrWindow.Run(ctx, rl.rdb, []string{key}, rl.window.Milliseconds()).Int64Slice()
	if err != nil {
		return windowUsage{}, fmt.Errorf("rate window %s: %w", key, err)
	}
	if len(vals) != 2 {
		return windowUsage{}, fmt.Errorf("rate window %s: want 2 values, got %d", key, len(vals))
	}
	resetIn := time.Duration(vals[1]) * time.Millisecond
	if resetIn < 0 {
		resetIn = rl.window
	}
	return windowUsage{limit: rl.limit, used: vals[0], resetIn: resetIn}, nil
}
