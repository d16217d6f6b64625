package alert

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter bounds alert delivery per key. Keys are "channel|tenant".
type Limiter interface {
	Allow(ctx context.Context, key string, cfg RateLimitConfig) (bool, error)
}

// FixedWindowLimiter counts deliveries in fixed wall-clock windows: the
// first delivery for a key opens a window of cfg.WindowMs, and once
// cfg.MaxAlerts are consumed every further delivery is rejected until the
// window closes, at which point capacity fully resets.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	clock   func() time.Time
}

type fixedWindow struct {
	start time.Time
	count int
}

// FixedWindowOption configures a FixedWindowLimiter.
type FixedWindowOption func(*FixedWindowLimiter)

// WithLimiterClock overrides the limiter clock, for deterministic tests.
func WithLimiterClock(clock func() time.Time) FixedWindowOption {
	return func(l *FixedWindowLimiter) { l.clock = clock }
}

// NewFixedWindowLimiter creates an in-process fixed window limiter.
func NewFixedWindowLimiter(opts ...FixedWindowOption) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		windows: make(map[string]*fixedWindow),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one unit for key, if available.
func (l *FixedWindowLimiter) Allow(_ context.Context, key string, cfg RateLimitConfig) (bool, error) {
	if cfg.MaxAlerts <= 0 || cfg.WindowMs <= 0 {
		return true, nil
	}
	now := l.clock()
	window := time.Duration(cfg.WindowMs) * time.Millisecond

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= window {
		w = &fixedWindow{start: now}
		l.windows[key] = w
	}
	if w.count >= cfg.MaxAlerts {
		return false, nil
	}
	w.count++
	return true, nil
}

// redisAllowScript increments the key's window counter, setting the expiry
// on first use. Atomicity keeps multi-process dispatchers consistent.
var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
  return 0
end
return 1
`)

// RedisLimiter is a fixed window limiter shared across dispatcher processes.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter creates a limiter over client. Keys are namespaced under
// prefix ("warden:alerts" when empty).
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "warden:alerts"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow consumes one unit for key, if available.
func (l *RedisLimiter) Allow(ctx context.Context, key string, cfg RateLimitConfig) (bool, error) {
	if cfg.MaxAlerts <= 0 || cfg.WindowMs <= 0 {
		return true, nil
	}
	allowed, err := redisAllowScript.Run(ctx, l.client,
		[]string{l.prefix + ":" + key}, cfg.WindowMs, cfg.MaxAlerts).Int()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}
