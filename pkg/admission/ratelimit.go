package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/kv"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultRateLimit  = 60
	DefaultRateWindow = time.Minute
)

// RateLimiter is a fixed-window counter kept in the shared KV store, so every
// instance behind a load balancer counts against the same window.
type RateLimiter struct {
	store  kv.Store
	limit  int
	window time.Duration
	prefix string
	clock  clockwork.Clock
	logger *slog.Logger
}

// RateLimitStatus describes the caller's window after counting one request.
type RateLimitStatus struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

func NewRateLimiter(logger *slog.Logger, store kv.Store, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}

	if window <= 0 {
		window = DefaultRateWindow
	}

	return &RateLimiter{
		store:  store,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
		clock:  clockwork.NewRealClock(),
		logger: logger.With("module", "ratelimit"),
	}
}

// WithClock replaces the wall clock used to compute reset times.
func (l *RateLimiter) WithClock(clock clockwork.Clock) *RateLimiter {
	l.clock = clock

	return l
}

// Allow counts one request for key. When the store is unavailable the
// request is allowed and the failure logged.
func (l *RateLimiter) Allow(ctx context.Context, key string) RateLimitStatus {
	now := l.clock.Now()

	count, ttl, err := l.store.Incr(ctx, l.prefix+key, l.window)
	if err != nil {
		l.logger.WarnContext(ctx, "Rate limit store unavailable, allowing request", "key", key, "error", err)

		return RateLimitStatus{Allowed: true, Limit: l.limit, Remaining: l.limit, Reset: now.Add(l.window)}
	}

	if ttl <= 0 || ttl > l.window {
		ttl = l.window
	}

	status := RateLimitStatus{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: max(l.limit-int(count), 0),
		Reset:     now.Add(ttl),
	}

	if !status.Allowed {
		status.RetryAfter = ttl
	}

	return status
}

// Err returns the RateLimitError for a denied status.
func (s RateLimitStatus) Err() error {
	if s.Allowed {
		return nil
	}

	return &RateLimitError{
		Limit:      s.Limit,
		Remaining:  s.Remaining,
		Reset:      s.Reset,
		RetryAfter: s.RetryAfter,
	}
}
