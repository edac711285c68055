// Package kv defines the shared key-value store used for rate limiting and
// idempotency reservations. Every process instance talking to the same
// backend sees the same counters.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidTTL = errors.New("ttl must be positive")

type Store interface {
	// Incr adds one to key and returns the new value together with the time
	// left before the key expires. The ttl is applied when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	// SetNX stores value only if key does not exist. It reports whether the
	// value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
