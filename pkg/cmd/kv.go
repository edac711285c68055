package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/kv"
	"github.com/dukex/flowrun/pkg/kv/memory"
	"github.com/dukex/flowrun/pkg/kv/redis"
)

const kvPrefix = "flowrun:"

// NewKVStore returns the store shared by rate limiting and idempotency. A
// redis:// or rediss:// URL connects to Redis; without a URL the store is
// local to this process, which is only correct for a single instance.
func NewKVStore(ctx context.Context, logger *slog.Logger, redisURL string) (kv.Store, error) {
	switch scheme(redisURL) {
	case "redis", "rediss":
		store, err := redis.NewStore(ctx, logger, redisURL, kvPrefix)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "memory", "":
		logger.Warn("Using in-memory KV store, rate limits are per instance")

		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("%w: kv %q", ErrUnsupportedProvider, scheme(redisURL))
	}
}
