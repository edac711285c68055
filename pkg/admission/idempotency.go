package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/kv"
	"github.com/dukex/flowrun/pkg/models"
)

const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyGuard reserves (target, key) pairs in the shared KV store so
// that two concurrent deliveries of the same key cannot both start an
// execution. The unique index in the execution store stays the final guard.
type IdempotencyGuard struct {
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewIdempotencyGuard(logger *slog.Logger, store kv.Store, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	return &IdempotencyGuard{store: store, ttl: ttl, logger: logger.With("module", "idempotency")}
}

func idempotencyKey(targetType models.TargetType, targetID, key string) string {
	return "idempotency:" + string(targetType) + ":" + targetID + ":" + key
}

// Reserve claims key for executionID. When another request holds the key it
// returns that request's execution id and false. Store failures fall back to
// the execution store's unique index and report the reservation as taken by
// the caller.
func (g *IdempotencyGuard) Reserve(
	ctx context.Context, targetType models.TargetType, targetID, key, executionID string,
) (string, bool) {
	reservation := idempotencyKey(targetType, targetID, key)

	stored, err := g.store.SetNX(ctx, reservation, executionID, g.ttl)
	if err != nil {
		g.logger.WarnContext(ctx, "Idempotency store unavailable", "key", key, "error", err)

		return executionID, true
	}

	if stored {
		return executionID, true
	}

	owner, found, err := g.store.Get(ctx, reservation)
	if err != nil || !found {
		// The reservation expired or vanished between the two calls.
		return executionID, true
	}

	return owner, false
}

// Release drops a reservation whose execution was never created.
func (g *IdempotencyGuard) Release(ctx context.Context, targetType models.TargetType, targetID, key string) {
	if err := g.store.Delete(ctx, idempotencyKey(targetType, targetID, key)); err != nil {
		g.logger.WarnContext(ctx, "Failed to release idempotency reservation", "key", key, "error", err)
	}
}
