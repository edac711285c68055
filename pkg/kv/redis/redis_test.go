package redis_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/flowrun/pkg/kv/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := redis.NewStore(context.Background(), logger, "redis://"+server.Addr(), "flowrun:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store, server
}

func TestIncr_FixedWindow(t *testing.T) {
	t.Parallel()

	store, server := newStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ttl, err := store.Incr(ctx, "rl:10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	}

	assert.True(t, server.Exists("flowrun:rl:10.0.0.1"), "keys carry the prefix")

	server.FastForward(time.Minute + time.Second)

	n, _, err := store.Incr(ctx, "rl:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetNX_AndGet(t *testing.T) {
	t.Parallel()

	store, server := newStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "idem:k", "exec-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "idem:k", "exec-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	value, found, err := store.Get(ctx, "idem:k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "exec-1", value)

	server.FastForward(2 * time.Hour)

	_, found, err = store.Get(ctx, "idem:k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.SetNX(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "k"))

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNewStore_InvalidURL(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := redis.NewStore(context.Background(), logger, "http://nope", "")
	assert.Error(t, err)
}
