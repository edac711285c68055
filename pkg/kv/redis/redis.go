// Package redis is a kv.Store backed by Redis, shared by every instance
// pointing at the same server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/kv"
	goredis "github.com/redis/go-redis/v9"
)

// incrScript increments and sets the expiry in one round trip so a crash
// between the two commands cannot leave a counter without a ttl.
var incrScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// NewStore connects using a redis:// URL and verifies the connection.
func NewStore(ctx context.Context, logger *slog.Logger, url, prefix string) (*Store, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return NewStoreFromClient(client, logger, prefix), nil
}

func NewStoreFromClient(client goredis.UniversalClient, logger *slog.Logger, prefix string) *Store {
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if ttl <= 0 {
		return 0, 0, kv.ErrInvalidTTL
	}

	values, err := incrScript.Run(ctx, s.client, []string{s.prefix + key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	if len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected increment reply for %s: %v", key, values)
	}

	return values[0], time.Duration(values[1]) * time.Millisecond, nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, kv.ErrInvalidTTL
	}

	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", key, err)
	}

	return ok, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return value, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
