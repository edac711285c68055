// Package memory is a process-local kv.Store. Counters are not shared across
// instances, so it suits tests and single-node deployments only.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/kv"
	gocache "github.com/patrickmn/go-cache"
)

const cleanupInterval = time.Minute

type Store struct {
	// mu makes the create then increment pair of Incr atomic.
	mu    sync.Mutex
	cache *gocache.Cache
}

var _ kv.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if ttl <= 0 {
		return 0, 0, kv.ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Add fails when a live window exists, which is the common case.
	_ = s.cache.Add(key, int64(0), ttl)

	n, err := s.cache.IncrementInt64(key, 1)
	if err != nil {
		if _, found := s.cache.Get(key); found {
			return 0, 0, fmt.Errorf("failed to increment %q: %w", key, err)
		}

		// The window ended between Add and IncrementInt64.
		s.cache.Set(key, int64(1), ttl)

		return 1, ttl, nil
	}

	_, expiresAt, found := s.cache.GetWithExpiration(key)
	if !found {
		return n, ttl, nil
	}

	return n, time.Until(expiresAt), nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, kv.ErrInvalidTTL
	}

	return s.cache.Add(key, value, ttl) == nil, nil
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	value, found := s.cache.Get(key)
	if !found {
		return "", false, nil
	}

	switch v := value.(type) {
	case string:
		return v, true, nil
	case int64:
		return strconv.FormatInt(v, 10), true, nil
	default:
		return "", false, fmt.Errorf("unexpected value type %T for %q", value, key)
	}
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)

	return nil
}

func (s *Store) Close() error {
	s.cache.Flush()

	return nil
}
