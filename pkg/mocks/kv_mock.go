package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockKVStore is a mock implementation of kv.Store interface.
type MockKVStore struct {
	mock.Mock
}

func (m *MockKVStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	args := m.Called(ctx, key, ttl)

	return args.Get(0).(int64), args.Get(1).(time.Duration), args.Error(2)
}

func (m *MockKVStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, value, ttl)

	return args.Bool(0), args.Error(1)
}

func (m *MockKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)

	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockKVStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)

	return args.Error(0)
}

func (m *MockKVStore) Close() error {
	args := m.Called()

	return args.Error(0)
}
