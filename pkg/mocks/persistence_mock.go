package mocks

import (
	"context"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockEventRepository is a mock implementation of persistence.EventRepository interface.
type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) AppendEvent(
	ctx context.Context, executionID string, data models.EventData,
) (*models.ExecutionEvent, error) {
	args := m.Called(ctx, executionID, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ExecutionEvent), args.Error(1)
}

func (m *MockEventRepository) EventsSince(
	ctx context.Context, executionID string, fromIndex int,
) ([]*models.ExecutionEvent, error) {
	args := m.Called(ctx, executionID, fromIndex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ExecutionEvent), args.Error(1)
}

func (m *MockEventRepository) EventsForExecutions(
	ctx context.Context, cursors map[string]int,
) ([]*models.ExecutionEvent, error) {
	args := m.Called(ctx, cursors)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ExecutionEvent), args.Error(1)
}

// PersistenceWithEvents wraps a real store and swaps in another event
// repository, so tests can inject event log failures.
type PersistenceWithEvents struct {
	persistence.Persistence

	EventRepository persistence.EventRepository
}

func (p *PersistenceWithEvents) Events() persistence.EventRepository {
	return p.EventRepository
}
