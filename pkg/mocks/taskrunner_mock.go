package mocks

import (
	"context"

	"github.com/dukex/flowrun/pkg/taskrunner"
	"github.com/stretchr/testify/mock"
)

// MockTaskRunner is a mock implementation of taskrunner.TaskRunner interface.
type MockTaskRunner struct {
	mock.Mock
}

func (m *MockTaskRunner) Run(ctx context.Context, req taskrunner.Request, emit taskrunner.Emitter) (*taskrunner.Result, error) {
	args := m.Called(ctx, req, emit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*taskrunner.Result), args.Error(1)
}
