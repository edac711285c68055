package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("not found helpers", func(t *testing.T) {
		for _, err := range []error{
			persistence.ErrFlowNotFound,
			persistence.ErrBlockNotFound,
			persistence.ErrAPIKeyNotFound,
			persistence.ErrExecutionNotFound,
			persistence.ErrScheduledTaskNotFound,
		} {
			assert.True(t, persistence.IsNotFound(fmt.Errorf("lookup: %w", err)))
		}

		assert.False(t, persistence.IsNotFound(persistence.ErrInvalidStateTransition))
	})

	t.Run("transition error unwraps", func(t *testing.T) {
		err := persistence.NewTransitionError("Cancel", "exec-1", models.ExecutionStatusCompleted, models.ExecutionStatusCancelled)

		assert.True(t, persistence.IsInvalidStateTransition(err))
		assert.True(t, errors.Is(err, persistence.ErrInvalidStateTransition))
		assert.Contains(t, err.Error(), "exec-1")
		assert.Contains(t, err.Error(), "completed -> cancelled")
	})

	t.Run("execution error contains context", func(t *testing.T) {
		err := persistence.NewExecutionError("ByID", "exec-2", persistence.ErrExecutionNotFound)

		assert.True(t, persistence.IsExecutionNotFound(err))
		assert.Equal(t, "ByID operation failed for execution exec-2: execution not found", err.Error())
	})
}
