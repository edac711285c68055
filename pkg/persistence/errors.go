package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
)

// Standard persistence error types that all implementations should use.
var (
	ErrFlowNotFound          = errors.New("flow not found")
	ErrBlockNotFound         = errors.New("block not found")
	ErrAPIKeyNotFound        = errors.New("api key not found")
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrScheduledTaskNotFound = errors.New("scheduled task not found")

	// ErrInvalidStateTransition indicates a status change the state machine
	// does not allow, such as leaving a terminal status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateIdempotencyKey indicates an execution already exists for the
	// same target and idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// ExecutionError wraps execution related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g. "Transition", "Cancel")
	ExecutionID string
	From        models.ExecutionStatus // Stored status when known
	To          models.ExecutionStatus // Requested status when known
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("%s operation failed for execution %s (%s -> %s): %v", e.Op, e.ExecutionID, e.From, e.To, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// NewTransitionError reports a rejected status change.
func NewTransitionError(op, executionID string, from, to models.ExecutionStatus) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, From: from, To: to, Err: ErrInvalidStateTransition}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrBlockNotFound) ||
		errors.Is(err, ErrAPIKeyNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrScheduledTaskNotFound)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsInvalidStateTransition(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition)
}

func IsDuplicateIdempotencyKey(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}
