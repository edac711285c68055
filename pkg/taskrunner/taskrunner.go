// Package taskrunner defines the boundary between the executor and whatever
// actually runs a block (model invocation, tool calls, deterministic code).
package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dukex/flowrun/pkg/models"
)

// DefaultTimeout bounds a single block run.
const DefaultTimeout = 55 * time.Second

var ErrTimeout = errors.New("task runner timed out")

// TimeoutError is returned when a run exceeds its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task runner timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Request describes one block run. Node is nil for standalone block runs.
type Request struct {
	ExecutionID string
	Block       *models.Block
	Node        *models.Node
	Input       json.RawMessage
}

// Result is what a successful run produced.
type Result struct {
	Output       json.RawMessage
	TokensInput  int64
	TokensOutput int64
}

// Emitter receives progress updates while a block runs.
type Emitter interface {
	Emit(ctx context.Context, data models.EventData) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, data models.EventData) error

func (f EmitterFunc) Emit(ctx context.Context, data models.EventData) error {
	return f(ctx, data)
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, models.EventData) error { return nil })

// TaskRunner runs a single block. Implementations report failure through the
// returned error; the caller decides how it is recorded.
type TaskRunner interface {
	Run(ctx context.Context, req Request, emit Emitter) (*Result, error)
}

// Func adapts a function to the TaskRunner interface.
type Func func(ctx context.Context, req Request, emit Emitter) (*Result, error)

func (f Func) Run(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	return f(ctx, req, emit)
}

type timeoutRunner struct {
	next    TaskRunner
	timeout time.Duration
}

// WithTimeout bounds every run of next. A run that ignores its context is
// abandoned when the deadline passes and any events it emits afterwards are
// rejected.
func WithTimeout(next TaskRunner, timeout time.Duration) TaskRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &timeoutRunner{next: next, timeout: timeout}
}

type runOutcome struct {
	result *Result
	err    error
}

func (r *timeoutRunner) Run(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var expired atomic.Bool

	guarded := EmitterFunc(func(ctx context.Context, data models.EventData) error {
		if expired.Load() {
			return &TimeoutError{Timeout: r.timeout}
		}

		return emit.Emit(ctx, data)
	})

	done := make(chan runOutcome, 1)

	go func() {
		result, err := r.next.Run(runCtx, req, guarded)
		done <- runOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Timeout: r.timeout}
		}

		return outcome.result, outcome.err
	case <-runCtx.Done():
		expired.Store(true)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &TimeoutError{Timeout: r.timeout}
	}
}

// Echo returns the input unchanged as output. It is the runner used when no
// remote task runner is configured.
func Echo() TaskRunner {
	return Func(func(ctx context.Context, req Request, emit Emitter) (*Result, error) {
		output := req.Input
		if len(output) == 0 {
			output = json.RawMessage("null")
		}

		if err := emit.Emit(ctx, models.TokenData{Content: string(output)}); err != nil {
			return nil, err
		}

		return &Result{Output: output}, nil
	})
}
