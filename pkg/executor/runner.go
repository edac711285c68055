package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/taskrunner"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCancelled stops a run whose execution was cancelled while it was in
// progress. The stored status is left as the canceller wrote it.
var ErrCancelled = errors.New("execution cancelled")

// Codes of the error event written when a block execution fails.
const (
	ErrorCodeTimeout    = "timeout"
	ErrorCodeTaskFailed = "task_failed"
)

// Runner ties the graph executor to the execution store: it moves executions
// through their states, creates one block execution per node and appends the
// events the task runner emits.
type Runner struct {
	store      persistence.Persistence
	taskRunner taskrunner.TaskRunner
	publisher  eventbus.EventPublisher
	tracer     trace.Tracer
	clock      clockwork.Clock
	timeout    time.Duration
	logger     *slog.Logger
}

type Option func(*Runner)

// WithEventBus publishes lifecycle notifications. Publishing is best effort.
func WithEventBus(publisher eventbus.EventPublisher) Option {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// WithTimeout bounds every task runner call. The default is
// taskrunner.DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.timeout = timeout
	}
}

func NewRunner(logger *slog.Logger, store persistence.Persistence, runner taskrunner.TaskRunner, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		taskRunner: runner,
		tracer:     otelhelper.NoopTracer(),
		clock:      clockwork.NewRealClock(),
		timeout:    taskrunner.DefaultTimeout,
		logger:     logger.With("module", "executor"),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.taskRunner = taskrunner.WithTimeout(r.taskRunner, r.timeout)

	return r
}

// RunFlow executes a pending flow execution to completion and returns the
// stored row. Node failures end up in the row; only store failures that
// prevent recording the outcome are returned as errors.
func (r *Runner) RunFlow(ctx context.Context, execution *models.FlowExecution, flow *models.Flow) (*models.FlowExecution, error) {
	logger := r.logger.With("execution_id", execution.ID, "flow_id", flow.ID)

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "flow.run",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.Int(otelhelper.FlowVersionKey, flow.Version),
		attribute.String(otelhelper.TriggerTypeKey, string(execution.TriggeredBy.Type)),
	)
	defer span.End()

	running, err := r.store.Executions().TransitionFlowExecution(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
	if err != nil {
		if persistence.IsInvalidStateTransition(err) {
			logger.InfoContext(ctx, "Flow execution is no longer pending, skipping run", "error", err)

			return r.store.Executions().FlowExecutionByID(ctx, execution.ID)
		}

		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to start flow execution: %w", err)
	}

	logger.InfoContext(ctx, "Flow execution started", "nodes", len(flow.Nodes))

	r.publish(ctx, running.ID, events.FlowExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.FlowExecutionStartedEvent, running.ID, running.WorkspaceID),
		FlowID:      flow.ID,
		FlowVersion: running.FlowVersion,
		TriggerType: string(running.TriggeredBy.Type),
	})

	invoker := &flowNodeInvoker{runner: r, execution: running, flow: flow}
	result := New(invoker, r.tracer).Execute(ctx, flow.ID, flow.Nodes, flow.Edges, running.Input)

	// The outcome must land even when the caller has gone away.
	writeCtx := context.WithoutCancel(ctx)

	if errors.Is(result.Err, ErrCancelled) {
		logger.InfoContext(ctx, "Flow execution was cancelled while running", "node_id", result.FailedNodeID)

		return r.settleCancelled(writeCtx, logger, execution.ID)
	}

	output, err := json.Marshal(result.OutputsByNode)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow output: %w", err)
	}

	next := models.ExecutionStatusCompleted
	update := models.ExecutionUpdate{Output: output}

	if result.Status == StatusError {
		next = models.ExecutionStatusFailed
		update.Error = result.Error
	}

	final, err := r.store.Executions().TransitionFlowExecution(writeCtx, execution.ID, next, update)
	if err != nil {
		if persistence.IsInvalidStateTransition(err) {
			return r.store.Executions().FlowExecutionByID(writeCtx, execution.ID)
		}

		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to finish flow execution: %w", err)
	}

	durationMs := final.Duration().Milliseconds()

	if final.Status == models.ExecutionStatusFailed {
		otelhelper.SetError(span, result.Err, attribute.String(otelhelper.NodeIDKey, result.FailedNodeID))
		logger.WarnContext(ctx, "Flow execution failed", "error", final.Error, "duration_ms", durationMs)

		r.publish(writeCtx, final.ID, events.FlowExecutionFailed{
			BaseEvent:  events.NewBaseEvent(events.FlowExecutionFailedEvent, final.ID, final.WorkspaceID),
			FlowID:     flow.ID,
			Error:      final.Error,
			DurationMs: durationMs,
		})

		return final, nil
	}

	otelhelper.SetOK(span, string(final.Status))
	logger.InfoContext(ctx, "Flow execution completed", "duration_ms", durationMs)

	r.publish(writeCtx, final.ID, events.FlowExecutionCompleted{
		BaseEvent:  events.NewBaseEvent(events.FlowExecutionCompletedEvent, final.ID, final.WorkspaceID),
		FlowID:     flow.ID,
		Output:     final.Output,
		DurationMs: durationMs,
	})

	return final, nil
}

// RunBlock executes a pending standalone block execution and returns the
// stored row.
func (r *Runner) RunBlock(ctx context.Context, execution *models.BlockExecution, block *models.Block) (*models.BlockExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "block.run",
		attribute.String(otelhelper.BlockExecutionIDKey, execution.ID),
		attribute.String(otelhelper.BlockIDKey, block.ID),
		attribute.String(otelhelper.TriggerTypeKey, string(execution.TriggeredBy.Type)),
	)
	defer span.End()

	_, err := r.runBlock(ctx, execution, block, nil)

	writeCtx := context.WithoutCancel(ctx)

	if err != nil && !errors.Is(err, ErrCancelled) && !isTaskFailure(err) {
		otelhelper.SetError(span, err)

		return nil, err
	}

	final, readErr := r.store.Executions().BlockExecutionByID(writeCtx, execution.ID)
	if readErr != nil {
		return nil, readErr
	}

	if final.Status == models.ExecutionStatusFailed {
		otelhelper.SetError(span, errors.New(final.Error))
	} else {
		otelhelper.SetOK(span, string(final.Status))
	}

	return final, nil
}

// taskFailure marks an error that was already recorded on the block row.
type taskFailure struct {
	err error
}

func (e *taskFailure) Error() string { return e.err.Error() }
func (e *taskFailure) Unwrap() error { return e.err }

func isTaskFailure(err error) bool {
	var failure *taskFailure

	return errors.As(err, &failure)
}

// runBlock drives one block execution from pending to a terminal status.
// A task runner failure is recorded on the row and returned as *taskFailure.
func (r *Runner) runBlock(
	ctx context.Context, execution *models.BlockExecution, block *models.Block, node *models.Node,
) (json.RawMessage, error) {
	repo := r.store.Executions()
	logger := r.logger.With("block_execution_id", execution.ID, "block_id", block.ID)

	if _, err := repo.TransitionBlockExecution(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{}); err != nil {
		if persistence.IsInvalidStateTransition(err) {
			return nil, ErrCancelled
		}

		return nil, fmt.Errorf("failed to start block execution: %w", err)
	}

	r.publish(ctx, execution.ID, events.BlockExecutionStarted{
		BaseEvent:       events.NewBaseEvent(events.BlockExecutionStartedEvent, execution.ID, execution.WorkspaceID),
		BlockID:         block.ID,
		FlowExecutionID: execution.FlowExecutionID,
		NodeID:          execution.NodeID,
	})

	emitter := r.emitter(execution.ID)

	if err := emitter.Emit(ctx, models.StartData{BlockID: block.ID, NodeID: execution.NodeID, Input: execution.Input}); err != nil {
		logger.ErrorContext(ctx, "Failed to record start event", "error", err)
	}

	started := r.clock.Now()

	result, runErr := r.taskRunner.Run(ctx, taskrunner.Request{
		ExecutionID: execution.ID,
		Block:       block,
		Node:        node,
		Input:       execution.Input,
	}, emitter)

	durationMs := r.clock.Since(started).Milliseconds()
	writeCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		return nil, r.failBlock(writeCtx, logger, execution, runErr, durationMs)
	}

	if result == nil {
		result = &taskrunner.Result{}
	}

	output := result.Output
	if len(output) == 0 {
		output = json.RawMessage("null")
	}

	complete := models.CompleteData{
		Output:       output,
		DurationMs:   durationMs,
		TokensInput:  result.TokensInput,
		TokensOutput: result.TokensOutput,
	}
	if err := emitter.Emit(writeCtx, complete); err != nil {
		logger.ErrorContext(ctx, "Failed to record complete event", "error", err)
	}

	_, err := repo.TransitionBlockExecution(writeCtx, execution.ID, models.ExecutionStatusComplete, models.ExecutionUpdate{
		Output:       output,
		DurationMs:   durationMs,
		TokensInput:  result.TokensInput,
		TokensOutput: result.TokensOutput,
	})
	if err != nil {
		if persistence.IsInvalidStateTransition(err) {
			return nil, ErrCancelled
		}

		return nil, fmt.Errorf("failed to complete block execution: %w", err)
	}

	r.recordUsage(writeCtx, logger, block.ID, durationMs)

	r.publish(writeCtx, execution.ID, events.BlockExecutionCompleted{
		BaseEvent:       events.NewBaseEvent(events.BlockExecutionCompletedEvent, execution.ID, execution.WorkspaceID),
		BlockID:         block.ID,
		FlowExecutionID: execution.FlowExecutionID,
		NodeID:          execution.NodeID,
		DurationMs:      durationMs,
		TokensInput:     result.TokensInput,
		TokensOutput:    result.TokensOutput,
	})

	logger.DebugContext(ctx, "Block execution complete", "duration_ms", durationMs)

	return output, nil
}

func (r *Runner) failBlock(
	ctx context.Context, logger *slog.Logger, execution *models.BlockExecution, runErr error, durationMs int64,
) error {
	code := ErrorCodeTaskFailed
	if taskrunner.IsTimeout(runErr) {
		code = ErrorCodeTimeout
	}

	if err := r.emitter(execution.ID).Emit(ctx, models.ErrorData{Message: runErr.Error(), Code: code}); err != nil {
		logger.ErrorContext(ctx, "Failed to record error event", "error", err)
	}

	_, err := r.store.Executions().TransitionBlockExecution(ctx, execution.ID, models.ExecutionStatusFailed, models.ExecutionUpdate{
		Error:      runErr.Error(),
		DurationMs: durationMs,
	})
	if err != nil {
		if persistence.IsInvalidStateTransition(err) {
			return ErrCancelled
		}

		return fmt.Errorf("failed to record block failure: %w", err)
	}

	logger.WarnContext(ctx, "Block execution failed", "error", runErr, "duration_ms", durationMs)

	r.recordUsage(ctx, logger, execution.BlockID, durationMs)

	r.publish(ctx, execution.ID, events.BlockExecutionFailed{
		BaseEvent:       events.NewBaseEvent(events.BlockExecutionFailedEvent, execution.ID, execution.WorkspaceID),
		BlockID:         execution.BlockID,
		FlowExecutionID: execution.FlowExecutionID,
		NodeID:          execution.NodeID,
		Error:           runErr.Error(),
		DurationMs:      durationMs,
	})

	return &taskFailure{err: runErr}
}

func (r *Runner) emitter(executionID string) taskrunner.Emitter {
	return taskrunner.EmitterFunc(func(ctx context.Context, data models.EventData) error {
		_, err := r.store.Events().AppendEvent(ctx, executionID, data)

		return err
	})
}

func (r *Runner) recordUsage(ctx context.Context, logger *slog.Logger, blockID string, durationMs int64) {
	if err := r.store.Blocks().RecordBlockRun(ctx, blockID, durationMs); err != nil {
		logger.WarnContext(ctx, "Failed to record block usage", "error", err)
	}
}

func (r *Runner) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	if err := r.publisher.Publish(ctx, key, event); err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}

// flowNodeInvoker runs each node of one flow execution as a child block
// execution.
type flowNodeInvoker struct {
	runner    *Runner
	execution *models.FlowExecution
	flow      *models.Flow
}

func (i *flowNodeInvoker) InvokeNode(ctx context.Context, node *models.Node, input json.RawMessage) (json.RawMessage, error) {
	store := i.runner.store

	parent, err := store.Executions().FlowExecutionByID(ctx, i.execution.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check flow execution status: %w", err)
	}

	if parent.Status == models.ExecutionStatusCancelled {
		return nil, ErrCancelled
	}

	if node.BlockID == "" {
		return nil, fmt.Errorf("%w: node %q has no block", ErrInvalidGraph, node.ID)
	}

	block, err := store.Blocks().BlockByID(ctx, node.BlockID)
	if err != nil {
		return nil, err
	}

	child := &models.BlockExecution{
		ID:              uuid.NewString(),
		BlockID:         block.ID,
		FlowExecutionID: i.execution.ID,
		NodeID:          node.ID,
		WorkspaceID:     i.execution.WorkspaceID,
		Status:          models.ExecutionStatusPending,
		Input:           input,
		TriggeredBy:     i.execution.TriggeredBy,
	}

	if err := store.Executions().CreateBlockExecution(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to create block execution: %w", err)
	}

	return i.runner.runBlock(ctx, child, block, node)
}

// settleCancelled returns the flow execution after one of its nodes stopped
// as cancelled. A flow still running at that point is cancelled with its
// remaining nodes so it never stays running.
func (r *Runner) settleCancelled(ctx context.Context, logger *slog.Logger, id string) (*models.FlowExecution, error) {
	current, err := r.store.Executions().FlowExecutionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status.IsTerminal() {
		return current, nil
	}

	cancelled, err := r.store.Executions().CancelFlowExecution(ctx, id)
	if err != nil && !persistence.IsInvalidStateTransition(err) {
		return nil, fmt.Errorf("failed to cancel flow execution: %w", err)
	}

	logger.WarnContext(ctx, "Cancelled flow execution after a node was cancelled", "cancelled_children", cancelled)

	return r.store.Executions().FlowExecutionByID(ctx, id)
}
