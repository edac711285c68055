// Package admission is the front door for work: it authenticates API and
// webhook callers, enforces rate limits and idempotency, records the webhook
// audit trail and hands validated executions to the runner.
package admission

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dukex/flowrun/pkg/executor"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
)

// Runner executes a pending execution synchronously and returns the final row.
type Runner interface {
	RunFlow(ctx context.Context, execution *models.FlowExecution, flow *models.Flow) (*models.FlowExecution, error)
	RunBlock(ctx context.Context, execution *models.BlockExecution, block *models.Block) (*models.BlockExecution, error)
}

// Outcome is what a caller learns about an admitted execution.
type Outcome struct {
	ExecutionID  string
	Level        models.ExecutionLevel
	Status       models.ExecutionStatus
	Output       json.RawMessage
	Error        string
	Deduplicated bool
	// TimedOut is set when the run failed because a task runner call
	// exceeded its budget.
	TimedOut bool
}

func flowOutcome(e *models.FlowExecution) *Outcome {
	return &Outcome{
		ExecutionID: e.ID,
		Level:       models.ExecutionLevelFlow,
		Status:      e.Status,
		Output:      e.Output,
		Error:       e.Error,
	}
}

func blockOutcome(e *models.BlockExecution) *Outcome {
	return &Outcome{
		ExecutionID: e.ID,
		Level:       models.ExecutionLevelBlock,
		Status:      e.Status,
		Output:      e.Output,
		Error:       e.Error,
	}
}

// target is a resolved flow or block.
type target struct {
	kind  models.TargetType
	flow  *models.Flow
	block *models.Block
}

func (t *target) id() string {
	if t.flow != nil {
		return t.flow.ID
	}

	return t.block.ID
}

func (t *target) workspaceID() string {
	if t.flow != nil {
		return t.flow.WorkspaceID
	}

	return t.block.WorkspaceID
}

func (t *target) enabled() bool {
	if t.flow != nil {
		return t.flow.Enabled
	}

	return t.block.Enabled
}

func (t *target) secret() string {
	if t.flow != nil {
		return t.flow.WebhookSecret
	}

	return t.block.WebhookSecret
}

func (t *target) inputSchema() json.RawMessage {
	if t.flow != nil {
		return t.flow.InputSchema
	}

	return nil
}

type core struct {
	store  persistence.Persistence
	runner Runner
	logger *slog.Logger
}

func (c *core) resolve(ctx context.Context, op string, kind models.TargetType, id string) (*target, error) {
	if kind == models.TargetTypeBlock {
		block, err := c.store.Blocks().BlockByID(ctx, id)

		switch {
		case persistence.IsNotFound(err):
			return nil, NewNotFoundError(op, "block", id)
		case err != nil:
			return nil, NewInfrastructureError(op, err)
		case block.IsDeleted():
			return nil, NewNotFoundError(op, "block", id)
		}

		return &target{kind: kind, block: block}, nil
	}

	flow, err := c.store.Flows().FlowByID(ctx, id)

	switch {
	case persistence.IsNotFound(err):
		return nil, NewNotFoundError(op, "flow", id)
	case err != nil:
		return nil, NewInfrastructureError(op, err)
	case flow.IsDeleted():
		return nil, NewNotFoundError(op, "flow", id)
	}

	return &target{kind: kind, flow: flow}, nil
}

// existing returns the execution already admitted for key, or nil.
func (c *core) existing(ctx context.Context, op string, t *target, key string) (*Outcome, error) {
	var (
		outcome *Outcome
		err     error
	)

	if t.flow != nil {
		var execution *models.FlowExecution

		execution, err = c.store.Executions().FlowExecutionByIdempotencyKey(ctx, t.id(), key)
		if err == nil {
			outcome = flowOutcome(execution)
		}
	} else {
		var execution *models.BlockExecution

		execution, err = c.store.Executions().BlockExecutionByIdempotencyKey(ctx, t.id(), key)
		if err == nil {
			outcome = blockOutcome(execution)
		}
	}

	switch {
	case persistence.IsExecutionNotFound(err):
		return nil, nil
	case err != nil:
		return nil, NewInfrastructureError(op, err)
	}

	outcome.Deduplicated = true

	return outcome, nil
}

// admitted is a pending execution row waiting to be run.
type admitted struct {
	flow  *models.FlowExecution
	block *models.BlockExecution
}

// create inserts the pending execution. When the idempotency key was taken
// by a concurrent request it returns that request's outcome instead.
func (c *core) create(
	ctx context.Context, op string, t *target, executionID string, trigger models.Trigger, input json.RawMessage, key string,
) (*admitted, *Outcome, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	if executionID == "" {
		executionID = uuid.NewString()
	}

	var (
		row admitted
		err error
	)

	if t.flow != nil {
		row.flow = &models.FlowExecution{
			ID:             executionID,
			FlowID:         t.flow.ID,
			FlowVersion:    t.flow.Version,
			WorkspaceID:    t.flow.WorkspaceID,
			Status:         models.ExecutionStatusPending,
			Input:          input,
			TriggeredBy:    trigger,
			IdempotencyKey: key,
		}
		err = c.store.Executions().CreateFlowExecution(ctx, row.flow)
	} else {
		row.block = &models.BlockExecution{
			ID:             executionID,
			BlockID:        t.block.ID,
			WorkspaceID:    t.block.WorkspaceID,
			Status:         models.ExecutionStatusPending,
			Input:          input,
			TriggeredBy:    trigger,
			IdempotencyKey: key,
		}
		err = c.store.Executions().CreateBlockExecution(ctx, row.block)
	}

	if persistence.IsDuplicateIdempotencyKey(err) {
		outcome, lookupErr := c.existing(ctx, op, t, key)
		if lookupErr != nil {
			return nil, nil, lookupErr
		}

		if outcome == nil {
			return nil, nil, NewInfrastructureError(op, err)
		}

		return nil, outcome, nil
	}

	if err != nil {
		return nil, nil, NewInfrastructureError(op, err)
	}

	return &row, nil, nil
}

// run executes an admitted row to completion. Failures inside the run are in
// the returned outcome; only store failures are returned as errors.
func (c *core) run(ctx context.Context, op string, t *target, row *admitted) (*Outcome, error) {
	var (
		outcome *Outcome
		failed  string // block execution whose failure ended the run
	)

	if row.flow != nil {
		final, err := c.runner.RunFlow(ctx, row.flow, t.flow)
		if err != nil {
			return nil, NewInfrastructureError(op, err)
		}

		outcome = flowOutcome(final)

		if final.Status == models.ExecutionStatusFailed {
			failed = c.failedChild(ctx, final.ID)
		}
	} else {
		final, err := c.runner.RunBlock(ctx, row.block, t.block)
		if err != nil {
			return nil, NewInfrastructureError(op, err)
		}

		outcome = blockOutcome(final)

		if final.Status == models.ExecutionStatusFailed {
			failed = final.ID
		}
	}

	if failed != "" {
		outcome.TimedOut = c.timedOut(ctx, failed)
	}

	return outcome, nil
}

func (c *core) failedChild(ctx context.Context, flowExecutionID string) string {
	children, err := c.store.Executions().BlockExecutionsByFlowExecution(ctx, flowExecutionID)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to list node executions", "execution_id", flowExecutionID, "error", err)

		return ""
	}

	for i := len(children) - 1; i >= 0; i-- {
		if children[i].Status == models.ExecutionStatusFailed {
			return children[i].ID
		}
	}

	return ""
}

// timedOut reports whether the block execution's log holds a timeout error
// event. Late events from the task runner may follow it.
func (c *core) timedOut(ctx context.Context, blockExecutionID string) bool {
	log, err := c.store.Events().EventsSince(ctx, blockExecutionID, 0)
	if err != nil {
		return false
	}

	for _, event := range log {
		if data, ok := event.Data.(models.ErrorData); ok && data.Code == executor.ErrorCodeTimeout {
			return true
		}
	}

	return false
}
