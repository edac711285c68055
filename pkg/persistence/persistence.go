// Package persistence defines the execution store: definitions, executions,
// the append-only event log, scheduled tasks and the webhook audit trail.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/flowrun/pkg/models"
)

type Persistence interface {
	Flows() FlowRepository
	Blocks() BlockRepository
	APIKeys() APIKeyRepository
	Executions() ExecutionRepository
	Events() EventRepository
	ScheduledTasks() ScheduledTaskRepository
	WebhookLogs() WebhookLogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository reads flow definitions. Save exists for seeding and tests.
type FlowRepository interface {
	SaveFlow(ctx context.Context, flow *models.Flow) error
	FlowByID(ctx context.Context, id string) (*models.Flow, error)
	// ListFlows lists the workspace's flows that are not soft-deleted.
	ListFlows(ctx context.Context, workspaceID string) ([]*models.Flow, error)
}

type BlockRepository interface {
	SaveBlock(ctx context.Context, block *models.Block) error
	BlockByID(ctx context.Context, id string) (*models.Block, error)
	ListBlocks(ctx context.Context, workspaceID string) ([]*models.Block, error)
	// RecordBlockRun folds one finished run into the block's usage counters.
	RecordBlockRun(ctx context.Context, blockID string, durationMs int64) error
}

type APIKeyRepository interface {
	SaveAPIKey(ctx context.Context, key *models.APIKey) error
	APIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// ExecutionRepository owns every status change of flow and block executions.
//
// Transition methods are conditional: they only write when the stored status
// may move to next, and return ErrInvalidStateTransition otherwise without
// touching the row. Entering running stamps StartedAt, entering a terminal
// status stamps CompletedAt.
type ExecutionRepository interface {
	// CreateFlowExecution inserts a new execution. A second execution with the
	// same (flow, idempotency key) fails with ErrDuplicateIdempotencyKey.
	CreateFlowExecution(ctx context.Context, execution *models.FlowExecution) error
	FlowExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error)
	FlowExecutionByIdempotencyKey(ctx context.Context, flowID, key string) (*models.FlowExecution, error)
	TransitionFlowExecution(
		ctx context.Context, id string, next models.ExecutionStatus, update models.ExecutionUpdate,
	) (*models.FlowExecution, error)
	// CancelFlowExecution cancels the flow execution and then every
	// non-terminal child. It returns how many children were cancelled. When
	// the cascade fails the parent stays cancelled and the error is returned.
	CancelFlowExecution(ctx context.Context, id string) (int, error)

	CreateBlockExecution(ctx context.Context, execution *models.BlockExecution) error
	BlockExecutionByID(ctx context.Context, id string) (*models.BlockExecution, error)
	BlockExecutionByIdempotencyKey(ctx context.Context, blockID, key string) (*models.BlockExecution, error)
	TransitionBlockExecution(
		ctx context.Context, id string, next models.ExecutionStatus, update models.ExecutionUpdate,
	) (*models.BlockExecution, error)
	CancelBlockExecution(ctx context.Context, id string) error
	// BlockExecutionsByFlowExecution returns the children ordered by creation.
	BlockExecutionsByFlowExecution(ctx context.Context, flowExecutionID string) ([]*models.BlockExecution, error)
}

// EventRepository is the append-only per block execution event log.
type EventRepository interface {
	// AppendEvent stores data as the next event of the execution and returns
	// it with its assigned index.
	AppendEvent(ctx context.Context, executionID string, data models.EventData) (*models.ExecutionEvent, error)
	// EventsSince returns events with index >= fromIndex in index order.
	EventsSince(ctx context.Context, executionID string, fromIndex int) ([]*models.ExecutionEvent, error)
	// EventsForExecutions reads, in one round trip, the events of every
	// execution in cursors whose index is >= its cursor. Results are ordered
	// by creation time, then execution id, then index.
	EventsForExecutions(ctx context.Context, cursors map[string]int) ([]*models.ExecutionEvent, error)
}

type ScheduledTaskRepository interface {
	SaveScheduledTask(ctx context.Context, task *models.ScheduledTask) error
	ScheduledTaskByID(ctx context.Context, id string) (*models.ScheduledTask, error)
	// DueScheduledTasks returns pending tasks with run_at <= now, oldest first.
	DueScheduledTasks(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error)
	// ClaimScheduledTask moves a pending task to running. It returns false
	// when another invocation claimed the task first.
	ClaimScheduledTask(ctx context.Context, id string, now time.Time) (bool, error)
	// FinishScheduledTaskRun writes the outcome of a run. The stored task must
	// still be running.
	FinishScheduledTaskRun(ctx context.Context, task *models.ScheduledTask) error
}

type WebhookLogRepository interface {
	AppendWebhookLog(ctx context.Context, log *models.WebhookLog) error
	ListWebhookLogs(ctx context.Context, targetType models.TargetType, targetID string, limit int) ([]*models.WebhookLog, error)
}
