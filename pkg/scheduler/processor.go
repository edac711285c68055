// Package scheduler runs due scheduled tasks. One ProcessDue call is one
// scheduler tick: it claims a batch of due tasks, executes each through the
// runner and writes the next occurrence back.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/cron"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultBatchSize = 10
	// DefaultTaskTimeout stays below the 60s deadline of the invocation
	// that calls ProcessDue.
	DefaultTaskTimeout = 50 * time.Second
	// DefaultInvocationDeadline bounds one whole ProcessDue call made on
	// behalf of an external cadence driver.
	DefaultInvocationDeadline = 60 * time.Second
)

var (
	ErrTargetNotFound = errors.New("scheduled target not found")
	ErrTargetDisabled = errors.New("scheduled target is disabled")
	ErrInvalidTask    = errors.New("invalid scheduled task")
)

// Runner executes a pending execution synchronously and returns the final row.
type Runner interface {
	RunFlow(ctx context.Context, execution *models.FlowExecution, flow *models.Flow) (*models.FlowExecution, error)
	RunBlock(ctx context.Context, execution *models.BlockExecution, block *models.Block) (*models.BlockExecution, error)
}

// Result describes what happened to one claimed task.
type Result struct {
	TaskID      string            `json:"taskId"`
	TargetType  models.TargetType `json:"targetType"`
	TargetID    string            `json:"targetId"`
	ExecutionID string            `json:"executionId,omitempty"`
	Status      models.TaskStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	NextRunAt   *time.Time        `json:"nextRunAt,omitempty"`
}

// Summary is the outcome of one ProcessDue call. Completed and Failed count
// runs, so a recurring task that succeeded and went back to pending is
// counted as completed.
type Summary struct {
	Processed  int      `json:"processed"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	DurationMs int64    `json:"durationMs"`
	Results    []Result `json:"results"`
}

type Processor struct {
	store       persistence.Persistence
	runner      Runner
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	batchSize   int
	taskTimeout time.Duration
	validate    *validator.Validate
	logger      *slog.Logger
}

type Option func(*Processor)

func WithBatchSize(size int) Option {
	return func(p *Processor) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

func WithTaskTimeout(timeout time.Duration) Option {
	return func(p *Processor) {
		if timeout > 0 {
			p.taskTimeout = timeout
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(p *Processor) {
		p.clock = clock
	}
}

// WithEventBus publishes a ScheduledTaskProcessed event per task.
func WithEventBus(publisher eventbus.EventPublisher) Option {
	return func(p *Processor) {
		p.publisher = publisher
	}
}

func NewProcessor(logger *slog.Logger, store persistence.Persistence, runner Runner, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		runner:      runner,
		clock:       clockwork.NewRealClock(),
		batchSize:   DefaultBatchSize,
		taskTimeout: DefaultTaskTimeout,
		validate:    models.NewValidator(),
		logger:      logger.With("module", "scheduler"),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ProcessDue runs every task that is pending with run_at <= now, up to the
// batch size. Tasks lost to a concurrent invocation are skipped. Only a
// failure to list due tasks is returned; per task failures are in the
// summary.
func (p *Processor) ProcessDue(ctx context.Context) (*Summary, error) {
	start := p.clock.Now()
	now := start.UTC()

	tasks, err := p.store.ScheduledTasks().DueScheduledTasks(ctx, now, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due scheduled tasks: %w", err)
	}

	if len(tasks) > 0 {
		p.logger.InfoContext(ctx, "Processing due scheduled tasks", "count", len(tasks))
	}

	summary := &Summary{Results: make([]Result, 0, len(tasks))}

	for _, task := range tasks {
		if ctx.Err() != nil {
			p.logger.WarnContext(ctx, "Stopping scheduler tick early", "error", ctx.Err())

			break
		}

		claimed, err := p.store.ScheduledTasks().ClaimScheduledTask(ctx, task.ID, now)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to claim scheduled task", "task_id", task.ID, "error", err)

			continue
		}

		if !claimed {
			p.logger.DebugContext(ctx, "Scheduled task claimed by another invocation", "task_id", task.ID)

			continue
		}

		task.Status = models.TaskStatusRunning
		result := p.process(ctx, task)

		summary.Processed++
		if result.Error == "" {
			summary.Completed++
		} else {
			summary.Failed++
		}

		summary.Results = append(summary.Results, result)
	}

	summary.DurationMs = p.clock.Since(start).Milliseconds()

	return summary, nil
}

func (p *Processor) process(ctx context.Context, task *models.ScheduledTask) Result {
	logger := p.logger.With("task_id", task.ID, "target_type", task.TargetType, "target_id", task.TargetID)

	var (
		executionID string
		runErr      error
	)

	if err := p.validate.Struct(task); err != nil {
		runErr = fmt.Errorf("%w: %w", ErrInvalidTask, err)
	} else {
		runCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
		executionID, runErr = p.execute(runCtx, task)

		if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("scheduled task timed out after %s: %w", p.taskTimeout, runErr)
		}

		cancel()
	}

	p.advance(task, executionID, runErr)

	result := Result{
		TaskID:      task.ID,
		TargetType:  task.TargetType,
		TargetID:    task.TargetID,
		ExecutionID: executionID,
		Status:      task.Status,
		Error:       task.LastRunError,
	}

	if task.Status == models.TaskStatusPending {
		next := task.RunAt
		result.NextRunAt = &next
	}

	// The outcome must land even when the tick's deadline already passed.
	writeCtx := context.WithoutCancel(ctx)

	if err := p.store.ScheduledTasks().FinishScheduledTaskRun(writeCtx, task); err != nil {
		logger.ErrorContext(ctx, "Failed to record scheduled task run", "error", err)

		if result.Error == "" {
			result.Error = err.Error()
		}
	}

	if result.Error != "" {
		logger.WarnContext(ctx, "Scheduled task failed", "execution_id", executionID, "error", result.Error)
	} else {
		logger.InfoContext(ctx, "Scheduled task ran", "execution_id", executionID, "status", task.Status)
	}

	p.publish(writeCtx, task, result)

	return result
}

// execute creates and runs the execution for task. The returned id is empty
// when no execution could be created.
func (p *Processor) execute(ctx context.Context, task *models.ScheduledTask) (string, error) {
	input := task.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	trigger := models.ScheduleTrigger(task.ID)
	executions := p.store.Executions()

	if task.TargetType == models.TargetTypeBlock {
		block, err := p.store.Blocks().BlockByID(ctx, task.TargetID)

		switch {
		case persistence.IsNotFound(err) || (err == nil && block.IsDeleted()):
			return "", fmt.Errorf("%w: block %s", ErrTargetNotFound, task.TargetID)
		case err != nil:
			return "", err
		case !block.Enabled:
			return "", fmt.Errorf("%w: block %s", ErrTargetDisabled, task.TargetID)
		}

		execution := &models.BlockExecution{
			ID:          uuid.NewString(),
			BlockID:     block.ID,
			WorkspaceID: block.WorkspaceID,
			Status:      models.ExecutionStatusPending,
			Input:       input,
			TriggeredBy: trigger,
		}

		if err := executions.CreateBlockExecution(ctx, execution); err != nil {
			return "", err
		}

		final, err := p.runner.RunBlock(ctx, execution, block)
		if err != nil {
			return execution.ID, err
		}

		return final.ID, outcomeError(final.Status, final.Error)
	}

	flow, err := p.store.Flows().FlowByID(ctx, task.TargetID)

	switch {
	case persistence.IsNotFound(err) || (err == nil && flow.IsDeleted()):
		return "", fmt.Errorf("%w: flow %s", ErrTargetNotFound, task.TargetID)
	case err != nil:
		return "", err
	case !flow.Enabled:
		return "", fmt.Errorf("%w: flow %s", ErrTargetDisabled, task.TargetID)
	}

	execution := &models.FlowExecution{
		ID:          uuid.NewString(),
		FlowID:      flow.ID,
		FlowVersion: flow.Version,
		WorkspaceID: flow.WorkspaceID,
		Status:      models.ExecutionStatusPending,
		Input:       input,
		TriggeredBy: trigger,
	}

	if err := executions.CreateFlowExecution(ctx, execution); err != nil {
		return "", err
	}

	final, err := p.runner.RunFlow(ctx, execution, flow)
	if err != nil {
		return execution.ID, err
	}

	return final.ID, outcomeError(final.Status, final.Error)
}

func outcomeError(status models.ExecutionStatus, message string) error {
	if status.IsSuccess() {
		return nil
	}

	if message == "" {
		message = "execution ended " + string(status)
	}

	return errors.New(message)
}

// advance applies the run outcome to task: counters, last run fields and
// the next status.
func (p *Processor) advance(task *models.ScheduledTask, executionID string, runErr error) {
	now := p.clock.Now().UTC()

	task.RunCount++
	task.LastRunAt = &now
	task.ExecutionID = executionID
	task.LastRunStatus = string(models.TaskStatusCompleted)
	task.LastRunError = ""

	if runErr != nil {
		task.LastRunStatus = string(models.TaskStatusFailed)
		task.LastRunError = runErr.Error()
	}

	// An invalid task would fail the same way on every occurrence.
	if !task.IsRecurring() || task.ReachedMaxRuns() || errors.Is(runErr, ErrInvalidTask) {
		task.Status = models.TaskStatusCompleted
		if runErr != nil {
			task.Status = models.TaskStatusFailed
		}

		return
	}

	next, err := cron.NextRun(*task.CronExpression, now)
	if err != nil {
		task.Status = models.TaskStatusFailed
		task.LastRunError = errors.Join(runErr, err).Error()

		return
	}

	task.RunAt = next
	task.Status = models.TaskStatusPending
}

func (p *Processor) publish(ctx context.Context, task *models.ScheduledTask, result Result) {
	if p.publisher == nil {
		return
	}

	event := events.ScheduledTaskProcessed{
		BaseEvent:  events.NewBaseEvent(events.ScheduledTaskProcessedEvent, result.ExecutionID, task.WorkspaceID),
		TaskID:     task.ID,
		TargetType: string(task.TargetType),
		TargetID:   task.TargetID,
		Status:     string(result.Status),
		Error:      result.Error,
	}

	if err := p.publisher.Publish(ctx, task.ID, event); err != nil {
		p.logger.ErrorContext(ctx, "Failed to publish scheduled task event", "task_id", task.ID, "error", err)
	}
}
