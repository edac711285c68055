package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// ScheduledTaskRepository handles scheduled_tasks rows.
type ScheduledTaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewScheduledTaskRepository(db *sql.DB, logger *slog.Logger) *ScheduledTaskRepository {
	return &ScheduledTaskRepository{db: db, logger: logger}
}

const scheduledTaskColumns = `id, workspace_id, target_type, target_id, input, run_at, cron_expression, status,
	run_count, max_runs, last_run_at, last_run_status, last_run_error, execution_id, created_at, updated_at`

func (r *ScheduledTaskRepository) SaveScheduledTask(ctx context.Context, task *models.ScheduledTask) error {
	ts := now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = ts
	}

	task.UpdatedAt = ts

	query := `
		INSERT INTO scheduled_tasks (` + scheduledTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			target_type = EXCLUDED.target_type,
			target_id = EXCLUDED.target_id,
			input = EXCLUDED.input,
			run_at = EXCLUDED.run_at,
			cron_expression = EXCLUDED.cron_expression,
			status = EXCLUDED.status,
			run_count = EXCLUDED.run_count,
			max_runs = EXCLUDED.max_runs,
			last_run_at = EXCLUDED.last_run_at,
			last_run_status = EXCLUDED.last_run_status,
			last_run_error = EXCLUDED.last_run_error,
			execution_id = EXCLUDED.execution_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, taskArgs(task)...)
	if err != nil {
		return fmt.Errorf("failed to save scheduled task: %w", err)
	}

	return nil
}

func (r *ScheduledTaskRepository) ScheduledTaskByID(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = $1`, id)

	task, err := scanScheduledTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrScheduledTaskNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
	}

	return task, nil
}

func (r *ScheduledTaskRepository) DueScheduledTasks(
	ctx context.Context, dueAt time.Time, limit int,
) ([]*models.ScheduledTask, error) {
	query := `SELECT ` + scheduledTaskColumns + ` FROM scheduled_tasks
		WHERE status = 'pending' AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, dueAt, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled tasks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	tasks := make([]*models.ScheduledTask, 0)

	for rows.Next() {
		task, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled tasks: %w", err)
	}

	return tasks, nil
}

func (r *ScheduledTaskRepository) ClaimScheduledTask(ctx context.Context, id string, claimedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = 'running', updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, claimedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 1 {
		return true, nil
	}

	if _, err := r.ScheduledTaskByID(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

func (r *ScheduledTaskRepository) FinishScheduledTaskRun(ctx context.Context, task *models.ScheduledTask) error {
	task.UpdatedAt = now()

	query := `
		UPDATE scheduled_tasks SET
			run_at = $2,
			status = $3,
			run_count = $4,
			last_run_at = $5,
			last_run_status = $6,
			last_run_error = $7,
			execution_id = $8,
			updated_at = $9
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query,
		task.ID, task.RunAt, task.Status, task.RunCount, nullTime(task.LastRunAt),
		nullString(task.LastRunStatus), nullString(task.LastRunError), nullString(task.ExecutionID), task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish scheduled task run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		stored, err := r.ScheduledTaskByID(ctx, task.ID)
		if err != nil {
			return err
		}

		return fmt.Errorf("%w: scheduled task %s is %s", persistence.ErrInvalidStateTransition, task.ID, stored.Status)
	}

	return nil
}

func taskArgs(task *models.ScheduledTask) []any {
	var cronExpression, maxRuns any

	if task.CronExpression != nil {
		cronExpression = *task.CronExpression
	}

	if task.MaxRuns != nil {
		maxRuns = *task.MaxRuns
	}

	return []any{
		task.ID, task.WorkspaceID, task.TargetType, task.TargetID, nullJSON(task.Input), task.RunAt,
		cronExpression, task.Status, task.RunCount, maxRuns, nullTime(task.LastRunAt),
		nullString(task.LastRunStatus), nullString(task.LastRunError), nullString(task.ExecutionID),
		task.CreatedAt, task.UpdatedAt,
	}
}

func scanScheduledTask(row scanner) (*models.ScheduledTask, error) {
	var (
		task           models.ScheduledTask
		input          []byte
		cronExpression sql.NullString
		maxRuns        sql.NullInt64
		lastRunAt      sql.NullTime
		lastRunStatus  sql.NullString
		lastRunError   sql.NullString
		executionID    sql.NullString
	)

	err := row.Scan(
		&task.ID, &task.WorkspaceID, &task.TargetType, &task.TargetID, &input, &task.RunAt, &cronExpression,
		&task.Status, &task.RunCount, &maxRuns, &lastRunAt, &lastRunStatus, &lastRunError, &executionID,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cronExpression.Valid {
		task.CronExpression = &cronExpression.String
	}

	if maxRuns.Valid {
		n := int(maxRuns.Int64)
		task.MaxRuns = &n
	}

	task.Input = bytesOrNil(input)
	task.RunAt = task.RunAt.UTC()
	task.LastRunAt = timePtr(lastRunAt)
	task.LastRunStatus = lastRunStatus.String
	task.LastRunError = lastRunError.String
	task.ExecutionID = executionID.String

	return &task, nil
}
