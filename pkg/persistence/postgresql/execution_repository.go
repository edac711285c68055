package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// ExecutionRepository handles flow and block execution rows. Every status
// change is a conditional single-row UPDATE so concurrent writers can never
// move a row out of a terminal status.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const flowExecutionColumns = `id, flow_id, flow_version, workspace_id, status, input, output, error,
	triggered_by, idempotency_key, started_at, completed_at, created_at`

func (r *ExecutionRepository) CreateFlowExecution(ctx context.Context, execution *models.FlowExecution) error {
	triggeredBy, err := json.Marshal(execution.TriggeredBy)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now()
	}

	query := `INSERT INTO flow_executions (` + flowExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID, execution.FlowID, execution.FlowVersion, execution.WorkspaceID, execution.Status,
		nullJSON(execution.Input), nullJSON(execution.Output), nullString(execution.Error),
		triggeredBy, nullString(execution.IdempotencyKey),
		nullTime(execution.StartedAt), nullTime(execution.CompletedAt), execution.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: flow %s key %s",
				persistence.ErrDuplicateIdempotencyKey, execution.FlowID, execution.IdempotencyKey)
		}

		return fmt.Errorf("failed to create flow execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) FlowExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+flowExecutionColumns+` FROM flow_executions WHERE id = $1`, id)

	execution, err := r.scanFlowExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("FlowExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) FlowExecutionByIdempotencyKey(
	ctx context.Context, flowID, key string,
) (*models.FlowExecution, error) {
	query := `SELECT ` + flowExecutionColumns + ` FROM flow_executions
		WHERE flow_id = $1 AND idempotency_key = $2`

	execution, err := r.scanFlowExecution(r.db.QueryRowContext(ctx, query, flowID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan flow execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) TransitionFlowExecution(
	ctx context.Context, id string, next models.ExecutionStatus, update models.ExecutionUpdate,
) (*models.FlowExecution, error) {
	startedAt, completedAt := transitionTimes(next)

	query := `
		UPDATE flow_executions SET
			status = $2,
			started_at = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at),
			output = COALESCE($6, output),
			error = COALESCE($7, error)
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + flowExecutionColumns

	row := r.db.QueryRowContext(ctx, query,
		id, next, pq.Array(statusStrings(models.AllowedSources(next))),
		startedAt, completedAt, nullJSON(update.Output), nullString(update.Error),
	)

	execution, err := r.scanFlowExecution(row)
	if err == nil {
		return execution, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update flow execution: %w", err)
	}

	return nil, r.rejectedTransition(ctx, "flow_executions", "Transition", id, next)
}

func (r *ExecutionRepository) CancelFlowExecution(ctx context.Context, id string) (int, error) {
	cancelledAt := now()
	sources := pq.Array(statusStrings(models.AllowedSources(models.ExecutionStatusCancelled)))

	result, err := r.db.ExecContext(ctx,
		`UPDATE flow_executions SET status = $2, completed_at = $3 WHERE id = $1 AND status = ANY($4)`,
		id, models.ExecutionStatusCancelled, cancelledAt, sources,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel flow execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return 0, r.rejectedTransition(ctx, "flow_executions", "Cancel", id, models.ExecutionStatusCancelled)
	}

	result, err = r.db.ExecContext(ctx,
		`UPDATE block_executions SET status = $2, completed_at = $3
		WHERE flow_execution_id = $1 AND status = ANY($4)`,
		id, models.ExecutionStatusCancelled, cancelledAt, sources,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "cascade cancellation failed", "execution_id", id, "error", err)

		return 0, persistence.NewExecutionError("CancelCascade", id, err)
	}

	children, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(children), nil
}

func (r *ExecutionRepository) scanFlowExecution(row scanner) (*models.FlowExecution, error) {
	var (
		execution      models.FlowExecution
		input, output  []byte
		errorText      sql.NullString
		triggeredBy    []byte
		idempotencyKey sql.NullString
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&execution.ID, &execution.FlowID, &execution.FlowVersion, &execution.WorkspaceID, &execution.Status,
		&input, &output, &errorText, &triggeredBy, &idempotencyKey, &startedAt, &completedAt, &execution.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(triggeredBy, &execution.TriggeredBy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}

	execution.Input = bytesOrNil(input)
	execution.Output = bytesOrNil(output)
	execution.Error = errorText.String
	execution.IdempotencyKey = idempotencyKey.String
	execution.StartedAt = timePtr(startedAt)
	execution.CompletedAt = timePtr(completedAt)

	return &execution, nil
}

const blockExecutionColumns = `id, block_id, flow_execution_id, node_id, workspace_id, status, input, output,
	error, duration_ms, tokens_input, tokens_output, triggered_by, idempotency_key,
	started_at, completed_at, created_at`

func (r *ExecutionRepository) CreateBlockExecution(ctx context.Context, execution *models.BlockExecution) error {
	triggeredBy, err := json.Marshal(execution.TriggeredBy)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now()
	}

	query := `INSERT INTO block_executions (` + blockExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID, execution.BlockID, nullString(execution.FlowExecutionID), nullString(execution.NodeID),
		execution.WorkspaceID, execution.Status, nullJSON(execution.Input), nullJSON(execution.Output),
		nullString(execution.Error), execution.DurationMs, execution.TokensInput, execution.TokensOutput,
		triggeredBy, nullString(execution.IdempotencyKey),
		nullTime(execution.StartedAt), nullTime(execution.CompletedAt), execution.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: block %s key %s",
				persistence.ErrDuplicateIdempotencyKey, execution.BlockID, execution.IdempotencyKey)
		}

		return fmt.Errorf("failed to create block execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) BlockExecutionByID(ctx context.Context, id string) (*models.BlockExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+blockExecutionColumns+` FROM block_executions WHERE id = $1`, id)

	execution, err := r.scanBlockExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("BlockExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan block execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) BlockExecutionByIdempotencyKey(
	ctx context.Context, blockID, key string,
) (*models.BlockExecution, error) {
	query := `SELECT ` + blockExecutionColumns + ` FROM block_executions
		WHERE block_id = $1 AND idempotency_key = $2`

	execution, err := r.scanBlockExecution(r.db.QueryRowContext(ctx, query, blockID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan block execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) TransitionBlockExecution(
	ctx context.Context, id string, next models.ExecutionStatus, update models.ExecutionUpdate,
) (*models.BlockExecution, error) {
	startedAt, completedAt := transitionTimes(next)

	query := `
		UPDATE block_executions SET
			status = $2,
			started_at = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at),
			output = COALESCE($6, output),
			error = COALESCE($7, error),
			duration_ms = CASE WHEN $8::BIGINT <> 0 THEN $8 ELSE duration_ms END,
			tokens_input = CASE WHEN $9::BIGINT <> 0 THEN $9 ELSE tokens_input END,
			tokens_output = CASE WHEN $10::BIGINT <> 0 THEN $10 ELSE tokens_output END
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + blockExecutionColumns

	row := r.db.QueryRowContext(ctx, query,
		id, next, pq.Array(statusStrings(models.AllowedSources(next))),
		startedAt, completedAt, nullJSON(update.Output), nullString(update.Error),
		update.DurationMs, update.TokensInput, update.TokensOutput,
	)

	execution, err := r.scanBlockExecution(row)
	if err == nil {
		return execution, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update block execution: %w", err)
	}

	return nil, r.rejectedTransition(ctx, "block_executions", "Transition", id, next)
}

func (r *ExecutionRepository) CancelBlockExecution(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE block_executions SET status = $2, completed_at = $3 WHERE id = $1 AND status = ANY($4)`,
		id, models.ExecutionStatusCancelled, now(),
		pq.Array(statusStrings(models.AllowedSources(models.ExecutionStatusCancelled))),
	)
	if err != nil {
		return fmt.Errorf("failed to cancel block execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return r.rejectedTransition(ctx, "block_executions", "Cancel", id, models.ExecutionStatusCancelled)
	}

	return nil
}

func (r *ExecutionRepository) BlockExecutionsByFlowExecution(
	ctx context.Context, flowExecutionID string,
) ([]*models.BlockExecution, error) {
	query := `SELECT ` + blockExecutionColumns + ` FROM block_executions
		WHERE flow_execution_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, flowExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query block executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	children := make([]*models.BlockExecution, 0)

	for rows.Next() {
		execution, err := r.scanBlockExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block execution: %w", err)
		}

		children = append(children, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block executions: %w", err)
	}

	return children, nil
}

func (r *ExecutionRepository) scanBlockExecution(row scanner) (*models.BlockExecution, error) {
	var (
		execution       models.BlockExecution
		flowExecutionID sql.NullString
		nodeID          sql.NullString
		input, output   []byte
		errorText       sql.NullString
		triggeredBy     []byte
		idempotencyKey  sql.NullString
		startedAt       sql.NullTime
		completedAt     sql.NullTime
	)

	err := row.Scan(
		&execution.ID, &execution.BlockID, &flowExecutionID, &nodeID, &execution.WorkspaceID, &execution.Status,
		&input, &output, &errorText, &execution.DurationMs, &execution.TokensInput, &execution.TokensOutput,
		&triggeredBy, &idempotencyKey, &startedAt, &completedAt, &execution.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(triggeredBy, &execution.TriggeredBy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}

	execution.FlowExecutionID = flowExecutionID.String
	execution.NodeID = nodeID.String
	execution.Input = bytesOrNil(input)
	execution.Output = bytesOrNil(output)
	execution.Error = errorText.String
	execution.IdempotencyKey = idempotencyKey.String
	execution.StartedAt = timePtr(startedAt)
	execution.CompletedAt = timePtr(completedAt)

	return &execution, nil
}

// rejectedTransition explains why a conditional update touched no row.
func (r *ExecutionRepository) rejectedTransition(
	ctx context.Context, table, op, id string, next models.ExecutionStatus,
) error {
	var current models.ExecutionStatus

	err := r.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
		}

		return fmt.Errorf("failed to read execution status: %w", err)
	}

	return persistence.NewTransitionError(op, id, current, next)
}

// transitionTimes returns the timestamps to stamp when entering next.
func transitionTimes(next models.ExecutionStatus) (startedAt, completedAt sql.NullTime) {
	ts := now()

	if next == models.ExecutionStatusRunning {
		startedAt = sql.NullTime{Time: ts, Valid: true}
	}

	if next.IsTerminal() {
		completedAt = sql.NullTime{Time: ts, Valid: true}
	}

	return startedAt, completedAt
}

func statusStrings(statuses []models.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}

	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
