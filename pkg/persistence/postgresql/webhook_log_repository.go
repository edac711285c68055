package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/models"
)

// WebhookLogRepository writes the webhook audit trail.
type WebhookLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWebhookLogRepository(db *sql.DB, logger *slog.Logger) *WebhookLogRepository {
	return &WebhookLogRepository{db: db, logger: logger}
}

func (r *WebhookLogRepository) AppendWebhookLog(ctx context.Context, log *models.WebhookLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = now()
	}

	query := `
		INSERT INTO webhook_logs (id, target_type, target_id, workspace_id, source_ip, outcome,
			status_code, execution_id, idempotency_key, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.ID, log.TargetType, log.TargetID, nullString(log.WorkspaceID), log.SourceIP, log.Outcome,
		log.StatusCode, nullString(log.ExecutionID), nullString(log.IdempotencyKey), nullString(log.Error),
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append webhook log: %w", err)
	}

	return nil
}

func (r *WebhookLogRepository) ListWebhookLogs(
	ctx context.Context, targetType models.TargetType, targetID string, limit int,
) ([]*models.WebhookLog, error) {
	query := `
		SELECT id, target_type, target_id, workspace_id, source_ip, outcome, status_code,
			execution_id, idempotency_key, error, created_at
		FROM webhook_logs
		WHERE target_type = $1 AND target_id = $2
		ORDER BY created_at DESC
	`
	args := []any{targetType, targetID}

	if limit > 0 {
		query += " LIMIT $3"

		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook logs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	logs := make([]*models.WebhookLog, 0)

	for rows.Next() {
		var (
			log            models.WebhookLog
			workspaceID    sql.NullString
			executionID    sql.NullString
			idempotencyKey sql.NullString
			errorText      sql.NullString
		)

		err := rows.Scan(&log.ID, &log.TargetType, &log.TargetID, &workspaceID, &log.SourceIP, &log.Outcome,
			&log.StatusCode, &executionID, &idempotencyKey, &errorText, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook log: %w", err)
		}

		log.WorkspaceID = workspaceID.String
		log.ExecutionID = executionID.String
		log.IdempotencyKey = idempotencyKey.String
		log.Error = errorText.String
		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook logs: %w", err)
	}

	return logs, nil
}
