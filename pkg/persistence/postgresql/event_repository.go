package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/lib/pq"
)

// maxAppendAttempts bounds retries when two writers race for the same index.
const maxAppendAttempts = 5

// EventRepository handles the append-only execution_events table.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// AppendEvent computes the next index inside the INSERT itself. The primary
// key on (execution_id, event_index) rejects a concurrent writer that read
// the same MAX, which then retries.
func (r *EventRepository) AppendEvent(
	ctx context.Context, executionID string, data models.EventData,
) (*models.ExecutionEvent, error) {
	payload, err := models.EncodeEventData(data)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO execution_events (execution_id, event_index, event_type, event_data, created_at)
		SELECT $1::TEXT, COALESCE(MAX(event_index), -1) + 1, $2::TEXT, $3::JSONB, $4::TIMESTAMPTZ
		FROM execution_events WHERE execution_id = $1::TEXT
		RETURNING event_index, created_at
	`

	event := &models.ExecutionEvent{ExecutionID: executionID, Data: data}

	for attempt := 1; ; attempt++ {
		err = r.db.QueryRowContext(ctx, query, executionID, string(data.EventType()), []byte(payload), now()).
			Scan(&event.Index, &event.CreatedAt)
		if err == nil {
			event.CreatedAt = event.CreatedAt.UTC()

			return event, nil
		}

		if !isUniqueViolation(err) || attempt == maxAppendAttempts {
			return nil, fmt.Errorf("failed to append event to execution %s: %w", executionID, err)
		}

		r.logger.DebugContext(ctx, "event index conflict, retrying", "execution_id", executionID, "attempt", attempt)
	}
}

func (r *EventRepository) EventsSince(
	ctx context.Context, executionID string, fromIndex int,
) ([]*models.ExecutionEvent, error) {
	query := `
		SELECT execution_id, event_index, event_type, event_data, created_at
		FROM execution_events
		WHERE execution_id = $1 AND event_index >= $2
		ORDER BY event_index ASC
	`

	rows, err := r.db.QueryContext(ctx, query, executionID, fromIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	return r.collect(ctx, rows)
}

// EventsForExecutions joins against the cursor list unnested into rows, so
// a fan-out of any width is still one query.
func (r *EventRepository) EventsForExecutions(
	ctx context.Context, cursors map[string]int,
) ([]*models.ExecutionEvent, error) {
	if len(cursors) == 0 {
		return []*models.ExecutionEvent{}, nil
	}

	ids := make([]string, 0, len(cursors))
	from := make([]int64, 0, len(cursors))

	for id, index := range cursors {
		ids = append(ids, id)
		from = append(from, int64(index))
	}

	query := `
		SELECT e.execution_id, e.event_index, e.event_type, e.event_data, e.created_at
		FROM execution_events e
		JOIN unnest($1::TEXT[], $2::BIGINT[]) AS c(execution_id, from_index)
			ON e.execution_id = c.execution_id AND e.event_index >= c.from_index
		ORDER BY e.created_at ASC, e.execution_id ASC, e.event_index ASC
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids), pq.Array(from))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	return r.collect(ctx, rows)
}

func (r *EventRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.ExecutionEvent, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	events := make([]*models.ExecutionEvent, 0)

	for rows.Next() {
		var (
			event     models.ExecutionEvent
			eventType string
			payload   []byte
		)

		if err := rows.Scan(&event.ExecutionID, &event.Index, &eventType, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		data, err := models.DecodeEventData(models.EventType(eventType), payload)
		if err != nil {
			return nil, err
		}

		event.Data = data
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
