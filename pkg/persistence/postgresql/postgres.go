// Package postgresql provides the PostgreSQL implementation of the execution store.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	definitionRepo    *DefinitionRepository
	executionRepo     *ExecutionRepository
	eventRepo         *EventRepository
	scheduledTaskRepo *ScheduledTaskRepository
	webhookLogRepo    *WebhookLogRepository
}

// NewPersistence connects to databaseURL, runs migrations and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newPersistence(database, logger), nil
}

// NewPersistenceFromDB wires the repositories over an existing handle without
// running migrations.
func NewPersistenceFromDB(database *sql.DB, logger *slog.Logger) *Persistence {
	return newPersistence(database, logger)
}

func newPersistence(database *sql.DB, logger *slog.Logger) *Persistence {
	return &Persistence{
		db:                database,
		logger:            logger,
		definitionRepo:    NewDefinitionRepository(database, logger),
		executionRepo:     NewExecutionRepository(database, logger),
		eventRepo:         NewEventRepository(database, logger),
		scheduledTaskRepo: NewScheduledTaskRepository(database, logger),
		webhookLogRepo:    NewWebhookLogRepository(database, logger),
	}
}

func (p *Persistence) Flows() persistence.FlowRepository           { return p.definitionRepo }
func (p *Persistence) Blocks() persistence.BlockRepository         { return p.definitionRepo }
func (p *Persistence) APIKeys() persistence.APIKeyRepository       { return p.definitionRepo }
func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executionRepo }
func (p *Persistence) Events() persistence.EventRepository         { return p.eventRepo }
func (p *Persistence) ScheduledTasks() persistence.ScheduledTaskRepository {
	return p.scheduledTaskRepo
}
func (p *Persistence) WebhookLogs() persistence.WebhookLogRepository { return p.webhookLogRepo }

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	return raw
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time.UTC()

	return &v
}

func bytesOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	return b
}

func now() time.Time {
	return time.Now().UTC()
}
