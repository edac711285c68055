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

// DefinitionRepository handles flow, block and API key rows.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

const flowColumns = `id, workspace_id, name, description, enabled, version, nodes, edges,
	input_schema, webhook_secret, created_at, updated_at, deleted_at`

// SaveFlow upserts a flow definition.
func (r *DefinitionRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edgesJSON, err := json.Marshal(flow.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	ts := now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = ts
	}

	flow.UpdatedAt = ts

	query := `
		INSERT INTO flows (` + flowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			version = EXCLUDED.version,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			input_schema = EXCLUDED.input_schema,
			webhook_secret = EXCLUDED.webhook_secret,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		flow.ID, flow.WorkspaceID, flow.Name, flow.Description, flow.Enabled, flow.Version,
		nodesJSON, edgesJSON, nullJSON(flow.InputSchema), nullString(flow.WebhookSecret),
		flow.CreatedAt, flow.UpdatedAt, nullTime(flow.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

// FlowByID returns the flow, including soft-deleted ones so callers can
// tell deleted from missing.
func (r *DefinitionRepository) FlowByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)

	flow, err := r.scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrFlowNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

func (r *DefinitionRepository) ListFlows(ctx context.Context, workspaceID string) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows
		WHERE workspace_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func (r *DefinitionRepository) scanFlow(row scanner) (*models.Flow, error) {
	var (
		flow          models.Flow
		nodesJSON     []byte
		edgesJSON     []byte
		inputSchema   []byte
		webhookSecret sql.NullString
		deletedAt     sql.NullTime
	)

	err := row.Scan(
		&flow.ID, &flow.WorkspaceID, &flow.Name, &flow.Description, &flow.Enabled, &flow.Version,
		&nodesJSON, &edgesJSON, &inputSchema, &webhookSecret,
		&flow.CreatedAt, &flow.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodesJSON, &flow.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	if err := json.Unmarshal(edgesJSON, &flow.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}

	flow.InputSchema = bytesOrNil(inputSchema)
	flow.WebhookSecret = webhookSecret.String
	flow.DeletedAt = timePtr(deletedAt)

	return &flow, nil
}

const blockColumns = `id, workspace_id, name, type, model, config, enabled, webhook_secret,
	execution_count, avg_duration_ms, created_at, updated_at, deleted_at`

func (r *DefinitionRepository) SaveBlock(ctx context.Context, block *models.Block) error {
	var configJSON []byte

	if block.Config != nil {
		var err error

		configJSON, err = json.Marshal(block.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal block config: %w", err)
		}
	}

	ts := now()
	if block.CreatedAt.IsZero() {
		block.CreatedAt = ts
	}

	block.UpdatedAt = ts

	query := `
		INSERT INTO blocks (` + blockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			model = EXCLUDED.model,
			config = EXCLUDED.config,
			enabled = EXCLUDED.enabled,
			webhook_secret = EXCLUDED.webhook_secret,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err := r.db.ExecContext(ctx, query,
		block.ID, block.WorkspaceID, block.Name, block.Type, block.Model, nullJSON(configJSON), block.Enabled,
		nullString(block.WebhookSecret), block.ExecutionCount, block.AvgDurationMs,
		block.CreatedAt, block.UpdatedAt, nullTime(block.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) BlockByID(ctx context.Context, id string) (*models.Block, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = $1`, id)

	block, err := r.scanBlock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrBlockNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan block: %w", err)
	}

	return block, nil
}

func (r *DefinitionRepository) ListBlocks(ctx context.Context, workspaceID string) ([]*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks
		WHERE workspace_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	blocks := make([]*models.Block, 0)

	for rows.Next() {
		block, err := r.scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}

		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

// RecordBlockRun updates the running average in a single statement.
func (r *DefinitionRepository) RecordBlockRun(ctx context.Context, blockID string, durationMs int64) error {
	query := `
		UPDATE blocks SET
			avg_duration_ms = (avg_duration_ms * execution_count + $2) / (execution_count + 1),
			execution_count = execution_count + 1
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, blockID, durationMs)
	if err != nil {
		return fmt.Errorf("failed to record block run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrBlockNotFound, blockID)
	}

	return nil
}

func (r *DefinitionRepository) scanBlock(row scanner) (*models.Block, error) {
	var (
		block         models.Block
		configJSON    []byte
		webhookSecret sql.NullString
		deletedAt     sql.NullTime
	)

	err := row.Scan(
		&block.ID, &block.WorkspaceID, &block.Name, &block.Type, &block.Model, &configJSON, &block.Enabled,
		&webhookSecret, &block.ExecutionCount, &block.AvgDurationMs,
		&block.CreatedAt, &block.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &block.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal block config: %w", err)
		}
	}

	block.WebhookSecret = webhookSecret.String
	block.DeletedAt = timePtr(deletedAt)

	return &block, nil
}

func (r *DefinitionRepository) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now()
	}

	permissions := make([]string, len(key.Permissions))
	for i, p := range key.Permissions {
		permissions[i] = string(p)
	}

	query := `
		INSERT INTO api_keys (id, workspace_id, name, key_hash, permissions, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			permissions = EXCLUDED.permissions,
			revoked_at = EXCLUDED.revoked_at
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID, key.WorkspaceID, key.Name, key.KeyHash, pq.Array(permissions), key.CreatedAt, nullTime(key.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) APIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `SELECT id, workspace_id, name, key_hash, permissions, created_at, revoked_at
		FROM api_keys WHERE key_hash = $1`

	var (
		key         models.APIKey
		permissions []string
		revokedAt   sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.WorkspaceID, &key.Name, &key.KeyHash, pq.Array(&permissions), &key.CreatedAt, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAPIKeyNotFound
		}

		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}

	for _, p := range permissions {
		key.Permissions = append(key.Permissions, models.Permission(p))
	}

	key.RevokedAt = timePtr(revokedAt)

	return &key, nil
}
