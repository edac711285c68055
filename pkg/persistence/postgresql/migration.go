package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Definitions read by the execution subsystem
			CREATE TABLE flows (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT true,
				version INTEGER NOT NULL DEFAULT 0,
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				input_schema JSONB,
				webhook_secret TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flows_workspace_id ON flows(workspace_id);

			CREATE TABLE blocks (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(100) NOT NULL DEFAULT '',
				model VARCHAR(255) NOT NULL DEFAULT '',
				config JSONB,
				enabled BOOLEAN NOT NULL DEFAULT true,
				webhook_secret TEXT,
				execution_count BIGINT NOT NULL DEFAULT 0,
				avg_duration_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_blocks_workspace_id ON blocks(workspace_id);

			CREATE TABLE api_keys (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				key_hash CHAR(64) NOT NULL UNIQUE,
				permissions TEXT[] NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				revoked_at TIMESTAMP WITH TIME ZONE
			);
		`,
		2: `
			-- Executions and their append-only event log
			CREATE TABLE flow_executions (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				flow_version INTEGER NOT NULL DEFAULT 0,
				workspace_id TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
				input JSONB,
				output JSONB,
				error TEXT,
				triggered_by JSONB NOT NULL,
				idempotency_key TEXT,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_executions_flow_id ON flow_executions(flow_id);
			CREATE INDEX idx_flow_executions_status ON flow_executions(status);
			CREATE UNIQUE INDEX idx_flow_executions_idempotency
				ON flow_executions(flow_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

			CREATE TABLE block_executions (
				id TEXT PRIMARY KEY,
				block_id TEXT NOT NULL,
				flow_execution_id TEXT REFERENCES flow_executions(id),
				node_id TEXT,
				workspace_id TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'complete', 'failed', 'cancelled')),
				input JSONB,
				output JSONB,
				error TEXT,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				tokens_input BIGINT NOT NULL DEFAULT 0,
				tokens_output BIGINT NOT NULL DEFAULT 0,
				triggered_by JSONB NOT NULL,
				idempotency_key TEXT,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_block_executions_block_id ON block_executions(block_id);
			CREATE INDEX idx_block_executions_flow_execution_id ON block_executions(flow_execution_id);
			CREATE UNIQUE INDEX idx_block_executions_idempotency
				ON block_executions(block_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

			CREATE TABLE execution_events (
				execution_id TEXT NOT NULL,
				event_index INTEGER NOT NULL,
				event_type VARCHAR(50) NOT NULL,
				event_data JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, event_index)
			);

			CREATE INDEX idx_execution_events_created_at ON execution_events(created_at);
		`,
		3: `
			-- Scheduler and webhook audit
			CREATE TABLE scheduled_tasks (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				target_type VARCHAR(10) NOT NULL CHECK (target_type IN ('flow', 'block')),
				target_id TEXT NOT NULL,
				input JSONB,
				run_at TIMESTAMP WITH TIME ZONE NOT NULL,
				cron_expression VARCHAR(255),
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
				run_count INTEGER NOT NULL DEFAULT 0,
				max_runs INTEGER,
				last_run_at TIMESTAMP WITH TIME ZONE,
				last_run_status VARCHAR(20),
				last_run_error TEXT,
				execution_id TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_scheduled_tasks_due ON scheduled_tasks(status, run_at);

			CREATE TABLE webhook_logs (
				id TEXT PRIMARY KEY,
				target_type VARCHAR(10) NOT NULL,
				target_id TEXT NOT NULL,
				workspace_id TEXT,
				source_ip VARCHAR(64) NOT NULL DEFAULT '',
				outcome VARCHAR(30) NOT NULL,
				status_code INTEGER NOT NULL,
				execution_id TEXT,
				idempotency_key TEXT,
				error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_webhook_logs_target ON webhook_logs(target_type, target_id, created_at);
		`,
	}
}
