package postgresql

// migrations returns the ordered schema migrations for the engine tables.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				active_script_id UUID,
				maintenance BOOLEAN NOT NULL DEFAULT FALSE,
				fix_attempts INTEGER NOT NULL DEFAULT 0,
				handler_config JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE IF NOT EXISTS scripts (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				version INTEGER NOT NULL,
				source JSONB,
				config JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_scripts_workflow ON scripts (workflow_id, version DESC);

			CREATE TABLE IF NOT EXISTS sessions (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				script_id UUID NOT NULL,
				status TEXT NOT NULL,
				trigger_kind TEXT NOT NULL,
				handler_run_count INTEGER NOT NULL DEFAULT 0,
				cost_micros BIGINT NOT NULL DEFAULT 0,
				retry_of UUID,
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_sessions_workflow ON sessions (workflow_id, created_at DESC);

			CREATE TABLE IF NOT EXISTS handler_runs (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				session_id UUID NOT NULL,
				script_id UUID NOT NULL,
				handler_type TEXT NOT NULL,
				handler_name TEXT NOT NULL,
				phase TEXT NOT NULL,
				status TEXT NOT NULL,
				retry_of UUID,
				prepare_result JSONB,
				input_state JSONB,
				output_state JSONB,
				error TEXT,
				error_type TEXT,
				logs JSONB,
				cost_micros BIGINT NOT NULL DEFAULT 0,
				resolved_by TEXT,
				resolved_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_handler_runs_session ON handler_runs (session_id, created_at);
			CREATE INDEX IF NOT EXISTS idx_handler_runs_retry_of ON handler_runs (retry_of);

			CREATE TABLE IF NOT EXISTS topics (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				name TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workflow_id, name)
			);

			CREATE TABLE IF NOT EXISTS events (
				id UUID PRIMARY KEY,
				topic_id UUID NOT NULL REFERENCES topics (id),
				message_id TEXT NOT NULL,
				payload JSONB,
				status TEXT NOT NULL,
				created_by_run_id UUID,
				reserved_by_run_id UUID,
				caused_by JSONB,
				attempt_number INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (topic_id, message_id)
			);

			CREATE INDEX IF NOT EXISTS idx_events_topic_status ON events (topic_id, status);
			CREATE INDEX IF NOT EXISTS idx_events_reserved_by ON events (reserved_by_run_id);

			CREATE TABLE IF NOT EXISTS mutations (
				id UUID PRIMARY KEY,
				handler_run_id UUID NOT NULL UNIQUE,
				tool TEXT NOT NULL,
				method TEXT NOT NULL,
				params JSONB,
				idempotency_key TEXT,
				status TEXT NOT NULL,
				result JSONB,
				error TEXT,
				reconcile_attempts INTEGER NOT NULL DEFAULT 0,
				last_reconcile_at TIMESTAMP WITH TIME ZONE,
				next_reconcile_at TIMESTAMP WITH TIME ZONE,
				resolved_by TEXT,
				resolved_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_mutations_due ON mutations (next_reconcile_at)
				WHERE next_reconcile_at IS NOT NULL;

			CREATE TABLE IF NOT EXISTS handler_states (
				workflow_id UUID NOT NULL,
				handler_name TEXT NOT NULL,
				state JSONB,
				committed_by_run_id UUID,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (workflow_id, handler_name)
			);

			CREATE TABLE IF NOT EXISTS schedules (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				handler_name TEXT NOT NULL,
				interval_ns BIGINT NOT NULL DEFAULT 0,
				cron_expression TEXT NOT NULL DEFAULT '',
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workflow_id, handler_name)
			);

			CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (next_due_at) WHERE active;
		`,
	}
}
