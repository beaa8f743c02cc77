package sqlite

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS flow_states (
				id TEXT PRIMARY KEY,
				flow_key TEXT NOT NULL,
				lead_id TEXT NOT NULL DEFAULT '',
				current_step_index INTEGER NOT NULL DEFAULT 0,
				completed_steps TEXT NOT NULL DEFAULT '[]',
				step_states TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL CHECK (status IN ('running', 'paused', 'completed', 'failed')),
				error_message TEXT NOT NULL DEFAULT '',
				started_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				paused_at DATETIME,
				resumed_at DATETIME,
				completed_at DATETIME
			);

			CREATE INDEX IF NOT EXISTS idx_flow_states_status ON flow_states(status);
			CREATE INDEX IF NOT EXISTS idx_flow_states_flow_key ON flow_states(flow_key);
			CREATE INDEX IF NOT EXISTS idx_flow_states_lead_id ON flow_states(lead_id);
			CREATE INDEX IF NOT EXISTS idx_flow_states_updated_at ON flow_states(updated_at);
		`,
	}
}
