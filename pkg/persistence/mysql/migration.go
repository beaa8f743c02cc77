package mysql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS flow_states (
				id VARCHAR(255) NOT NULL PRIMARY KEY,
				flow_key VARCHAR(255) NOT NULL,
				lead_id VARCHAR(255) NOT NULL DEFAULT '',
				current_step_index INT NOT NULL DEFAULT 0,
				completed_steps JSON NOT NULL,
				step_states JSON NOT NULL,
				status VARCHAR(50) NOT NULL,
				error_message TEXT NOT NULL,
				started_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				paused_at DATETIME(6) NULL,
				resumed_at DATETIME(6) NULL,
				completed_at DATETIME(6) NULL,
				INDEX idx_flow_states_status (status),
				INDEX idx_flow_states_flow_key (flow_key),
				INDEX idx_flow_states_lead_id (lead_id),
				INDEX idx_flow_states_updated_at (updated_at)
			);
		`,
	}
}
