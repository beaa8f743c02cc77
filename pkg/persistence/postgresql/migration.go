package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flow_states (
				id VARCHAR(255) PRIMARY KEY,
				flow_key VARCHAR(255) NOT NULL,
				lead_id VARCHAR(255) NOT NULL DEFAULT '',
				current_step_index INT NOT NULL DEFAULT 0,
				completed_steps JSONB NOT NULL DEFAULT '[]',
				step_states JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'paused', 'completed', 'failed')),
				error_message TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				paused_at TIMESTAMP WITH TIME ZONE,
				resumed_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_states_status ON flow_states(status);
			CREATE INDEX idx_flow_states_flow_key ON flow_states(flow_key);
			CREATE INDEX idx_flow_states_lead_id ON flow_states(lead_id);
			CREATE INDEX idx_flow_states_updated_at ON flow_states(updated_at);
		`,
	}
}
