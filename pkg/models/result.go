package models

// StepResult is the outcome of one step, after retries are resolved.
type StepResult struct {
	Success    bool           `json:"success"`
	StepID     string         `json:"step_id"`
	DurationMs int64          `json:"duration_ms"`
	Retries    int            `json:"retries"`
	Skipped    bool           `json:"skipped,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FlowExecutionResult aggregates the step results of one flow run.
// Paused, Aborted and WaitingUser describe intentional stops and are not failures.
type FlowExecutionResult struct {
	Success         bool          `json:"success"`
	FlowKey         string        `json:"flow_key"`
	LeadID          string        `json:"lead_id,omitempty"`
	Steps           []*StepResult `json:"steps"`
	TotalDurationMs int64         `json:"total_duration_ms"`
	Error           string        `json:"error,omitempty"`
	Paused          bool          `json:"paused,omitempty"`
	StateID         string        `json:"state_id,omitempty"`
	Aborted         bool          `json:"aborted,omitempty"`
	WaitingUser     bool          `json:"waiting_user,omitempty"`
}

// RunSummary is a point-in-time view of a run's counters.
type RunSummary struct {
	RunID      string `json:"run_id"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	Queued     int    `json:"queued"`
	Cancelling bool   `json:"cancelling,omitempty"`
	Done       bool   `json:"done"`
}
