// Package models defines the core domain models for concurrent form-filling flow execution.
package models

// TaskStatus represents where a task is in its lifecycle.
type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusWaitingUser TaskStatus = "waiting_user" // Suspended for human takeover, session kept alive
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Payload is the business data a flow fills into the target platform.
type Payload struct {
	LeadID       string         `json:"lead_id"                 validate:"required"`
	Lead         map[string]any `json:"lead,omitempty"`
	PlatformData map[string]any `json:"platform_data,omitempty"`
}

// TaskOptions are per-task execution overrides.
type TaskOptions struct {
	Visible bool `json:"visible,omitempty"`
	// PauseAtStep suspends the flow for manual takeover right after the named step succeeds.
	PauseAtStep   string `json:"pause_at_step,omitempty"`
	ResumeStateID string `json:"resume_state_id,omitempty"`
}

// Task is one flow execution request belonging to a run. It is immutable once queued.
type Task struct {
	ID          string      `json:"id"                     validate:"required"`
	RunID       string      `json:"run_id"`
	FlowKey     string      `json:"flow_key"               validate:"required"`
	Payload     Payload     `json:"payload"`
	ArtifactDir string      `json:"artifact_dir,omitempty"`
	Priority    int         `json:"priority"`
	Options     TaskOptions `json:"options"`
}
