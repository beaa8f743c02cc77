// Package web provides the HTTP control API: run submission, run and task control,
// human takeover and checkpoint housekeeping.
package web

import (
	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/models"
)

// SubmitRunRequest is the body of POST /runs.
type SubmitRunRequest struct {
	RunID string        `json:"run_id,omitempty"`
	Tasks []TaskRequest `json:"tasks"            validate:"required,min=1,dive"`
}

type TaskRequest struct {
	ID            string         `json:"id"                        validate:"required"`
	FlowKey       string         `json:"flow_key"                  validate:"required"`
	LeadID        string         `json:"lead_id"                   validate:"required"`
	Lead          map[string]any `json:"lead,omitempty"`
	PlatformData  map[string]any `json:"platform_data,omitempty"`
	ArtifactDir   string         `json:"artifact_dir,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	Visible       bool           `json:"visible,omitempty"`
	PauseAtStep   string         `json:"pause_at_step,omitempty"`
	ResumeStateID string         `json:"resume_state_id,omitempty"`
}

func (r TaskRequest) ToTask() *models.Task {
	return &models.Task{
		ID:      r.ID,
		FlowKey: r.FlowKey,
		Payload: models.Payload{
			LeadID:       r.LeadID,
			Lead:         r.Lead,
			PlatformData: r.PlatformData,
		},
		ArtifactDir: r.ArtifactDir,
		Priority:    r.Priority,
		Options: models.TaskOptions{
			Visible:       r.Visible,
			PauseAtStep:   r.PauseAtStep,
			ResumeStateID: r.ResumeStateID,
		},
	}
}

type SubmitRunResponse struct {
	RunID string `json:"run_id"`
	Tasks int    `json:"tasks"`
}

type StatsResponse struct {
	Queued     int           `json:"queued"`
	Active     int           `json:"active"`
	Waiting    int           `json:"waiting_user"`
	ActiveRuns int           `json:"active_runs"`
	Pool       browser.Stats `json:"pool"`
}

type PurgeResponse struct {
	Deleted int `json:"deleted"`
}
