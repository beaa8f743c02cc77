package models

import (
	"maps"
	"slices"
	"time"
)

// FlowStatus represents the lifecycle state of a persisted flow checkpoint.
type FlowStatus string

const (
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusPaused    FlowStatus = "paused"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
)

// FlowState is the durable checkpoint of one flow execution.
type FlowState struct {
	ID               string                    `json:"id"`
	FlowKey          string                    `json:"flow_key"`
	LeadID           string                    `json:"lead_id,omitempty"`
	CurrentStepIndex int                       `json:"current_step_index"`
	CompletedSteps   []string                  `json:"completed_steps"`
	StepStates       map[string]map[string]any `json:"step_states,omitempty"`
	Status           FlowStatus                `json:"status"`
	Error            string                    `json:"error,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	PausedAt         *time.Time                `json:"paused_at,omitempty"`
	ResumedAt        *time.Time                `json:"resumed_at,omitempty"`
	CompletedAt      *time.Time                `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no mutable memory with s.
func (s *FlowState) Clone() *FlowState {
	if s == nil {
		return nil
	}

	c := *s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)

	if c.CompletedSteps == nil {
		c.CompletedSteps = []string{}
	}

	if s.StepStates != nil {
		c.StepStates = make(map[string]map[string]any, len(s.StepStates))
		for k, v := range s.StepStates {
			c.StepStates[k] = maps.Clone(v)
		}
	}

	c.PausedAt = cloneTime(s.PausedAt)
	c.ResumedAt = cloneTime(s.ResumedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)

	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
