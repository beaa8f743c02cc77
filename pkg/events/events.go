// Package events defines the lifecycle notifications emitted by the flow engine.
package events

import (
	"time"

	"github.com/dukex/formflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "formflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Task lifecycle events.
	TaskStartedEvent         EventType = "task.started"
	TaskCompletedEvent       EventType = "task.completed"
	TaskFailedEvent          EventType = "task.failed"
	TaskCancelledEvent       EventType = "task.cancelled"
	TaskWaitingUserEvent     EventType = "task.waiting_user"
	TaskManualCompletedEvent EventType = "task.manual_completed"

	// Step events.
	StepRetryingEvent EventType = "step.retrying"
	StepSkippedEvent  EventType = "step.skipped"
	StepFailedEvent   EventType = "step.failed"

	// Run events.
	RunCompletedEvent EventType = "run.completed"
	RunCancelledEvent EventType = "run.cancelled"

	// Execution-context pool events.
	EngineRecoveredEvent EventType = "engine.recovered"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
}

// NewBaseEvent stamps a new event for the given task scope. Either ID may be empty.
func NewBaseEvent(eventType EventType, runID, taskID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		TaskID:    taskID,
	}
}

type TaskStarted struct {
	BaseEvent

	FlowKey string `json:"flow_key"`
	LeadID  string `json:"lead_id,omitempty"`
	Visible bool   `json:"visible,omitempty"`
}

func (e TaskStarted) GetType() EventType {
	return TaskStartedEvent
}

// TaskFinished carries the result of a task that reached completed, failed or cancelled.
type TaskFinished struct {
	BaseEvent

	Status models.TaskStatus           `json:"status"`
	Result *models.FlowExecutionResult `json:"result,omitempty"`
	Error  string                      `json:"error,omitempty"`
}

func (e TaskFinished) GetType() EventType {
	return e.Type
}

type TaskWaitingUser struct {
	BaseEvent

	FlowKey string `json:"flow_key"`
	StepID  string `json:"step_id"`
	StateID string `json:"state_id,omitempty"`
}

func (e TaskWaitingUser) GetType() EventType {
	return TaskWaitingUserEvent
}

type TaskManualCompleted struct {
	BaseEvent
}

func (e TaskManualCompleted) GetType() EventType {
	return TaskManualCompletedEvent
}

type StepRetrying struct {
	BaseEvent

	FlowKey string        `json:"flow_key"`
	StepID  string        `json:"step_id"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Error   string        `json:"error"`
}

func (e StepRetrying) GetType() EventType {
	return StepRetryingEvent
}

type StepSkipped struct {
	BaseEvent

	FlowKey   string `json:"flow_key"`
	StepID    string `json:"step_id"`
	Condition string `json:"condition"`
}

func (e StepSkipped) GetType() EventType {
	return StepSkippedEvent
}

type StepFailed struct {
	BaseEvent

	FlowKey string `json:"flow_key"`
	StepID  string `json:"step_id"`
	Retries int    `json:"retries"`
	Error   string `json:"error"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

type RunFinished struct {
	BaseEvent

	Summary models.RunSummary `json:"summary"`
}

func (e RunFinished) GetType() EventType {
	return e.Type
}

type EngineRecovered struct {
	BaseEvent

	Visible    bool   `json:"visible"`
	Cause      string `json:"cause"`
	ForcedKill bool   `json:"forced_kill"`
	Recoveries int    `json:"recoveries"`
}

func (e EngineRecovered) GetType() EventType {
	return EngineRecoveredEvent
}
