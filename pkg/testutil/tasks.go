// Package testutil provides builders and in-memory fakes shared by package tests.
package testutil

import (
	"strconv"

	"github.com/dukex/formflow/pkg/models"
)

// NewTask returns a valid task with a lead payload.
func NewTask(id, flowKey string) *models.Task {
	return &models.Task{
		ID:      id,
		FlowKey: flowKey,
		Payload: models.Payload{
			LeadID: "lead-" + id,
			Lead: map[string]any{
				"name":  "Test Lead",
				"email": "lead@example.com",
			},
			PlatformData: map[string]any{},
		},
	}
}

// TaskOption customizes a task built by NewTasks.
type TaskOption func(*models.Task)

func WithPriority(p int) TaskOption {
	return func(t *models.Task) { t.Priority = p }
}

func WithVisible() TaskOption {
	return func(t *models.Task) { t.Options.Visible = true }
}

func WithPauseAtStep(stepID string) TaskOption {
	return func(t *models.Task) { t.Options.PauseAtStep = stepID }
}

func WithResumeState(stateID string) TaskOption {
	return func(t *models.Task) { t.Options.ResumeStateID = stateID }
}

// NewTasks builds tasks with IDs prefix-1..prefix-n for the same flow.
func NewTasks(prefix, flowKey string, n int, opts ...TaskOption) []*models.Task {
	tasks := make([]*models.Task, 0, n)

	for i := 1; i <= n; i++ {
		task := NewTask(prefix+"-"+strconv.Itoa(i), flowKey)
		for _, opt := range opts {
			opt(task)
		}

		tasks = append(tasks, task)
	}

	return tasks
}
