package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/formflow/pkg/cmd"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadBatch(t *testing.T) {
	path := writeFile(t, "batch.yaml", `
run_id: nightly
tasks:
  - id: t1
    flow: auto_quote
    lead_id: lead-1
    priority: 5
    visible: true
    pause_at_step: review
    lead:
      email: a@example.com
  - id: t2
    flow: auto_quote
    lead_id: lead-2
    resume_state_id: state-9
`)

	batch, err := loadBatch(path)
	require.NoError(t, err)

	assert.Equal(t, "nightly", batch.RunID)
	require.Len(t, batch.Tasks, 2)

	task := batch.Tasks[0].toTask()
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "auto_quote", task.FlowKey)
	assert.Equal(t, "lead-1", task.Payload.LeadID)
	assert.Equal(t, "a@example.com", task.Payload.Lead["email"])
	assert.Equal(t, 5, task.Priority)
	assert.True(t, task.Options.Visible)
	assert.Equal(t, "review", task.Options.PauseAtStep)

	assert.Equal(t, "state-9", batch.Tasks[1].toTask().Options.ResumeStateID)
}

func TestLoadBatch_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no tasks", content: "run_id: x\ntasks: []\n"},
		{name: "missing flow", content: "tasks:\n  - id: t1\n    lead_id: l\n"},
		{name: "missing lead", content: "tasks:\n  - id: t1\n    flow: f\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadBatch(writeFile(t, "batch.yaml", tt.content))
			require.Error(t, err)
			assert.True(t, models.IsValidationError(err))
		})
	}
}

func TestLoadBatch_MissingFile(t *testing.T) {
	_, err := loadBatch(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	registry, err := cmd.NewRegistry(log.Discard(), "")
	require.NoError(t, err)

	t.Run("known implementations", func(t *testing.T) {
		path := writeFile(t, "flows.yaml", `
flows:
  - key: auto_quote
    steps:
      - id: open
        implementation: navigate
      - id: submit
        implementation: click
`)

		catalog, err := loadCatalog(log.Discard(), path, registry)
		require.NoError(t, err)
		assert.Equal(t, []string{"auto_quote"}, catalog.Keys())
	})

	t.Run("unknown implementation", func(t *testing.T) {
		path := writeFile(t, "flows.yaml", `
flows:
  - key: auto_quote
    steps:
      - id: open
        implementation: teleport
`)

		_, err := loadCatalog(log.Discard(), path, registry)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "teleport")
	})
}
