package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedState(t *testing.T, repo persistence.FlowStateRepository, id string, status models.FlowStatus, updated time.Time) {
	t.Helper()

	require.NoError(t, repo.Create(context.Background(), &models.FlowState{
		ID:             id,
		FlowKey:        "auto_quote",
		CompletedSteps: []string{},
		Status:         status,
		StartedAt:      updated,
		UpdatedAt:      updated,
	}))
}

func TestJanitor_Purge(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	seedState(t, repo, "old-completed", models.FlowStatusCompleted, old)
	seedState(t, repo, "old-failed", models.FlowStatusFailed, old)
	seedState(t, repo, "old-paused", models.FlowStatusPaused, old)
	seedState(t, repo, "recent-completed", models.FlowStatusCompleted, recent)

	mockClock := clock.NewMock()
	mockClock.Set(now)

	janitor := NewJanitor(repo, log.Discard(), 24*time.Hour, mockClock)

	purged, err := janitor.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	remaining, err := repo.Find(ctx, persistence.FlowStateFilter{})
	require.NoError(t, err)

	ids := make([]string, 0, len(remaining))
	for _, s := range remaining {
		ids = append(ids, s.ID)
	}

	assert.ElementsMatch(t, []string{"old-paused", "recent-completed"}, ids)
}

func TestJanitor_StartStop(t *testing.T) {
	janitor := NewJanitor(newRepo(t), log.Discard(), time.Hour, nil)
	ctx := context.Background()

	err := janitor.Start(ctx, "not a schedule")
	require.Error(t, err)

	require.NoError(t, janitor.Start(ctx, "@every 1h"))
	require.NoError(t, janitor.Start(ctx, "@every 1h"))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	janitor.Stop(stopCtx)
	janitor.Stop(stopCtx)
}
