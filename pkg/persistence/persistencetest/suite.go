// Package persistencetest holds the conformance tests every FlowStateRepository must pass.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState(flowKey, leadID string, status models.FlowStatus, updatedAt time.Time) *models.FlowState {
	return &models.FlowState{
		ID:             uuid.NewString(),
		FlowKey:        flowKey,
		LeadID:         leadID,
		CompletedSteps: []string{},
		Status:         status,
		StartedAt:      updatedAt,
		UpdatedAt:      updatedAt,
	}
}

// FlowStateRepositoryTest runs the shared suite. setup must return an empty repository.
func FlowStateRepositoryTest(t *testing.T, setup func(t *testing.T) persistence.FlowStateRepository) {
	t.Helper()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository)
	}{
		{
			name: "Create_ThenGet_RoundTrips",
			f: func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository) {
				state := newState("quote", "lead-1", models.FlowStatusRunning, base)
				state.CurrentStepIndex = 2
				state.CompletedSteps = []string{"login", "vehicle"}
				state.StepStates = map[string]map[string]any{"login": {"token": "abc"}}
				paused := base.Add(time.Minute)
				state.PausedAt = &paused

				require.NoError(t, repo.Create(ctx, state))

				got, err := repo.Get(ctx, state.ID)
				require.NoError(t, err)
				assert.Equal(t, state.FlowKey, got.FlowKey)
				assert.Equal(t, state.LeadID, got.LeadID)
				assert.Equal(t, 2, got.CurrentStepIndex)
				assert.Equal(t, []string{"login", "vehicle"}, got.CompletedSteps)
				assert.Equal(t, "abc", got.StepStates["login"]["token"])
				assert.Equal(t, models.FlowStatusRunning, got.Status)
				require.NotNil(t, got.PausedAt)
				assert.True(t, paused.Equal(*got.PausedAt))
				assert.Nil(t, got.CompletedAt)
			},
		},
		{
			name: "Create_SameIDErrors",
			f: func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository) {
				state := newState("quote", "lead-1", models.FlowStatusRunning, base)
				require.NoError(t, repo.Create(ctx, state))

				err := repo.Create(ctx, state)
				require.Error(t, err)
				assert.True(t, persistence.IsFlowStateAlreadyExists(err))
			},
		},
		{
			name: "Get_UnknownIDReturnsNotFound",
			f: func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository) {
				_, err := repo.Get(ctx, uuid.NewString())
				require.Error(t, err)
				assert.True(t, persistence.IsFlowStateNotFound(err))
			},
		},
		{
			name: "Update_PersistsChanges",
			f: func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository) {
				state := newState("quote", "lead-1", models.FlowStatusRunning, base)
				require.NoError(t, repo.Create(ctx, state))

				state.CurrentStepIndex = 1
				state.CompletedSteps = append(state.CompletedSteps, "login")
				state.Status = models.FlowStatusCompleted
				completed := base.Add(time.Hour)
				state.CompletedAt = &completed
				state.UpdatedAt = completed

				require.NoError(t, repo.Update(ctx, state))

				got, err := repo.Get(ctx, state.ID)
				require.NoError(t, err)
				assert.Equal(t, 1, got.CurrentStepIndex)
				assert.Equal(t, []string{"login"}, got.CompletedSteps)
				assert.Equal(t, models.FlowStatusCompleted, got.Status)
				require.NotNil(t, got.CompletedAt)
			},
		},
		{
			name: "Update_UnknownIDReturnsNotFound",
			f: func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository) {
				err := repo.Update(ctx, newState("quote", "", models.FlowStatusRunning, base))
				require.Error(t, err)
				assert.True(t, persistence.IsFlowStateNotFound(err))
			},
		},
		{
			name: "Delete_RemovesState",
			f: func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository) {
				state := newState("quote", "lead-1", models.FlowStatusRunning, base)
				require.NoError(t, repo.Create(ctx, state))
				require.NoError(t, repo.Delete(ctx, state.ID))

				_, err := repo.Get(ctx, state.ID)
				assert.True(t, persistence.IsFlowStateNotFound(err))
			},
		},
		{
			name: "Find_FiltersAndOrders",
			f: func(t *testing.T, ctx context.Context, repo persistence.FlowStateRepository) {
				older := newState("quote", "lead-1", models.FlowStatusPaused, base)
				newer := newState("quote", "lead-2", models.FlowStatusPaused, base.Add(time.Minute))
				other := newState("renewal", "lead-1", models.FlowStatusCompleted, base.Add(2*time.Minute))

				for _, s := range []*models.FlowState{older, newer, other} {
					require.NoError(t, repo.Create(ctx, s))
				}

				paused, err := repo.Find(ctx, persistence.FlowStateFilter{Status: models.FlowStatusPaused})
				require.NoError(t, err)
				require.Len(t, paused, 2)
				assert.Equal(t, newer.ID, paused[0].ID)
				assert.Equal(t, older.ID, paused[1].ID)

				byLead, err := repo.Find(ctx, persistence.FlowStateFilter{LeadID: "lead-1", FlowKey: "renewal"})
				require.NoError(t, err)
				require.Len(t, byLead, 1)
				assert.Equal(t, other.ID, byLead[0].ID)

				cutoff := base.Add(90 * time.Second)
				stale, err := repo.Find(ctx, persistence.FlowStateFilter{UpdatedBefore: &cutoff})
				require.NoError(t, err)
				assert.Len(t, stale, 2)

				all, err := repo.Find(ctx, persistence.FlowStateFilter{})
				require.NoError(t, err)
				assert.Len(t, all, 3)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := setup(t)
			tt.f(t, context.Background(), repo)
		})
	}
}
