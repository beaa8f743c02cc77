// Package checkpoint persists a flow's progress so it can be paused and resumed.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/google/uuid"
)

var ErrNotInitialized = errors.New("checkpoint manager not initialized")

type Options struct {
	// Enabled turns persistence on. A disabled manager accepts every call and stores nothing.
	Enabled bool
	// ResumeStateID resumes an existing FlowState instead of creating one.
	ResumeStateID string
	Clock         clock.Clock
}

// Manager owns the FlowState of one flow execution. Every change is written to the
// repository first; the in-memory state only moves once the write committed.
type Manager struct {
	repo   persistence.FlowStateRepository
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	state *models.FlowState
}

func NewManager(repo persistence.FlowStateRepository, logger *slog.Logger, opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Manager{
		repo:   repo,
		opts:   opts,
		clock:  clk,
		logger: logger.With("module", "checkpoint"),
	}
}

func (m *Manager) Enabled() bool {
	return m.opts.Enabled
}

// Initialize creates or resumes the FlowState and returns the step index to start from.
func (m *Manager) Initialize(ctx context.Context, flowKey, leadID string) (int, error) {
	if !m.opts.Enabled {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()

	if m.opts.ResumeStateID != "" {
		return m.resumeLocked(ctx, flowKey, now)
	}

	state := &models.FlowState{
		ID:             uuid.New().String(),
		FlowKey:        flowKey,
		LeadID:         leadID,
		CompletedSteps: []string{},
		StepStates:     map[string]map[string]any{},
		Status:         models.FlowStatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	err := m.repo.Create(ctx, state)
	if err != nil {
		return 0, fmt.Errorf("failed to create flow state: %w", err)
	}

	m.state = state

	m.logger.InfoContext(ctx, "Flow state created", "stateID", state.ID, "flowKey", flowKey)

	return 0, nil
}

func (m *Manager) resumeLocked(ctx context.Context, flowKey string, now time.Time) (int, error) {
	stored, err := m.repo.Get(ctx, m.opts.ResumeStateID)
	if err != nil {
		return 0, fmt.Errorf("failed to load flow state %s: %w", m.opts.ResumeStateID, err)
	}

	if stored.FlowKey != flowKey {
		return 0, models.NewValidationError("resume flow",
			fmt.Sprintf("flow state %s belongs to flow %s, not %s", stored.ID, stored.FlowKey, flowKey), nil)
	}

	next := stored.Clone()
	next.Status = models.FlowStatusRunning
	next.Error = ""
	next.ResumedAt = &now
	next.UpdatedAt = now

	if next.StepStates == nil {
		next.StepStates = map[string]map[string]any{}
	}

	err = m.repo.Update(ctx, next)
	if err != nil {
		return 0, fmt.Errorf("failed to mark flow state %s resumed: %w", next.ID, err)
	}

	m.state = next

	m.logger.InfoContext(ctx, "Flow state resumed",
		"stateID", next.ID, "flowKey", flowKey, "stepIndex", next.CurrentStepIndex)

	return next.CurrentStepIndex, nil
}

// Checkpoint records that the step at stepIndex completed. data becomes the step's
// stored intermediate state. If the write fails nothing changes and the error is returned.
func (m *Manager) Checkpoint(ctx context.Context, stepIndex int, stepID string, data map[string]any) error {
	if !m.opts.Enabled {
		return nil
	}

	return m.apply(ctx, "checkpoint", func(next *models.FlowState, _ time.Time) error {
		if stepIndex+1 < next.CurrentStepIndex {
			return models.NewValidationError("checkpoint",
				fmt.Sprintf("step index %d is behind the current index %d", stepIndex, next.CurrentStepIndex), nil)
		}

		next.CurrentStepIndex = stepIndex + 1

		if !slices.Contains(next.CompletedSteps, stepID) {
			next.CompletedSteps = append(next.CompletedSteps, stepID)
		}

		if data != nil {
			next.StepStates[stepID] = maps.Clone(data)
		}

		return nil
	})
}

func (m *Manager) MarkPaused(ctx context.Context) error {
	return m.mark(ctx, "pause", func(next *models.FlowState, now time.Time) {
		next.Status = models.FlowStatusPaused
		next.PausedAt = &now
	})
}

func (m *Manager) MarkCompleted(ctx context.Context) error {
	return m.mark(ctx, "complete", func(next *models.FlowState, now time.Time) {
		next.Status = models.FlowStatusCompleted
		next.CompletedAt = &now
	})
}

// MarkFailed records the failure message with the state.
func (m *Manager) MarkFailed(ctx context.Context, cause error) error {
	return m.mark(ctx, "fail", func(next *models.FlowState, _ time.Time) {
		next.Status = models.FlowStatusFailed

		if cause != nil {
			next.Error = cause.Error()
		}
	})
}

func (m *Manager) mark(ctx context.Context, op string, fn func(next *models.FlowState, now time.Time)) error {
	if !m.opts.Enabled {
		return nil
	}

	return m.apply(ctx, op, func(next *models.FlowState, now time.Time) error {
		fn(next, now)

		return nil
	})
}

// apply mutates a copy, writes it and swaps it in only after the write succeeded.
func (m *Manager) apply(ctx context.Context, op string, fn func(next *models.FlowState, now time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return ErrNotInitialized
	}

	now := m.clock.Now().UTC()

	next := m.state.Clone()
	if next.StepStates == nil {
		next.StepStates = map[string]map[string]any{}
	}

	err := fn(next, now)
	if err != nil {
		return err
	}

	next.UpdatedAt = now

	err = m.repo.Update(ctx, next)
	if err != nil {
		return fmt.Errorf("failed to persist %s of flow state %s: %w", op, next.ID, err)
	}

	m.state = next

	return nil
}

// State returns a copy of the current FlowState, or nil before Initialize.
func (m *Manager) State() *models.FlowState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.Clone()
}

// StateID returns the ID of the current FlowState, or "".
func (m *Manager) StateID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return ""
	}

	return m.state.ID
}
