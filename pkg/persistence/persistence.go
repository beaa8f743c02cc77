// Package persistence provides the storage abstraction for flow checkpoints.
package persistence

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dukex/formflow/pkg/models"
)

// FlowStateFilter narrows Find results. Zero-valued fields match everything.
type FlowStateFilter struct {
	Status        models.FlowStatus
	FlowKey       string
	LeadID        string
	UpdatedBefore *time.Time
}

// Matches reports whether state satisfies the filter. Backends without query support use it.
func (f FlowStateFilter) Matches(state *models.FlowState) bool {
	if f.Status != "" && state.Status != f.Status {
		return false
	}

	if f.FlowKey != "" && state.FlowKey != f.FlowKey {
		return false
	}

	if f.LeadID != "" && state.LeadID != f.LeadID {
		return false
	}

	if f.UpdatedBefore != nil && !state.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}

	return true
}

// FlowStateRepository stores FlowState checkpoints.
type FlowStateRepository interface {
	// Create stores a new state. Returns ErrFlowStateAlreadyExists if the ID is taken.
	Create(ctx context.Context, state *models.FlowState) error
	// Get returns ErrFlowStateNotFound when the ID is unknown.
	Get(ctx context.Context, id string) (*models.FlowState, error)
	// Update replaces an existing state. Returns ErrFlowStateNotFound when the ID is unknown.
	Update(ctx context.Context, state *models.FlowState) error
	Delete(ctx context.Context, id string) error
	// Find returns matching states ordered by most recently updated first.
	Find(ctx context.Context, filter FlowStateFilter) ([]*models.FlowState, error)
}

type Persistence interface {
	FlowStateRepository() FlowStateRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// SortByUpdatedDesc orders states most recently updated first, ties broken by ID.
func SortByUpdatedDesc(states []*models.FlowState) {
	slices.SortFunc(states, func(a, b *models.FlowState) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})
}
