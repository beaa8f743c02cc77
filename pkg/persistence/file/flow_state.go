package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
)

const flowStatesDir = "flow_states"

// FlowStateRepository stores one JSON document per flow state.
type FlowStateRepository struct {
	root string
	mu   sync.Mutex
}

func NewFlowStateRepository(root string) *FlowStateRepository {
	return &FlowStateRepository{root: root}
}

// validateID rejects identifiers that could escape the storage directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", persistence.ErrInvalidFlowStateID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: contains invalid characters", persistence.ErrInvalidFlowStateID)
	}

	return nil
}

func (r *FlowStateRepository) path(id string) string {
	return filepath.Join(r.root, flowStatesDir, id+".json")
}

func (r *FlowStateRepository) Create(_ context.Context, state *models.FlowState) error {
	if err := validateID(state.ID); err != nil {
		return persistence.NewFlowStateError("Create", state.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(state.ID)); err == nil {
		return persistence.NewFlowStateError("Create", state.ID, persistence.ErrFlowStateAlreadyExists)
	}

	return r.write(state)
}

func (r *FlowStateRepository) Get(_ context.Context, id string) (*models.FlowState, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewFlowStateError("Get", id, err)
	}

	return r.read(id)
}

func (r *FlowStateRepository) Update(_ context.Context, state *models.FlowState) error {
	if err := validateID(state.ID); err != nil {
		return persistence.NewFlowStateError("Update", state.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(state.ID)); os.IsNotExist(err) {
		return persistence.NewFlowStateError("Update", state.ID, persistence.ErrFlowStateNotFound)
	}

	return r.write(state)
}

func (r *FlowStateRepository) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return persistence.NewFlowStateError("Delete", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete flow state %s: %w", id, err)
	}

	return nil
}

func (r *FlowStateRepository) Find(_ context.Context, filter persistence.FlowStateFilter) ([]*models.FlowState, error) {
	dir := filepath.Join(r.root, flowStatesDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.FlowState{}, nil
		}

		return nil, fmt.Errorf("failed to read flow states directory: %w", err)
	}

	states := []*models.FlowState{}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		state, err := r.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Skip invalid files
			continue
		}

		if filter.Matches(state) {
			states = append(states, state)
		}
	}

	persistence.SortByUpdatedDesc(states)

	return states, nil
}

func (r *FlowStateRepository) read(id string) (*models.FlowState, error) {
	data, err := os.ReadFile(r.path(id)) // #nosec G304 -- id is validated and the path constructed safely
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewFlowStateError("Get", id, persistence.ErrFlowStateNotFound)
		}

		return nil, fmt.Errorf("failed to read flow state %s: %w", id, err)
	}

	var state models.FlowState

	err = json.Unmarshal(data, &state)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow state %s: %w", id, err)
	}

	if state.CompletedSteps == nil {
		state.CompletedSteps = []string{}
	}

	return &state, nil
}

// write replaces the document atomically so a crash never leaves a torn checkpoint.
func (r *FlowStateRepository) write(state *models.FlowState) error {
	dir := filepath.Join(r.root, flowStatesDir)

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create flow states directory: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal flow state %s: %w", state.ID, err)
	}

	tmp, err := os.CreateTemp(dir, state.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for flow state %s: %w", state.ID, err)
	}

	_, err = tmp.Write(data)
	closeErr := tmp.Close()

	if err = errors.Join(err, closeErr); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write flow state %s: %w", state.ID, err)
	}

	err = os.Chmod(tmp.Name(), 0600)
	if err == nil {
		err = os.Rename(tmp.Name(), r.path(state.ID))
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to commit flow state %s: %w", state.ID, err)
	}

	return nil
}
