package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowStateNotFound indicates a flow state was not found by the given identifier.
	ErrFlowStateNotFound = errors.New("flow state not found")

	// ErrFlowStateAlreadyExists indicates a flow state with the same identifier already exists.
	ErrFlowStateAlreadyExists = errors.New("flow state already exists")

	// ErrInvalidFlowStateID indicates an identifier that is empty or unsafe for the backend.
	ErrInvalidFlowStateID = errors.New("invalid flow state id")
)

// FlowStateError wraps flow state errors with the operation and identifier.
type FlowStateError struct {
	Op      string // Operation being performed (e.g., "Get", "Update", "Delete")
	StateID string
	Err     error
}

func (e *FlowStateError) Error() string {
	return fmt.Sprintf("%s operation failed for flow state %s: %v", e.Op, e.StateID, e.Err)
}

func (e *FlowStateError) Unwrap() error {
	return e.Err
}

func (e *FlowStateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewFlowStateError(op, stateID string, err error) *FlowStateError {
	return &FlowStateError{Op: op, StateID: stateID, Err: err}
}

// IsFlowStateNotFound checks if an error indicates a flow state was not found.
func IsFlowStateNotFound(err error) bool {
	return errors.Is(err, ErrFlowStateNotFound)
}

// IsFlowStateAlreadyExists checks if an error indicates a duplicate flow state.
func IsFlowStateAlreadyExists(err error) bool {
	return errors.Is(err, ErrFlowStateAlreadyExists)
}
