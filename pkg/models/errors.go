package models

import (
	"errors"
	"fmt"
)

// Error categories. Each typed error below matches its category with errors.Is.
var (
	// ErrConfiguration indicates a build or configuration mismatch. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation indicates malformed input or a programming error such as resuming the wrong flow.
	ErrValidation = errors.New("validation error")

	// ErrResource indicates the execution-context pool could not provide a session.
	ErrResource = errors.New("resource error")
)

// ConfigurationError reports a missing step implementation or flow definition.
type ConfigurationError struct {
	Op      string
	Message string
	Err     error
}

func NewConfigurationError(op, message string) *ConfigurationError {
	return &ConfigurationError{Op: op, Message: message}
}

func (e *ConfigurationError) Error() string {
	return formatError(e.Op, e.Message, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ValidationError reports input that can never succeed as given.
type ValidationError struct {
	Op      string
	Message string
	Err     error
}

func NewValidationError(op, message string, err error) *ValidationError {
	return &ValidationError{Op: op, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	return formatError(e.Op, e.Message, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ResourceError reports that an execution context could not be created, even after recovery.
type ResourceError struct {
	Op      string
	Visible bool
	Err     error
}

func NewResourceError(op string, visible bool, err error) *ResourceError {
	return &ResourceError{Op: op, Visible: visible, Err: err}
}

func (e *ResourceError) Error() string {
	mode := "headless"
	if e.Visible {
		mode = "visible"
	}

	return fmt.Sprintf("%s (%s engine): %v", e.Op, mode, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

func (e *ResourceError) Is(target error) bool {
	return target == ErrResource
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsResourceError(err error) bool {
	return errors.Is(err, ErrResource)
}

func formatError(op, message string, err error) string {
	switch {
	case message != "" && err != nil:
		return fmt.Sprintf("%s: %s: %v", op, message, err)
	case message != "":
		return fmt.Sprintf("%s: %s", op, message)
	default:
		return fmt.Sprintf("%s: %v", op, err)
	}
}
