// Package steps runs named step implementations with retry, lifecycle hooks and
// conditional execution.
package steps

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/models"
)

// Implementation is a platform-specific step body. The returned map is stored as the
// step's intermediate data in the flow checkpoint.
type Implementation func(ctx context.Context, sc *Context) (map[string]any, error)

// Context is what a step implementation sees of the running task.
type Context struct {
	Task      *models.Task
	FlowKey   string
	StepID    string
	StepIndex int
	// Attempt is zero on the first try.
	Attempt int

	Session     browser.Session
	Payload     map[string]any
	Params      map[string]any
	ArtifactDir string
	// State holds the data returned by the steps completed so far, keyed by step ID.
	State map[string]map[string]any

	Logger *slog.Logger

	// Stop is closed when the task is asked to stop. The engine checks it between attempts.
	Stop <-chan struct{}
}

// ParamString returns a string parameter or "" when missing.
func (sc *Context) ParamString(name string) string {
	v, _ := sc.Params[name].(string)

	return v
}

func (sc *Context) stopped() bool {
	if sc.Stop == nil {
		return false
	}

	select {
	case <-sc.Stop:
		return true
	default:
		return false
	}
}

// PayloadData builds the map that rules and parameter templates are evaluated against.
func PayloadData(task *models.Task) map[string]any {
	if task == nil {
		return map[string]any{}
	}

	lead := task.Payload.Lead
	if lead == nil {
		lead = map[string]any{}
	}

	platform := task.Payload.PlatformData
	if platform == nil {
		platform = map[string]any{}
	}

	return map[string]any{
		"task_id":  task.ID,
		"run_id":   task.RunID,
		"flow_key": task.FlowKey,
		"lead_id":  task.Payload.LeadID,
		"lead":     lead,
		"platform": platform,
	}
}

var ErrInterrupted = errors.New("step interrupted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying. The step fails at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err stops the retry loop. Configuration and validation
// errors are always permanent.
func IsPermanent(err error) bool {
	var p *permanentError

	return errors.As(err, &p) || models.IsConfigurationError(err) || models.IsValidationError(err)
}
