// Package worker drives one task's flow, step by step, inside one browser session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/checkpoint"
	"github.com/dukex/formflow/pkg/flows"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/steps"
	goerrors "github.com/go-errors/errors"
)

type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateError       State = "error"
	StateCancelled   State = "cancelled"
	StateWaitingUser State = "waiting_user"
)

var (
	ErrAlreadyExecuted = errors.New("worker already executed")
	ErrNotWaiting      = errors.New("worker is not waiting for the user")
)

// ReleaseFunc hands the session back to its pool.
type ReleaseFunc func(ctx context.Context, session browser.Session) error

type Config struct {
	Task    *models.Task
	Flow    *flows.Definition
	Engine  *steps.Engine
	Session browser.Session
	Release ReleaseFunc
	// Repository stores checkpoints. Nil disables checkpointing for every flow.
	Repository persistence.FlowStateRepository
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Worker executes one task. It is single use.
type Worker struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	aborted        atomic.Bool
	pauseRequested atomic.Bool
	stop           chan struct{}
	stopOnce       sync.Once
	runDone        <-chan struct{}

	mu          sync.Mutex
	state       State
	started     bool
	executing   bool
	waitingUser bool
	cleaned     bool
}

func New(cfg Config) *Worker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Worker{
		cfg:   cfg,
		clock: clk,
		logger: cfg.Logger.With(
			"module", "worker",
			"taskID", cfg.Task.ID,
			"flowKey", cfg.Task.FlowKey,
		),
		stop:  make(chan struct{}),
		state: StateIdle,
	}
}

func (w *Worker) Session() browser.Session {
	return w.cfg.Session
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

func (w *Worker) IsWaitingForUser() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.waitingUser
}

// RequestPause asks the flow to checkpoint and stop after the current step.
func (w *Worker) RequestPause() {
	w.pauseRequested.Store(true)
}

// isAborted reports an explicit abort or a cancelled run. The run context is checked
// directly since AfterFunc delivers asynchronously.
func (w *Worker) isAborted() bool {
	if w.aborted.Load() {
		return true
	}

	if w.runDone == nil {
		return false
	}

	select {
	case <-w.runDone:
		return true
	default:
		return false
	}
}

func (w *Worker) signalStop() {
	w.aborted.Store(true)
	w.stopOnce.Do(func() { close(w.stop) })
}

// Execute runs the flow. ctx is the run's cancellation token: once it is done the flow
// stops at the next step boundary. Step I/O itself is never interrupted. Errors and
// panics end up in the returned result, never in the caller.
func (w *Worker) Execute(ctx context.Context) (result *models.FlowExecutionResult) {
	task := w.cfg.Task
	start := w.clock.Now()

	result = &models.FlowExecutionResult{
		FlowKey: task.FlowKey,
		LeadID:  task.Payload.LeadID,
		Steps:   []*models.StepResult{},
	}

	w.mu.Lock()
	if w.started {
		w.mu.Unlock()

		result.Error = ErrAlreadyExecuted.Error()

		return result
	}

	w.state = StateRunning
	w.started = true
	w.executing = true
	w.runDone = ctx.Done()
	w.mu.Unlock()

	stopAfter := context.AfterFunc(ctx, w.signalStop)

	defer func() {
		stopAfter()

		if r := recover(); r != nil {
			wrapped := goerrors.Wrap(r, 2)
			w.logger.ErrorContext(ctx, "Flow execution panicked", "panic", r, "stack", string(wrapped.Stack()))

			result.Success = false
			result.Error = fmt.Sprintf("flow panicked: %v", r)
			w.finish(StateError)
		}

		result.TotalDurationMs = w.clock.Since(start).Milliseconds()

		w.mu.Lock()
		w.executing = false
		w.mu.Unlock()
	}()

	if w.isAborted() {
		result.Aborted = true
		w.finish(StateCancelled)

		return result
	}

	w.run(log.ContextWithLogger(context.WithoutCancel(ctx), w.logger), result)

	return result
}

func (w *Worker) run(ctx context.Context, result *models.FlowExecutionResult) {
	task := w.cfg.Task
	flow := w.cfg.Flow

	err := flow.ValidatePayload(task)
	if err != nil {
		w.fail(ctx, result, nil, err)

		return
	}

	cp := checkpoint.NewManager(w.cfg.Repository, w.logger, checkpoint.Options{
		Enabled:       flow.Checkpoint && w.cfg.Repository != nil,
		ResumeStateID: task.Options.ResumeStateID,
		Clock:         w.clock,
	})

	startIndex, err := cp.Initialize(ctx, task.FlowKey, task.Payload.LeadID)
	if err != nil {
		w.fail(ctx, result, nil, err)

		return
	}

	result.StateID = cp.StateID()

	stepStates := map[string]map[string]any{}
	if state := cp.State(); state != nil {
		stepStates = state.StepStates
	}

	payload := steps.PayloadData(task)

	if startIndex > 0 {
		w.logger.InfoContext(ctx, "Resuming flow", "stateID", result.StateID, "stepIndex", startIndex)
	}

	for i := startIndex; i < len(flow.Steps); i++ {
		if w.isAborted() {
			w.logger.InfoContext(ctx, "Flow aborted", "stepIndex", i)

			result.Aborted = true
			w.finish(StateCancelled)

			return
		}

		if w.pauseRequested.Load() {
			w.pause(ctx, result, cp, i)

			return
		}

		def := flow.Steps[i]

		sc := &steps.Context{
			Task:        task,
			FlowKey:     task.FlowKey,
			StepIndex:   i,
			Session:     w.cfg.Session,
			Payload:     payload,
			ArtifactDir: task.ArtifactDir,
			State:       cloneStates(stepStates),
			Logger:      w.logger,
			Stop:        w.stop,
		}

		stepResult, err := w.cfg.Engine.Execute(ctx, def, sc, flow.RuleTable())
		if err != nil {
			w.fail(ctx, result, cp, err)

			return
		}

		result.Steps = append(result.Steps, stepResult)

		if !stepResult.Success {
			if w.isAborted() {
				result.Aborted = true
				w.finish(StateCancelled)

				return
			}

			w.fail(ctx, result, cp, fmt.Errorf("step %s failed: %s", def.ID, stepResult.Error))

			return
		}

		// The step only counts once its checkpoint is durable.
		err = cp.Checkpoint(ctx, i, def.ID, stepResult.Metadata)
		if err != nil {
			w.fail(ctx, result, cp, err)

			return
		}

		if stepResult.Metadata != nil {
			stepStates[def.ID] = stepResult.Metadata
		}

		if task.Options.PauseAtStep != "" && task.Options.PauseAtStep == def.ID {
			w.suspend(ctx, result, cp, def.ID)

			return
		}
	}

	err = cp.MarkCompleted(ctx)
	if err != nil {
		w.fail(ctx, result, nil, err)

		return
	}

	result.Success = true
	w.finish(StateCompleted)

	w.logger.InfoContext(ctx, "Flow completed", "steps", len(result.Steps))
}

func (w *Worker) pause(ctx context.Context, result *models.FlowExecutionResult, cp *checkpoint.Manager, index int) {
	err := cp.MarkPaused(ctx)
	if err != nil {
		w.fail(ctx, result, nil, err)

		return
	}

	result.Paused = true
	w.finish(StateCompleted)

	if !cp.Enabled() {
		w.logger.WarnContext(ctx, "Flow paused without a checkpoint, it restarts from the first step", "stepIndex", index)
	}

	w.logger.InfoContext(ctx, "Flow paused", "stateID", result.StateID, "stepIndex", index)
}

// suspend parks the worker for a human takeover. The session stays open. An abort or run
// cancellation that arrived while the step ran wins over the takeover.
func (w *Worker) suspend(ctx context.Context, result *models.FlowExecutionResult, cp *checkpoint.Manager, stepID string) {
	if w.isAborted() {
		w.abortAt(ctx, result, stepID)

		return
	}

	err := cp.MarkPaused(ctx)
	if err != nil {
		w.fail(ctx, result, nil, err)

		return
	}

	// Abort takes mu after raising the flag, so checking it under mu closes the window.
	w.mu.Lock()
	if w.isAborted() {
		w.mu.Unlock()
		w.abortAt(ctx, result, stepID)

		return
	}

	w.state = StateWaitingUser
	w.waitingUser = true
	w.mu.Unlock()

	result.WaitingUser = true

	w.logger.InfoContext(ctx, "Flow waiting for user", "step", stepID, "stateID", result.StateID)
}

func (w *Worker) abortAt(ctx context.Context, result *models.FlowExecutionResult, stepID string) {
	result.Aborted = true
	w.finish(StateCancelled)

	w.logger.InfoContext(ctx, "Flow aborted before waiting for user", "step", stepID)
}

// fail records err in the result. cp, when given, is marked failed too.
func (w *Worker) fail(ctx context.Context, result *models.FlowExecutionResult, cp *checkpoint.Manager, err error) {
	result.Success = false
	result.Error = err.Error()

	if cp != nil {
		markErr := cp.MarkFailed(ctx, err)
		if markErr != nil {
			w.logger.ErrorContext(ctx, "Failed to mark flow state failed", "error", markErr)
		}
	}

	w.finish(StateError)

	w.logger.ErrorContext(ctx, "Flow failed", "error", err)
}

func (w *Worker) finish(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = state
}

// Abort stops the flow at its next step boundary and releases the session, even from
// waiting_user. While the flow is still executing, release is left to the caller's
// Cleanup once Execute returns. Safe to call more than once.
func (w *Worker) Abort(ctx context.Context) error {
	w.signalStop()

	w.mu.Lock()
	executing := w.executing

	if w.waitingUser {
		w.waitingUser = false
		w.state = StateIdle
	}
	w.mu.Unlock()

	if executing {
		return nil
	}

	return w.Cleanup(ctx)
}

// ManualClose ends a human takeover and releases the session.
func (w *Worker) ManualClose(ctx context.Context) error {
	w.mu.Lock()

	if !w.waitingUser {
		w.mu.Unlock()

		return ErrNotWaiting
	}

	w.waitingUser = false
	w.state = StateIdle
	w.mu.Unlock()

	return w.Cleanup(ctx)
}

// Cleanup releases the session. It does nothing while a human holds the session or when
// already clean.
func (w *Worker) Cleanup(ctx context.Context) error {
	w.mu.Lock()

	if w.waitingUser {
		w.mu.Unlock()
		w.logger.DebugContext(ctx, "Skipping cleanup while waiting for user")

		return nil
	}

	if w.cleaned {
		w.mu.Unlock()

		return nil
	}

	w.cleaned = true
	w.mu.Unlock()

	if w.cfg.Session == nil || w.cfg.Release == nil {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := w.cfg.Release(releaseCtx, w.cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}

	return nil
}

// IsCleaned reports whether the session was released.
func (w *Worker) IsCleaned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cleaned
}

func cloneStates(states map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(states))
	for k, v := range states {
		out[k] = maps.Clone(v)
	}

	return out
}
