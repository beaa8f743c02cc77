// Package executor runs a single dequeued task: it acquires a browser session, drives a
// worker through the flow and reports the outcome back to the run registry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/events"
	"github.com/dukex/formflow/pkg/flows"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/otelhelper"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/queue"
	"github.com/dukex/formflow/pkg/steps"
	"github.com/dukex/formflow/pkg/worker"
	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTaskNotFound   = errors.New("task not tracked")
	ErrTaskNotRunning = errors.New("task has no running worker")
	ErrNotWaiting     = errors.New("task is not waiting for the user")
)

// SessionProvider hands out isolated browser sessions.
type SessionProvider interface {
	CreateSession(ctx context.Context, visible bool) (browser.Session, error)
	CloseSession(ctx context.Context, session browser.Session) error
}

// Tracker records task status transitions. Implemented by queue.Queue.
type Tracker interface {
	Finish(ctx context.Context, taskID string, status models.TaskStatus) bool
	SetStatus(taskID string, status models.TaskStatus) error
}

type phase string

const (
	phasePending     phase = "pending"
	phaseActive      phase = "active"
	phaseWaitingUser phase = "waiting_user"
)

type execution struct {
	task   *models.Task
	handle *queue.RunHandle
	phase  phase
	worker *worker.Worker
	// pauseRequested holds a pause that arrived before the worker existed.
	pauseRequested bool
}

type Config struct {
	Catalog    *flows.Catalog
	Engine     *steps.Engine
	Sessions   SessionProvider
	Tracker    Tracker
	Repository persistence.FlowStateRepository
	Publisher  eventbus.EventPublisher
	Tracer     trace.Tracer
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Executor struct {
	cfg       Config
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	tracer    trace.Tracer

	mu      sync.Mutex
	tracked map[string]*execution
	wg      sync.WaitGroup

	released chan struct{}
}

func New(cfg Config) *Executor {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = eventbus.Nop()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelhelper.Noop()
	}

	return &Executor{
		cfg:       cfg,
		logger:    cfg.Logger.With("module", "task_executor"),
		publisher: publisher,
		tracer:    tracer,
		tracked:   make(map[string]*execution),
		released:  make(chan struct{}, 1),
	}
}

// Released fires whenever a task gives its concurrency slot back.
func (e *Executor) Released() <-chan struct{} {
	return e.released
}

func (e *Executor) signalReleased() {
	select {
	case e.released <- struct{}{}:
	default:
	}
}

// Dispatch reserves a slot for the task and runs it in the background. The reservation
// is visible to ActiveCount before Dispatch returns, so the caller can top up capacity safely.
func (e *Executor) Dispatch(ctx context.Context, task *models.Task, handle *queue.RunHandle) {
	exec := &execution{task: task, handle: handle, phase: phasePending}

	e.mu.Lock()
	e.tracked[task.ID] = exec
	e.mu.Unlock()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.execute(context.WithoutCancel(ctx), exec)
	}()
}

func (e *Executor) execute(ctx context.Context, exec *execution) {
	task := exec.task
	callbacks := exec.handle.Callbacks()
	logger := e.logger.With("taskID", task.ID, "runID", task.RunID, "flowKey", task.FlowKey)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "task.execute",
		attribute.String(otelhelper.RunIDKey, task.RunID),
		attribute.String(otelhelper.TaskIDKey, task.ID),
		attribute.String(otelhelper.FlowKeyKey, task.FlowKey),
		attribute.String(otelhelper.LeadIDKey, task.Payload.LeadID),
		attribute.Bool(otelhelper.VisibleKey, task.Options.Visible),
	)
	defer span.End()

	status := models.TaskStatusFailed

	var (
		result *models.FlowExecutionResult
		w      *worker.Worker
		cause  error
	)

	defer func() {
		if r := recover(); r != nil {
			wrapped := goerrors.Wrap(r, 2)
			logger.ErrorContext(ctx, "Task execution panicked", "panic", r, "stack", string(wrapped.Stack()))

			if status != models.TaskStatusWaitingUser {
				status = models.TaskStatusFailed
			}

			cause = fmt.Errorf("task panicked: %v", r)
			e.reportError(ctx, callbacks, task, cause)
		}

		span.SetAttributes(attribute.String(otelhelper.TaskStatusKey, string(status)))

		if cause != nil {
			otelhelper.SetError(span, cause)
		} else if status == models.TaskStatusFailed && result != nil {
			span.SetStatus(codes.Error, result.Error)
		}

		e.complete(ctx, exec, w, status, result, cause)
	}()

	if exec.handle.Context().Err() != nil {
		logger.InfoContext(ctx, "Run cancelled before the task started")

		status = models.TaskStatusCancelled

		return
	}

	flow, err := e.cfg.Catalog.Get(task.FlowKey)
	if err != nil {
		cause = err
		e.reportError(ctx, callbacks, task, err)

		return
	}

	session, err := e.cfg.Sessions.CreateSession(ctx, task.Options.Visible)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to acquire execution context", "error", err)

		cause = err
		e.reportError(ctx, callbacks, task, err)

		return
	}

	w = worker.New(worker.Config{
		Task:       task,
		Flow:       flow,
		Engine:     e.cfg.Engine,
		Session:    session,
		Release:    e.cfg.Sessions.CloseSession,
		Repository: e.cfg.Repository,
		Clock:      e.cfg.Clock,
		Logger:     e.cfg.Logger,
	})

	e.mu.Lock()
	exec.phase = phaseActive
	exec.worker = w

	if exec.pauseRequested {
		w.RequestPause()
	}
	e.mu.Unlock()

	if callbacks.OnStart != nil {
		callbacks.OnStart(task)
	}

	e.publish(ctx, task.RunID, events.TaskStarted{
		BaseEvent: events.NewBaseEvent(events.TaskStartedEvent, task.RunID, task.ID),
		FlowKey:   task.FlowKey,
		LeadID:    task.Payload.LeadID,
		Visible:   task.Options.Visible,
	})

	logger.InfoContext(ctx, "Task started", "visible", task.Options.Visible, "sessionID", session.ID())

	result = w.Execute(exec.handle.Context())

	if result.StateID != "" {
		span.SetAttributes(attribute.String(otelhelper.StateIDKey, result.StateID))
	}

	switch {
	case result.WaitingUser && e.park(ctx, exec, result):
		status = models.TaskStatusWaitingUser

		logger.InfoContext(ctx, "Task waiting for user", "stateID", result.StateID)

		if callbacks.OnWaitingUser != nil {
			callbacks.OnWaitingUser(task, result)
		}
	case result.Aborted || result.WaitingUser:
		status = models.TaskStatusCancelled

		if result.WaitingUser {
			// Refused park: take the worker out of waiting_user so cleanup releases the session.
			err := w.Abort(ctx)
			if err != nil {
				logger.WarnContext(ctx, "Failed to abort worker", "error", err)
			}
		}

		logger.InfoContext(ctx, "Task aborted")
	case result.Paused:
		status = models.TaskStatusCancelled

		logger.InfoContext(ctx, "Task paused", "stateID", result.StateID)

		if callbacks.OnComplete != nil {
			callbacks.OnComplete(task, result)
		}
	default:
		if result.Success {
			status = models.TaskStatusCompleted
		}

		logger.InfoContext(ctx, "Task finished", "success", result.Success, "durationMs", result.TotalDurationMs, "error", result.Error)

		if callbacks.OnComplete != nil {
			callbacks.OnComplete(task, result)
		}
	}
}

// park moves the execution to the waiting_user registry. It fails when an abort already
// took the worker out of waiting_user or the run was cancelled meanwhile.
func (e *Executor) park(ctx context.Context, exec *execution, result *models.FlowExecutionResult) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if exec.handle.Context().Err() != nil || !exec.worker.IsWaitingForUser() {
		return false
	}

	exec.phase = phaseWaitingUser
	e.signalReleased()

	err := e.cfg.Tracker.SetStatus(exec.task.ID, models.TaskStatusWaitingUser)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to record waiting user status", "taskID", exec.task.ID, "error", err)
	}

	e.publish(ctx, exec.task.RunID, events.TaskWaitingUser{
		BaseEvent: events.NewBaseEvent(events.TaskWaitingUserEvent, exec.task.RunID, exec.task.ID),
		FlowKey:   exec.task.FlowKey,
		StepID:    exec.task.Options.PauseAtStep,
		StateID:   result.StateID,
	})

	return true
}

// complete is the cleanup phase. A parked task keeps its session and stays tracked.
func (e *Executor) complete(ctx context.Context, exec *execution, w *worker.Worker, status models.TaskStatus, result *models.FlowExecutionResult, cause error) {
	if status == models.TaskStatusWaitingUser {
		return
	}

	if w != nil {
		err := w.Cleanup(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "Failed to release execution context", "taskID", exec.task.ID, "error", err)
		}
	}

	e.mu.Lock()
	delete(e.tracked, exec.task.ID)
	e.mu.Unlock()

	e.finish(ctx, exec.task, status, result, cause)
	e.signalReleased()
}

func (e *Executor) finish(ctx context.Context, task *models.Task, status models.TaskStatus, result *models.FlowExecutionResult, cause error) {
	if !e.cfg.Tracker.Finish(ctx, task.ID, status) {
		return
	}

	eventType := events.TaskCompletedEvent

	switch status {
	case models.TaskStatusFailed:
		eventType = events.TaskFailedEvent
	case models.TaskStatusCancelled:
		eventType = events.TaskCancelledEvent
	}

	event := events.TaskFinished{
		BaseEvent: events.NewBaseEvent(eventType, task.RunID, task.ID),
		Status:    status,
		Result:    result,
	}

	switch {
	case cause != nil:
		event.Error = cause.Error()
	case result != nil:
		event.Error = result.Error
	}

	e.publish(ctx, task.RunID, event)
}

func (e *Executor) reportError(ctx context.Context, callbacks queue.Callbacks, task *models.Task, err error) {
	if callbacks.OnError == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "OnError callback panicked", "taskID", task.ID, "panic", r)
		}
	}()

	callbacks.OnError(task, err)
}

func (e *Executor) publish(ctx context.Context, key string, event eventbus.Event) {
	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "eventType", event.GetType(), "error", err)
	}
}
