package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/events"
	"github.com/dukex/formflow/pkg/models"
)

// AbortWorkersForRun aborts every running task of the run and releases the ones parked
// for a human. Running tasks finish through their own cleanup phase.
func (e *Executor) AbortWorkersForRun(ctx context.Context, runID string) int {
	return e.abortWhere(ctx, func(exec *execution) bool {
		return exec.task.RunID == runID
	})
}

// AbortAll aborts every tracked task.
func (e *Executor) AbortAll(ctx context.Context) int {
	return e.abortWhere(ctx, func(*execution) bool { return true })
}

func (e *Executor) abortWhere(ctx context.Context, match func(*execution) bool) int {
	var (
		running []*execution
		parked  []*execution
	)

	e.mu.Lock()

	for id, exec := range e.tracked {
		if !match(exec) {
			continue
		}

		switch exec.phase {
		case phaseActive:
			running = append(running, exec)
		case phaseWaitingUser:
			parked = append(parked, exec)
			delete(e.tracked, id)
		case phasePending:
			// the run token is checked before any session is created
		}
	}
	e.mu.Unlock()

	for _, exec := range running {
		err := exec.worker.Abort(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "Failed to abort worker", "taskID", exec.task.ID, "error", err)
		}
	}

	for _, exec := range parked {
		err := exec.worker.Abort(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "Failed to release parked worker", "taskID", exec.task.ID, "error", err)
		}

		e.finish(ctx, exec.task, models.TaskStatusCancelled, nil, nil)
	}

	if len(parked) > 0 {
		e.signalReleased()
	}

	if n := len(running) + len(parked); n > 0 {
		e.logger.InfoContext(ctx, "Workers aborted", "running", len(running), "waitingUser", len(parked))
	}

	return len(running) + len(parked)
}

// ManualComplete ends a human takeover: the session is released and the task counts as
// completed for its run.
func (e *Executor) ManualComplete(ctx context.Context, taskID string) error {
	e.mu.Lock()

	exec, ok := e.tracked[taskID]
	if !ok {
		e.mu.Unlock()

		return ErrTaskNotFound
	}

	if exec.phase != phaseWaitingUser {
		e.mu.Unlock()

		return ErrNotWaiting
	}

	delete(e.tracked, taskID)
	e.mu.Unlock()

	err := exec.worker.ManualClose(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to close manual session", "taskID", taskID, "error", err)
	}

	e.finish(ctx, exec.task, models.TaskStatusCompleted, nil, nil)
	e.signalReleased()

	e.publish(ctx, exec.task.RunID, events.TaskManualCompleted{
		BaseEvent: events.NewBaseEvent(events.TaskManualCompletedEvent, exec.task.RunID, taskID),
	})

	if cb := exec.handle.Callbacks().OnManualComplete; cb != nil {
		cb(exec.task)
	}

	e.logger.InfoContext(ctx, "Manual task completed", "taskID", taskID)

	return nil
}

// Pause asks a task to checkpoint and stop after its current step. A task still acquiring
// its session pauses before its first step.
func (e *Executor) Pause(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.tracked[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	switch exec.phase {
	case phasePending:
		exec.pauseRequested = true
	case phaseActive:
		exec.worker.RequestPause()
	default:
		return ErrTaskNotRunning
	}

	return nil
}

// Focus brings the task's browser window to the front.
func (e *Executor) Focus(ctx context.Context, taskID string) error {
	session, err := e.session(taskID)
	if err != nil {
		return err
	}

	err = session.Focus(ctx)
	if err != nil {
		return fmt.Errorf("failed to focus task %s: %w", taskID, err)
	}

	return nil
}

func (e *Executor) Minimize(ctx context.Context, taskID string) error {
	session, err := e.session(taskID)
	if err != nil {
		return err
	}

	err = session.Minimize(ctx)
	if err != nil {
		return fmt.Errorf("failed to minimize task %s: %w", taskID, err)
	}

	return nil
}

func (e *Executor) session(taskID string) (browser.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.tracked[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	if exec.worker == nil || exec.worker.Session() == nil {
		return nil, ErrTaskNotRunning
	}

	return exec.worker.Session(), nil
}

// ActiveCount is the number of tasks holding a concurrency slot, reserved or running.
// Tasks waiting for a human do not.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0

	for _, exec := range e.tracked {
		if exec.phase != phaseWaitingUser {
			n++
		}
	}

	return n
}

func (e *Executor) WaitingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0

	for _, exec := range e.tracked {
		if exec.phase == phaseWaitingUser {
			n++
		}
	}

	return n
}

// WaitingTasks lists the tasks parked for a human.
func (e *Executor) WaitingTasks() []*models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*models.Task

	for _, exec := range e.tracked {
		if exec.phase == phaseWaitingUser {
			out = append(out, exec.task)
		}
	}

	return out
}

// Wait blocks until every dispatched task returned from its execution goroutine.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("executor wait interrupted"), ctx.Err())
	}
}
