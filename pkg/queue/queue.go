// Package queue holds the pending tasks of every run in priority order and tracks each
// run until all of its tasks reached a terminal status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/events"
	"github.com/dukex/formflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrRunExists     = errors.New("run already active")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskFinished  = errors.New("task already finished")
	ErrDuplicateTask = errors.New("duplicate task id")
)

const (
	DefaultSummaryTTL      = time.Hour
	DefaultSummaryCapacity = 1000
)

type Options struct {
	// SummaryTTL is how long a finished run's summary stays queryable.
	SummaryTTL      time.Duration
	SummaryCapacity uint64
}

type entry struct {
	task *models.Task
	seq  uint64
}

type taskRecord struct {
	task   *models.Task
	status models.TaskStatus
}

type Queue struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	validate  *validator.Validate
	summaries *ttlcache.Cache[string, models.RunSummary]

	mu      sync.Mutex
	seq     uint64
	pending []entry
	runs    map[string]*RunHandle
	tasks   map[string]*taskRecord

	notify chan struct{}
}

func New(logger *slog.Logger, publisher eventbus.EventPublisher, opts Options) *Queue {
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = DefaultSummaryTTL
	}

	if opts.SummaryCapacity == 0 {
		opts.SummaryCapacity = DefaultSummaryCapacity
	}

	if publisher == nil {
		publisher = eventbus.Nop()
	}

	return &Queue{
		logger:    logger.With("module", "task_queue"),
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		summaries: ttlcache.New(
			ttlcache.WithCapacity[string, models.RunSummary](opts.SummaryCapacity),
			ttlcache.WithTTL[string, models.RunSummary](opts.SummaryTTL),
		),
		runs:   make(map[string]*RunHandle),
		tasks:  make(map[string]*taskRecord),
		notify: make(chan struct{}, 1),
	}
}

// Notify fires after a submission so an idle dispatcher can wake up.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Submit registers a run and queues its tasks. An empty runID gets a generated one.
// Tasks are copied; the caller's values are never modified. A run with no tasks is done
// immediately.
func (q *Queue) Submit(ctx context.Context, runID string, tasks []*models.Task, callbacks Callbacks) (*RunHandle, error) {
	if runID == "" {
		runID = uuid.New().String()
	}

	queued := make([]*models.Task, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))

	for i, t := range tasks {
		if t == nil {
			return nil, models.NewValidationError("submit run", fmt.Sprintf("task %d is nil", i), nil)
		}

		err := q.validate.Struct(t)
		if err != nil {
			return nil, models.NewValidationError("submit run", fmt.Sprintf("invalid task %q", t.ID), err)
		}

		if _, dup := seen[t.ID]; dup {
			return nil, models.NewValidationError("submit run", t.ID, ErrDuplicateTask)
		}

		seen[t.ID] = struct{}{}

		task := *t
		task.RunID = runID
		queued = append(queued, &task)
	}

	q.mu.Lock()

	if _, exists := q.runs[runID]; exists {
		q.mu.Unlock()

		return nil, models.NewValidationError("submit run", runID, ErrRunExists)
	}

	for _, t := range queued {
		if _, exists := q.tasks[t.ID]; exists {
			q.mu.Unlock()

			return nil, models.NewValidationError("submit run", t.ID, ErrDuplicateTask)
		}
	}

	handle := newRunHandle(runID, queued, callbacks)
	q.runs[runID] = handle

	for _, t := range queued {
		q.tasks[t.ID] = &taskRecord{task: t, status: models.TaskStatusQueued}
		q.insertLocked(t)
	}

	if handle.total == 0 {
		q.completeRunLocked(ctx, handle)
	}

	q.mu.Unlock()

	q.logger.InfoContext(ctx, "Run submitted", "runID", runID, "tasks", len(queued))

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return handle, nil
}

// insertLocked keeps pending sorted by descending priority, FIFO among equal priorities.
func (q *Queue) insertLocked(t *models.Task) {
	q.seq++

	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].task.Priority < t.Priority
	})

	q.pending = slices.Insert(q.pending, i, entry{task: t, seq: q.seq})
}

// Next pops the highest priority queued task and marks it running.
func (q *Queue) Next() (*models.Task, *RunHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) > 0 {
		e := q.pending[0]
		q.pending = q.pending[1:]

		record, ok := q.tasks[e.task.ID]
		if !ok || record.status != models.TaskStatusQueued {
			continue
		}

		handle := q.runs[e.task.RunID]
		if handle == nil {
			continue
		}

		record.status = models.TaskStatusRunning
		handle.queued--

		return e.task, handle, true
	}

	return nil, nil, false
}

// CancelRun signals the run's token and drops its queued tasks, which count as cancelled.
// Running tasks observe the token on their own. It never blocks on them.
func (q *Queue) CancelRun(ctx context.Context, runID string) (int, bool) {
	q.mu.Lock()

	handle, ok := q.runs[runID]
	if !ok {
		q.mu.Unlock()

		return 0, false
	}

	handle.cancelling = true
	handle.cancel()

	removed := q.removeQueuedLocked(ctx, handle)
	q.mu.Unlock()

	q.logger.InfoContext(ctx, "Run cancelled", "runID", runID, "removedQueued", removed)

	return removed, true
}

// RemoveQueued drops the still queued tasks of a run, marking them cancelled.
func (q *Queue) RemoveQueued(ctx context.Context, runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	handle, ok := q.runs[runID]
	if !ok {
		return 0
	}

	return q.removeQueuedLocked(ctx, handle)
}

func (q *Queue) removeQueuedLocked(ctx context.Context, handle *RunHandle) int {
	kept := q.pending[:0]

	var removed []*models.Task

	for _, e := range q.pending {
		if e.task.RunID == handle.RunID {
			removed = append(removed, e.task)

			continue
		}

		kept = append(kept, e)
	}

	clear(q.pending[len(kept):])
	q.pending = kept

	for _, t := range removed {
		handle.queued--
		q.finishLocked(ctx, q.tasks[t.ID], handle, models.TaskStatusCancelled)
	}

	return len(removed)
}

// Finish records a terminal status. Each task is counted once; later calls return false.
func (q *Queue) Finish(ctx context.Context, taskID string, status models.TaskStatus) bool {
	if !status.IsTerminal() {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.tasks[taskID]
	if !ok || record.status.IsTerminal() {
		return false
	}

	handle := q.runs[record.task.RunID]
	if handle == nil || !handle.Has(taskID) {
		return false
	}

	if record.status == models.TaskStatusQueued {
		handle.queued--
		q.pending = slices.DeleteFunc(q.pending, func(e entry) bool { return e.task.ID == taskID })
	}

	q.finishLocked(ctx, record, handle, status)

	return true
}

func (q *Queue) finishLocked(ctx context.Context, record *taskRecord, handle *RunHandle, status models.TaskStatus) {
	record.status = status
	handle.completed++

	switch status {
	case models.TaskStatusCompleted:
		handle.succeeded++
	case models.TaskStatusFailed:
		handle.failed++
	case models.TaskStatusCancelled:
		handle.cancelled++
	}

	if handle.completed == handle.total {
		q.completeRunLocked(ctx, handle)
	}
}

// completeRunLocked closes the run's done channel, drops the handle and keeps its summary.
func (q *Queue) completeRunLocked(ctx context.Context, handle *RunHandle) {
	summary := handle.summary()

	close(handle.done)
	handle.cancel()

	delete(q.runs, handle.RunID)

	for id := range handle.taskIDs {
		delete(q.tasks, id)
	}

	q.summaries.Set(handle.RunID, summary, ttlcache.DefaultTTL)

	eventType := events.RunCompletedEvent
	if handle.cancelling {
		eventType = events.RunCancelledEvent
	}

	event := events.RunFinished{
		BaseEvent: events.NewBaseEvent(eventType, handle.RunID, ""),
		Summary:   summary,
	}

	err := q.publisher.Publish(ctx, handle.RunID, event)
	if err != nil {
		q.logger.WarnContext(ctx, "Failed to publish run finished event", "runID", handle.RunID, "error", err)
	}

	q.logger.InfoContext(ctx, "Run finished",
		"runID", handle.RunID, "succeeded", summary.Succeeded, "failed", summary.Failed, "cancelled", summary.Cancelled)
}

// SetStatus records a non-terminal transition such as waiting_user.
func (q *Queue) SetStatus(taskID string, status models.TaskStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("use Finish for terminal status %s", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	if record.status.IsTerminal() {
		return ErrTaskFinished
	}

	record.status = status

	return nil
}

// Status returns the status of a task of an active run.
func (q *Queue) Status(taskID string) (models.TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.tasks[taskID]
	if !ok {
		return "", false
	}

	return record.status, true
}

func (q *Queue) Run(runID string) (*RunHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	handle, ok := q.runs[runID]

	return handle, ok
}

// Summary returns the counters of an active run, or of a finished one still within the TTL.
func (q *Queue) Summary(runID string) (models.RunSummary, bool) {
	q.mu.Lock()
	handle, ok := q.runs[runID]

	if ok {
		summary := handle.summary()
		q.mu.Unlock()

		return summary, true
	}
	q.mu.Unlock()

	item := q.summaries.Get(runID)
	if item == nil {
		return models.RunSummary{}, false
	}

	return item.Value(), true
}

// ActiveRuns returns the summaries of every unfinished run.
func (q *Queue) ActiveRuns() []models.RunSummary {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.RunSummary, 0, len(q.runs))
	for _, h := range q.runs {
		out = append(out, h.summary())
	}

	slices.SortFunc(out, func(a, b models.RunSummary) int {
		switch {
		case a.RunID < b.RunID:
			return -1
		case a.RunID > b.RunID:
			return 1
		default:
			return 0
		}
	})

	return out
}

func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

func (q *Queue) ActiveRunCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.runs)
}

// CancelAll cancels every active run.
func (q *Queue) CancelAll(ctx context.Context) int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.runs))

	for id := range q.runs {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.CancelRun(ctx, id)
	}

	return len(ids)
}
