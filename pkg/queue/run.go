package queue

import (
	"context"

	"github.com/dukex/formflow/pkg/models"
)

// Callbacks receive task outcomes. They are invoked from the executing goroutine and
// every field is optional.
type Callbacks struct {
	OnStart          func(task *models.Task)
	OnComplete       func(task *models.Task, result *models.FlowExecutionResult)
	OnError          func(task *models.Task, err error)
	OnWaitingUser    func(task *models.Task, result *models.FlowExecutionResult)
	OnManualComplete func(task *models.Task)
}

// RunHandle tracks one submitted batch. Counters are guarded by the owning queue.
type RunHandle struct {
	RunID string

	ctx       context.Context
	cancel    context.CancelFunc
	callbacks Callbacks
	done      chan struct{}

	taskIDs    map[string]struct{}
	total      int
	completed  int
	succeeded  int
	failed     int
	cancelled  int
	queued     int
	cancelling bool
}

func newRunHandle(runID string, tasks []*models.Task, callbacks Callbacks) *RunHandle {
	ctx, cancel := context.WithCancel(context.Background())

	h := &RunHandle{
		RunID:     runID,
		ctx:       ctx,
		cancel:    cancel,
		callbacks: callbacks,
		done:      make(chan struct{}),
		taskIDs:   make(map[string]struct{}, len(tasks)),
		total:     len(tasks),
		queued:    len(tasks),
	}

	for _, t := range tasks {
		h.taskIDs[t.ID] = struct{}{}
	}

	return h
}

// Context is the run's cancellation token. It is done once the run is cancelled or finished.
func (h *RunHandle) Context() context.Context {
	return h.ctx
}

// Done is closed exactly once, when every task of the run reached a terminal status.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

func (h *RunHandle) Callbacks() Callbacks {
	return h.callbacks
}

func (h *RunHandle) Total() int {
	return h.total
}

func (h *RunHandle) Has(taskID string) bool {
	_, ok := h.taskIDs[taskID]

	return ok
}

func (h *RunHandle) summary() models.RunSummary {
	return models.RunSummary{
		RunID:      h.RunID,
		Total:      h.total,
		Completed:  h.completed,
		Succeeded:  h.succeeded,
		Failed:     h.failed,
		Cancelled:  h.cancelled,
		Queued:     h.queued,
		Cancelling: h.cancelling,
		Done:       h.completed == h.total,
	}
}
