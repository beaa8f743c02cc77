package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/formflow/pkg/events"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/mocks"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/queue"
	"github.com/dukex/formflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*queue.Queue, *testutil.EventRecorder) {
	t.Helper()

	recorder := &testutil.EventRecorder{}

	return queue.New(log.Discard(), recorder, queue.Options{}), recorder
}

func drain(q *queue.Queue) []string {
	var ids []string

	for {
		task, _, ok := q.Next()
		if !ok {
			return ids
		}

		ids = append(ids, task.ID)
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "run-a", testutil.NewTasks("low", "flow", 2), queue.Callbacks{})
	require.NoError(t, err)

	_, err = q.Submit(ctx, "run-b", testutil.NewTasks("high", "flow", 2, testutil.WithPriority(5)), queue.Callbacks{})
	require.NoError(t, err)

	_, err = q.Submit(ctx, "run-c", testutil.NewTasks("mid", "flow", 1, testutil.WithPriority(1)), queue.Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, []string{"high-1", "high-2", "mid-1", "low-1", "low-2"}, drain(q))
	assert.Equal(t, 0, q.QueuedCount())
}

func TestQueue_SubmitCopiesTasks(t *testing.T) {
	q, _ := newQueue(t)

	tasks := testutil.NewTasks("t", "flow", 1)

	handle, err := q.Submit(context.Background(), "", tasks, queue.Callbacks{})
	require.NoError(t, err)
	assert.NotEmpty(t, handle.RunID)
	assert.Empty(t, tasks[0].RunID)

	task, got, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, handle.RunID, task.RunID)
	assert.Same(t, handle, got)

	status, ok := q.Status("t-1")
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusRunning, status)
}

func TestQueue_SubmitValidation(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	t.Run("missing flow key", func(t *testing.T) {
		_, err := q.Submit(ctx, "", []*models.Task{testutil.NewTask("x", "")}, queue.Callbacks{})
		assert.True(t, models.IsValidationError(err))
	})

	t.Run("missing lead id", func(t *testing.T) {
		task := testutil.NewTask("x", "flow")
		task.Payload.LeadID = ""

		_, err := q.Submit(ctx, "", []*models.Task{task}, queue.Callbacks{})
		assert.True(t, models.IsValidationError(err))
	})

	t.Run("duplicate task in batch", func(t *testing.T) {
		tasks := []*models.Task{testutil.NewTask("dup", "flow"), testutil.NewTask("dup", "flow")}

		_, err := q.Submit(ctx, "", tasks, queue.Callbacks{})
		require.Error(t, err)
		assert.ErrorIs(t, err, queue.ErrDuplicateTask)
	})

	t.Run("duplicate run id", func(t *testing.T) {
		_, err := q.Submit(ctx, "same", testutil.NewTasks("first", "flow", 1), queue.Callbacks{})
		require.NoError(t, err)

		_, err = q.Submit(ctx, "same", testutil.NewTasks("second", "flow", 1), queue.Callbacks{})
		assert.ErrorIs(t, err, queue.ErrRunExists)
	})

	t.Run("task id already queued", func(t *testing.T) {
		_, err := q.Submit(ctx, "", testutil.NewTasks("first", "flow", 1), queue.Callbacks{})
		assert.ErrorIs(t, err, queue.ErrDuplicateTask)
	})
}

func TestQueue_EmptyRunIsDoneImmediately(t *testing.T) {
	q, recorder := newQueue(t)

	handle, err := q.Submit(context.Background(), "empty", nil, queue.Callbacks{})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	default:
		t.Fatal("empty run should be done")
	}

	summary, ok := q.Summary("empty")
	require.True(t, ok)
	assert.True(t, summary.Done)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 1, recorder.Count(events.RunCompletedEvent))
	assert.Equal(t, 0, q.ActiveRunCount())
}

func TestQueue_NextNeverReturnsTaskTwice(t *testing.T) {
	q, _ := newQueue(t)

	_, err := q.Submit(context.Background(), "run", testutil.NewTasks("t", "flow", 200), queue.Callbacks{})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				task, _, ok := q.Next()
				if !ok {
					return
				}

				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, seen, 200)

	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestQueue_CancelRunIsolation(t *testing.T) {
	q, recorder := newQueue(t)
	ctx := context.Background()

	first, err := q.Submit(ctx, "first", testutil.NewTasks("a", "flow", 3), queue.Callbacks{})
	require.NoError(t, err)

	second, err := q.Submit(ctx, "second", testutil.NewTasks("b", "flow", 2), queue.Callbacks{})
	require.NoError(t, err)

	running, _, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, "a-1", running.ID)

	removed, ok := q.CancelRun(ctx, "first")
	require.True(t, ok)
	assert.Equal(t, 2, removed)
	require.Error(t, first.Context().Err())
	require.NoError(t, second.Context().Err())

	summary, ok := q.Summary("first")
	require.True(t, ok)
	assert.Equal(t, 2, summary.Cancelled)
	assert.True(t, summary.Cancelling)
	assert.False(t, summary.Done)

	assert.Equal(t, []string{"b-1", "b-2"}, drain(q))

	assert.True(t, q.Finish(ctx, "a-1", models.TaskStatusCancelled))

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled run should complete")
	}

	summary, ok = q.Summary("first")
	require.True(t, ok)
	assert.True(t, summary.Done)
	assert.Equal(t, 3, summary.Cancelled)
	assert.Equal(t, 1, recorder.Count(events.RunCancelledEvent))

	_, ok = q.CancelRun(ctx, "unknown")
	assert.False(t, ok)
}

func TestQueue_FinishCountsOnce(t *testing.T) {
	q, recorder := newQueue(t)
	ctx := context.Background()

	handle, err := q.Submit(ctx, "run", testutil.NewTasks("t", "flow", 50), queue.Callbacks{})
	require.NoError(t, err)

	ids := drain(q)
	require.Len(t, ids, 50)

	var wg sync.WaitGroup

	for i, id := range ids {
		status := models.TaskStatusCompleted
		if i%5 == 0 {
			status = models.TaskStatusFailed
		}

		for range 3 {
			wg.Add(1)

			go func() {
				defer wg.Done()
				q.Finish(ctx, id, status)
			}()
		}
	}

	wg.Wait()

	<-handle.Done()

	summary, ok := q.Summary("run")
	require.True(t, ok)
	assert.Equal(t, 50, summary.Completed)
	assert.Equal(t, 40, summary.Succeeded)
	assert.Equal(t, 10, summary.Failed)
	assert.Equal(t, 1, recorder.Count(events.RunCompletedEvent))
	assert.False(t, q.Finish(ctx, "t-1", models.TaskStatusCompleted))
}

func TestQueue_FinishQueuedTask(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	handle, err := q.Submit(ctx, "run", testutil.NewTasks("t", "flow", 2), queue.Callbacks{})
	require.NoError(t, err)

	assert.True(t, handle.Has("t-2"))
	assert.False(t, handle.Has("other-1"))

	require.True(t, q.Finish(ctx, "t-2", models.TaskStatusCancelled))
	assert.Equal(t, 1, q.QueuedCount())
	assert.Equal(t, []string{"t-1"}, drain(q))
	assert.False(t, q.Finish(ctx, "t-1", models.TaskStatusRunning))
}

func TestQueue_SetStatus(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "run", testutil.NewTasks("t", "flow", 2), queue.Callbacks{})
	require.NoError(t, err)

	require.NoError(t, q.SetStatus("t-1", models.TaskStatusWaitingUser))

	status, _ := q.Status("t-1")
	assert.Equal(t, models.TaskStatusWaitingUser, status)

	require.Error(t, q.SetStatus("t-1", models.TaskStatusCompleted))
	assert.ErrorIs(t, q.SetStatus("missing", models.TaskStatusRunning), queue.ErrTaskNotFound)
}

func TestQueue_SummaryExpires(t *testing.T) {
	q := queue.New(log.Discard(), nil, queue.Options{SummaryTTL: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Submit(ctx, "run", nil, queue.Callbacks{})
	require.NoError(t, err)

	_, ok := q.Summary("run")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := q.Summary("run")

		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestQueue_CancelAll(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for i := range 3 {
		_, err := q.Submit(ctx, fmt.Sprintf("run-%d", i), testutil.NewTasks(fmt.Sprintf("r%d", i), "flow", 2), queue.Callbacks{})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.CancelAll(ctx))
	assert.Equal(t, 0, q.QueuedCount())
	assert.Equal(t, 0, q.ActiveRunCount())
}

func TestQueue_Notify(t *testing.T) {
	q, _ := newQueue(t)

	_, err := q.Submit(context.Background(), "run", testutil.NewTasks("t", "flow", 1), queue.Callbacks{})
	require.NoError(t, err)

	select {
	case <-q.Notify():
	default:
		t.Fatal("submit should notify")
	}
}

func TestQueue_PublishFailureDoesNotBlockCompletion(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "run-x", mock.AnythingOfType("events.RunFinished")).
		Return(errors.New("broker unavailable")).Once()

	q := queue.New(log.Discard(), bus, queue.Options{})
	ctx := context.Background()

	handle, err := q.Submit(ctx, "run-x", testutil.NewTasks("t", "flow", 1), queue.Callbacks{})
	require.NoError(t, err)

	task, _, ok := q.Next()
	require.True(t, ok)
	require.True(t, q.Finish(ctx, task.ID, models.TaskStatusCompleted))

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("run did not complete")
	}

	summary, ok := q.Summary("run-x")
	require.True(t, ok)
	assert.Equal(t, 1, summary.Succeeded)

	bus.AssertExpectations(t)
}

func TestQueue_RemoveQueued(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	first, err := q.Submit(ctx, "first", testutil.NewTasks("a", "flow", 3), queue.Callbacks{})
	require.NoError(t, err)

	second, err := q.Submit(ctx, "second", testutil.NewTasks("b", "flow", 2), queue.Callbacks{})
	require.NoError(t, err)

	running, _, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, "a-1", running.ID)

	assert.Equal(t, 2, q.RemoveQueued(ctx, "first"))
	assert.Equal(t, 0, q.RemoveQueued(ctx, "first"))
	assert.Equal(t, 0, q.RemoveQueued(ctx, "unknown"))

	for _, id := range []string{"a-2", "a-3"} {
		status, ok := q.Status(id)
		require.True(t, ok)
		assert.Equal(t, models.TaskStatusCancelled, status)
	}

	require.NoError(t, first.Context().Err(), "removing queued tasks does not cancel the run")
	assert.Equal(t, 2, q.QueuedCount())

	summary, ok := q.Summary("second")
	require.True(t, ok)
	assert.Equal(t, 2, summary.Queued)
	assert.Zero(t, summary.Cancelled)

	select {
	case <-first.Done():
		t.Fatal("run still has a running task")
	default:
	}

	require.True(t, q.Finish(ctx, "a-1", models.TaskStatusCompleted))

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("run should complete once every task is counted")
	}

	summary, ok = q.Summary("first")
	require.True(t, ok)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Cancelled)

	assert.Equal(t, []string{"b-1", "b-2"}, drain(q))
	require.NoError(t, second.Context().Err())
}
