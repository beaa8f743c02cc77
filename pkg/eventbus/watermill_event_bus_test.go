package eventbus_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/formflow/pkg/channels/gochannel"
	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/events"
	"github.com/dukex/formflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub := gochannel.CreateChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		assert.NoError(t, bus.Close())
	})

	return bus
}

func TestWatermillEventBus_DeliversTypedEvents(t *testing.T) {
	bus := newBus(t)

	received := make(chan *events.StepRetrying, 1)

	require.NoError(t, bus.Handle(events.StepRetryingEvent, func(_ context.Context, event any) error {
		received <- event.(*events.StepRetrying)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	err := bus.Publish(ctx, "task-1", events.StepRetrying{
		BaseEvent: events.NewBaseEvent(events.StepRetryingEvent, "run-1", "task-1"),
		FlowKey:   "quote",
		StepID:    "login",
		Attempt:   1,
		Delay:     time.Second,
		Error:     "timeout",
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "login", event.StepID)
		assert.Equal(t, 1, event.Attempt)
		assert.Equal(t, time.Second, event.Delay)
		assert.Equal(t, "run-1", event.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_FinishedEventsShareDecoder(t *testing.T) {
	bus := newBus(t)

	received := make(chan *events.TaskFinished, 2)
	handler := func(_ context.Context, event any) error {
		received <- event.(*events.TaskFinished)

		return nil
	}

	require.NoError(t, bus.Handle(events.TaskCompletedEvent, handler))
	require.NoError(t, bus.Handle(events.TaskCancelledEvent, handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "task-1", events.TaskFinished{
		BaseEvent: events.NewBaseEvent(events.TaskCancelledEvent, "run-1", "task-1"),
		Status:    "cancelled",
	}))

	select {
	case event := <-received:
		assert.Equal(t, events.TaskCancelledEvent, event.GetType())
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestLogLifecycle(t *testing.T) {
	bus := newBus(t)

	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)

	logger := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, eventbus.LogLifecycle(ctx, bus, logger))

	require.NoError(t, bus.Publish(ctx, "task-1", events.StepFailed{
		BaseEvent: events.NewBaseEvent(events.StepFailedEvent, "run-1", "task-1"),
		FlowKey:   "quote",
		StepID:    "login",
		Retries:   2,
		Error:     "timeout",
	}))
	require.NoError(t, bus.Publish(ctx, "engine", events.EngineRecovered{
		BaseEvent:  events.NewBaseEvent(events.EngineRecoveredEvent, "", ""),
		Cause:      "disconnected",
		Recoveries: 1,
	}))
	require.NoError(t, bus.Publish(ctx, "run-1", events.RunFinished{
		BaseEvent: events.NewBaseEvent(events.RunCancelledEvent, "run-1", ""),
		Summary:   models.RunSummary{RunID: "run-1", Total: 3, Cancelled: 3},
	}))

	read := func() string {
		mu.Lock()
		defer mu.Unlock()

		return buf.String()
	}

	assert.Eventually(t, func() bool {
		out := read()

		return strings.Contains(out, "Step failed") &&
			strings.Contains(out, "Browser engine recovered") &&
			strings.Contains(out, "Run finished")
	}, 5*time.Second, 10*time.Millisecond)

	out := read()
	assert.Contains(t, out, "module=events")
	assert.Contains(t, out, "step=login")
	assert.Contains(t, out, "cause=disconnected")
	assert.Contains(t, out, "type=run.cancelled")
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.w.Write(p)
}

func TestNop(t *testing.T) {
	assert.NoError(t, eventbus.Nop().Publish(context.Background(), "k", events.TaskManualCompleted{}))
}
