package worker

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/flows"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/mocks"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/persistence/file"
	"github.com/dukex/formflow/pkg/steps"
	"github.com/dukex/formflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	registry *steps.Registry
	engine   *steps.Engine
	repo     persistence.FlowStateRepository
	session  browser.Session
	calls    map[string]*atomic.Int32
	released atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		registry: steps.NewRegistry(log.Discard()),
		repo:     file.NewPersistence(t.TempDir()).FlowStateRepository(),
		calls:    map[string]*atomic.Int32{},
	}

	f.engine = steps.NewEngine(f.registry, log.Discard(), steps.WithRetryPolicy(steps.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	}))

	launcher := &testutil.FakeLauncher{}
	engine, err := launcher.Launch(context.Background(), false)
	require.NoError(t, err)

	f.session, err = engine.NewSession(context.Background())
	require.NoError(t, err)

	return f
}

// step registers an implementation that counts its calls before delegating to fn.
func (f *fixture) step(t *testing.T, name string, fn steps.Implementation) {
	t.Helper()

	counter := &atomic.Int32{}
	f.calls[name] = counter

	require.NoError(t, f.registry.Register(name, func(ctx context.Context, sc *steps.Context) (map[string]any, error) {
		counter.Add(1)

		if fn == nil {
			return map[string]any{"done": sc.StepID}, nil
		}

		return fn(ctx, sc)
	}))
}

func (f *fixture) count(name string) int32 {
	return f.calls[name].Load()
}

func (f *fixture) flow(t *testing.T, checkpoint bool, ids ...string) *flows.Definition {
	t.Helper()

	def := &flows.Definition{Key: "auto_quote", Checkpoint: checkpoint}
	for _, id := range ids {
		def.Steps = append(def.Steps, models.StepDefinition{ID: id, Implementation: id})
	}

	require.NoError(t, def.Compile(log.Discard()))

	return def
}

func (f *fixture) worker(task *models.Task, flow *flows.Definition) *Worker {
	return New(Config{
		Task:       task,
		Flow:       flow,
		Engine:     f.engine,
		Session:    f.session,
		Repository: f.repo,
		Logger:     log.Discard(),
		Release: func(context.Context, browser.Session) error {
			f.released.Add(1)

			return nil
		},
	})
}

func TestWorker_Success(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)
	f.step(t, "fill", nil)
	f.step(t, "submit", nil)

	w := f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, true, "open", "fill", "submit"))
	assert.Equal(t, StateIdle, w.State())

	result := w.Execute(context.Background())

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Len(t, result.Steps, 3)
	assert.Equal(t, "lead-t1", result.LeadID)
	assert.Equal(t, StateCompleted, w.State())
	require.NotEmpty(t, result.StateID)

	state, err := f.repo.Get(context.Background(), result.StateID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, state.Status)
	assert.Equal(t, []string{"open", "fill", "submit"}, state.CompletedSteps)
	assert.Equal(t, 3, state.CurrentStepIndex)

	require.NoError(t, w.Cleanup(context.Background()))
	require.NoError(t, w.Cleanup(context.Background()))
	assert.Equal(t, int32(1), f.released.Load())
}

func TestWorker_CheckpointDisabled(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)

	result := f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, false, "open")).Execute(context.Background())

	assert.True(t, result.Success)
	assert.Empty(t, result.StateID)

	states, err := f.repo.Find(context.Background(), persistence.FlowStateFilter{})
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestWorker_StepFailure(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)
	f.step(t, "fill", func(context.Context, *steps.Context) (map[string]any, error) {
		return nil, errors.New("selector #name not found")
	})
	f.step(t, "submit", nil)

	w := f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, true, "open", "fill", "submit"))
	result := w.Execute(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "step fill failed")
	assert.Contains(t, result.Error, "selector #name not found")
	assert.Equal(t, StateError, w.State())
	assert.Equal(t, int32(0), f.count("submit"))

	state, err := f.repo.Get(context.Background(), result.StateID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusFailed, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)
}

func TestWorker_UnknownImplementation(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)

	result := f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, false, "open", "missing")).Execute(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "step not found: missing")
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t)

	w := f.worker(testutil.NewTask("t1", "auto_quote"), nil)

	var result *models.FlowExecutionResult

	require.NotPanics(t, func() {
		result = w.Execute(context.Background())
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "flow panicked")
	assert.Equal(t, StateError, w.State())
}

func TestWorker_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)

	flow := &flows.Definition{
		Key:   "auto_quote",
		Steps: []models.StepDefinition{{ID: "open", Implementation: "open"}},
		PayloadSchema: map[string]any{
			"type":     "object",
			"required": []any{"platform"},
			"properties": map[string]any{
				"platform": map[string]any{"type": "object", "required": []any{"plate"}},
			},
		},
	}
	require.NoError(t, flow.Compile(log.Discard()))

	result := f.worker(testutil.NewTask("t1", "auto_quote"), flow).Execute(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "plate")
	assert.Equal(t, int32(0), f.count("open"))
}

func TestWorker_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, true, "open"))
	result := w.Execute(ctx)

	assert.True(t, result.Aborted)
	assert.False(t, result.Success)
	assert.Equal(t, StateCancelled, w.State())
	assert.Equal(t, int32(0), f.count("open"))
}

func TestWorker_CancelledDuringStep(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())

	f.step(t, "open", func(stepCtx context.Context, _ *steps.Context) (map[string]any, error) {
		cancel()

		// in-flight work is not interrupted by the run being cancelled
		if stepCtx.Err() != nil {
			return nil, stepCtx.Err()
		}

		return nil, nil
	})
	f.step(t, "fill", nil)

	w := f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, true, "open", "fill"))
	result := w.Execute(ctx)

	assert.True(t, result.Aborted)
	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].Success)
	assert.Equal(t, int32(0), f.count("fill"))
	assert.Equal(t, StateCancelled, w.State())

	state, err := f.repo.Get(context.Background(), result.StateID)
	require.NoError(t, err)
	assert.Equal(t, []string{"open"}, state.CompletedSteps)
}

func TestWorker_PauseAndResume(t *testing.T) {
	f := newFixture(t)

	var w *Worker

	f.step(t, "open", func(context.Context, *steps.Context) (map[string]any, error) {
		w.RequestPause()

		return map[string]any{"url": "https://quote.example.com"}, nil
	})
	f.step(t, "fill", func(_ context.Context, sc *steps.Context) (map[string]any, error) {
		if sc.State["open"]["url"] != "https://quote.example.com" {
			return nil, errors.New("previous step state missing")
		}

		return nil, nil
	})
	f.step(t, "submit", nil)

	flow := f.flow(t, true, "open", "fill", "submit")

	w = f.worker(testutil.NewTask("t1", "auto_quote"), flow)
	result := w.Execute(context.Background())

	assert.True(t, result.Paused)
	assert.False(t, result.Aborted)
	assert.Len(t, result.Steps, 1)
	require.NotEmpty(t, result.StateID)

	state, err := f.repo.Get(context.Background(), result.StateID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)

	resumedTask := testutil.NewTask("t2", "auto_quote")
	resumedTask.Options.ResumeStateID = result.StateID

	resumed := f.worker(resumedTask, flow).Execute(context.Background())

	require.True(t, resumed.Success, resumed.Error)
	assert.Equal(t, result.StateID, resumed.StateID)
	assert.Len(t, resumed.Steps, 2)
	assert.Equal(t, int32(1), f.count("open"))
	assert.Equal(t, int32(1), f.count("fill"))
	assert.Equal(t, int32(1), f.count("submit"))
}

func TestWorker_PauseWithoutCheckpointWarns(t *testing.T) {
	f := newFixture(t)

	var w *Worker

	f.step(t, "open", func(context.Context, *steps.Context) (map[string]any, error) {
		w.RequestPause()

		return nil, nil
	})
	f.step(t, "fill", nil)

	var buf bytes.Buffer

	w = f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, false, "open", "fill"))
	w.logger = log.New(&buf, "warn", "text")

	result := w.Execute(context.Background())

	assert.True(t, result.Paused)
	assert.Empty(t, result.StateID)
	assert.Equal(t, int32(0), f.count("fill"))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "Flow paused without a checkpoint")
}

func TestWorker_ResumeWrongFlow(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)

	flow := f.flow(t, true, "open")

	state := &models.FlowState{
		ID:             "state-1",
		FlowKey:        "home_quote",
		CompletedSteps: []string{},
		Status:         models.FlowStatusPaused,
	}
	require.NoError(t, f.repo.Create(context.Background(), state))

	task := testutil.NewTask("t1", "auto_quote")
	task.Options.ResumeStateID = "state-1"

	result := f.worker(task, flow).Execute(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "belongs to flow home_quote")
	assert.Equal(t, int32(0), f.count("open"))

	stored, err := f.repo.Get(context.Background(), "state-1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, stored.Status)
}

func TestWorker_WaitingUser(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)
	f.step(t, "captcha", nil)
	f.step(t, "submit", nil)

	task := testutil.NewTask("t1", "auto_quote")
	task.Options.PauseAtStep = "captcha"

	w := f.worker(task, f.flow(t, true, "open", "captcha", "submit"))
	result := w.Execute(context.Background())

	assert.True(t, result.WaitingUser)
	assert.Len(t, result.Steps, 2)
	assert.Equal(t, int32(0), f.count("submit"))
	assert.True(t, w.IsWaitingForUser())
	assert.Equal(t, StateWaitingUser, w.State())

	state, err := f.repo.Get(context.Background(), result.StateID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, state.Status)
	assert.Equal(t, 2, state.CurrentStepIndex)

	// the normal completion path must not tear the session down
	require.NoError(t, w.Cleanup(context.Background()))
	assert.Equal(t, int32(0), f.released.Load())
	assert.False(t, w.IsCleaned())

	require.NoError(t, w.ManualClose(context.Background()))
	assert.Equal(t, int32(1), f.released.Load())
	assert.False(t, w.IsWaitingForUser())
	assert.Equal(t, StateIdle, w.State())

	require.ErrorIs(t, w.ManualClose(context.Background()), ErrNotWaiting)
	require.NoError(t, w.Cleanup(context.Background()))
	assert.Equal(t, int32(1), f.released.Load())
}

func TestWorker_AbortOverridesWaitingUser(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)

	task := testutil.NewTask("t1", "auto_quote")
	task.Options.PauseAtStep = "open"

	w := f.worker(task, f.flow(t, false, "open"))
	result := w.Execute(context.Background())
	require.True(t, result.WaitingUser)

	require.NoError(t, w.Abort(context.Background()))
	require.NoError(t, w.Abort(context.Background()))

	assert.Equal(t, int32(1), f.released.Load())
	assert.False(t, w.IsWaitingForUser())
	assert.True(t, w.IsCleaned())
}

func TestWorker_AbortDuringTakeoverStep(t *testing.T) {
	tests := []struct {
		name  string
		abort func(w *Worker, cancelRun context.CancelFunc)
	}{
		{
			name:  "run cancelled",
			abort: func(_ *Worker, cancelRun context.CancelFunc) { cancelRun() },
		},
		{
			name: "worker aborted",
			abort: func(w *Worker, _ context.CancelFunc) {
				_ = w.Abort(context.Background())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			runCtx, cancelRun := context.WithCancel(context.Background())
			defer cancelRun()

			entered := make(chan struct{})
			proceed := make(chan struct{})

			f.step(t, "open", nil)
			f.step(t, "review", func(context.Context, *steps.Context) (map[string]any, error) {
				close(entered)
				<-proceed

				return nil, nil
			})
			f.step(t, "submit", nil)

			task := testutil.NewTask("t1", "auto_quote")
			task.Options.PauseAtStep = "review"

			w := f.worker(task, f.flow(t, true, "open", "review", "submit"))

			done := make(chan *models.FlowExecutionResult, 1)

			go func() {
				done <- w.Execute(runCtx)
			}()

			<-entered
			tt.abort(w, cancelRun)
			close(proceed)

			var result *models.FlowExecutionResult

			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("flow did not return")
			}

			assert.True(t, result.Aborted)
			assert.False(t, result.WaitingUser)
			assert.False(t, w.IsWaitingForUser())
			assert.Equal(t, StateCancelled, w.State())
			assert.Equal(t, int32(0), f.count("submit"))

			require.NoError(t, w.Cleanup(context.Background()))
			assert.Equal(t, int32(1), f.released.Load())
		})
	}
}

func TestWorker_AbortDuringExecuteDefersRelease(t *testing.T) {
	f := newFixture(t)

	var w *Worker

	f.step(t, "open", func(context.Context, *steps.Context) (map[string]any, error) {
		require.NoError(t, w.Abort(context.Background()))

		return nil, nil
	})
	f.step(t, "fill", nil)

	w = f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, false, "open", "fill"))
	result := w.Execute(context.Background())

	assert.True(t, result.Aborted)
	assert.Equal(t, int32(0), f.count("fill"))
	assert.Equal(t, int32(0), f.released.Load(), "session stays with the running flow")

	require.NoError(t, w.Cleanup(context.Background()))
	assert.Equal(t, int32(1), f.released.Load())
}

func TestWorker_ExecuteOnce(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)

	w := f.worker(testutil.NewTask("t1", "auto_quote"), f.flow(t, false, "open"))
	require.True(t, w.Execute(context.Background()).Success)

	again := w.Execute(context.Background())
	assert.False(t, again.Success)
	assert.Equal(t, ErrAlreadyExecuted.Error(), again.Error)
	assert.Equal(t, int32(1), f.count("open"))
}

func TestWorker_SkippedStepIsCheckpointed(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)
	f.step(t, "vehicle", nil)

	flow := &flows.Definition{
		Key:        "auto_quote",
		Checkpoint: true,
		Rules:      map[string]string{"has_vehicle": "platform.vehicle != nil"},
		Steps: []models.StepDefinition{
			{ID: "open", Implementation: "open"},
			{ID: "vehicle", Implementation: "vehicle", Condition: "has_vehicle"},
		},
	}
	require.NoError(t, flow.Compile(log.Discard()))

	result := f.worker(testutil.NewTask("t1", "auto_quote"), flow).Execute(context.Background())

	require.True(t, result.Success)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[1].Skipped)
	assert.Equal(t, int32(0), f.count("vehicle"))

	state, err := f.repo.Get(context.Background(), result.StateID)
	require.NoError(t, err)
	assert.Equal(t, []string{"open", "vehicle"}, state.CompletedSteps)
}

func TestWorker_CheckpointFailureStopsFlow(t *testing.T) {
	f := newFixture(t)
	f.step(t, "open", nil)
	f.step(t, "fill", nil)

	repo := &mocks.MockFlowStateRepository{}
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	w := New(Config{
		Task:       testutil.NewTask("t1", "auto_quote"),
		Flow:       f.flow(t, true, "open", "fill"),
		Engine:     f.engine,
		Session:    f.session,
		Repository: repo,
		Logger:     log.Discard(),
	})

	result := w.Execute(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "connection reset")
	assert.Equal(t, int32(1), f.count("open"))
	assert.Equal(t, int32(0), f.count("fill"), "a step whose checkpoint failed is never advanced past")
}
