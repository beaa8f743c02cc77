// Package scheduler runs the dispatch loop that admits queued tasks under the global
// concurrency ceiling, and exposes the Service facade used by the CLI and HTTP API.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/queue"
)

const (
	DefaultMaxConcurrency = 3
	DefaultPollMin        = 10 * time.Millisecond
	DefaultPollMax        = 250 * time.Millisecond
)

// TaskSource is the queue side of the loop.
type TaskSource interface {
	Next() (*models.Task, *queue.RunHandle, bool)
	QueuedCount() int
	Notify() <-chan struct{}
}

// Dispatcher runs dequeued tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *models.Task, handle *queue.RunHandle)
	ActiveCount() int
	WaitingCount() int
	Released() <-chan struct{}
}

// ContextPool is the execution-context pool lifecycle the loop drives.
type ContextPool interface {
	Start(ctx context.Context)
	IsRunning() bool
	Close(ctx context.Context) error
}

type Options struct {
	MaxConcurrency int
	PollMin        time.Duration
	PollMax        time.Duration
	Clock          clock.Clock
}

type Scheduler struct {
	source     TaskSource
	dispatcher Dispatcher
	pool       ContextPool
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(source TaskSource, dispatcher Dispatcher, pool ContextPool, opts Options, logger *slog.Logger) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	if opts.PollMin <= 0 {
		opts.PollMin = DefaultPollMin
	}

	if opts.PollMax < opts.PollMin {
		opts.PollMax = max(DefaultPollMax, opts.PollMin)
	}

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Scheduler{
		source:     source,
		dispatcher: dispatcher,
		pool:       pool,
		opts:       opts,
		logger:     logger.With("module", "scheduler", "maxConcurrency", opts.MaxConcurrency),
	}
}

// Start launches the dispatch loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)

	s.logger.InfoContext(ctx, "Scheduler started")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// Stop ends the loop. Tasks already dispatched keep running.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return nil
	}

	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "Scheduler stopped")

		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("scheduler stop interrupted"), ctx.Err())
	}
}

func (s *Scheduler) newPollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.PollMin
	b.MaxInterval = s.opts.PollMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = s.opts.Clock
	b.Reset()

	return b
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	poll := s.newPollBackOff()

	for {
		if s.fill(ctx) > 0 {
			poll.Reset()
		}

		s.releaseIdlePool(ctx)

		timer := s.opts.Clock.Timer(poll.NextBackOff())

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-s.source.Notify():
			poll.Reset()
		case <-s.dispatcher.Released():
			poll.Reset()
		case <-timer.C:
		}

		timer.Stop()
	}
}

// fill tops up running tasks to the concurrency ceiling and returns how many it dispatched.
// Tasks of cancelled runs never come out of the queue, and a run cancelled after Next is
// handled by the dispatcher without creating resources.
func (s *Scheduler) fill(ctx context.Context) int {
	dispatched := 0

	for s.dispatcher.ActiveCount() < s.opts.MaxConcurrency {
		task, handle, ok := s.source.Next()
		if !ok {
			break
		}

		if !s.pool.IsRunning() {
			s.pool.Start(ctx)
		}

		s.logger.DebugContext(ctx, "Dispatching task", "taskID", task.ID, "runID", task.RunID, "priority", task.Priority)
		s.dispatcher.Dispatch(ctx, task, handle)

		dispatched++
	}

	return dispatched
}

// releaseIdlePool closes the pool once nothing is queued, running or parked for a human.
// Only the loop starts and closes the pool, so a concurrent Submit is picked up by the
// next fill, which starts it again.
func (s *Scheduler) releaseIdlePool(ctx context.Context) {
	if !s.pool.IsRunning() {
		return
	}

	if s.source.QueuedCount() > 0 || s.dispatcher.ActiveCount() > 0 || s.dispatcher.WaitingCount() > 0 {
		return
	}

	err := s.pool.Close(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to close idle execution context pool", "error", err)

		return
	}

	s.logger.InfoContext(ctx, "Execution context pool released while idle")
}
