package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/executor"
	"github.com/dukex/formflow/pkg/flows"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/queue"
	"github.com/dukex/formflow/pkg/steps"
	"go.opentelemetry.io/otel/trace"
)

var ErrRunNotFound = errors.New("run not found")

type ServiceConfig struct {
	Catalog    *flows.Catalog
	Engine     *steps.Engine
	Pool       *browser.Pool
	Repository persistence.FlowStateRepository
	Publisher  eventbus.EventPublisher
	Tracer     trace.Tracer
	Clock      clock.Clock
	Logger     *slog.Logger

	MaxConcurrency int
	SummaryTTL     time.Duration
}

// Service is the in-process entry point: submit runs, cancel them, drive human takeover
// and read gauges.
type Service struct {
	queue     *queue.Queue
	executor  *executor.Executor
	scheduler *Scheduler
	pool      *browser.Pool
	logger    *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	q := queue.New(cfg.Logger, cfg.Publisher, queue.Options{SummaryTTL: cfg.SummaryTTL})

	exec := executor.New(executor.Config{
		Catalog:    cfg.Catalog,
		Engine:     cfg.Engine,
		Sessions:   cfg.Pool,
		Tracker:    q,
		Repository: cfg.Repository,
		Publisher:  cfg.Publisher,
		Tracer:     cfg.Tracer,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})

	return &Service{
		queue:     q,
		executor:  exec,
		scheduler: New(q, exec, cfg.Pool, Options{MaxConcurrency: cfg.MaxConcurrency, Clock: cfg.Clock}, cfg.Logger),
		pool:      cfg.Pool,
		logger:    cfg.Logger.With("module", "service"),
	}
}

// Submit queues a run and returns immediately. Callbacks fire from worker goroutines.
func (s *Service) Submit(ctx context.Context, runID string, tasks []*models.Task, callbacks queue.Callbacks) (*queue.RunHandle, error) {
	handle, err := s.queue.Submit(ctx, runID, tasks, callbacks)
	if err != nil {
		return nil, err
	}

	s.scheduler.Start(ctx)

	return handle, nil
}

// CancelRun drops the run's queued tasks and aborts its running and parked ones. It does
// not wait for running tasks to stop.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	removed, ok := s.queue.CancelRun(ctx, runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	aborted := s.executor.AbortWorkersForRun(ctx, runID)

	s.logger.InfoContext(ctx, "Run cancellation requested", "runID", runID, "removedQueued", removed, "abortedWorkers", aborted)

	return nil
}

// Shutdown cancels everything, waits for in-flight tasks to return and releases the pool.
func (s *Service) Shutdown(ctx context.Context) error {
	runs := s.queue.CancelAll(ctx)
	workers := s.executor.AbortAll(ctx)

	s.logger.InfoContext(ctx, "Shutting down", "cancelledRuns", runs, "abortedWorkers", workers)

	var errs []error

	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := s.executor.Wait(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := s.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close execution context pool: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Service) QueuedCount() int {
	return s.queue.QueuedCount()
}

func (s *Service) ActiveCount() int {
	return s.executor.ActiveCount()
}

func (s *Service) WaitingCount() int {
	return s.executor.WaitingCount()
}

func (s *Service) ActiveRunCount() int {
	return s.queue.ActiveRunCount()
}

func (s *Service) FocusTask(ctx context.Context, taskID string) error {
	return s.executor.Focus(ctx, taskID)
}

func (s *Service) MinimizeTask(ctx context.Context, taskID string) error {
	return s.executor.Minimize(ctx, taskID)
}

// CompleteManualTask releases a task a human finished by hand.
func (s *Service) CompleteManualTask(ctx context.Context, taskID string) error {
	return s.executor.ManualComplete(ctx, taskID)
}

func (s *Service) PauseTask(taskID string) error {
	return s.executor.Pause(taskID)
}

func (s *Service) RunSummary(runID string) (models.RunSummary, bool) {
	return s.queue.Summary(runID)
}

func (s *Service) ActiveRuns() []models.RunSummary {
	return s.queue.ActiveRuns()
}

func (s *Service) WaitingTasks() []*models.Task {
	return s.executor.WaitingTasks()
}

func (s *Service) PoolStats() browser.Stats {
	return s.pool.Stats()
}
