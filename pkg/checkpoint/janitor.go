package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// Janitor deletes finished flow states once they are older than the retention.
// Paused and running states are kept, they are still resumable.
type Janitor struct {
	repo      persistence.FlowStateRepository
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewJanitor(repo persistence.FlowStateRepository, logger *slog.Logger, retention time.Duration, clk clock.Clock) *Janitor {
	if clk == nil {
		clk = clock.New()
	}

	return &Janitor{
		repo:      repo,
		retention: retention,
		clock:     clk,
		logger:    logger.With("module", "checkpoint_janitor"),
	}
}

// Purge deletes completed and failed states last updated before now minus the retention.
func (j *Janitor) Purge(ctx context.Context) (int, error) {
	cutoff := j.clock.Now().UTC().Add(-j.retention)
	purged := 0

	var errs []error

	for _, status := range []models.FlowStatus{models.FlowStatusCompleted, models.FlowStatusFailed} {
		states, err := j.repo.Find(ctx, persistence.FlowStateFilter{Status: status, UpdatedBefore: &cutoff})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s flow states: %w", status, err))

			continue
		}

		for _, state := range states {
			err := j.repo.Delete(ctx, state.ID)
			if err != nil && !persistence.IsFlowStateNotFound(err) {
				errs = append(errs, fmt.Errorf("failed to delete flow state %s: %w", state.ID, err))

				continue
			}

			purged++
		}
	}

	if purged > 0 {
		j.logger.InfoContext(ctx, "Purged finished flow states", "count", purged, "cutoff", cutoff)
	}

	return purged, errors.Join(errs...)
}

// Start runs Purge on the given standard cron schedule until Stop.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid janitor schedule '%s': %w", schedule, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(parser), cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	jobCtx := context.WithoutCancel(ctx)

	_, err = c.AddFunc(schedule, func() {
		_, err := j.Purge(jobCtx)
		if err != nil {
			j.logger.ErrorContext(jobCtx, "Checkpoint purge failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	c.Start()
	j.cron = c

	j.logger.InfoContext(ctx, "Checkpoint janitor started", "schedule", schedule, "retention", j.retention)

	return nil
}

// Stop halts the schedule and waits for a running purge, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
