package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/formflow/pkg/events"
)

// LogLifecycle subscribes to the engine-level events that no task callback reports and
// writes them to logger.
func LogLifecycle(ctx context.Context, sub EventSubscriber, logger *slog.Logger) error {
	logger = logger.With("module", "events")

	handlers := map[events.EventType]EventHandler{
		events.StepRetryingEvent: func(ctx context.Context, event any) error {
			e := event.(*events.StepRetrying)
			logger.WarnContext(ctx, "Step retrying",
				"runID", e.RunID, "taskID", e.TaskID, "flow", e.FlowKey, "step", e.StepID,
				"attempt", e.Attempt, "delay", e.Delay, "error", e.Error)

			return nil
		},
		events.StepFailedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.StepFailed)
			logger.ErrorContext(ctx, "Step failed",
				"runID", e.RunID, "taskID", e.TaskID, "flow", e.FlowKey, "step", e.StepID,
				"retries", e.Retries, "error", e.Error)

			return nil
		},
		events.EngineRecoveredEvent: func(ctx context.Context, event any) error {
			e := event.(*events.EngineRecovered)
			logger.WarnContext(ctx, "Browser engine recovered",
				"visible", e.Visible, "cause", e.Cause, "forcedKill", e.ForcedKill, "recoveries", e.Recoveries)

			return nil
		},
	}

	runFinished := func(ctx context.Context, event any) error {
		e := event.(*events.RunFinished)
		logger.InfoContext(ctx, "Run finished",
			"runID", e.RunID, "type", e.Type, "total", e.Summary.Total,
			"succeeded", e.Summary.Succeeded, "failed", e.Summary.Failed, "cancelled", e.Summary.Cancelled)

		return nil
	}
	handlers[events.RunCompletedEvent] = runFinished
	handlers[events.RunCancelledEvent] = runFinished

	for eventType, handler := range handlers {
		if err := sub.Handle(eventType, handler); err != nil {
			return err
		}
	}

	return sub.Subscribe(ctx)
}
