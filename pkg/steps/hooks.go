package steps

import (
	"context"
	"time"

	"github.com/dukex/formflow/pkg/models"
)

// Hooks observe the step lifecycle. Every field is optional.
type Hooks struct {
	// BeforeStep runs once before the first attempt.
	BeforeStep func(ctx context.Context, sc *Context)
	// AfterStep runs once the step succeeded or exhausted its retries.
	AfterStep func(ctx context.Context, sc *Context, result *models.StepResult)
	OnSkip    func(ctx context.Context, sc *Context, condition string)
	// OnRetry runs before the engine sleeps ahead of attempt.
	OnRetry func(ctx context.Context, sc *Context, attempt int, delay time.Duration, err error)
	// OnError runs when the step failed for good.
	OnError func(ctx context.Context, sc *Context, err error)
}

func (h Hooks) beforeStep(ctx context.Context, sc *Context) {
	if h.BeforeStep != nil {
		h.BeforeStep(ctx, sc)
	}
}

func (h Hooks) afterStep(ctx context.Context, sc *Context, result *models.StepResult) {
	if h.AfterStep != nil {
		h.AfterStep(ctx, sc, result)
	}
}

func (h Hooks) onSkip(ctx context.Context, sc *Context, condition string) {
	if h.OnSkip != nil {
		h.OnSkip(ctx, sc, condition)
	}
}

func (h Hooks) onRetry(ctx context.Context, sc *Context, attempt int, delay time.Duration, err error) {
	if h.OnRetry != nil {
		h.OnRetry(ctx, sc, attempt, delay, err)
	}
}

func (h Hooks) onError(ctx context.Context, sc *Context, err error) {
	if h.OnError != nil {
		h.OnError(ctx, sc, err)
	}
}
