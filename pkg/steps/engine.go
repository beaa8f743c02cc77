package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/events"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/otelhelper"
	"github.com/dukex/formflow/pkg/template"
	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy shapes the delay between attempts: InitialInterval doubled per attempt,
// capped at MaxInterval.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) newBackOff(clk clock.Clock) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	b.Reset()

	return b
}

type Engine struct {
	registry  *Registry
	hooks     Hooks
	retry     RetryPolicy
	clock     clock.Clock
	tracer    trace.Tracer
	logger    *slog.Logger
	publisher eventbus.EventPublisher
}

type Option func(*Engine)

func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithPublisher(p eventbus.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func NewEngine(registry *Registry, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		retry:     DefaultRetryPolicy(),
		clock:     clock.New(),
		tracer:    otelhelper.Noop(),
		logger:    logger.With("module", "step_engine"),
		publisher: eventbus.Nop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs def unless its condition evaluates to false, in which case a skipped
// result is returned without touching the implementation.
func (e *Engine) Execute(ctx context.Context, def models.StepDefinition, sc *Context, rules *Rules) (*models.StepResult, error) {
	if def.Condition != "" && !rules.Evaluate(ctx, def.Condition, sc.Payload) {
		e.logger.InfoContext(ctx, "Skipping step", "step", def.ID, "condition", def.Condition)

		e.hooks.onSkip(ctx, sc, def.Condition)
		e.publish(ctx, sc, events.StepSkipped{
			BaseEvent: e.baseEvent(events.StepSkippedEvent, sc),
			FlowKey:   sc.FlowKey,
			StepID:    def.ID,
			Condition: def.Condition,
		})

		return &models.StepResult{Success: true, Skipped: true, StepID: def.ID}, nil
	}

	return e.ExecuteWithRetry(ctx, def, sc)
}

// ExecuteWithRetry runs def, retrying failed attempts up to def.MaxRetries times.
// Step failures are reported through the result. The error is only set for a
// configuration problem, which is never retried.
func (e *Engine) ExecuteWithRetry(ctx context.Context, def models.StepDefinition, sc *Context) (*models.StepResult, error) {
	if def.Implementation == "" {
		return nil, models.NewConfigurationError("execute step", fmt.Sprintf("step %s has no implementation", def.ID))
	}

	impl, err := e.registry.Get(def.Implementation)
	if err != nil {
		return nil, err
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "step.execute",
		attribute.String(otelhelper.FlowKeyKey, sc.FlowKey),
		attribute.String(otelhelper.StepIDKey, def.ID),
		attribute.Int(otelhelper.StepIndexKey, sc.StepIndex),
		attribute.String(otelhelper.StepImplKey, def.Implementation),
	)
	defer span.End()

	sc.StepID = def.ID
	if sc.Logger == nil {
		sc.Logger = e.logger
	}

	sc.Logger = sc.Logger.With("step", def.ID)

	result := &models.StepResult{StepID: def.ID}
	start := e.clock.Now()

	params, err := template.RenderParams(def.Params, e.templateData(sc))
	if err != nil {
		return e.fail(ctx, span, sc, result, start, fmt.Errorf("failed to render params: %w", err)), nil
	}

	sc.Params = params

	e.hooks.beforeStep(ctx, sc)

	b := e.retry.newBackOff(e.clock)

	for attempt := 0; ; attempt++ {
		sc.Attempt = attempt
		result.Retries = attempt

		output, err := e.attempt(ctx, impl, sc)
		if err == nil {
			result.Success = true
			result.Metadata = output
			result.DurationMs = e.clock.Since(start).Milliseconds()

			span.SetAttributes(attribute.Int(otelhelper.StepRetriesKey, attempt))
			e.hooks.afterStep(ctx, sc, result)

			return result, nil
		}

		if attempt >= def.MaxRetries || IsPermanent(err) {
			return e.fail(ctx, span, sc, result, start, err), nil
		}

		delay := b.NextBackOff()

		sc.Logger.WarnContext(ctx, "Step attempt failed, retrying",
			"attempt", attempt+1, "maxRetries", def.MaxRetries, "delay", delay, "error", err)

		e.hooks.onRetry(ctx, sc, attempt+1, delay, err)
		e.publish(ctx, sc, events.StepRetrying{
			BaseEvent: e.baseEvent(events.StepRetryingEvent, sc),
			FlowKey:   sc.FlowKey,
			StepID:    def.ID,
			Attempt:   attempt + 1,
			Delay:     delay,
			Error:     err.Error(),
		})

		if !e.sleep(ctx, sc, delay) {
			return e.fail(ctx, span, sc, result, start, fmt.Errorf("%w: %w", ErrInterrupted, err)), nil
		}
	}
}

// attempt runs the implementation once. A panic becomes an error; its stack is logged.
func (e *Engine) attempt(ctx context.Context, impl Implementation, sc *Context) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			wrapped := goerrors.Wrap(r, 2)

			sc.Logger.ErrorContext(ctx, "Step panicked", "panic", r, "stack", string(wrapped.Stack()))

			output = nil
			err = fmt.Errorf("step panicked: %w", wrapped)
		}
	}()

	return impl(log.ContextWithLogger(ctx, sc.Logger), sc)
}

// sleep waits for delay and reports false when the task was stopped meanwhile.
func (e *Engine) sleep(ctx context.Context, sc *Context, delay time.Duration) bool {
	timer := e.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return !sc.stopped()
	case <-sc.Stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) fail(ctx context.Context, span trace.Span, sc *Context, result *models.StepResult, start time.Time, err error) *models.StepResult {
	result.Success = false
	result.Error = err.Error()
	result.DurationMs = e.clock.Since(start).Milliseconds()

	otelhelper.SetError(span, err, attribute.Int(otelhelper.StepRetriesKey, result.Retries))

	sc.Logger.ErrorContext(ctx, "Step failed", "retries", result.Retries, "error", err)

	e.hooks.afterStep(ctx, sc, result)
	e.hooks.onError(ctx, sc, err)
	e.publish(ctx, sc, events.StepFailed{
		BaseEvent: e.baseEvent(events.StepFailedEvent, sc),
		FlowKey:   sc.FlowKey,
		StepID:    result.StepID,
		Retries:   result.Retries,
		Error:     result.Error,
	})

	return result
}

func (e *Engine) templateData(sc *Context) map[string]any {
	data := make(map[string]any, len(sc.Payload)+1)
	for k, v := range sc.Payload {
		data[k] = v
	}

	data["state"] = sc.State

	return data
}

func (e *Engine) baseEvent(eventType events.EventType, sc *Context) events.BaseEvent {
	if sc.Task == nil {
		return events.NewBaseEvent(eventType, "", "")
	}

	return events.NewBaseEvent(eventType, sc.Task.RunID, sc.Task.ID)
}

func (e *Engine) publish(ctx context.Context, sc *Context, event eventbus.Event) {
	key := sc.FlowKey
	if sc.Task != nil {
		key = sc.Task.ID
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.WarnContext(ctx, "Failed to publish step event", "event", event.GetType(), "error", err)
	}
}
