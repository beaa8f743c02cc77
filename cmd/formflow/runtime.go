package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/cmd"
	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/flows"
	"github.com/dukex/formflow/pkg/otelhelper"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/scheduler"
	"github.com/dukex/formflow/pkg/steps"
	cli "github.com/urfave/cli/v3"
)

// runtime owns every long-lived component of a flow-executing command.
type runtime struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	catalog     *flows.Catalog
	registry    *steps.Registry
	service     *scheduler.Service

	shutdownTracer otelhelper.ShutdownFunc
}

func newRuntime(ctx context.Context, command *cli.Command, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}

	err := rt.build(ctx, command)
	if err != nil {
		rt.close(context.WithoutCancel(ctx))

		return nil, err
	}

	return rt, nil
}

func (rt *runtime) build(ctx context.Context, command *cli.Command) error {
	logger := rt.logger

	var err error

	rt.registry, err = cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	rt.catalog, err = loadCatalog(logger, command.String("flows"), rt.registry)
	if err != nil {
		return err
	}

	rt.persistence, err = cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	rt.eventBus, err = cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "formflow", logger)
	if err != nil {
		return err
	}

	err = eventbus.LogLifecycle(ctx, rt.eventBus, logger)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, "formflow", command.String("tracing"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	rt.shutdownTracer = shutdown

	engine := steps.NewEngine(rt.registry, logger,
		steps.WithTracer(tracer),
		steps.WithPublisher(rt.eventBus),
	)

	pool := browser.NewPool(
		&browser.ChromeLauncher{ExecPath: command.String("chrome-path"), Logger: logger},
		browser.Options{},
		logger,
		rt.eventBus,
	)

	rt.service = scheduler.NewService(scheduler.ServiceConfig{
		Catalog:        rt.catalog,
		Engine:         engine,
		Pool:           pool,
		Repository:     rt.persistence.FlowStateRepository(),
		Publisher:      rt.eventBus,
		Tracer:         tracer,
		Logger:         logger,
		MaxConcurrency: command.Int("max-concurrency"),
		SummaryTTL:     command.Duration("summary-ttl"),
	})

	return nil
}

// loadCatalog reads and compiles the flow file and checks every step implementation exists.
func loadCatalog(logger *slog.Logger, path string, registry *steps.Registry) (*flows.Catalog, error) {
	catalog, err := flows.LoadFile(logger, path)
	if err != nil {
		return nil, err
	}

	var errs []error

	for _, key := range catalog.Keys() {
		def, err := catalog.Get(key)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if err := def.CheckImplementations(registry); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return catalog, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.service != nil {
		if err := rt.service.Shutdown(ctx); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to shut down flow service", "error", err)
		}
	}

	if rt.eventBus != nil {
		if err := rt.eventBus.Close(); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if rt.persistence != nil {
		if err := rt.persistence.Close(ctx); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	if rt.shutdownTracer != nil {
		if err := rt.shutdownTracer(ctx); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to shut down tracer", "error", err)
		}
	}
}
