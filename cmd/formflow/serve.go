package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/formflow/pkg/checkpoint"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/web"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand() *cli.Command {
	flags := append(engineFlags(),
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Port to run the control API on",
			Value:   3000,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.DurationFlag{
			Name:    "checkpoint-retention",
			Usage:   "Age after which finished checkpoints are purged",
			Value:   7 * 24 * time.Hour,
			Sources: cli.EnvVars("CHECKPOINT_RETENTION"),
		},
		&cli.StringFlag{
			Name:    "janitor-schedule",
			Usage:   "Cron schedule of the checkpoint purge, empty disables it",
			Value:   "@hourly",
			Sources: cli.EnvVars("JANITOR_SCHEDULE"),
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP control API",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("formflow-serve")

			rt, err := newRuntime(ctx, command, slog.Default())
			if err != nil {
				return err
			}

			janitor := checkpoint.NewJanitor(
				rt.persistence.FlowStateRepository(),
				slog.Default(),
				command.Duration("checkpoint-retention"),
				nil,
			)

			if schedule := command.String("janitor-schedule"); schedule != "" {
				err := janitor.Start(ctx, schedule)
				if err != nil {
					rt.close(context.WithoutCancel(ctx))

					return err
				}
			}

			handlers := web.NewAPIHandlers(
				rt.service,
				rt.persistence,
				janitor,
				validator.New(validator.WithRequiredStructEnabled()),
				slog.Default(),
			)

			app := web.NewApp(handlers)

			listenErr := make(chan error, 1)

			go func() {
				listenErr <- app.Listen(":" + strconv.Itoa(command.Int("port")))
			}()

			logger.InfoContext(ctx, "Control API listening", "port", command.Int("port"))

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			defer signal.Stop(sig)

			select {
			case err = <-listenErr:
			case s := <-sig:
				logger.InfoContext(ctx, "Received signal, shutting down", "signal", s.String())
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			shutdownErr := app.ShutdownWithContext(shutdownCtx)

			janitor.Stop(shutdownCtx)
			rt.close(shutdownCtx)

			return errors.Join(err, shutdownErr)
		},
	}
}
