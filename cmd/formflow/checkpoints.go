package main

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/dukex/formflow/pkg/checkpoint"
	"github.com/dukex/formflow/pkg/cmd"
	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	cli "github.com/urfave/cli/v3"
)

func NewCheckpointsCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoints",
		Usage: "Inspect and clean up persisted flow states",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List flow states, most recently updated first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status (running, paused, completed, failed)"},
					&cli.StringFlag{Name: "flow", Usage: "Filter by flow key"},
					&cli.StringFlag{Name: "lead", Usage: "Filter by lead ID"},
				},
				Action: withPersistence(func(ctx context.Context, command *cli.Command, p persistence.Persistence) error {
					states, err := p.FlowStateRepository().Find(ctx, persistence.FlowStateFilter{
						Status:  models.FlowStatus(command.String("status")),
						FlowKey: command.String("flow"),
						LeadID:  command.String("lead"),
					})
					if err != nil {
						return err
					}

					w := tabwriter.NewWriter(command.Root().Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tFLOW\tLEAD\tSTATUS\tSTEP\tUPDATED")

					for _, s := range states {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
							s.ID, s.FlowKey, s.LeadID, s.Status, s.CurrentStepIndex, s.UpdatedAt.Format(time.RFC3339))
					}

					return w.Flush()
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a flow state",
				ArgsUsage: "<id>",
				Action: withPersistence(func(ctx context.Context, command *cli.Command, p persistence.Persistence) error {
					id := command.Args().First()
					if id == "" {
						return cli.Exit("missing checkpoint id", 2)
					}

					return p.FlowStateRepository().Delete(ctx, id)
				}),
			},
			{
				Name:  "purge",
				Usage: "Delete completed and failed flow states older than the retention",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "retention",
						Usage:   "Age after which finished checkpoints are purged",
						Value:   7 * 24 * time.Hour,
						Sources: cli.EnvVars("CHECKPOINT_RETENTION"),
					},
				},
				Action: withPersistence(func(ctx context.Context, command *cli.Command, p persistence.Persistence) error {
					janitor := checkpoint.NewJanitor(p.FlowStateRepository(), slog.Default(), command.Duration("retention"), nil)

					purged, err := janitor.Purge(ctx)
					fmt.Fprintf(command.Root().Writer, "purged %d checkpoints\n", purged)

					return err
				}),
			},
		},
	}
}

func withPersistence(fn func(ctx context.Context, command *cli.Command, p persistence.Persistence) error) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		log.Setup(command.String("log-level"), command.String("log-format"))

		p, err := cmd.NewPersistence(ctx, slog.Default(), command.String("database-url"))
		if err != nil {
			return err
		}

		defer func() {
			err := p.Close(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to close persistence", "error", err)
			}
		}()

		return fn(ctx, command, p)
	}
}
