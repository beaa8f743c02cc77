package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/formflow/pkg/cmd"
	"github.com/dukex/formflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check a flow file compiles and every step has an implementation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "flows",
				Usage:    "YAML file with the flow definitions",
				Required: true,
				Sources:  cli.EnvVars("FLOWS_FILE"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing step plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			registry, err := cmd.NewRegistry(slog.Default(), command.String("plugins-path"))
			if err != nil {
				return err
			}

			catalog, err := loadCatalog(slog.Default(), command.String("flows"), registry)
			if err != nil {
				return err
			}

			for _, key := range catalog.Keys() {
				def, _ := catalog.Get(key)
				fmt.Fprintf(command.Root().Writer, "%s: %d steps\n", key, len(def.Steps))
			}

			return nil
		},
	}
}
