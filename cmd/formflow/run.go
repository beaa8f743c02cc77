package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/formflow/pkg/log"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/queue"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// batchFile is the on-disk shape of a run submitted from the command line.
type batchFile struct {
	RunID string      `yaml:"run_id"`
	Tasks []batchTask `validate:"required,min=1,dive" yaml:"tasks"`
}

type batchTask struct {
	ID           string         `validate:"required" yaml:"id"`
	FlowKey      string         `validate:"required" yaml:"flow"`
	LeadID       string         `validate:"required" yaml:"lead_id"`
	Lead         map[string]any `yaml:"lead"`
	PlatformData map[string]any `yaml:"platform_data"`
	ArtifactDir  string         `yaml:"artifact_dir"`
	Priority     int            `yaml:"priority"`
	Visible      bool           `yaml:"visible"`
	PauseAtStep  string         `yaml:"pause_at_step"`
	ResumeState  string         `yaml:"resume_state_id"`
}

func (t batchTask) toTask() *models.Task {
	return &models.Task{
		ID:      t.ID,
		FlowKey: t.FlowKey,
		Payload: models.Payload{
			LeadID:       t.LeadID,
			Lead:         t.Lead,
			PlatformData: t.PlatformData,
		},
		ArtifactDir: t.ArtifactDir,
		Priority:    t.Priority,
		Options: models.TaskOptions{
			Visible:       t.Visible,
			PauseAtStep:   t.PauseAtStep,
			ResumeStateID: t.ResumeState,
		},
	}
}

func loadBatch(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var batch batchFile

	err = yaml.Unmarshal(data, &batch)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}

	err = validator.New(validator.WithRequiredStructEnabled()).Struct(batch)
	if err != nil {
		return nil, models.NewValidationError("load batch", "invalid batch file", err)
	}

	return &batch, nil
}

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a batch of tasks and wait for the run to finish",
		ArgsUsage: "<batch.yaml>",
		Flags:     engineFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("formflow-run")

			if command.Args().Len() != 1 {
				return cli.Exit("expected exactly one batch file", 2)
			}

			batch, err := loadBatch(command.Args().First())
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, command, slog.Default())
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			tasks := make([]*models.Task, 0, len(batch.Tasks))
			for _, t := range batch.Tasks {
				tasks = append(tasks, t.toTask())
			}

			handle, err := rt.service.Submit(ctx, batch.RunID, tasks, runCallbacks(logger))
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Run submitted", "runID", handle.RunID, "tasks", handle.Total())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			defer signal.Stop(sig)

			select {
			case <-handle.Done():
			case s := <-sig:
				logger.InfoContext(ctx, "Received signal, cancelling run", "signal", s.String(), "runID", handle.RunID)

				err := rt.service.CancelRun(ctx, handle.RunID)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to cancel run", "runID", handle.RunID, "error", err)
				}

				<-handle.Done()
			case <-ctx.Done():
				_ = rt.service.CancelRun(context.WithoutCancel(ctx), handle.RunID)

				<-handle.Done()
			}

			summary, _ := rt.service.RunSummary(handle.RunID)

			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}

			fmt.Fprintln(command.Root().Writer, string(out))

			if summary.Failed > 0 {
				return cli.Exit("", 1)
			}

			return nil
		},
	}
}

func runCallbacks(logger *slog.Logger) queue.Callbacks {
	return queue.Callbacks{
		OnStart: func(task *models.Task) {
			logger.Info("Task started", "taskID", task.ID, "flowKey", task.FlowKey, "leadID", task.Payload.LeadID)
		},
		OnComplete: func(task *models.Task, result *models.FlowExecutionResult) {
			logger.Info("Task finished",
				"taskID", task.ID, "success", result.Success, "paused", result.Paused,
				"durationMs", result.TotalDurationMs, "error", result.Error)
		},
		OnError: func(task *models.Task, err error) {
			logger.Error("Task errored", "taskID", task.ID, "error", err)
		},
		OnWaitingUser: func(task *models.Task, result *models.FlowExecutionResult) {
			logger.Warn("Task waiting for user, interrupt to cancel it",
				"taskID", task.ID, "stateID", result.StateID)
		},
	}
}
