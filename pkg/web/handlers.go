package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/formflow/pkg/browser"
	"github.com/dukex/formflow/pkg/checkpoint"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/queue"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// RunService is the part of scheduler.Service the API drives.
type RunService interface {
	Submit(ctx context.Context, runID string, tasks []*models.Task, callbacks queue.Callbacks) (*queue.RunHandle, error)
	CancelRun(ctx context.Context, runID string) error
	RunSummary(runID string) (models.RunSummary, bool)
	ActiveRuns() []models.RunSummary
	QueuedCount() int
	ActiveCount() int
	WaitingCount() int
	ActiveRunCount() int
	WaitingTasks() []*models.Task
	PauseTask(taskID string) error
	FocusTask(ctx context.Context, taskID string) error
	MinimizeTask(ctx context.Context, taskID string) error
	CompleteManualTask(ctx context.Context, taskID string) error
	PoolStats() browser.Stats
}

type APIHandlers struct {
	service     RunService
	persistence persistence.Persistence
	janitor     *checkpoint.Janitor
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	service RunService,
	persistence persistence.Persistence,
	janitor *checkpoint.Janitor,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		service:     service,
		persistence: persistence,
		janitor:     janitor,
		validator:   validator,
		logger:      logger.With("module", "api"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		repository = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) Stats(c fiber.Ctx) error {
	return c.JSON(StatsResponse{
		Queued:     h.service.QueuedCount(),
		Active:     h.service.ActiveCount(),
		Waiting:    h.service.WaitingCount(),
		ActiveRuns: h.service.ActiveRunCount(),
		Pool:       h.service.PoolStats(),
	})
}

func (h *APIHandlers) SubmitRun(c fiber.Ctx) error {
	var req SubmitRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	tasks := make([]*models.Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		tasks = append(tasks, t.ToTask())
	}

	// The request context ends with the response; the run must outlive it.
	handle, err := h.service.Submit(context.WithoutCancel(c.Context()), req.RunID, tasks, h.loggingCallbacks())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(SubmitRunResponse{RunID: handle.RunID, Tasks: handle.Total()})
}

func (h *APIHandlers) loggingCallbacks() queue.Callbacks {
	return queue.Callbacks{
		OnComplete: func(task *models.Task, result *models.FlowExecutionResult) {
			h.logger.Info("Task completed",
				"taskID", task.ID, "runID", task.RunID, "success", result.Success, "paused", result.Paused, "error", result.Error)
		},
		OnError: func(task *models.Task, err error) {
			h.logger.Error("Task errored", "taskID", task.ID, "runID", task.RunID, "error", err)
		},
		OnWaitingUser: func(task *models.Task, result *models.FlowExecutionResult) {
			h.logger.Info("Task waiting for user", "taskID", task.ID, "runID", task.RunID, "stateID", result.StateID)
		},
	}
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	return c.JSON(h.service.ActiveRuns())
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")

	summary, ok := h.service.RunSummary(id)
	if !ok {
		return notFound(c, "run_not_found", "run not found")
	}

	return c.JSON(summary)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	err := h.service.CancelRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ListWaitingTasks(c fiber.Ctx) error {
	tasks := h.service.WaitingTasks()
	if tasks == nil {
		tasks = []*models.Task{}
	}

	return c.JSON(tasks)
}

func (h *APIHandlers) PauseTask(c fiber.Ctx) error {
	err := h.service.PauseTask(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) FocusTask(c fiber.Ctx) error {
	err := h.service.FocusTask(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) MinimizeTask(c fiber.Ctx) error {
	err := h.service.MinimizeTask(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CompleteTask(c fiber.Ctx) error {
	err := h.service.CompleteManualTask(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ListCheckpoints(c fiber.Ctx) error {
	filter := persistence.FlowStateFilter{
		Status:  models.FlowStatus(c.Query("status")),
		FlowKey: c.Query("flow_key"),
		LeadID:  c.Query("lead_id"),
	}

	states, err := h.persistence.FlowStateRepository().Find(c.Context(), filter)
	if err != nil {
		return internalError(c, err)
	}

	if states == nil {
		states = []*models.FlowState{}
	}

	return c.JSON(states)
}

func (h *APIHandlers) GetCheckpoint(c fiber.Ctx) error {
	state, err := h.persistence.FlowStateRepository().Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) DeleteCheckpoint(c fiber.Ctx) error {
	err := h.persistence.FlowStateRepository().Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PurgeCheckpoints(c fiber.Ctx) error {
	if h.janitor == nil {
		return badRequest(c, "Checkpoint retention is not configured")
	}

	deleted, err := h.janitor.Purge(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(PurgeResponse{Deleted: deleted})
}
