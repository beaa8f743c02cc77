package web

import (
	"errors"

	"github.com/dukex/formflow/pkg/executor"
	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/queue"
	"github.com/dukex/formflow/pkg/scheduler"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps engine errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, queue.ErrRunExists), errors.Is(err, queue.ErrDuplicateTask):
		return conflict(c, err.Error())

	case models.IsValidationError(err):
		return badRequest(c, err.Error())

	case models.IsConfigurationError(err):
		problem := problems.NewStatusProblem(fiber.StatusUnprocessableEntity).
			WithInstance(c.Path()).
			WithType("configuration_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case errors.Is(err, scheduler.ErrRunNotFound):
		return notFound(c, "run_not_found", "run not found")

	case errors.Is(err, executor.ErrTaskNotFound):
		return notFound(c, "task_not_found", "task not found")

	case persistence.IsFlowStateNotFound(err):
		return notFound(c, "checkpoint_not_found", "checkpoint not found")

	case errors.Is(err, executor.ErrNotWaiting), errors.Is(err, executor.ErrTaskNotRunning):
		return conflict(c, err.Error())

	case errors.Is(err, persistence.ErrInvalidFlowStateID):
		return badRequest(c, err.Error())

	default:
		return internalError(c, err)
	}
}
