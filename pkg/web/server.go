package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp wires the API routes.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("formflow")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Get("/stats", handlers.Stats)

	runs := app.Group("/runs")
	runs.Get("/", handlers.ListRuns)
	runs.Post("/", handlers.SubmitRun)
	runs.Get("/:id", handlers.GetRun)
	runs.Delete("/:id", handlers.CancelRun)

	tasks := app.Group("/tasks")
	tasks.Get("/waiting", handlers.ListWaitingTasks)
	tasks.Post("/:id/pause", handlers.PauseTask)
	tasks.Post("/:id/focus", handlers.FocusTask)
	tasks.Post("/:id/minimize", handlers.MinimizeTask)
	tasks.Post("/:id/complete", handlers.CompleteTask)

	checkpoints := app.Group("/checkpoints")
	checkpoints.Get("/", handlers.ListCheckpoints)
	checkpoints.Post("/purge", handlers.PurgeCheckpoints)
	checkpoints.Get("/:id", handlers.GetCheckpoint)
	checkpoints.Delete("/:id", handlers.DeleteCheckpoint)

	return app
}
