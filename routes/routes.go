package routes

import (
	controller "maildrip/controllers"
	"maildrip/middleware"
	"maildrip/utils"
	"maildrip/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupPublicRoutes registers the unauthenticated surface: subscribe,
// tracking redirects and the unsubscribe page. These are the endpoints
// recipients hit from their inbox, so they stay soft on bad input.
func SetupPublicRoutes(app *fiber.App, db *gorm.DB, deps *sequenceDeps) {
	subscriptionController := controller.NewSubscriptionController(db, componentLogger("subscription"), deps.Enrollments)
	trackingController := controller.NewTrackingController(db, componentLogger("tracking"), deps.Enrollments)

	public := app.Group("", middleware.TrackingRateLimiter())
	public.Post("/subscribe", subscriptionController.Subscribe)
	public.Get("/t/open", trackingController.HandleOpen)
	public.Get("/t/click", trackingController.HandleClick)
	public.Get("/unsubscribe", trackingController.HandleUnsubscribe)
}

// SetupAPIRoutes registers the operator management API behind JWT auth
func SetupAPIRoutes(app *fiber.App, db *gorm.DB, deps *sequenceDeps) {
	authController := controller.NewAuthController(componentLogger("auth"))
	subscriptionController := controller.NewSubscriptionController(db, componentLogger("subscription"), deps.Enrollments)
	sequenceController := controller.NewSequenceController(db, componentLogger("sequence"), deps.Enrollments)
	diagnosticsController := controller.NewDiagnosticsController(deps.Worker, componentLogger("diagnostics"))

	app.Post("/auth/login", authController.Login)

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Enrollment routes
	api.Post("/enrollments", subscriptionController.Enroll)
	api.Delete("/enrollments/:id", subscriptionController.CancelEnrollment)
	api.Post("/enrollments/:id/reactivate", subscriptionController.ReactivateEnrollment)

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Post("/:id/activate", sequenceController.ActivateSequence)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Post("/:id/steps", sequenceController.AddStep)
	sequence.Delete("/:id/steps/:stepID", sequenceController.RemoveStep)
	sequence.Put("/:id/steps/:stepID/status", sequenceController.PauseStep)
	sequence.Put("/:id/steps/reorder", sequenceController.ReorderSteps)

	// Diagnostics routes
	api.Post("/process-sequences", diagnosticsController.ProcessSequences)
	api.Get("/diagnostics/ticks", diagnosticsController.RecentTicks)

	// WebSocket route for live scheduler output. Browser clients cannot
	// set headers on the upgrade request; they authenticate through the
	// access_token cookie fallback in Protected.
	app.Get("/api/v1/diagnostics/ws", middleware.Protected(), diagnosticsController.StreamTicks())
}

type sequenceDeps struct {
	Enrollments *utils.EnrollmentService
	Worker      *worker.SequenceWorker
}

// SetupRoutes wires every route group onto the app
func SetupRoutes(app *fiber.App, db *gorm.DB, sequenceWorker *worker.SequenceWorker, enrollments *utils.EnrollmentService) {
	deps := &sequenceDeps{Enrollments: enrollments, Worker: sequenceWorker}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupPublicRoutes(app, db, deps)
	SetupAPIRoutes(app, db, deps)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}

func componentLogger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
