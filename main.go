package main

import (
	"context"

	"maildrip/config"
	"maildrip/middleware"
	"maildrip/routes"
	"maildrip/utils"
	"maildrip/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.WithField("component", "main")

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if config.AppConfig.Environment == "development" {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if config.AppConfig.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Sentry")
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Initialize the delivery gateway
	mailer := utils.NewMailer(config.AppConfig)

	enrollments := utils.NewEnrollmentService(config.DB,
		logrus.WithField("component", "enrollment"), config.AppConfig.MaxSendFailures)

	// Initialize and start the sequence scheduler
	sequenceWorker := worker.NewSequenceWorker(config.DB, mailer, enrollments,
		logrus.WithField("component", "scheduler"), config.AppConfig.BaseURL,
		config.AppConfig.TickInterval, config.AppConfig.BatchSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sequenceWorker.Start(ctx)

	// Bounce polling is optional, it only runs when an IMAP inbox is configured
	if config.AppConfig.BounceIMAP.Host != "" {
		bounceWorker := worker.NewBounceWorker(config.DB, enrollments,
			logrus.WithField("component", "bounce"), config.AppConfig.BounceIMAP,
			config.AppConfig.BouncePollInterval)
		go bounceWorker.Start(ctx)
	}

	// Setup routes
	routes.SetupRoutes(app, config.DB, sequenceWorker, enrollments)

	// Start server
	logger.WithField("port", config.AppConfig.ServerPort).Info("Server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
}
