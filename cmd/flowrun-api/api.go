// Package main provides the flowrun API server.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/executor"
	"github.com/dukex/flowrun/pkg/kv"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/streaming"
	"github.com/dukex/flowrun/pkg/taskrunner"
	"github.com/dukex/flowrun/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the tunables of one API process.
type Config struct {
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
	IdempotencyTTL    time.Duration
	ExecutionTimeout  time.Duration
	SchedulerSecret   string
	SchedulerDeadline time.Duration
	Debug             bool
}

// DefaultConfig mirrors the flag defaults.
func DefaultConfig() Config {
	return Config{
		WebhookRateLimit:  admission.DefaultRateLimit,
		WebhookRateWindow: admission.DefaultRateWindow,
		IdempotencyTTL:    admission.DefaultIdempotencyTTL,
		ExecutionTimeout:  taskrunner.DefaultTimeout,
		SchedulerDeadline: scheduler.DefaultInvocationDeadline,
	}
}

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	kv          kv.Store
	eventBus    eventbus.EventBus
	taskRunner  taskrunner.TaskRunner
	tracer      trace.Tracer
	config      Config
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	kv kv.Store,
	eventBus eventbus.EventBus,
	taskRunner taskrunner.TaskRunner,
	tracer trace.Tracer,
	config Config,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		kv:          kv,
		eventBus:    eventBus,
		taskRunner:  taskRunner,
		tracer:      tracer,
		config:      config,
	}
}

func (a *API) App() *fiber.App {
	runner := executor.NewRunner(
		a.logger,
		a.persistence,
		a.taskRunner,
		executor.WithEventBus(a.eventBus),
		executor.WithTracer(a.tracer),
		executor.WithTimeout(a.config.ExecutionTimeout),
	)

	webhooks := admission.NewWebhookAdmission(
		a.logger,
		a.persistence,
		runner,
		admission.NewRateLimiter(a.logger, a.kv, a.config.WebhookRateLimit, a.config.WebhookRateWindow),
		admission.NewIdempotencyGuard(a.logger, a.kv, a.config.IdempotencyTTL),
	)

	handlers := web.NewHandlers(
		a.logger,
		a.persistence,
		admission.NewAPIAdmission(a.logger, a.persistence, runner),
		webhooks,
		scheduler.NewProcessor(a.logger, a.persistence, runner, scheduler.WithEventBus(a.eventBus)),
		streaming.NewGateway(a.logger, a.persistence),
		web.WithSchedulerSecret(a.config.SchedulerSecret),
		web.WithSchedulerDeadline(a.config.SchedulerDeadline),
		web.WithDebug(a.config.Debug),
	)

	// Handlers keep request values past the handler return.
	app := fiber.New(fiber.Config{Immutable: true})
	app.Use(recoverer.New())
	app.Use(requestid.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("flowrun API")
	})

	handlers.Register(app)

	return app
}

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	})
}
