package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/taskrunner"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "flowrun-api",
		Usage:                 "Serve flow and block executions over HTTP",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL (postgres://..., memory://)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for rate limits and idempotency keys; in-memory when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "task-runner-url",
				Usage:   "Base URL of the remote task runner; blocks echo their input when empty",
				Sources: cli.EnvVars("TASK_RUNNER_URL"),
			},
			&cli.StringFlag{
				Name:    "task-runner-token",
				Usage:   "Bearer token sent to the task runner",
				Sources: cli.EnvVars("TASK_RUNNER_TOKEN"),
			},
			&cli.DurationFlag{
				Name:    "execution-timeout",
				Usage:   "Maximum duration of a single block run",
				Value:   taskrunner.DefaultTimeout,
				Sources: cli.EnvVars("EXECUTION_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "scheduler-secret",
				Usage:   "Bearer secret required by the scheduled task endpoint",
				Sources: cli.EnvVars("SCHEDULER_SECRET"),
			},
			&cli.DurationFlag{
				Name:    "scheduler-deadline",
				Usage:   "Maximum duration of one scheduled task endpoint call",
				Value:   scheduler.DefaultInvocationDeadline,
				Sources: cli.EnvVars("SCHEDULER_DEADLINE"),
			},
			&cli.IntFlag{
				Name:    "webhook-rate-limit",
				Usage:   "Webhook deliveries allowed per source per window",
				Value:   admission.DefaultRateLimit,
				Sources: cli.EnvVars("WEBHOOK_RATE_LIMIT"),
			},
			&cli.DurationFlag{
				Name:    "webhook-rate-window",
				Usage:   "Webhook rate limit window",
				Value:   admission.DefaultRateWindow,
				Sources: cli.EnvVars("WEBHOOK_RATE_WINDOW"),
			},
			&cli.DurationFlag{
				Name:    "idempotency-ttl",
				Usage:   "How long webhook idempotency keys are remembered",
				Value:   admission.DefaultIdempotencyTTL,
				Sources: cli.EnvVars("IDEMPOTENCY_TTL"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces over OTLP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Include internal error messages in responses",
				Sources: cli.EnvVars("DEBUG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing flowrun API")

			tracer, err := newTracer(ctx, command.Bool("otel"))
			if err != nil {
				return err
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			kv, err := cmd.NewKVStore(ctx, logger, command.String("redis-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := kv.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close kv store", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"))
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			config := DefaultConfig()
			config.WebhookRateLimit = command.Int("webhook-rate-limit")
			config.WebhookRateWindow = command.Duration("webhook-rate-window")
			config.IdempotencyTTL = command.Duration("idempotency-ttl")
			config.ExecutionTimeout = command.Duration("execution-timeout")
			config.SchedulerSecret = command.String("scheduler-secret")
			config.SchedulerDeadline = command.Duration("scheduler-deadline")
			config.Debug = command.Bool("debug")

			if config.SchedulerSecret == "" {
				logger.WarnContext(ctx, "No scheduler secret configured, scheduled task endpoint rejects every call")
			}

			api := NewAPI(
				logger,
				persistence,
				kv,
				eventBus,
				cmd.NewTaskRunner(logger, command.String("task-runner-url"), command.String("task-runner-token")),
				tracer,
				config,
			)

			return api.Start(ctx, command.Int("port"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		logger.Error("flowrun API stopped", "error", err)
		os.Exit(1)
	}
}

// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func newTracer(ctx context.Context, enabled bool) (trace.Tracer, error) {
	if !enabled {
		return otelhelper.NoopTracer(), nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, "flowrun-api")
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = shutdown(shutdownCtx)
	}()

	return tracer, nil
}
