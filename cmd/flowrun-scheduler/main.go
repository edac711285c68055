package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/executor"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

var ErrMissingSecret = errors.New("scheduler secret is required when calling the API")

func main() {
	logger := log.WithModule("scheduler")

	command := &cli.Command{
		Name:                  "flowrun-scheduler",
		Usage:                 "Run due scheduled flow and block executions on a cadence",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron schedule of processing passes",
				Value:   "@every 1m",
				Sources: cli.EnvVars("SCHEDULER_CRON"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single pass and exit",
			},
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "Base URL of the flowrun API",
				Value:   "http://localhost:9091",
				Sources: cli.EnvVars("FLOWRUN_API_URL"),
			},
			&cli.StringFlag{
				Name:    "scheduler-secret",
				Usage:   "Bearer secret of the scheduled task endpoint",
				Sources: cli.EnvVars("SCHEDULER_SECRET"),
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				Usage:   "Timeout of one call to the API",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("SCHEDULER_REQUEST_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "in-process",
				Usage:   "Process tasks directly against the database instead of calling the API",
				Sources: cli.EnvVars("SCHEDULER_IN_PROCESS"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL, used with --in-process",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka), used with --in-process",
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
				Usage:   "Base URL of the remote task runner, used with --in-process",
				Sources: cli.EnvVars("TASK_RUNNER_URL"),
			},
			&cli.StringFlag{
				Name:    "task-runner-token",
				Usage:   "Bearer token sent to the task runner",
				Sources: cli.EnvVars("TASK_RUNNER_TOKEN"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum tasks per pass, used with --in-process",
				Value:   scheduler.DefaultBatchSize,
				Sources: cli.EnvVars("SCHEDULER_BATCH_SIZE"),
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

			trigger, cleanup, err := newTrigger(ctx, logger, command)
			if err != nil {
				return err
			}
			defer cleanup()

			s := NewScheduler(logger, trigger, command.String("schedule"))
			if err := s.Validate(); err != nil {
				return err
			}

			if command.Bool("once") {
				s.Tick(ctx)

				return nil
			}

			if err := s.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			s.Stop()

			return nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		logger.Error("flowrun scheduler stopped", "error", err)
		os.Exit(1)
	}
}

// nolint:ireturn // the trigger is chosen at runtime
func newTrigger(ctx context.Context, logger *slog.Logger, command *cli.Command) (Trigger, func(), error) {
	if !command.Bool("in-process") {
		secret := command.String("scheduler-secret")
		if secret == "" {
			return nil, nil, ErrMissingSecret
		}

		return NewRemoteTrigger(command.String("api-url"), secret, command.Duration("request-timeout")), func() {}, nil
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, err
	}

	eventBus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"))
	if err != nil {
		closePersistence(ctx, logger, store)

		return nil, nil, err
	}

	runner := executor.NewRunner(
		logger,
		store,
		cmd.NewTaskRunner(logger, command.String("task-runner-url"), command.String("task-runner-token")),
		executor.WithEventBus(eventBus),
	)

	processor := scheduler.NewProcessor(logger, store, runner,
		scheduler.WithBatchSize(command.Int("batch-size")),
		scheduler.WithEventBus(eventBus),
	)

	cleanup := func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}

		closePersistence(ctx, logger, store)
	}

	return processor, cleanup, nil
}

func closePersistence(ctx context.Context, logger *slog.Logger, store persistence.Persistence) {
	if err := store.Close(context.WithoutCancel(ctx)); err != nil {
		logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
