// Package main provides the flowrun scheduler, which periodically drains due
// scheduled tasks either through the API or in process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const processPath = "/api/v1/internal/process-scheduled-tasks"

var ErrUnexpectedStatus = errors.New("unexpected status from scheduled task endpoint")

// Trigger processes every due scheduled task once.
type Trigger interface {
	ProcessDue(ctx context.Context) (*scheduler.Summary, error)
}

// RemoteTrigger calls the API's scheduled task endpoint.
type RemoteTrigger struct {
	client  *http.Client
	baseURL string
	secret  string
}

func NewRemoteTrigger(baseURL, secret string, timeout time.Duration) *RemoteTrigger {
	return &RemoteTrigger{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
	}
}

func (r *RemoteTrigger) ProcessDue(ctx context.Context) (*scheduler.Summary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+processPath, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+r.secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call scheduled task endpoint: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var summary scheduler.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}

	return &summary, nil
}

// Scheduler fires the trigger on a cron schedule. A tick that is still
// running when the next one is due is skipped.
type Scheduler struct {
	trigger  Trigger
	schedule string
	logger   *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context //nolint:containedctx // ticks outlive Start
	cancel context.CancelFunc
}

func NewScheduler(logger *slog.Logger, trigger Trigger, schedule string) *Scheduler {
	return &Scheduler{
		trigger:  trigger,
		schedule: schedule,
		logger:   logger.With("module", "scheduler"),
	}
}

// Validate checks the schedule without starting anything.
func (s *Scheduler) Validate() error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid schedule '%s': %w", s.schedule, err)
	}

	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	cronLogger := cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	entryID, err := s.cron.AddFunc(s.schedule, func() { s.Tick(s.ctx) })
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.schedule, "entry_id", entryID)

	return nil
}

// Tick runs one processing pass and logs its summary.
func (s *Scheduler) Tick(ctx context.Context) {
	summary, err := s.trigger.ProcessDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to process scheduled tasks", "error", err)

		return
	}

	if summary.Processed == 0 {
		s.logger.DebugContext(ctx, "No scheduled tasks due")

		return
	}

	s.logger.InfoContext(ctx, "Processed scheduled tasks",
		"processed", summary.Processed,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"duration_ms", summary.DurationMs,
	)
}

// Stop cancels in-flight ticks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("Scheduler stopped")
	}
}

// cronLogger adapts slog to the cron package's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
