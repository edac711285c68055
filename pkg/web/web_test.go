package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/executor"
	kvmemory "github.com/dukex/flowrun/pkg/kv/memory"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence/memory"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/streaming"
	"github.com/dukex/flowrun/pkg/taskrunner"
	"github.com/dukex/flowrun/pkg/testutil"
	"github.com/dukex/flowrun/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/stretchr/testify/require"
)

const (
	executeKey      = "frk_exec_0123456789"
	readKey         = "frk_read_0123456789"
	hookSecret      = "whsec_abc123"
	schedulerSecret = "sched-secret"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	app    *fiber.App
	store  *memory.Persistence
	flow   *models.Flow
	blocks []*models.Block
}

type fixtureConfig struct {
	runner    taskrunner.TaskRunner
	timeout   time.Duration
	rateLimit int
	options   []web.Option
}

type fixtureOption func(*fixtureConfig)

func withRunner(runner taskrunner.TaskRunner, timeout time.Duration) fixtureOption {
	return func(c *fixtureConfig) {
		c.runner = runner
		c.timeout = timeout
	}
}

func withHandlerOptions(opts ...web.Option) fixtureOption {
	return func(c *fixtureConfig) {
		c.options = append(c.options, opts...)
	}
}

func withRateLimit(limit int) fixtureOption {
	return func(c *fixtureConfig) {
		c.rateLimit = limit
	}
}

// newFixture serves a two node flow A -> B and its blocks. Both have the
// webhook secret hookSecret.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{runner: taskrunner.Echo(), rateLimit: 100}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A", "B")
	testutil.WithWebhookSecret(hookSecret)(flow)

	for _, block := range blocks {
		block.WebhookSecret = hookSecret
	}

	testutil.Seed(t, store, flow, blocks...)
	testutil.SeedAPIKey(t, store, executeKey, models.PermissionExecute, models.PermissionRead)
	testutil.SeedAPIKey(t, store, readKey, models.PermissionRead)

	var runnerOpts []executor.Option
	if cfg.timeout > 0 {
		runnerOpts = append(runnerOpts, executor.WithTimeout(cfg.timeout))
	}

	runner := executor.NewRunner(discardLogger(), store, cfg.runner, runnerOpts...)
	kv := kvmemory.NewStore()

	handlers := web.NewHandlers(
		discardLogger(),
		store,
		admission.NewAPIAdmission(discardLogger(), store, runner),
		admission.NewWebhookAdmission(
			discardLogger(),
			store,
			runner,
			admission.NewRateLimiter(discardLogger(), kv, cfg.rateLimit, time.Minute),
			admission.NewIdempotencyGuard(discardLogger(), kv, time.Hour),
		),
		scheduler.NewProcessor(discardLogger(), store, runner),
		streaming.NewGateway(discardLogger(), store),
		append([]web.Option{web.WithSchedulerSecret(schedulerSecret)}, cfg.options...)...,
	)

	app := fiber.New(fiber.Config{Immutable: true})
	app.Use(requestid.New())
	handlers.Register(app)

	return &fixture{app: app, store: store, flow: flow, blocks: blocks}
}

func (f *fixture) do(t *testing.T, method, path, credential string, body any, headers ...string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

type problemBody struct {
	Status      int    `json:"status"`
	Error       string `json:"error"`
	Detail      string `json:"detail"`
	Instance    string `json:"instance"`
	RequestID   string `json:"requestId"`
	ExecutionID string `json:"executionId"`
	Message     string `json:"message"`
}
