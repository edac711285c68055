// Package web exposes the execution subsystem over HTTP: synchronous API
// execution, webhooks, scheduled task processing, execution queries and the
// event stream.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/streaming"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const idempotencyKeyHeader = "Idempotency-Key"

type Handlers struct {
	logger          *slog.Logger
	store           persistence.Persistence
	api             *admission.APIAdmission
	webhooks        *admission.WebhookAdmission
	processor       *scheduler.Processor
	gateway         *streaming.Gateway
	validate        *validator.Validate
	schedulerSecret string
	// schedulerDeadline bounds one scheduled task processing call.
	schedulerDeadline time.Duration
	debug             bool
}

type Option func(*Handlers)

// WithSchedulerSecret sets the bearer secret required by the scheduled task
// endpoint. Without it the endpoint rejects every call.
func WithSchedulerSecret(secret string) Option {
	return func(h *Handlers) {
		h.schedulerSecret = secret
	}
}

// WithSchedulerDeadline bounds each call to the scheduled task endpoint.
// Tasks not started before the deadline stay pending for the next call.
func WithSchedulerDeadline(deadline time.Duration) Option {
	return func(h *Handlers) {
		if deadline > 0 {
			h.schedulerDeadline = deadline
		}
	}
}

// WithDebug includes raw error messages in problem responses.
func WithDebug(debug bool) Option {
	return func(h *Handlers) {
		h.debug = debug
	}
}

func NewHandlers(
	logger *slog.Logger,
	store persistence.Persistence,
	api *admission.APIAdmission,
	webhooks *admission.WebhookAdmission,
	processor *scheduler.Processor,
	gateway *streaming.Gateway,
	opts ...Option,
) *Handlers {
	h := &Handlers{
		logger:    logger.With("module", "web"),
		store:     store,
		api:       api,
		webhooks:  webhooks,
		processor: processor,
		gateway:   gateway,
		validate:  validator.New(validator.WithRequiredStructEnabled()),

		schedulerDeadline: scheduler.DefaultInvocationDeadline,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *Handlers) ExecuteFlow(c fiber.Ctx) error {
	req, err := h.parseRunRequest(c)
	if err != nil {
		return h.badRequest(c, admission.CodeInvalidRequest, "Invalid request body: "+err.Error())
	}

	outcome, err := h.api.ExecuteFlow(c.Context(), admission.APIRequest{
		Credential:     bearerToken(c),
		TargetID:       c.Params("id"),
		Input:          req.Input,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return h.handleError(c, err)
	}

	return h.runResponse(c, outcome)
}

func (h *Handlers) RunBlock(c fiber.Ctx) error {
	req, err := h.parseRunRequest(c)
	if err != nil {
		return h.badRequest(c, admission.CodeInvalidRequest, "Invalid request body: "+err.Error())
	}

	outcome, err := h.api.RunBlock(c.Context(), admission.APIRequest{
		Credential:     bearerToken(c),
		TargetID:       c.Params("id"),
		Input:          req.Input,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return h.handleError(c, err)
	}

	return h.runResponse(c, outcome)
}

func (h *Handlers) parseRunRequest(c fiber.Ctx) (*RunRequest, error) {
	req := &RunRequest{}
	if len(c.Body()) == 0 {
		return req, nil
	}

	if err := c.Bind().JSON(req); err != nil {
		return nil, err
	}

	return req, nil
}

// runResponse answers a finished run. A run that died on a task runner
// timeout is a 504 that still names the execution.
func (h *Handlers) runResponse(c fiber.Ctx, outcome *admission.Outcome) error {
	if outcome.TimedOut {
		p := Problem{ExecutionID: outcome.ExecutionID}

		return h.writeProblem(c, &p, fiber.StatusGatewayTimeout, CodeTimeout, outcome.Error, nil)
	}

	return c.JSON(newRunResponse(outcome))
}

func (h *Handlers) ListFlows(c fiber.Ctx) error {
	key, err := h.authenticate(c, models.PermissionRead)
	if err != nil {
		return h.handleError(c, err)
	}

	flows, err := h.store.Flows().ListFlows(c.Context(), key.WorkspaceID)
	if err != nil {
		return h.internalError(c, err)
	}

	summaries := make([]FlowSummary, 0, len(flows))
	for _, flow := range flows {
		summaries = append(summaries, newFlowSummary(flow))
	}

	return c.JSON(fiber.Map{"flows": summaries})
}

func (h *Handlers) GetFlow(c fiber.Ctx) error {
	key, err := h.authenticate(c, models.PermissionRead)
	if err != nil {
		return h.handleError(c, err)
	}

	flow, err := h.store.Flows().FlowByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsNotFound(err) {
			return h.notFound(c, "Flow not found")
		}

		return h.internalError(c, err)
	}

	if flow.WorkspaceID != key.WorkspaceID || flow.IsDeleted() {
		return h.notFound(c, "Flow not found")
	}

	return c.JSON(fiber.Map{"flow": newFlowDetail(flow)})
}

func (h *Handlers) ListBlocks(c fiber.Ctx) error {
	key, err := h.authenticate(c, models.PermissionRead)
	if err != nil {
		return h.handleError(c, err)
	}

	blocks, err := h.store.Blocks().ListBlocks(c.Context(), key.WorkspaceID)
	if err != nil {
		return h.internalError(c, err)
	}

	views := make([]BlockView, 0, len(blocks))
	for _, block := range blocks {
		views = append(views, newBlockView(block))
	}

	return c.JSON(fiber.Map{"blocks": views})
}

func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	if err := h.store.HealthCheck(c.Context()); err != nil {
		h.logger.WarnContext(c.Context(), "Health check failed", "error", err)

		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
			"status":    "unhealthy",
			"error":     "store unavailable",
			"timestamp": time.Now().UTC(),
		})
	}

	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
