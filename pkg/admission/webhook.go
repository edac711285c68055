package admission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
)

// WebhookRequest is one inbound webhook delivery.
type WebhookRequest struct {
	TargetID string
	// WorkspaceID scopes block webhooks; it is empty for flows.
	WorkspaceID    string
	Secret         string
	SourceIP       string
	Payload        json.RawMessage
	IdempotencyKey string
	DeliveryID     string
}

// Key is the idempotency key of the delivery: the explicit key when present,
// the provider's delivery id otherwise.
func (r WebhookRequest) Key() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}

	return r.DeliveryID
}

// WebhookAdmission admits work from webhook deliveries. Every attempt, admitted
// or not, leaves a WebhookLog row.
type WebhookAdmission struct {
	core

	limiter *RateLimiter
	guard   *IdempotencyGuard
}

func NewWebhookAdmission(
	logger *slog.Logger, store persistence.Persistence, runner Runner, limiter *RateLimiter, guard *IdempotencyGuard,
) *WebhookAdmission {
	return &WebhookAdmission{
		core:    core{store: store, runner: runner, logger: logger.With("module", "webhook_admission")},
		limiter: limiter,
		guard:   guard,
	}
}

// AdmitFlow handles a delivery to a flow webhook.
func (w *WebhookAdmission) AdmitFlow(ctx context.Context, req WebhookRequest) (*Outcome, RateLimitStatus, error) {
	return w.admit(ctx, "AdmitFlow", models.TargetTypeFlow, req)
}

// AdmitBlock handles a delivery to a bot (block) webhook.
func (w *WebhookAdmission) AdmitBlock(ctx context.Context, req WebhookRequest) (*Outcome, RateLimitStatus, error) {
	return w.admit(ctx, "AdmitBlock", models.TargetTypeBlock, req)
}

func (w *WebhookAdmission) admit(
	ctx context.Context, op string, kind models.TargetType, req WebhookRequest,
) (*Outcome, RateLimitStatus, error) {
	entry := &models.WebhookLog{
		ID:             uuid.NewString(),
		TargetType:     kind,
		TargetID:       req.TargetID,
		WorkspaceID:    req.WorkspaceID,
		SourceIP:       req.SourceIP,
		IdempotencyKey: req.Key(),
	}

	limit := w.limiter.Allow(ctx, "webhook:"+req.SourceIP)
	if !limit.Allowed {
		err := limit.Err()
		w.audit(ctx, entry, models.WebhookOutcomeRateLimited, nil, err)

		return nil, limit, err
	}

	outcome, err := w.process(ctx, op, kind, req, entry)
	if err != nil {
		w.audit(ctx, entry, webhookOutcomeFor(err), nil, err)

		return nil, limit, err
	}

	result := models.WebhookOutcomeAccepted
	if outcome.Deduplicated {
		result = models.WebhookOutcomeDeduplicated
	}

	w.audit(ctx, entry, result, outcome, nil)

	return outcome, limit, nil
}

func (w *WebhookAdmission) process(
	ctx context.Context, op string, kind models.TargetType, req WebhookRequest, entry *models.WebhookLog,
) (*Outcome, error) {
	t, err := w.resolve(ctx, op, kind, req.TargetID)
	if err != nil {
		return nil, err
	}

	entry.WorkspaceID = t.workspaceID()

	if req.WorkspaceID != "" && req.WorkspaceID != t.workspaceID() {
		return nil, NewNotFoundError(op, string(kind), req.TargetID)
	}

	if !SecretsEqual(req.Secret, t.secret()) {
		return nil, NewAuthError(op, CodeInvalidSecret, "invalid webhook secret")
	}

	if !t.enabled() {
		return nil, NewValidationError(op, CodeDisabled, string(kind)+" is disabled")
	}

	if err := validateInput(op, t.inputSchema(), req.Payload); err != nil {
		return nil, err
	}

	key := req.Key()
	executionID := uuid.NewString()

	if key != "" {
		outcome, err := w.existing(ctx, op, t, key)
		if err != nil {
			return nil, err
		}

		if outcome != nil {
			return outcome, nil
		}

		owner, reserved := w.guard.Reserve(ctx, kind, t.id(), key, executionID)
		if !reserved {
			return &Outcome{ExecutionID: owner, Level: levelOf(kind), Status: models.ExecutionStatusPending, Deduplicated: true}, nil
		}
	}

	trigger := models.WebhookTrigger(HashSecret(req.Secret), req.SourceIP)

	row, outcome, err := w.create(ctx, op, t, executionID, trigger, req.Payload, key)
	if err != nil {
		if key != "" {
			w.guard.Release(ctx, kind, t.id(), key)
		}

		return nil, err
	}

	if outcome != nil {
		return outcome, nil
	}

	return w.run(ctx, op, t, row)
}

// audit writes the log row. A failed write is logged and never changes the
// response.
func (w *WebhookAdmission) audit(
	ctx context.Context, entry *models.WebhookLog, result models.WebhookOutcome, outcome *Outcome, cause error,
) {
	entry.Outcome = result
	entry.StatusCode = StatusCode(cause)

	if outcome != nil {
		entry.ExecutionID = outcome.ExecutionID
	}

	if cause != nil {
		entry.Error = cause.Error()
	}

	if err := w.store.WebhookLogs().AppendWebhookLog(context.WithoutCancel(ctx), entry); err != nil {
		w.logger.ErrorContext(ctx, "Failed to write webhook audit log",
			"target_type", entry.TargetType, "target_id", entry.TargetID, "outcome", result, "error", err)
	}
}

func webhookOutcomeFor(err error) models.WebhookOutcome {
	var admissionErr *Error
	if errors.As(err, &admissionErr) {
		switch admissionErr.Code {
		case CodeNotFound:
			return models.WebhookOutcomeNotFound
		case CodeInvalidSecret:
			return models.WebhookOutcomeInvalidSecret
		case CodeDisabled:
			return models.WebhookOutcomeDisabled
		case CodeInvalidInput:
			return models.WebhookOutcomeInvalidPayload
		}
	}

	if IsRateLimited(err) {
		return models.WebhookOutcomeRateLimited
	}

	return models.WebhookOutcomeError
}

func levelOf(kind models.TargetType) models.ExecutionLevel {
	if kind == models.TargetTypeBlock {
		return models.ExecutionLevelBlock
	}

	return models.ExecutionLevelFlow
}

// StatusCode maps an admission error to its HTTP status. A nil error is 200.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	case IsNotFound(err):
		return http.StatusNotFound
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsForbidden(err):
		return http.StatusForbidden
	case IsValidation(err):
		return http.StatusBadRequest
	case persistence.IsInvalidStateTransition(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
