package web

import (
	"bytes"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/gofiber/fiber/v3"
)

const (
	webhookSecretHeader     = "X-Webhook-Secret"
	webhookIdempotencyKey   = "X-Idempotency-Key"
	webhookDeliveryIDHeader = "X-Webhook-Delivery-Id"
)

// FlowWebhook admits a delivery to /webhooks/:flowId/:secret.
func (h *Handlers) FlowWebhook(c fiber.Ctx) error {
	req := h.webhookRequest(c)
	req.TargetID = c.Params("flowId")
	req.Secret = c.Params("secret")

	outcome, limit, err := h.webhooks.AdmitFlow(c.Context(), req)

	return h.webhookResponse(c, outcome, limit, err)
}

// BotWebhook admits a delivery to a block of a workspace. The secret travels
// in the X-Webhook-Secret header.
func (h *Handlers) BotWebhook(c fiber.Ctx) error {
	req := h.webhookRequest(c)
	req.TargetID = c.Params("botId")
	req.WorkspaceID = c.Params("workspaceId")
	req.Secret = c.Get(webhookSecretHeader)

	outcome, limit, err := h.webhooks.AdmitBlock(c.Context(), req)

	return h.webhookResponse(c, outcome, limit, err)
}

func (h *Handlers) webhookRequest(c fiber.Ctx) admission.WebhookRequest {
	return admission.WebhookRequest{
		SourceIP:       c.IP(),
		Payload:        bytes.Clone(c.Body()),
		IdempotencyKey: c.Get(webhookIdempotencyKey),
		DeliveryID:     c.Get(webhookDeliveryIDHeader),
	}
}

func (h *Handlers) webhookResponse(
	c fiber.Ctx, outcome *admission.Outcome, limit admission.RateLimitStatus, err error,
) error {
	if limit.Limit > 0 {
		setRateLimitHeaders(c, limit.Limit, limit.Remaining, limit.Reset)
	}

	if err != nil {
		return h.handleError(c, err)
	}

	return c.JSON(WebhookResponse{
		Success:      true,
		ExecutionID:  outcome.ExecutionID,
		Status:       outcome.Status,
		Deduplicated: outcome.Deduplicated,
	})
}
