package models

import "time"

// WebhookOutcome is the result recorded for one webhook admission attempt.
type WebhookOutcome string

const (
	WebhookOutcomeAccepted       WebhookOutcome = "accepted"
	WebhookOutcomeDeduplicated   WebhookOutcome = "deduplicated"
	WebhookOutcomeInvalidSecret  WebhookOutcome = "invalid_secret"
	WebhookOutcomeDisabled       WebhookOutcome = "disabled"
	WebhookOutcomeNotFound       WebhookOutcome = "not_found"
	WebhookOutcomeRateLimited    WebhookOutcome = "rate_limited"
	WebhookOutcomeInvalidPayload WebhookOutcome = "invalid_payload"
	WebhookOutcomeError          WebhookOutcome = "error"
)

// WebhookLog is the audit row written for every webhook delivery.
type WebhookLog struct {
	ID             string         `json:"id"`
	TargetType     TargetType     `json:"targetType"`
	TargetID       string         `json:"targetId"`
	WorkspaceID    string         `json:"workspaceId,omitempty"`
	SourceIP       string         `json:"sourceIp"`
	Outcome        WebhookOutcome `json:"outcome"`
	StatusCode     int            `json:"statusCode"`
	ExecutionID    string         `json:"executionId,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
