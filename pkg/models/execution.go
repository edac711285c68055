package models

import (
	"encoding/json"
	"time"
)

// TriggerType identifies the origin of an execution request.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeAPI      TriggerType = "api"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
)

// Trigger records who started an execution. Only the fields matching Type
// are set.
type Trigger struct {
	Type              TriggerType `json:"type"                        validate:"required,oneof=manual api webhook schedule"`
	APIKeyID          string      `json:"apiKeyId,omitempty"`
	WebhookSecretHash string      `json:"webhookSecretHash,omitempty"`
	ScheduledTaskID   string      `json:"scheduledTaskId,omitempty"`
	SourceIP          string      `json:"sourceIp,omitempty"`
	UserID            string      `json:"userId,omitempty"`
}

func ManualTrigger(userID string) Trigger {
	return Trigger{Type: TriggerTypeManual, UserID: userID}
}

func APITrigger(apiKeyID string) Trigger {
	return Trigger{Type: TriggerTypeAPI, APIKeyID: apiKeyID}
}

func WebhookTrigger(secretHash, sourceIP string) Trigger {
	return Trigger{Type: TriggerTypeWebhook, WebhookSecretHash: secretHash, SourceIP: sourceIP}
}

func ScheduleTrigger(taskID string) Trigger {
	return Trigger{Type: TriggerTypeSchedule, ScheduledTaskID: taskID}
}

// FlowExecution is one run of a flow.
type FlowExecution struct {
	ID             string          `json:"id"                       validate:"required"`
	FlowID         string          `json:"flowId"                   validate:"required"`
	FlowVersion    int             `json:"flowVersion"`
	WorkspaceID    string          `json:"workspaceId"`
	Status         ExecutionStatus `json:"status"                   validate:"required"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	TriggeredBy    Trigger         `json:"triggeredBy"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Duration is the wall time between start and completion, zero until both
// are known.
func (e *FlowExecution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}

	return e.CompletedAt.Sub(*e.StartedAt)
}

// BlockExecution is one run of a single block, standalone or as a node of a
// flow execution.
type BlockExecution struct {
	ID              string          `json:"id"                        validate:"required"`
	BlockID         string          `json:"blockId"                   validate:"required"`
	FlowExecutionID string          `json:"flowExecutionId,omitempty"`
	NodeID          string          `json:"nodeId,omitempty"`
	WorkspaceID     string          `json:"workspaceId"`
	Status          ExecutionStatus `json:"status"                    validate:"required"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	DurationMs      int64           `json:"durationMs"`
	TokensInput     int64           `json:"tokensInput"`
	TokensOutput    int64           `json:"tokensOutput"`
	TriggeredBy     Trigger         `json:"triggeredBy"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// IsStandalone reports whether the block execution has no parent flow run.
func (e *BlockExecution) IsStandalone() bool {
	return e.FlowExecutionID == ""
}

// ExecutionUpdate carries the fields written together with a status change.
// Zero values leave the stored column untouched.
type ExecutionUpdate struct {
	Output       json.RawMessage
	Error        string
	DurationMs   int64
	TokensInput  int64
	TokensOutput int64
}
