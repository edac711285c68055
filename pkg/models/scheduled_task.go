package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TargetType says what a scheduled task or webhook delivery runs.
type TargetType string

const (
	TargetTypeFlow  TargetType = "flow"
	TargetTypeBlock TargetType = "block"
)

// ScheduledTask is a one-shot or recurring intent to run a flow or block.
// A nil CronExpression makes the task one-shot.
type ScheduledTask struct {
	ID             string          `json:"id"                      validate:"required"`
	WorkspaceID    string          `json:"workspaceId"             validate:"required"`
	TargetType     TargetType      `json:"targetType"              validate:"required,oneof=flow block"`
	TargetID       string          `json:"targetId"                validate:"required"`
	Input          json.RawMessage `json:"input,omitempty"`
	RunAt          time.Time       `json:"runAt"                   validate:"required"`
	CronExpression *string         `json:"cronExpression,omitempty" validate:"omitempty,cron"`
	Status         TaskStatus      `json:"status"                  validate:"required,oneof=pending running completed failed"`
	RunCount       int             `json:"runCount"                validate:"min=0"`
	MaxRuns        *int            `json:"maxRuns,omitempty"       validate:"omitempty,min=1"`
	LastRunAt      *time.Time      `json:"lastRunAt,omitempty"`
	LastRunStatus  string          `json:"lastRunStatus,omitempty"`
	LastRunError   string          `json:"lastRunError,omitempty"`
	ExecutionID    string          `json:"executionId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsRecurring reports whether the task has a cron expression.
func (t *ScheduledTask) IsRecurring() bool {
	return t.CronExpression != nil && *t.CronExpression != ""
}

// IsDue reports whether the task should be picked up at now.
func (t *ScheduledTask) IsDue(now time.Time) bool {
	return t.Status == TaskStatusPending && !t.RunAt.After(now)
}

// ReachedMaxRuns reports whether RunCount has met MaxRuns.
func (t *ScheduledTask) ReachedMaxRuns() bool {
	return t.MaxRuns != nil && t.RunCount >= *t.MaxRuns
}
