// Package events defines the lifecycle notifications published while flows
// and blocks run.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle notification.
const Topic = "flowrun.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Flow execution lifecycle.
	FlowExecutionStartedEvent   EventType = "flow.execution.started"
	FlowExecutionCompletedEvent EventType = "flow.execution.completed"
	FlowExecutionFailedEvent    EventType = "flow.execution.failed"
	FlowExecutionCancelledEvent EventType = "flow.execution.cancelled"

	// Block execution lifecycle, standalone or inside a flow.
	BlockExecutionStartedEvent   EventType = "block.execution.started"
	BlockExecutionCompletedEvent EventType = "block.execution.completed"
	BlockExecutionFailedEvent    EventType = "block.execution.failed"

	ScheduledTaskProcessedEvent EventType = "scheduled_task.processed"
)

var (
	ErrMissingExecutionID = errors.New("execution_id is required")
	ErrMissingTargetID    = errors.New("target id is required")
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID, workspaceID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		WorkspaceID: workspaceID,
	}
}

func (b BaseEvent) Validate() error {
	if b.ExecutionID == "" {
		return ErrMissingExecutionID
	}

	return nil
}

type FlowExecutionStarted struct {
	BaseEvent

	FlowID      string `json:"flow_id"`
	FlowVersion int    `json:"flow_version"`
	TriggerType string `json:"trigger_type"`
}

func (e FlowExecutionStarted) GetType() EventType {
	return FlowExecutionStartedEvent
}

type FlowExecutionCompleted struct {
	BaseEvent

	FlowID     string          `json:"flow_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

func (e FlowExecutionCompleted) GetType() EventType {
	return FlowExecutionCompletedEvent
}

type FlowExecutionFailed struct {
	BaseEvent

	FlowID     string `json:"flow_id"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (e FlowExecutionFailed) GetType() EventType {
	return FlowExecutionFailedEvent
}

type FlowExecutionCancelled struct {
	BaseEvent

	FlowID          string `json:"flow_id,omitempty"`
	CancelledBlocks int    `json:"cancelled_blocks"`
}

func (e FlowExecutionCancelled) GetType() EventType {
	return FlowExecutionCancelledEvent
}

type BlockExecutionStarted struct {
	BaseEvent

	BlockID         string `json:"block_id"`
	FlowExecutionID string `json:"flow_execution_id,omitempty"`
	NodeID          string `json:"node_id,omitempty"`
}

func (e BlockExecutionStarted) GetType() EventType {
	return BlockExecutionStartedEvent
}

type BlockExecutionCompleted struct {
	BaseEvent

	BlockID         string `json:"block_id"`
	FlowExecutionID string `json:"flow_execution_id,omitempty"`
	NodeID          string `json:"node_id,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
	TokensInput     int64  `json:"tokens_input"`
	TokensOutput    int64  `json:"tokens_output"`
}

func (e BlockExecutionCompleted) GetType() EventType {
	return BlockExecutionCompletedEvent
}

type BlockExecutionFailed struct {
	BaseEvent

	BlockID         string `json:"block_id"`
	FlowExecutionID string `json:"flow_execution_id,omitempty"`
	NodeID          string `json:"node_id,omitempty"`
	Error           string `json:"error"`
	DurationMs      int64  `json:"duration_ms"`
}

func (e BlockExecutionFailed) GetType() EventType {
	return BlockExecutionFailedEvent
}

// ScheduledTaskProcessed is published once per task the processor ran.
// ExecutionID is empty when the task failed before an execution was created.
type ScheduledTaskProcessed struct {
	BaseEvent

	TaskID     string `json:"task_id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

func (e ScheduledTaskProcessed) GetType() EventType {
	return ScheduledTaskProcessedEvent
}

func (e ScheduledTaskProcessed) Validate() error {
	if e.TaskID == "" || e.TargetID == "" {
		return ErrMissingTargetID
	}

	return nil
}

// New returns an empty value of the concrete type registered for eventType,
// ready to be unmarshalled into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case FlowExecutionStartedEvent:
		return &FlowExecutionStarted{}, true
	case FlowExecutionCompletedEvent:
		return &FlowExecutionCompleted{}, true
	case FlowExecutionFailedEvent:
		return &FlowExecutionFailed{}, true
	case FlowExecutionCancelledEvent:
		return &FlowExecutionCancelled{}, true
	case BlockExecutionStartedEvent:
		return &BlockExecutionStarted{}, true
	case BlockExecutionCompletedEvent:
		return &BlockExecutionCompleted{}, true
	case BlockExecutionFailedEvent:
		return &BlockExecutionFailed{}, true
	case ScheduledTaskProcessedEvent:
		return &ScheduledTaskProcessed{}, true
	default:
		return nil, false
	}
}
