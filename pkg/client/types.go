package client

import (
	"encoding/json"
	"time"
)

// Execution statuses as reported by the API. Flows succeed as "completed",
// blocks as "complete".
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Flow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Version     int       `json:"version"`
	NodeCount   int       `json:"nodeCount"`
	EdgeCount   int       `json:"edgeCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type FlowNode struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Label   string         `json:"label,omitempty"`
	BlockID string         `json:"blockId,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type FlowEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

type FlowDetail struct {
	Flow

	Nodes       []FlowNode      `json:"nodes"`
	Edges       []FlowEdge      `json:"edges"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type Block struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Model          string    `json:"model,omitempty"`
	Enabled        bool      `json:"enabled"`
	ExecutionCount int64     `json:"executionCount"`
	AvgDuration    int64     `json:"avgDuration"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Run is the answer to an execute or run call.
type Run struct {
	ExecutionID  string          `json:"executionId"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Deduplicated bool            `json:"deduplicated,omitempty"`
}

// Execution is a flow or block execution. Duration is in milliseconds.
type Execution struct {
	ID              string          `json:"id"`
	Level           string          `json:"level"`
	FlowID          string          `json:"flowId,omitempty"`
	BlockID         string          `json:"blockId,omitempty"`
	FlowExecutionID string          `json:"flowExecutionId,omitempty"`
	NodeID          string          `json:"nodeId,omitempty"`
	Status          string          `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Duration        *int64          `json:"duration,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Nodes           []Execution     `json:"nodes,omitempty"`
}

// Event is one frame of an execution stream.
type Event struct {
	Index       int             `json:"index"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
	ExecutionID string          `json:"executionId"`
	NodeID      string          `json:"nodeId,omitempty"`
}
