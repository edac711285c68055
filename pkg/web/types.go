// Package web provides HTTP request and response types for the execution API.
package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/models"
)

// RunRequest is the body of the execute and run endpoints.
type RunRequest struct {
	Input json.RawMessage `json:"input"`
}

// RunResponse reports the final state of a synchronous run.
type RunResponse struct {
	ExecutionID  string                 `json:"executionId"`
	Status       models.ExecutionStatus `json:"status"`
	Output       json.RawMessage        `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Deduplicated bool                   `json:"deduplicated,omitempty"`
}

func newRunResponse(outcome *admission.Outcome) RunResponse {
	return RunResponse{
		ExecutionID:  outcome.ExecutionID,
		Status:       outcome.Status,
		Output:       outcome.Output,
		Error:        outcome.Error,
		Deduplicated: outcome.Deduplicated,
	}
}

// WebhookResponse is returned to webhook senders.
type WebhookResponse struct {
	Success      bool                   `json:"success"`
	ExecutionID  string                 `json:"executionId"`
	Status       models.ExecutionStatus `json:"status,omitempty"`
	Deduplicated bool                   `json:"deduplicated,omitempty"`
}

// FlowSummary is a flow as listed.
type FlowSummary struct {
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

// FlowDetail adds the graph to the summary.
type FlowDetail struct {
	FlowSummary

	Nodes       []models.Node   `json:"nodes"`
	Edges       []models.Edge   `json:"edges"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func newFlowSummary(flow *models.Flow) FlowSummary {
	return FlowSummary{
		ID:          flow.ID,
		Name:        flow.Name,
		Description: flow.Description,
		Enabled:     flow.Enabled,
		Version:     flow.Version,
		NodeCount:   len(flow.Nodes),
		EdgeCount:   len(flow.Edges),
		CreatedAt:   flow.CreatedAt,
		UpdatedAt:   flow.UpdatedAt,
	}
}

func newFlowDetail(flow *models.Flow) FlowDetail {
	nodes, edges := flow.Nodes, flow.Edges
	if nodes == nil {
		nodes = []models.Node{}
	}

	if edges == nil {
		edges = []models.Edge{}
	}

	return FlowDetail{FlowSummary: newFlowSummary(flow), Nodes: nodes, Edges: edges, InputSchema: flow.InputSchema}
}

// BlockView is a block as listed.
type BlockView struct {
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

func newBlockView(block *models.Block) BlockView {
	return BlockView{
		ID:             block.ID,
		Name:           block.Name,
		Type:           block.Type,
		Model:          block.Model,
		Enabled:        block.Enabled,
		ExecutionCount: block.ExecutionCount,
		AvgDuration:    block.AvgDurationMs,
		CreatedAt:      block.CreatedAt,
		UpdatedAt:      block.UpdatedAt,
	}
}

// ExecutionView is a flow or block execution. Duration is in milliseconds.
type ExecutionView struct {
	ID              string                 `json:"id"`
	Level           models.ExecutionLevel  `json:"level"`
	FlowID          string                 `json:"flowId,omitempty"`
	FlowVersion     int                    `json:"flowVersion,omitempty"`
	BlockID         string                 `json:"blockId,omitempty"`
	FlowExecutionID string                 `json:"flowExecutionId,omitempty"`
	NodeID          string                 `json:"nodeId,omitempty"`
	Status          models.ExecutionStatus `json:"status"`
	Input           json.RawMessage        `json:"input,omitempty"`
	Output          json.RawMessage        `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	TriggeredBy     models.Trigger         `json:"triggeredBy"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
	Duration        *int64                 `json:"duration,omitempty"`
	TokensInput     int64                  `json:"tokensInput,omitempty"`
	TokensOutput    int64                  `json:"tokensOutput,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	Nodes           []ExecutionView        `json:"nodes,omitempty"`
	workspaceID     string
}

func newFlowExecutionView(e *models.FlowExecution, children []*models.BlockExecution) ExecutionView {
	view := ExecutionView{
		ID:          e.ID,
		Level:       models.ExecutionLevelFlow,
		FlowID:      e.FlowID,
		FlowVersion: e.FlowVersion,
		Status:      e.Status,
		Input:       e.Input,
		Output:      e.Output,
		Error:       e.Error,
		TriggeredBy: e.TriggeredBy,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		CreatedAt:   e.CreatedAt,
		workspaceID: e.WorkspaceID,
	}

	if e.StartedAt != nil && e.CompletedAt != nil {
		ms := e.Duration().Milliseconds()
		view.Duration = &ms
	}

	for _, child := range children {
		view.Nodes = append(view.Nodes, newBlockExecutionView(child))
	}

	return view
}

func newBlockExecutionView(e *models.BlockExecution) ExecutionView {
	view := ExecutionView{
		ID:              e.ID,
		Level:           models.ExecutionLevelBlock,
		BlockID:         e.BlockID,
		FlowExecutionID: e.FlowExecutionID,
		NodeID:          e.NodeID,
		Status:          e.Status,
		Input:           e.Input,
		Output:          e.Output,
		Error:           e.Error,
		TriggeredBy:     e.TriggeredBy,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		TokensInput:     e.TokensInput,
		TokensOutput:    e.TokensOutput,
		CreatedAt:       e.CreatedAt,
		workspaceID:     e.WorkspaceID,
	}

	if e.Status.IsTerminal() {
		ms := e.DurationMs
		view.Duration = &ms
	}

	return view
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	ExecutionID string                 `json:"executionId"`
	Level       models.ExecutionLevel  `json:"level"`
	Status      models.ExecutionStatus `json:"status"`
	Terminal    bool                   `json:"terminal"`
}

// ResultResponse is the body of the result endpoint.
type ResultResponse struct {
	ExecutionID string                 `json:"executionId"`
	Status      models.ExecutionStatus `json:"status"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    *int64                 `json:"duration,omitempty"`
}

// CancelResponse is the body of the cancel endpoint.
type CancelResponse struct {
	ExecutionID       string                 `json:"executionId"`
	Status            models.ExecutionStatus `json:"status"`
	CancelledChildren int                    `json:"cancelledChildren"`
}

// StreamQuery is the query of the stream endpoint.
type StreamQuery struct {
	FromIndex int `validate:"min=0"`
}
