package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type FlowsService struct {
	client *Client
}

// List returns the flows of the key's workspace.
func (s *FlowsService) List(ctx context.Context) ([]Flow, error) {
	var body struct {
		Flows []Flow `json:"flows"`
	}

	err := s.client.do(ctx, request{method: http.MethodGet, path: "/flows", retryable: true}, &body)

	return body.Flows, err
}

func (s *FlowsService) Get(ctx context.Context, flowID string) (*FlowDetail, error) {
	var body struct {
		Flow FlowDetail `json:"flow"`
	}

	err := s.client.do(ctx, request{method: http.MethodGet, path: "/flows/" + url.PathEscape(flowID), retryable: true}, &body)
	if err != nil {
		return nil, err
	}

	return &body.Flow, nil
}

// Execute runs the flow and returns once it finished. input is sent as the
// flow input; nil sends an empty object.
func (s *FlowsService) Execute(ctx context.Context, flowID string, input any, opts ...RunOption) (*Run, error) {
	return s.client.run(ctx, "/flows/"+url.PathEscape(flowID)+"/execute", input, opts)
}

type BlocksService struct {
	client *Client
}

func (s *BlocksService) List(ctx context.Context) ([]Block, error) {
	var body struct {
		Blocks []Block `json:"blocks"`
	}

	err := s.client.do(ctx, request{method: http.MethodGet, path: "/blocks", retryable: true}, &body)

	return body.Blocks, err
}

// Run runs a single block and returns once it finished.
func (s *BlocksService) Run(ctx context.Context, blockID string, input any, opts ...RunOption) (*Run, error) {
	return s.client.run(ctx, "/blocks/"+url.PathEscape(blockID)+"/run", input, opts)
}

type ExecutionsService struct {
	client *Client
}

func (s *ExecutionsService) Get(ctx context.Context, executionID string) (*Execution, error) {
	var body struct {
		Execution Execution `json:"execution"`
	}

	path := "/executions/" + url.PathEscape(executionID)
	if err := s.client.do(ctx, request{method: http.MethodGet, path: path, retryable: true}, &body); err != nil {
		return nil, err
	}

	return &body.Execution, nil
}

// CancelResult reports a cancellation.
type CancelResult struct {
	ExecutionID       string `json:"executionId"`
	Status            string `json:"status"`
	CancelledChildren int    `json:"cancelledChildren"`
}

func (s *ExecutionsService) Cancel(ctx context.Context, executionID string) (*CancelResult, error) {
	var result CancelResult

	path := "/executions/" + url.PathEscape(executionID) + "/cancel"
	if err := s.client.do(ctx, request{method: http.MethodPost, path: path}, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// WaitForCompletion polls the execution until it reaches a terminal status.
// A zero timeout means DefaultWaitTimeout. Running out of time returns an
// error matching ErrTimeout.
func (s *ExecutionsService) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (*Execution, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	clock := s.client.clock
	deadline := clock.Now().Add(timeout)

	for {
		execution, err := s.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if IsTerminal(execution.Status) {
			return execution, nil
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return nil, fmt.Errorf("execution %s still %s after %s: %w", executionID, execution.Status, timeout, ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(min(s.client.pollInterval, remaining)):
		}
	}
}
