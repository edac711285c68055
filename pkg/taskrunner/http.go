package taskrunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukex/flowrun/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	lineTypeResult = "result"
	lineTypeError  = "error"

	maxLineSize = 4 * 1024 * 1024
)

var ErrNoResult = errors.New("task runner stream ended without a result")

// HTTPError is a non-2xx answer from the remote runner.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RemoteError is a failure reported by the remote runner inside the stream.
type RemoteError struct {
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}

	return e.Message
}

// HTTPRunner calls a remote task runner that answers POST {baseURL}/run with
// newline-delimited JSON. Every line is {"type": ..., "data": ...}; a line of
// type "result" ends the run successfully and a line of type "error" ends it
// with a failure. Other lines are forwarded to the emitter.
type HTTPRunner struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

type HTTPOption func(*HTTPRunner)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPRunner) {
		r.client = client
	}
}

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) HTTPOption {
	return func(r *HTTPRunner) {
		r.token = token
	}
}

func NewHTTPRunner(logger *slog.Logger, baseURL string, opts ...HTTPOption) *HTTPRunner {
	runner := &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:  logger.With("module", "taskrunner"),
	}

	for _, opt := range opts {
		opt(runner)
	}

	return runner
}

type runPayload struct {
	ExecutionID string          `json:"executionId"`
	BlockID     string          `json:"blockId"`
	BlockType   string          `json:"blockType,omitempty"`
	Model       string          `json:"model,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
	NodeID      string          `json:"nodeId,omitempty"`
	NodeData    map[string]any  `json:"nodeData,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

type streamLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type resultLine struct {
	Output       json.RawMessage `json:"output"`
	TokensInput  int64           `json:"tokensInput"`
	TokensOutput int64           `json:"tokensOutput"`
}

func (r *HTTPRunner) Run(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	payload := runPayload{
		ExecutionID: req.ExecutionID,
		Input:       req.Input,
	}

	if req.Block != nil {
		payload.BlockID = req.Block.ID
		payload.BlockType = req.Block.Type
		payload.Model = req.Block.Model
		payload.Config = req.Block.Config
	}

	if req.Node != nil {
		payload.NodeID = req.Node.ID
		payload.NodeData = req.Node.Data
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			r.logger.WarnContext(ctx, "Failed to close task runner response", "error", err)
		}
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(message))}
	}

	return r.consume(ctx, resp.Body, emit)
}

func (r *HTTPRunner) consume(ctx context.Context, body io.Reader, emit Emitter) (*Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("invalid task runner line: %w", err)
		}

		switch line.Type {
		case lineTypeResult:
			var result resultLine
			if err := json.Unmarshal(line.Data, &result); err != nil {
				return nil, fmt.Errorf("invalid task runner result: %w", err)
			}

			return &Result{
				Output:       result.Output,
				TokensInput:  result.TokensInput,
				TokensOutput: result.TokensOutput,
			}, nil
		case lineTypeError:
			var failure models.ErrorData
			if err := json.Unmarshal(line.Data, &failure); err != nil {
				return nil, fmt.Errorf("invalid task runner error: %w", err)
			}

			return nil, &RemoteError{Message: failure.Message, Code: failure.Code}
		}

		data, err := models.DecodeEventData(models.EventType(line.Type), line.Data)
		if err != nil {
			return nil, err
		}

		if err := emit.Emit(ctx, data); err != nil {
			return nil, fmt.Errorf("failed to record %s event: %w", line.Type, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task runner stream: %w", err)
	}

	return nil, ErrNoResult
}
