package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "frk_test_key"

func newClient(t *testing.T, handler http.HandlerFunc, opts ...client.Option) *client.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]client.Option{
		client.WithBaseURL(server.URL),
		client.WithRetries(0, time.Millisecond),
		client.WithPollInterval(time.Millisecond),
	}, opts...)

	c, err := client.New(apiKey, opts...)
	require.NoError(t, err)

	return c
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := client.New("")
	assert.ErrorIs(t, err, client.ErrMissingAPIKey)
}

func TestFlows_List(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/flows", r.URL.Path)
		assert.Equal(t, "Bearer "+apiKey, r.Header.Get("Authorization"))

		writeJSON(w, http.StatusOK, map[string]any{
			"flows": []map[string]any{{"id": "f1", "name": "Digest", "enabled": true, "version": 3, "nodeCount": 2, "edgeCount": 1}},
		})
	})

	flows, err := c.Flows.List(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "f1", flows[0].ID)
	assert.Equal(t, 3, flows[0].Version)
	assert.Equal(t, 2, flows[0].NodeCount)
}

func TestFlows_Get(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/flows/f1", r.URL.Path)

		writeJSON(w, http.StatusOK, map[string]any{
			"flow": map[string]any{
				"id":    "f1",
				"nodes": []map[string]any{{"id": "A", "type": "block", "blockId": "b1"}},
				"edges": []map[string]any{},
			},
		})
	})

	flow, err := c.Flows.Get(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", flow.ID)
	require.Len(t, flow.Nodes, 1)
	assert.Equal(t, "b1", flow.Nodes[0].BlockID)
}

func TestFlows_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         any
		opts          []client.RunOption
		expectedBody  string
		expectedKey   string
		expectedRoute string
	}{
		{
			name:         "with input",
			input:        map[string]any{"topic": "go"},
			expectedBody: `{"input":{"topic":"go"}}`,
		},
		{
			name:         "nil input sends an empty object",
			expectedBody: `{"input":{}}`,
		},
		{
			name:         "idempotency key",
			input:        map[string]any{},
			opts:         []client.RunOption{client.WithIdempotencyKey("order-1")},
			expectedBody: `{"input":{}}`,
			expectedKey:  "order-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/v1/flows/f1/execute", r.URL.Path)
				assert.Equal(t, tt.expectedKey, r.Header.Get("Idempotency-Key"))

				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.JSONEq(t, tt.expectedBody, string(body))

				writeJSON(w, http.StatusOK, map[string]any{"executionId": "e1", "status": "completed", "output": map[string]any{"A": 1}})
			})

			run, err := c.Flows.Execute(context.Background(), "f1", tt.input, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, "e1", run.ExecutionID)
			assert.Equal(t, client.StatusCompleted, run.Status)
			assert.JSONEq(t, `{"A":1}`, string(run.Output))
		})
	}
}

func TestBlocks(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/blocks":
			writeJSON(w, http.StatusOK, map[string]any{
				"blocks": []map[string]any{{"id": "b1", "name": "Summarize", "type": "ai", "executionCount": 4, "avgDuration": 120}},
			})
		case "/api/v1/blocks/b1/run":
			writeJSON(w, http.StatusOK, map[string]any{"executionId": "e2", "status": "complete"})
		default:
			http.NotFound(w, r)
		}
	})

	blocks, err := c.Blocks.List(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(4), blocks[0].ExecutionCount)
	assert.Equal(t, int64(120), blocks[0].AvgDuration)

	run, err := c.Blocks.Run(context.Background(), "b1", nil)
	require.NoError(t, err)
	assert.Equal(t, client.StatusComplete, run.Status)
	assert.True(t, client.IsTerminal(run.Status))
}

func TestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		headers  map[string]string
		body     map[string]any
		expected error
		check    func(t *testing.T, apiErr *client.APIError)
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, expected: client.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, expected: client.ErrForbidden},
		{name: "not found", status: http.StatusNotFound, expected: client.ErrNotFound},
		{
			name:     "validation",
			status:   http.StatusBadRequest,
			body:     map[string]any{"error": "invalid_input", "detail": "name is required", "requestId": "req-1"},
			expected: client.ErrValidation,
			check: func(t *testing.T, apiErr *client.APIError) {
				t.Helper()
				assert.Equal(t, "invalid_input", apiErr.Code)
				assert.Equal(t, "name is required", apiErr.Message)
				assert.Equal(t, "req-1", apiErr.RequestID)
			},
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			headers:  map[string]string{"Retry-After": "7"},
			expected: client.ErrRateLimited,
			check: func(t *testing.T, apiErr *client.APIError) {
				t.Helper()
				assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
			},
		},
		{
			name:     "run timed out",
			status:   http.StatusGatewayTimeout,
			body:     map[string]any{"error": "timeout", "executionId": "e9"},
			expected: client.ErrTimeout,
			check: func(t *testing.T, apiErr *client.APIError) {
				t.Helper()
				assert.Equal(t, "e9", apiErr.ExecutionID)
			},
		},
		{name: "server error", status: http.StatusInternalServerError, expected: client.ErrServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
				for name, value := range tt.headers {
					w.Header().Set(name, value)
				}

				body := tt.body
				if body == nil {
					body = map[string]any{"error": "x"}
				}

				writeJSON(w, tt.status, body)
			})

			_, err := c.Executions.Get(context.Background(), "e1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)

			var apiErr *client.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)

			if tt.check != nil {
				tt.check(t, apiErr)
			}
		})
	}
}

func TestRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		call             func(c *client.Client) error
		failures         int32
		expectedAttempts int32
		expectError      bool
	}{
		{
			name:             "reads are retried",
			call:             func(c *client.Client) error { _, err := c.Flows.List(context.Background()); return err },
			failures:         2,
			expectedAttempts: 3,
		},
		{
			name: "runs are not retried",
			call: func(c *client.Client) error {
				_, err := c.Flows.Execute(context.Background(), "f1", nil)
				return err
			},
			failures:         2,
			expectedAttempts: 1,
			expectError:      true,
		},
		{
			name: "runs with an idempotency key are retried",
			call: func(c *client.Client) error {
				_, err := c.Flows.Execute(context.Background(), "f1", nil, client.WithIdempotencyKey("k"))
				return err
			},
			failures:         1,
			expectedAttempts: 2,
		},
		{
			name:             "retries are bounded",
			call:             func(c *client.Client) error { _, err := c.Blocks.List(context.Background()); return err },
			failures:         10,
			expectedAttempts: 4,
			expectError:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var attempts atomic.Int32

			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if attempts.Add(1) <= tt.failures {
					writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
					return
				}

				switch r.URL.Path {
				case "/api/v1/flows/f1/execute":
					writeJSON(w, http.StatusOK, map[string]any{"executionId": "e1", "status": "completed"})
				default:
					writeJSON(w, http.StatusOK, map[string]any{})
				}
			}, client.WithRetries(3, time.Millisecond))

			err := tt.call(c)
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, client.ErrServer)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.expectedAttempts, attempts.Load())
		})
	}
}

func TestRetries_RateLimitedKeepsAPIError(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
	})

	_, err := c.Flows.List(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsRateLimited(err))
	assert.Equal(t, int32(1), attempts.Load())

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "rate_limited", apiErr.Code)
}

func TestExecutions_Get(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/e1", r.URL.Path)

		writeJSON(w, http.StatusOK, map[string]any{"execution": map[string]any{
			"id": "e1", "level": "flow", "flowId": "f1", "status": "completed", "duration": 42,
			"nodes": []map[string]any{{"id": "n1", "level": "block", "status": "complete"}},
		}})
	})

	execution, err := c.Executions.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "f1", execution.FlowID)
	require.NotNil(t, execution.Duration)
	assert.Equal(t, int64(42), *execution.Duration)
	require.Len(t, execution.Nodes, 1)
}

func TestExecutions_Cancel(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/executions/e1/cancel", r.URL.Path)

		writeJSON(w, http.StatusOK, map[string]any{"executionId": "e1", "status": "cancelled", "cancelledChildren": 2})
	})

	result, err := c.Executions.Cancel(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, client.StatusCancelled, result.Status)
	assert.Equal(t, 2, result.CancelledChildren)
}

func TestExecutions_WaitForCompletion(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32

	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		status := client.StatusRunning
		if polls.Add(1) >= 3 {
			status = client.StatusComplete
		}

		writeJSON(w, http.StatusOK, map[string]any{"execution": map[string]any{"id": "e1", "status": status}})
	})

	execution, err := c.Executions.WaitForCompletion(context.Background(), "e1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, client.StatusComplete, execution.Status)
	assert.Equal(t, int32(3), polls.Load())
}

func TestExecutions_WaitForCompletion_Timeout(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"execution": map[string]any{"id": "e1", "status": "running"}})
	})

	_, err := c.Executions.WaitForCompletion(context.Background(), "e1", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, client.IsTimeout(err))
}

func writeFrame(w http.ResponseWriter, index int) {
	_, _ = fmt.Fprintf(w, "data: {\"index\":%d,\"type\":\"token\",\"data\":{\"content\":\"t%d\"},\"executionId\":\"b1\"}\n\n", index, index)
}

func TestExecutions_Stream(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		requested []string
	)

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/e1/stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		fromIndex := r.URL.Query().Get("fromIndex")

		mu.Lock()
		requested = append(requested, fromIndex)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")

		switch fromIndex {
		case "0":
			writeFrame(w, 0)
			writeFrame(w, 1)
			_, _ = fmt.Fprint(w, "event: reconnect\ndata: {\"fromIndex\":2}\n\n")
		case "2":
			writeFrame(w, 2)
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		}
	})

	stream, err := c.Executions.Stream(context.Background(), "e1", 0)
	require.NoError(t, err)

	defer stream.Close()

	var indexes []int
	for stream.Next() {
		indexes = append(indexes, stream.Event().Index)
	}

	require.NoError(t, stream.Err())
	assert.Equal(t, []int{0, 1, 2}, indexes)
	assert.Equal(t, 1, stream.Reconnects())
	assert.Equal(t, []string{"0", "2"}, requested)
}

func TestExecutions_Stream_Failures(t *testing.T) {
	t.Parallel()

	t.Run("aborted without done frame", func(t *testing.T) {
		t.Parallel()

		c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
			writeFrame(w, 0)
		})

		stream, err := c.Executions.Stream(context.Background(), "e1", 0)
		require.NoError(t, err)

		defer stream.Close()

		require.True(t, stream.Next())
		assert.False(t, stream.Next())
		assert.ErrorIs(t, stream.Err(), io.ErrUnexpectedEOF)
	})

	t.Run("unknown execution", func(t *testing.T) {
		t.Parallel()

		c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		})

		_, err := c.Executions.Stream(context.Background(), "e1", 0)
		require.Error(t, err)
		assert.True(t, client.IsNotFound(err))
		assert.False(t, errors.Is(err, client.ErrServer))
	})
}
