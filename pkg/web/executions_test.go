package web_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/streaming"
	"github.com/dukex/flowrun/pkg/web"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) execute(t *testing.T) web.RunResponse {
	t.Helper()

	resp := f.do(t, http.MethodPost, "/api/v1/flows/"+f.flow.ID+"/execute", executeKey,
		map[string]any{"input": map[string]any{"q": 1}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return decode[web.RunResponse](t, resp)
}

// pending stores a pending flow execution with one pending node execution.
func (f *fixture) pending(t *testing.T, workspaceID string) (*models.FlowExecution, *models.BlockExecution) {
	t.Helper()

	ctx := context.Background()

	parent := &models.FlowExecution{
		ID:          uuid.NewString(),
		FlowID:      f.flow.ID,
		FlowVersion: f.flow.Version,
		WorkspaceID: workspaceID,
		Status:      models.ExecutionStatusPending,
		Input:       json.RawMessage(`{}`),
		TriggeredBy: models.APITrigger("key"),
	}
	require.NoError(t, f.store.CreateFlowExecution(ctx, parent))

	child := &models.BlockExecution{
		ID:              uuid.NewString(),
		BlockID:         f.blocks[0].ID,
		FlowExecutionID: parent.ID,
		NodeID:          "A",
		WorkspaceID:     workspaceID,
		Status:          models.ExecutionStatusPending,
		TriggeredBy:     models.APITrigger("key"),
	}
	require.NoError(t, f.store.CreateBlockExecution(ctx, child))

	return parent, child
}

func TestHandlers_GetExecution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run := f.execute(t)

	resp := f.do(t, http.MethodGet, "/api/v1/executions/"+run.ExecutionID, readKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Execution web.ExecutionView `json:"execution"`
	}](t, resp)

	execution := body.Execution
	assert.Equal(t, run.ExecutionID, execution.ID)
	assert.Equal(t, models.ExecutionLevelFlow, execution.Level)
	assert.Equal(t, f.flow.ID, execution.FlowID)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.JSONEq(t, `{"q":1}`, string(execution.Input))
	require.NotNil(t, execution.Duration)
	assert.GreaterOrEqual(t, *execution.Duration, int64(0))

	require.Len(t, execution.Nodes, 2)
	assert.Equal(t, "A", execution.Nodes[0].NodeID)
	assert.Equal(t, "B", execution.Nodes[1].NodeID)
	assert.Equal(t, models.ExecutionStatusComplete, execution.Nodes[1].Status)

	// A node execution is addressable on its own.
	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+execution.Nodes[0].ID, readKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	node := decode[struct {
		Execution web.ExecutionView `json:"execution"`
	}](t, resp)
	assert.Equal(t, models.ExecutionLevelBlock, node.Execution.Level)
	assert.Equal(t, run.ExecutionID, node.Execution.FlowExecutionID)
	assert.Equal(t, f.blocks[0].ID, node.Execution.BlockID)
}

func TestHandlers_GetExecution_NotVisible(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	foreign, _ := f.pending(t, "ws-other")

	tests := []struct {
		name           string
		id             string
		credential     string
		expectedStatus int
	}{
		{name: "unknown execution", id: "missing", credential: readKey, expectedStatus: http.StatusNotFound},
		{name: "execution of another workspace", id: foreign.ID, credential: readKey, expectedStatus: http.StatusNotFound},
		{name: "no credential", id: foreign.ID, expectedStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			for _, suffix := range []string{"", "/status", "/result", "/stream"} {
				resp := f.do(t, http.MethodGet, "/api/v1/executions/"+tt.id+suffix, tt.credential, nil)
				assert.Equal(t, tt.expectedStatus, resp.StatusCode, suffix)
			}
		})
	}
}

func TestHandlers_GetExecutionStatusAndResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run := f.execute(t)
	pendingRun, _ := f.pending(t, f.flow.WorkspaceID)

	resp := f.do(t, http.MethodGet, "/api/v1/executions/"+run.ExecutionID+"/status", readKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[web.StatusResponse](t, resp)
	assert.Equal(t, models.ExecutionStatusCompleted, status.Status)
	assert.True(t, status.Terminal)

	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+run.ExecutionID+"/result", readKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[web.ResultResponse](t, resp)
	assert.Equal(t, run.ExecutionID, result.ExecutionID)
	assert.JSONEq(t, string(run.Output), string(result.Output))
	assert.NotNil(t, result.Duration)

	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+pendingRun.ID+"/status", readKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[web.StatusResponse](t, resp).Terminal)

	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+pendingRun.ID+"/result", readKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, web.CodeInvalidState, decode[problemBody](t, resp).Error)
}

func TestHandlers_CancelExecution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	parent, child := f.pending(t, f.flow.WorkspaceID)
	path := "/api/v1/executions/" + parent.ID + "/cancel"

	resp := f.do(t, http.MethodPost, path, readKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, path, executeKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[web.CancelResponse](t, resp)
	assert.Equal(t, models.ExecutionStatusCancelled, body.Status)
	assert.Equal(t, 1, body.CancelledChildren)

	storedChild, err := f.store.BlockExecutionByID(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, storedChild.Status)

	resp = f.do(t, http.MethodPost, path, executeKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, web.CodeInvalidState, decode[problemBody](t, resp).Error)
}

func TestHandlers_CancelExecution_Finished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run := f.execute(t)

	resp := f.do(t, http.MethodPost, "/api/v1/executions/"+run.ExecutionID+"/cancel", executeKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	stored, err := f.store.FlowExecutionByID(context.Background(), run.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
}

func TestHandlers_CancelExecution_NodeOfFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	parent, child := f.pending(t, f.flow.WorkspaceID)

	resp := f.do(t, http.MethodPost, "/api/v1/executions/"+child.ID+"/cancel", executeKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, web.CodeInvalidState, decode[problemBody](t, resp).Error)

	ctx := context.Background()

	storedChild, err := f.store.BlockExecutionByID(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, storedChild.Status)

	storedParent, err := f.store.FlowExecutionByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, storedParent.Status)
}

// frames splits an SSE body into its data payloads.
func frames(t *testing.T, body io.Reader) []string {
	t.Helper()

	var data []string

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if payload, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			data = append(data, payload)
		}
	}

	require.NoError(t, scanner.Err())

	return data
}

func TestHandlers_StreamExecution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run := f.execute(t)

	resp := f.do(t, http.MethodGet, "/api/v1/executions/"+run.ExecutionID+"/stream", readKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	all := frames(t, resp.Body)
	require.NotEmpty(t, all)
	assert.Equal(t, streaming.DoneSentinel, all[len(all)-1])

	events := all[:len(all)-1]
	// Each node logs start, the echoed token and complete.
	require.Len(t, events, 6)

	var first, last streaming.Event
	require.NoError(t, json.Unmarshal([]byte(events[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(events[5]), &last))

	assert.Equal(t, 0, first.Index)
	assert.Equal(t, models.EventTypeStart, first.Type)
	assert.Equal(t, "A", first.NodeID)
	assert.Equal(t, 5, last.Index)
	assert.Equal(t, models.EventTypeComplete, last.Type)
	assert.Equal(t, "B", last.NodeID)

	// Resuming skips what was already delivered.
	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+run.ExecutionID+"/stream?fromIndex=5", readKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tail := frames(t, resp.Body)
	require.Len(t, tail, 2)
	assert.JSONEq(t, events[5], tail[0])
	assert.Equal(t, streaming.DoneSentinel, tail[1])
}

func TestHandlers_StreamExecution_InvalidFromIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run := f.execute(t)

	for _, fromIndex := range []string{"-1", "abc"} {
		resp := f.do(t, http.MethodGet, "/api/v1/executions/"+run.ExecutionID+"/stream?fromIndex="+fromIndex, readKey, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, fromIndex)
	}
}
