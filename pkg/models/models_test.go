package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_CanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from ExecutionStatus
		to   ExecutionStatus
		want bool
	}{
		{ExecutionStatusPending, ExecutionStatusRunning, true},
		{ExecutionStatusPending, ExecutionStatusCancelled, true},
		{ExecutionStatusPending, ExecutionStatusCompleted, false},
		{ExecutionStatusRunning, ExecutionStatusCompleted, true},
		{ExecutionStatusRunning, ExecutionStatusComplete, true},
		{ExecutionStatusRunning, ExecutionStatusFailed, true},
		{ExecutionStatusRunning, ExecutionStatusCancelled, true},
		{ExecutionStatusRunning, ExecutionStatusPending, false},
		{ExecutionStatusCompleted, ExecutionStatusCancelled, false},
		{ExecutionStatusComplete, ExecutionStatusRunning, false},
		{ExecutionStatusFailed, ExecutionStatusCancelled, false},
		{ExecutionStatusCancelled, ExecutionStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestExecutionStatus_Predicates(t *testing.T) {
	t.Parallel()

	for _, s := range []ExecutionStatus{ExecutionStatusCompleted, ExecutionStatusComplete} {
		assert.True(t, s.IsTerminal())
		assert.True(t, s.IsSuccess())
	}

	for _, s := range []ExecutionStatus{ExecutionStatusFailed, ExecutionStatusCancelled} {
		assert.True(t, s.IsTerminal())
		assert.False(t, s.IsSuccess())
	}

	assert.False(t, ExecutionStatusPending.IsTerminal())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
	assert.False(t, ExecutionStatus("done").IsValid())
	assert.Equal(t, ExecutionStatusComplete, SuccessStatus(ExecutionLevelBlock))
	assert.Equal(t, ExecutionStatusCompleted, SuccessStatus(ExecutionLevelFlow))
}

func TestDecodeEventData_KnownTypes(t *testing.T) {
	t.Parallel()

	data, err := DecodeEventData(EventTypeToken, json.RawMessage(`{"content":"hel"}`))
	require.NoError(t, err)
	assert.Equal(t, TokenData{Content: "hel"}, data)

	data, err = DecodeEventData(EventTypeError, json.RawMessage(`{"message":"boom","code":"timeout"}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorData{Message: "boom", Code: "timeout"}, data)

	data, err = DecodeEventData(EventTypeComplete, nil)
	require.NoError(t, err)
	assert.Equal(t, CompleteData{}, data)

	_, err = DecodeEventData(EventTypeToken, json.RawMessage(`{"content":5}`))
	assert.Error(t, err)
}

func TestDecodeEventData_UnknownTypeIsOpaque(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"anything":[1,2]}`)

	data, err := DecodeEventData("reasoning", raw)
	require.NoError(t, err)

	opaque, ok := data.(OpaqueData)
	require.True(t, ok)
	assert.Equal(t, EventType("reasoning"), opaque.EventType())

	encoded, err := EncodeEventData(opaque)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(encoded))
}

func TestExecutionEvent_JSON(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	event := ExecutionEvent{
		ExecutionID: "be-1",
		Index:       3,
		Data:        ToolCallData{ID: "call-1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)},
		CreatedAt:   created,
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"executionId":"be-1","index":3,"type":"tool_call",
		"data":{"id":"call-1","name":"search","arguments":{"q":"go"}},
		"createdAt":"2025-03-01T10:00:00Z"}`, string(raw))

	var decoded ExecutionEvent
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, EventTypeToolCall, decoded.Type())
	assert.Equal(t, 3, decoded.Index)
}

func TestScheduledTask_Helpers(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cronExpr := "*/5 * * * *"
	maxRuns := 2

	task := &ScheduledTask{Status: TaskStatusPending, RunAt: now.Add(-time.Minute)}
	assert.True(t, task.IsDue(now))
	assert.False(t, task.IsRecurring())
	assert.False(t, task.ReachedMaxRuns())

	task.CronExpression = &cronExpr
	task.MaxRuns = &maxRuns
	task.RunCount = 2
	assert.True(t, task.IsRecurring())
	assert.True(t, task.ReachedMaxRuns())

	task.Status = TaskStatusRunning
	assert.False(t, task.IsDue(now))
}

func TestScheduledTask_Validation(t *testing.T) {
	t.Parallel()

	validate := NewValidator()

	task := &ScheduledTask{
		ID:          "task-1",
		WorkspaceID: "ws-1",
		TargetType:  TargetTypeFlow,
		TargetID:    "flow-1",
		RunAt:       time.Now(),
		Status:      TaskStatusPending,
	}
	require.NoError(t, validate.Struct(task))

	daily := "0 9 * * *"
	task.CronExpression = &daily
	require.NoError(t, validate.Struct(task))

	empty := ""
	task.CronExpression = &empty
	require.NoError(t, validate.Struct(task), "an empty expression means one-shot")

	bad := "61 * * * *"
	task.CronExpression = &bad

	var errs validator.ValidationErrors
	require.ErrorAs(t, validate.Struct(task), &errs)
	assert.Equal(t, "cron", errs[0].Tag())

	task.CronExpression = nil
	task.TargetType = "agent"
	assert.Error(t, validate.Struct(task))

	task.TargetType = TargetTypeFlow
	task.RunAt = time.Time{}
	assert.Error(t, validate.Struct(task), "runAt is required")
}

func TestAPIKey_HasPermission(t *testing.T) {
	t.Parallel()

	key := &APIKey{Permissions: []Permission{PermissionRead}}
	assert.True(t, key.HasPermission(PermissionRead))
	assert.False(t, key.HasPermission(PermissionExecute))

	key.Permissions = []Permission{PermissionAdmin}
	assert.True(t, key.HasPermission(PermissionExecute))
}

func TestNode_DisplayName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Summarize", (&Node{ID: "n1", Label: "Summarize"}).DisplayName())
	assert.Equal(t, "n1", (&Node{ID: "n1"}).DisplayName())
}
