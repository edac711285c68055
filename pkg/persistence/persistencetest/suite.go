// Package persistencetest holds the behaviour every persistence.Persistence
// implementation must share, written as reusable test cases.
package persistencetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) persistence.Persistence

// Run executes the shared store cases against the factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	cases := map[string]func(t *testing.T, p persistence.Persistence){
		"definitions":               testDefinitions,
		"flow execution lifecycle":  testFlowExecutionLifecycle,
		"terminal status is final":  testTerminalStatusIsFinal,
		"cascade cancellation":      testCascadeCancellation,
		"idempotency key is unique": testIdempotencyKey,
		"event log":                 testEventLog,
		"batched event read":        testBatchedEventRead,
		"scheduled tasks":           testScheduledTasks,
		"webhook logs":              testWebhookLogs,
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc(t, factory(t))
		})
	}
}

// NewFlowExecution builds a pending flow execution for flowID.
func NewFlowExecution(flowID string) *models.FlowExecution {
	return &models.FlowExecution{
		ID:          uuid.NewString(),
		FlowID:      flowID,
		FlowVersion: 1,
		WorkspaceID: "ws-1",
		Status:      models.ExecutionStatusPending,
		Input:       json.RawMessage(`{"x":1}`),
		TriggeredBy: models.APITrigger("key-1"),
	}
}

// NewBlockExecution builds a pending block execution, optionally owned by a
// flow execution.
func NewBlockExecution(blockID, flowExecutionID string) *models.BlockExecution {
	return &models.BlockExecution{
		ID:              uuid.NewString(),
		BlockID:         blockID,
		FlowExecutionID: flowExecutionID,
		WorkspaceID:     "ws-1",
		Status:          models.ExecutionStatusPending,
		Input:           json.RawMessage(`{}`),
		TriggeredBy:     models.ManualTrigger("user-1"),
	}
}

func testDefinitions(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()

	flow := &models.Flow{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-1",
		Name:        "summarize",
		Enabled:     true,
		Version:     2,
		Nodes:       []models.Node{{ID: "a", Type: "ai", BlockID: "b-1"}},
		Edges:       []models.Edge{},
	}
	deleted := time.Now().UTC()
	gone := &models.Flow{ID: uuid.NewString(), WorkspaceID: "ws-1", Name: "old", DeletedAt: &deleted}

	require.NoError(t, p.Flows().SaveFlow(ctx, flow))
	require.NoError(t, p.Flows().SaveFlow(ctx, gone))

	got, err := p.Flows().FlowByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "summarize", got.Name)
	assert.Equal(t, 2, got.Version)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "b-1", got.Nodes[0].BlockID)

	listed, err := p.Flows().ListFlows(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, flow.ID, listed[0].ID)

	_, err = p.Flows().FlowByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)

	block := &models.Block{ID: uuid.NewString(), WorkspaceID: "ws-1", Name: "writer", Type: "ai", Enabled: true}
	require.NoError(t, p.Blocks().SaveBlock(ctx, block))
	require.NoError(t, p.Blocks().RecordBlockRun(ctx, block.ID, 100))
	require.NoError(t, p.Blocks().RecordBlockRun(ctx, block.ID, 300))

	gotBlock, err := p.Blocks().BlockByID(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gotBlock.ExecutionCount)
	assert.Equal(t, int64(200), gotBlock.AvgDurationMs)

	key := &models.APIKey{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-1",
		KeyHash:     "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Permissions: []models.Permission{models.PermissionExecute},
	}
	require.NoError(t, p.APIKeys().SaveAPIKey(ctx, key))

	gotKey, err := p.APIKeys().APIKeyByHash(ctx, key.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, key.ID, gotKey.ID)
	assert.True(t, gotKey.HasPermission(models.PermissionExecute))

	_, err = p.APIKeys().APIKeyByHash(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrAPIKeyNotFound)
}

func testFlowExecutionLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	executions := p.Executions()

	execution := NewFlowExecution(uuid.NewString())
	require.NoError(t, executions.CreateFlowExecution(ctx, execution))

	running, err := executions.TransitionFlowExecution(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	done, err := executions.TransitionFlowExecution(ctx, execution.ID, models.ExecutionStatusCompleted,
		models.ExecutionUpdate{Output: json.RawMessage(`{"done":true}`)})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"done":true}`, string(done.Output))

	stored, err := executions.FlowExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, models.TriggerTypeAPI, stored.TriggeredBy.Type)
	assert.Equal(t, "key-1", stored.TriggeredBy.APIKeyID)

	block := NewBlockExecution("block-1", execution.ID)
	block.NodeID = "a"
	require.NoError(t, executions.CreateBlockExecution(ctx, block))

	_, err = executions.TransitionBlockExecution(ctx, block.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
	require.NoError(t, err)

	finished, err := executions.TransitionBlockExecution(ctx, block.ID, models.ExecutionStatusComplete, models.ExecutionUpdate{
		Output:       json.RawMessage(`{"y":2}`),
		DurationMs:   42,
		TokensInput:  10,
		TokensOutput: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusComplete, finished.Status)
	assert.Equal(t, int64(42), finished.DurationMs)
	assert.Equal(t, int64(10), finished.TokensInput)
	assert.Equal(t, int64(20), finished.TokensOutput)
	assert.Equal(t, "a", finished.NodeID)

	_, err = executions.FlowExecutionByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func testTerminalStatusIsFinal(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	executions := p.Executions()

	execution := NewFlowExecution(uuid.NewString())
	require.NoError(t, executions.CreateFlowExecution(ctx, execution))

	_, err := executions.TransitionFlowExecution(ctx, execution.ID, models.ExecutionStatusCompleted, models.ExecutionUpdate{})
	require.ErrorIs(t, err, persistence.ErrInvalidStateTransition, "pending cannot complete directly")

	_, err = executions.TransitionFlowExecution(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
	require.NoError(t, err)
	_, err = executions.TransitionFlowExecution(ctx, execution.ID, models.ExecutionStatusFailed,
		models.ExecutionUpdate{Error: "Node A failed: boom"})
	require.NoError(t, err)

	_, err = executions.CancelFlowExecution(ctx, execution.ID)
	require.ErrorIs(t, err, persistence.ErrInvalidStateTransition)

	_, err = executions.TransitionFlowExecution(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
	require.ErrorIs(t, err, persistence.ErrInvalidStateTransition)

	stored, err := executions.FlowExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, "Node A failed: boom", stored.Error)

	block := NewBlockExecution("block-1", "")
	require.NoError(t, executions.CreateBlockExecution(ctx, block))
	require.NoError(t, executions.CancelBlockExecution(ctx, block.ID))
	require.ErrorIs(t, executions.CancelBlockExecution(ctx, block.ID), persistence.ErrInvalidStateTransition)
}

func testCascadeCancellation(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	executions := p.Executions()

	parent := NewFlowExecution(uuid.NewString())
	require.NoError(t, executions.CreateFlowExecution(ctx, parent))
	_, err := executions.TransitionFlowExecution(ctx, parent.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
	require.NoError(t, err)

	var open []string

	for i := range 3 {
		child := NewBlockExecution("block-1", parent.ID)
		require.NoError(t, executions.CreateBlockExecution(ctx, child))

		if i > 0 {
			_, err := executions.TransitionBlockExecution(ctx, child.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
			require.NoError(t, err)
		}

		open = append(open, child.ID)
	}

	finished := NewBlockExecution("block-1", parent.ID)
	require.NoError(t, executions.CreateBlockExecution(ctx, finished))
	_, err = executions.TransitionBlockExecution(ctx, finished.ID, models.ExecutionStatusRunning, models.ExecutionUpdate{})
	require.NoError(t, err)
	_, err = executions.TransitionBlockExecution(ctx, finished.ID, models.ExecutionStatusComplete, models.ExecutionUpdate{})
	require.NoError(t, err)

	cancelled, err := executions.CancelFlowExecution(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)

	stored, err := executions.FlowExecutionByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)

	for _, id := range open {
		child, err := executions.BlockExecutionByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCancelled, child.Status)
	}

	untouched, err := executions.BlockExecutionByID(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusComplete, untouched.Status)

	children, err := executions.BlockExecutionsByFlowExecution(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 4)
}

func testIdempotencyKey(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	executions := p.Executions()
	flowID := uuid.NewString()

	first := NewFlowExecution(flowID)
	first.IdempotencyKey = "delivery-1"
	require.NoError(t, executions.CreateFlowExecution(ctx, first))

	second := NewFlowExecution(flowID)
	second.IdempotencyKey = "delivery-1"
	err := executions.CreateFlowExecution(ctx, second)
	require.True(t, persistence.IsDuplicateIdempotencyKey(err), "got %v", err)

	other := NewFlowExecution(uuid.NewString())
	other.IdempotencyKey = "delivery-1"
	require.NoError(t, executions.CreateFlowExecution(ctx, other), "keys are scoped per flow")

	found, err := executions.FlowExecutionByIdempotencyKey(ctx, flowID, "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = executions.FlowExecutionByIdempotencyKey(ctx, flowID, "delivery-2")
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)

	block := NewBlockExecution("block-9", "")
	block.IdempotencyKey = "k"
	require.NoError(t, executions.CreateBlockExecution(ctx, block))

	dup := NewBlockExecution("block-9", "")
	dup.IdempotencyKey = "k"
	assert.ErrorIs(t, executions.CreateBlockExecution(ctx, dup), persistence.ErrDuplicateIdempotencyKey)

	foundBlock, err := executions.BlockExecutionByIdempotencyKey(ctx, "block-9", "k")
	require.NoError(t, err)
	assert.Equal(t, block.ID, foundBlock.ID)
}

func testEventLog(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()

	block := NewBlockExecution("block-1", "")
	require.NoError(t, p.Executions().CreateBlockExecution(ctx, block))

	payloads := []models.EventData{
		models.StartData{BlockID: "block-1"},
		models.TokenData{Content: "hel"},
		models.TokenData{Content: "lo"},
		models.OpaqueData{Type: "reasoning", Raw: json.RawMessage(`{"step":1}`)},
		models.CompleteData{Output: json.RawMessage(`"hello"`)},
	}

	for i, data := range payloads {
		event, err := p.Events().AppendEvent(ctx, block.ID, data)
		require.NoError(t, err)
		assert.Equal(t, i, event.Index)
	}

	events, err := p.Events().EventsSince(ctx, block.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Index)
	assert.Equal(t, models.TokenData{Content: "lo"}, events[0].Data)
	assert.Equal(t, models.EventType("reasoning"), events[1].Type())
	assert.Equal(t, models.EventTypeComplete, events[2].Type())

	none, err := p.Events().EventsSince(ctx, block.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testBatchedEventRead(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()

	first := NewBlockExecution("block-1", "")
	second := NewBlockExecution("block-2", "")
	require.NoError(t, p.Executions().CreateBlockExecution(ctx, first))
	require.NoError(t, p.Executions().CreateBlockExecution(ctx, second))

	for range 3 {
		_, err := p.Events().AppendEvent(ctx, first.ID, models.TokenData{Content: "a"})
		require.NoError(t, err)
		_, err = p.Events().AppendEvent(ctx, second.ID, models.TokenData{Content: "b"})
		require.NoError(t, err)
	}

	events, err := p.Events().EventsForExecutions(ctx, map[string]int{first.ID: 1, second.ID: 2})
	require.NoError(t, err)
	require.Len(t, events, 3)

	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		assert.False(t, cur.CreatedAt.Before(prev.CreatedAt), "events must be ordered by creation time")
	}

	perExecution := map[string][]int{}
	for _, event := range events {
		perExecution[event.ExecutionID] = append(perExecution[event.ExecutionID], event.Index)
	}

	assert.Equal(t, []int{1, 2}, perExecution[first.ID])
	assert.Equal(t, []int{2}, perExecution[second.ID])

	empty, err := p.Events().EventsForExecutions(ctx, map[string]int{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testScheduledTasks(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	tasks := p.ScheduledTasks()
	now := time.Now().UTC().Truncate(time.Second)
	cronExpr := "*/15 * * * *"

	later := &models.ScheduledTask{
		ID: uuid.NewString(), WorkspaceID: "ws-1", TargetType: models.TargetTypeFlow, TargetID: "flow-1",
		RunAt: now.Add(-time.Minute), Status: models.TaskStatusPending, CronExpression: &cronExpr,
	}
	earlier := &models.ScheduledTask{
		ID: uuid.NewString(), WorkspaceID: "ws-1", TargetType: models.TargetTypeBlock, TargetID: "block-1",
		RunAt: now.Add(-time.Hour), Status: models.TaskStatusPending,
	}
	future := &models.ScheduledTask{
		ID: uuid.NewString(), WorkspaceID: "ws-1", TargetType: models.TargetTypeFlow, TargetID: "flow-1",
		RunAt: now.Add(time.Hour), Status: models.TaskStatusPending,
	}

	for _, task := range []*models.ScheduledTask{later, earlier, future} {
		require.NoError(t, tasks.SaveScheduledTask(ctx, task))
	}

	due, err := tasks.DueScheduledTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earlier.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)
	require.NotNil(t, due[1].CronExpression)
	assert.Equal(t, cronExpr, *due[1].CronExpression)

	limited, err := tasks.DueScheduledTasks(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	claimed, err := tasks.ClaimScheduledTask(ctx, earlier.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = tasks.ClaimScheduledTask(ctx, earlier.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "a task can only be claimed once")

	earlier.Status = models.TaskStatusCompleted
	earlier.RunCount = 1
	earlier.LastRunAt = &now
	earlier.LastRunStatus = string(models.ExecutionStatusComplete)
	earlier.ExecutionID = "exec-1"
	require.NoError(t, tasks.FinishScheduledTaskRun(ctx, earlier))

	stored, err := tasks.ScheduledTaskByID(ctx, earlier.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.RunCount)
	assert.Equal(t, "exec-1", stored.ExecutionID)

	assert.ErrorIs(t, tasks.FinishScheduledTaskRun(ctx, earlier), persistence.ErrInvalidStateTransition)

	_, err = tasks.ScheduledTaskByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, persistence.ErrScheduledTaskNotFound)
}

func testWebhookLogs(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()

	for _, outcome := range []models.WebhookOutcome{
		models.WebhookOutcomeAccepted, models.WebhookOutcomeInvalidSecret, models.WebhookOutcomeRateLimited,
	} {
		require.NoError(t, p.WebhookLogs().AppendWebhookLog(ctx, &models.WebhookLog{
			ID:         uuid.NewString(),
			TargetType: models.TargetTypeFlow,
			TargetID:   "flow-7",
			SourceIP:   "10.0.0.1",
			Outcome:    outcome,
			StatusCode: 200,
		}))
	}

	logs, err := p.WebhookLogs().ListWebhookLogs(ctx, models.TargetTypeFlow, "flow-7", 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = p.WebhookLogs().ListWebhookLogs(ctx, models.TargetTypeFlow, "flow-7", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}
