package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/executor"
	"github.com/dukex/flowrun/pkg/mocks"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence/memory"
	"github.com/dukex/flowrun/pkg/taskrunner"
	"github.com/dukex/flowrun/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pendingFlowExecution(t *testing.T, store *memory.Persistence, flow *models.Flow, input string) *models.FlowExecution {
	t.Helper()

	execution := &models.FlowExecution{
		ID:          uuid.NewString(),
		FlowID:      flow.ID,
		FlowVersion: flow.Version,
		WorkspaceID: flow.WorkspaceID,
		Status:      models.ExecutionStatusPending,
		Input:       json.RawMessage(input),
		TriggeredBy: models.APITrigger("key-1"),
	}
	require.NoError(t, store.CreateFlowExecution(context.Background(), execution))

	return execution
}

// appendRunner emits one token per node and appends the block name to the
// incoming list.
func appendRunner() taskrunner.TaskRunner {
	return taskrunner.Func(func(ctx context.Context, req taskrunner.Request, emit taskrunner.Emitter) (*taskrunner.Result, error) {
		if err := emit.Emit(ctx, models.TokenData{Content: req.Block.Name}); err != nil {
			return nil, err
		}

		var seen []string
		if err := json.Unmarshal(req.Input, &seen); err != nil {
			return nil, err
		}

		output, err := json.Marshal(append(seen, req.Block.Name))
		if err != nil {
			return nil, err
		}

		return &taskrunner.Result{Output: output, TokensInput: 10, TokensOutput: 2}, nil
	})
}

func TestRunFlow_ChainCompletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A", "B", "C")
	testutil.Seed(t, store, flow, blocks...)

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	runner := executor.NewRunner(discardLogger(), store, appendRunner(), executor.WithEventBus(bus))
	execution := pendingFlowExecution(t, store, flow, `[]`)

	final, err := runner.RunFlow(ctx, execution, flow)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.JSONEq(t, `{"A":["A"],"B":["A","B"],"C":["A","B","C"]}`, string(final.Output))

	children, err := store.BlockExecutionsByFlowExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)

	for i, child := range children {
		assert.Equal(t, models.ExecutionStatusComplete, child.Status)
		assert.Equal(t, blocks[i].ID, child.BlockID)
		assert.Equal(t, flow.Nodes[i].ID, child.NodeID)
		assert.EqualValues(t, 10, child.TokensInput)

		logged, err := store.EventsSince(ctx, child.ID, 0)
		require.NoError(t, err)
		require.Len(t, logged, 3)

		assert.Equal(t, models.EventTypeStart, logged[0].Type())
		assert.Equal(t, models.EventTypeToken, logged[1].Type())
		assert.Equal(t, models.EventTypeComplete, logged[2].Type())

		for index, event := range logged {
			assert.Equal(t, index, event.Index)
		}
	}

	block, err := store.BlockByID(ctx, blocks[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, block.ExecutionCount)

	assert.Equal(t, []events.EventType{
		events.FlowExecutionStartedEvent,
		events.BlockExecutionStartedEvent, events.BlockExecutionCompletedEvent,
		events.BlockExecutionStartedEvent, events.BlockExecutionCompletedEvent,
		events.BlockExecutionStartedEvent, events.BlockExecutionCompletedEvent,
		events.FlowExecutionCompletedEvent,
	}, bus.PublishedTypes())
}

func TestRunFlow_NodeFailureIsRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A", "B", "C")
	testutil.Seed(t, store, flow, blocks...)

	failing := taskrunner.Func(func(ctx context.Context, req taskrunner.Request, emit taskrunner.Emitter) (*taskrunner.Result, error) {
		if req.Block.Name == "B" {
			return nil, errors.New("model refused")
		}

		return appendRunner().Run(ctx, req, emit)
	})

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	runner := executor.NewRunner(discardLogger(), store, failing, executor.WithEventBus(bus))
	execution := pendingFlowExecution(t, store, flow, `[]`)

	final, err := runner.RunFlow(ctx, execution, flow)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Equal(t, "Node B failed: model refused", final.Error)
	assert.JSONEq(t, `{"A":["A"]}`, string(final.Output))

	children, err := store.BlockExecutionsByFlowExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, models.ExecutionStatusComplete, children[0].Status)
	assert.Equal(t, models.ExecutionStatusFailed, children[1].Status)
	assert.Equal(t, "model refused", children[1].Error)

	logged, err := store.EventsSince(ctx, children[1].ID, 0)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, models.ErrorData{Message: "model refused", Code: "task_failed"}, logged[1].Data)
}

func TestRunFlow_CancelledMidRunKeepsCancelledStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A", "B")
	testutil.Seed(t, store, flow, blocks...)

	execution := pendingFlowExecution(t, store, flow, `[]`)

	var ranB bool

	cancelling := taskrunner.Func(func(ctx context.Context, req taskrunner.Request, _ taskrunner.Emitter) (*taskrunner.Result, error) {
		if req.Block.Name == "B" {
			ranB = true
		}

		_, err := store.CancelFlowExecution(ctx, execution.ID)
		assert.NoError(t, err)

		return &taskrunner.Result{Output: json.RawMessage(`[]`)}, nil
	})

	final, err := executor.NewRunner(discardLogger(), store, cancelling).RunFlow(ctx, execution, flow)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)
	assert.False(t, ranB)

	children, err := store.BlockExecutionsByFlowExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.ExecutionStatusCancelled, children[0].Status)
}

func TestRunFlow_CancelledNodeCancelsRunningFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A", "B")
	testutil.Seed(t, store, flow, blocks...)

	execution := pendingFlowExecution(t, store, flow, `[]`)

	var ranB bool

	cancelling := taskrunner.Func(func(ctx context.Context, req taskrunner.Request, _ taskrunner.Emitter) (*taskrunner.Result, error) {
		if req.Block.Name == "B" {
			ranB = true
		}

		assert.NoError(t, store.CancelBlockExecution(ctx, req.ExecutionID))

		return &taskrunner.Result{Output: json.RawMessage(`[]`)}, nil
	})

	final, err := executor.NewRunner(discardLogger(), store, cancelling).RunFlow(ctx, execution, flow)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.False(t, ranB)

	stored, err := store.FlowExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
}

func TestRunFlow_SkipsExecutionsThatAreNotPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A")
	testutil.Seed(t, store, flow, blocks...)

	execution := pendingFlowExecution(t, store, flow, `[]`)
	_, err := store.CancelFlowExecution(ctx, execution.ID)
	require.NoError(t, err)

	tr := &mocks.MockTaskRunner{}

	final, err := executor.NewRunner(discardLogger(), store, tr).RunFlow(ctx, execution, flow)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)
	tr.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunFlow_CycleFailsTheExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A", "B")
	testutil.WithEdge("B", "A", "")(flow)
	testutil.Seed(t, store, flow, blocks...)

	execution := pendingFlowExecution(t, store, flow, `[]`)

	final, err := executor.NewRunner(discardLogger(), store, appendRunner()).RunFlow(ctx, execution, flow)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.Error, "cycle detected")
}

func TestRunBlock_Standalone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	block := testutil.CreateTestBlock()
	testutil.Seed(t, store, nil, block)

	tr := &mocks.MockTaskRunner{}
	tr.On("Run", mock.Anything, mock.MatchedBy(func(req taskrunner.Request) bool {
		return req.Block.ID == block.ID && req.Node == nil
	}), mock.Anything).Return(&taskrunner.Result{Output: json.RawMessage(`{"answer":42}`), TokensOutput: 7}, nil)

	execution := &models.BlockExecution{
		ID:          uuid.NewString(),
		BlockID:     block.ID,
		WorkspaceID: block.WorkspaceID,
		Status:      models.ExecutionStatusPending,
		Input:       json.RawMessage(`{"q":"?"}`),
		TriggeredBy: models.APITrigger("key-1"),
	}
	require.NoError(t, store.CreateBlockExecution(ctx, execution))

	final, err := executor.NewRunner(discardLogger(), store, tr).RunBlock(ctx, execution, block)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusComplete, final.Status)
	assert.JSONEq(t, `{"answer":42}`, string(final.Output))
	assert.EqualValues(t, 7, final.TokensOutput)
	tr.AssertExpectations(t)
}

func TestRunBlock_TimeoutIsRecordedAsFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	block := testutil.CreateTestBlock()
	testutil.Seed(t, store, nil, block)

	hanging := taskrunner.Func(func(ctx context.Context, _ taskrunner.Request, _ taskrunner.Emitter) (*taskrunner.Result, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	execution := &models.BlockExecution{
		ID:          uuid.NewString(),
		BlockID:     block.ID,
		WorkspaceID: block.WorkspaceID,
		Status:      models.ExecutionStatusPending,
		TriggeredBy: models.ManualTrigger("user-1"),
	}
	require.NoError(t, store.CreateBlockExecution(ctx, execution))

	runner := executor.NewRunner(discardLogger(), store, hanging, executor.WithTimeout(20*time.Millisecond))

	final, err := runner.RunBlock(ctx, execution, block)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.Error, "timed out")

	logged, err := store.EventsSince(ctx, execution.ID, 0)
	require.NoError(t, err)
	require.Len(t, logged, 2)

	failure, ok := logged[1].Data.(models.ErrorData)
	require.True(t, ok)
	assert.Equal(t, "timeout", failure.Code)
}
