package admission_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/executor"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/persistence/memory"
	"github.com/dukex/flowrun/pkg/taskrunner"
	"github.com/dukex/flowrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawKey = "frk_live_0123456789"

// countingRunner echoes its input and counts calls.
func countingRunner(calls *atomic.Int32) taskrunner.TaskRunner {
	return taskrunner.Func(func(ctx context.Context, req taskrunner.Request, emit taskrunner.Emitter) (*taskrunner.Result, error) {
		calls.Add(1)

		return taskrunner.Echo().Run(ctx, req, emit)
	})
}

type apiFixture struct {
	store     *memory.Persistence
	admission *admission.APIAdmission
	flow      *models.Flow
	block     *models.Block
	calls     *atomic.Int32
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A")
	flow.InputSchema = json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	testutil.Seed(t, store, flow, blocks...)
	testutil.SeedAPIKey(t, store, rawKey, models.PermissionExecute)

	calls := &atomic.Int32{}
	runner := executor.NewRunner(discardLogger(), store, countingRunner(calls))

	return &apiFixture{
		store:     store,
		admission: admission.NewAPIAdmission(discardLogger(), store, runner),
		flow:      flow,
		block:     blocks[0],
		calls:     calls,
	}
}

func TestAPIAdmission_ExecuteFlow(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	outcome, err := f.admission.ExecuteFlow(context.Background(), admission.APIRequest{
		Credential: rawKey,
		TargetID:   f.flow.ID,
		Input:      json.RawMessage(`{"name":"ada"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, outcome.Status)
	assert.Equal(t, models.ExecutionLevelFlow, outcome.Level)
	assert.JSONEq(t, `{"A":{"name":"ada"}}`, string(outcome.Output))
	assert.False(t, outcome.Deduplicated)

	stored, err := f.store.FlowExecutionByID(context.Background(), outcome.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerTypeAPI, stored.TriggeredBy.Type)
	assert.NotEmpty(t, stored.TriggeredBy.APIKeyID)
	assert.Equal(t, f.flow.Version, stored.FlowVersion)
}

func TestAPIAdmission_RunBlock(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	outcome, err := f.admission.RunBlock(context.Background(), admission.APIRequest{
		Credential: rawKey,
		TargetID:   f.block.ID,
		Input:      json.RawMessage(`{"q":1}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusComplete, outcome.Status)
	assert.Equal(t, models.ExecutionLevelBlock, outcome.Level)
	assert.JSONEq(t, `{"q":1}`, string(outcome.Output))
}

func TestAPIAdmission_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, f *apiFixture) admission.APIRequest
		check   func(error) bool
		code    string
	}{
		{
			name: "missing credential",
			prepare: func(_ *testing.T, f *apiFixture) admission.APIRequest {
				return admission.APIRequest{TargetID: f.flow.ID}
			},
			check: admission.IsUnauthorized,
			code:  admission.CodeUnauthorized,
		},
		{
			name: "unknown credential",
			prepare: func(_ *testing.T, f *apiFixture) admission.APIRequest {
				return admission.APIRequest{Credential: "nope", TargetID: f.flow.ID}
			},
			check: admission.IsUnauthorized,
			code:  admission.CodeUnauthorized,
		},
		{
			name: "revoked key",
			prepare: func(t *testing.T, f *apiFixture) admission.APIRequest {
				t.Helper()

				key := testutil.SeedAPIKey(t, f.store, "revoked-key", models.PermissionAdmin)
				revokedAt := time.Now()
				key.RevokedAt = &revokedAt
				require.NoError(t, f.store.SaveAPIKey(context.Background(), key))

				return admission.APIRequest{Credential: "revoked-key", TargetID: f.flow.ID, Input: json.RawMessage(`{"name":"x"}`)}
			},
			check: admission.IsUnauthorized,
			code:  admission.CodeUnauthorized,
		},
		{
			name: "read-only key",
			prepare: func(t *testing.T, f *apiFixture) admission.APIRequest {
				t.Helper()
				testutil.SeedAPIKey(t, f.store, "read-key", models.PermissionRead)

				return admission.APIRequest{Credential: "read-key", TargetID: f.flow.ID}
			},
			check: admission.IsForbidden,
			code:  admission.CodeForbidden,
		},
		{
			name: "flow of another workspace",
			prepare: func(t *testing.T, f *apiFixture) admission.APIRequest {
				t.Helper()

				other := testutil.CreateTestFlow(func(fl *models.Flow) { fl.WorkspaceID = "ws-other" })
				testutil.Seed(t, f.store, other)

				return admission.APIRequest{Credential: rawKey, TargetID: other.ID}
			},
			check: admission.IsNotFound,
			code:  admission.CodeNotFound,
		},
		{
			name: "soft-deleted flow",
			prepare: func(t *testing.T, f *apiFixture) admission.APIRequest {
				t.Helper()

				deletedAt := time.Now()
				f.flow.DeletedAt = &deletedAt
				testutil.Seed(t, f.store, f.flow)

				return admission.APIRequest{Credential: rawKey, TargetID: f.flow.ID}
			},
			check: admission.IsNotFound,
			code:  admission.CodeNotFound,
		},
		{
			name: "disabled flow",
			prepare: func(t *testing.T, f *apiFixture) admission.APIRequest {
				t.Helper()

				f.flow.Enabled = false
				testutil.Seed(t, f.store, f.flow)

				return admission.APIRequest{Credential: rawKey, TargetID: f.flow.ID, Input: json.RawMessage(`{"name":"x"}`)}
			},
			check: admission.IsValidation,
			code:  admission.CodeDisabled,
		},
		{
			name: "input violates schema",
			prepare: func(_ *testing.T, f *apiFixture) admission.APIRequest {
				return admission.APIRequest{Credential: rawKey, TargetID: f.flow.ID, Input: json.RawMessage(`{"name":5}`)}
			},
			check: admission.IsValidation,
			code:  admission.CodeInvalidInput,
		},
		{
			name: "input is not JSON",
			prepare: func(_ *testing.T, f *apiFixture) admission.APIRequest {
				return admission.APIRequest{Credential: rawKey, TargetID: f.flow.ID, Input: json.RawMessage(`{`)}
			},
			check: admission.IsValidation,
			code:  admission.CodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newAPIFixture(t)
			req := tt.prepare(t, f)

			outcome, err := f.admission.ExecuteFlow(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, outcome)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)
			assert.Equal(t, tt.code, admission.ErrorCode(err))
			assert.Zero(t, f.calls.Load())
		})
	}
}

func TestAPIAdmission_IdempotencyKeyReturnsOriginal(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	req := admission.APIRequest{
		Credential:     rawKey,
		TargetID:       f.flow.ID,
		Input:          json.RawMessage(`{"name":"ada"}`),
		IdempotencyKey: "order-42",
	}

	first, err := f.admission.ExecuteFlow(context.Background(), req)
	require.NoError(t, err)

	second, err := f.admission.ExecuteFlow(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, models.ExecutionStatusCompleted, second.Status)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestAPIAdmission_TimedOutRun(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A", "B")
	testutil.Seed(t, store, flow, blocks...)
	testutil.SeedAPIKey(t, store, rawKey, models.PermissionExecute)

	blocking := taskrunner.Func(func(ctx context.Context, _ taskrunner.Request, _ taskrunner.Emitter) (*taskrunner.Result, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})
	runner := executor.NewRunner(discardLogger(), store, blocking, executor.WithTimeout(20*time.Millisecond))
	api := admission.NewAPIAdmission(discardLogger(), store, runner)

	outcome, err := api.ExecuteFlow(context.Background(), admission.APIRequest{Credential: rawKey, TargetID: flow.ID})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, outcome.Status)
	assert.True(t, outcome.TimedOut)

	block, err := api.RunBlock(context.Background(), admission.APIRequest{Credential: rawKey, TargetID: blocks[1].ID})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, block.Status)
	assert.True(t, block.TimedOut)
}

// lateTokenStore appends a token right after every timeout error event, the
// way a task runner that ignored its deadline can.
type lateTokenStore struct {
	*memory.Persistence
}

func (s *lateTokenStore) Events() persistence.EventRepository { return s }

func (s *lateTokenStore) AppendEvent(
	ctx context.Context, executionID string, data models.EventData,
) (*models.ExecutionEvent, error) {
	event, err := s.Persistence.AppendEvent(ctx, executionID, data)
	if err != nil {
		return nil, err
	}

	if e, ok := data.(models.ErrorData); ok && e.Code == executor.ErrorCodeTimeout {
		if _, err := s.Persistence.AppendEvent(ctx, executionID, models.TokenData{Content: "late"}); err != nil {
			return nil, err
		}
	}

	return event, nil
}

func TestAPIAdmission_TimeoutFollowedByLateToken(t *testing.T) {
	t.Parallel()

	store := &lateTokenStore{Persistence: memory.NewPersistence()}
	flow, blocks := testutil.Chain("A")
	testutil.Seed(t, store.Persistence, flow, blocks...)
	testutil.SeedAPIKey(t, store.Persistence, rawKey, models.PermissionExecute)

	blocking := taskrunner.Func(func(ctx context.Context, _ taskrunner.Request, _ taskrunner.Emitter) (*taskrunner.Result, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})
	runner := executor.NewRunner(discardLogger(), store, blocking, executor.WithTimeout(20*time.Millisecond))
	api := admission.NewAPIAdmission(discardLogger(), store, runner)

	outcome, err := api.RunBlock(context.Background(), admission.APIRequest{Credential: rawKey, TargetID: blocks[0].ID})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, outcome.Status)
	assert.True(t, outcome.TimedOut)

	log, err := store.EventsSince(context.Background(), outcome.ExecutionID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, models.TokenData{Content: "late"}, log[len(log)-1].Data)
}

func TestAPIAdmission_FailedRunIsNotTimeout(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	flow, blocks := testutil.Chain("A")
	testutil.Seed(t, store, flow, blocks...)
	testutil.SeedAPIKey(t, store, rawKey, models.PermissionExecute)

	failing := taskrunner.Func(func(context.Context, taskrunner.Request, taskrunner.Emitter) (*taskrunner.Result, error) {
		return nil, assert.AnError
	})
	api := admission.NewAPIAdmission(discardLogger(), store, executor.NewRunner(discardLogger(), store, failing))

	outcome, err := api.ExecuteFlow(context.Background(), admission.APIRequest{Credential: rawKey, TargetID: flow.ID})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, outcome.Status)
	assert.False(t, outcome.TimedOut)
}
