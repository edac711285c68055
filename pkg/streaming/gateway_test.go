package streaming_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/mocks"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/persistence/memory"
	"github.com/dukex/flowrun/pkg/streaming"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Sink that keeps every frame.
type recorder struct {
	mu        sync.Mutex
	events    []streaming.Event
	done      bool
	reconnect *int
	received  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{received: make(chan struct{}, 64)}
}

func (r *recorder) Event(_ context.Context, event streaming.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	r.received <- struct{}{}

	return nil
}

func (r *recorder) Done(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.done = true

	return nil
}

func (r *recorder) Reconnect(_ context.Context, fromIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reconnect = &fromIndex

	return nil
}

func (r *recorder) indexes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Index)
	}

	return out
}

type fixture struct {
	store *memory.Persistence
	clock *clockwork.FakeClock
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(start)

	return &fixture{store: memory.NewPersistence(memory.WithClock(clock)), clock: clock}
}

func (f *fixture) gateway(opts ...streaming.Option) *streaming.Gateway {
	return f.gatewayOn(f.store, opts...)
}

func (f *fixture) gatewayOn(store persistence.Persistence, opts ...streaming.Option) *streaming.Gateway {
	opts = append([]streaming.Option{streaming.WithClock(f.clock)}, opts...)

	return streaming.NewGateway(discardLogger(), store, opts...)
}

func (f *fixture) blockExecution(t *testing.T, id, flowExecutionID, nodeID string) {
	t.Helper()

	require.NoError(t, f.store.CreateBlockExecution(context.Background(), &models.BlockExecution{
		ID:              id,
		BlockID:         "block-" + nodeID,
		FlowExecutionID: flowExecutionID,
		NodeID:          nodeID,
		Status:          models.ExecutionStatusPending,
	}))
	f.transition(t, id, models.ExecutionStatusRunning)
}

func (f *fixture) transition(t *testing.T, id string, next models.ExecutionStatus) {
	t.Helper()

	_, err := f.store.TransitionBlockExecution(context.Background(), id, next, models.ExecutionUpdate{})
	require.NoError(t, err)
}

// emit appends events one millisecond apart so creation order is total.
func (f *fixture) emit(t *testing.T, executionID string, contents ...string) {
	t.Helper()

	for _, content := range contents {
		f.clock.Advance(time.Millisecond)

		_, err := f.store.AppendEvent(context.Background(), executionID, models.TokenData{Content: content})
		require.NoError(t, err)
	}
}

func TestStream_ReplaysTerminalBlockExecution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fromIndex int
		want      []int
	}{
		{name: "from start", fromIndex: 0, want: []int{0, 1, 2}},
		{name: "resume", fromIndex: 2, want: []int{2}},
		{name: "past the end", fromIndex: 9, want: []int{}},
		{name: "negative is start", fromIndex: -4, want: []int{0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			f.blockExecution(t, "be-1", "", "")
			f.emit(t, "be-1", "a", "b", "c")
			f.transition(t, "be-1", models.ExecutionStatusComplete)

			sink := newRecorder()
			require.NoError(t, f.gateway().Stream(context.Background(), "be-1", tt.fromIndex, sink))

			assert.Equal(t, tt.want, sink.indexes())
			assert.True(t, sink.done)
			assert.Nil(t, sink.reconnect)
		})
	}
}

func TestStream_FlowLevelMergesChildren(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.store.CreateFlowExecution(ctx, &models.FlowExecution{
		ID: "fe-1", FlowID: "flow-1", Status: models.ExecutionStatusPending,
	}))
	_, err := f.store.TransitionFlowExecution(ctx, "fe-1", models.ExecutionStatusRunning, models.ExecutionUpdate{})
	require.NoError(t, err)

	f.blockExecution(t, "child-z", "fe-1", "A")
	f.emit(t, "child-z", "a0", "a1")
	f.blockExecution(t, "child-a", "fe-1", "B")
	f.emit(t, "child-a", "b0", "b1", "b2")

	_, err = f.store.TransitionFlowExecution(ctx, "fe-1", models.ExecutionStatusCompleted, models.ExecutionUpdate{})
	require.NoError(t, err)

	full := newRecorder()
	require.NoError(t, f.gateway().Stream(ctx, "fe-1", 0, full))

	require.Len(t, full.events, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, full.indexes())
	assert.Equal(t, "child-z", full.events[0].ExecutionID)
	assert.Equal(t, "A", full.events[1].NodeID)
	assert.Equal(t, "child-a", full.events[2].ExecutionID)
	assert.Equal(t, "B", full.events[4].NodeID)
	assert.JSONEq(t, `{"content":"b2"}`, string(full.events[4].Data))
	assert.True(t, full.done)

	// A reconnect at 3 sees exactly the tail of the full replay.
	tail := newRecorder()
	require.NoError(t, f.gateway().Stream(ctx, "fe-1", 3, tail))
	assert.Equal(t, full.events[3:], tail.events)
	assert.True(t, tail.done)
}

func TestStream_FollowsLiveExecution(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.blockExecution(t, "be-live", "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := newRecorder()
	result := make(chan error, 1)

	go func() {
		result <- f.gateway().Stream(ctx, "be-live", 0, sink)
	}()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	_, err := f.store.AppendEvent(ctx, "be-live", models.TokenData{Content: "hello"})
	require.NoError(t, err)

	f.clock.Advance(streaming.DefaultMinInterval)

	select {
	case <-sink.received:
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	_, err = f.store.AppendEvent(ctx, "be-live", models.CompleteData{Output: []byte(`"hello"`)})
	require.NoError(t, err)
	f.transition(t, "be-live", models.ExecutionStatusComplete)

	// Delivering an event resets the interval to the floor.
	f.clock.Advance(streaming.DefaultMinInterval)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("stream did not finish")
	}

	assert.Equal(t, []int{0, 1}, sink.indexes())
	assert.Equal(t, models.EventTypeComplete, sink.events[1].Type)
	assert.True(t, sink.done)
}

// countingEvents counts reads of the event log.
type countingEvents struct {
	persistence.EventRepository

	reads atomic.Int32
}

func (c *countingEvents) EventsSince(ctx context.Context, executionID string, fromIndex int) ([]*models.ExecutionEvent, error) {
	c.reads.Add(1)

	return c.EventRepository.EventsSince(ctx, executionID, fromIndex)
}

func TestStream_BacksOffWhileIdle(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.blockExecution(t, "be-idle", "", "")

	events := &countingEvents{EventRepository: f.store}
	store := &mocks.PersistenceWithEvents{Persistence: f.store, EventRepository: events}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)

	go func() {
		result <- f.gatewayOn(store).Stream(ctx, "be-idle", 0, newRecorder())
	}()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 1, events.reads.Load())

	// First idle wait is the floor.
	f.clock.Advance(150 * time.Millisecond)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 2, events.reads.Load())

	// The next one grows by half.
	f.clock.Advance(224 * time.Millisecond)
	assert.EqualValues(t, 2, events.reads.Load())

	f.clock.Advance(time.Millisecond)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 3, events.reads.Load())

	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
}

func TestStream_ReconnectsAtTimeCap(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.blockExecution(t, "be-long", "", "")
	f.emit(t, "be-long", "a", "b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := newRecorder()
	result := make(chan error, 1)

	go func() {
		result <- f.gateway(streaming.WithMaxDuration(time.Second)).Stream(ctx, "be-long", 0, sink)
	}()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(2 * time.Second)

	require.NoError(t, <-result)
	assert.Equal(t, []int{0, 1}, sink.indexes())
	assert.False(t, sink.done)
	require.NotNil(t, sink.reconnect)
	assert.Equal(t, 2, *sink.reconnect)
}

func TestStream_StoreFailureAbortsWithoutDone(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.blockExecution(t, "be-broken", "", "")

	events := &mocks.MockEventRepository{}
	events.On("EventsSince", mock.Anything, "be-broken", 0).Return(nil, errors.New("connection reset"))

	store := &mocks.PersistenceWithEvents{Persistence: f.store, EventRepository: events}
	sink := newRecorder()

	err := f.gatewayOn(store).Stream(context.Background(), "be-broken", 0, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, sink.done)
	assert.Nil(t, sink.reconnect)
}

func TestOpen_UnknownExecution(t *testing.T) {
	t.Parallel()

	f := newFixture()

	_, err := f.gateway().Open(context.Background(), "nope", 0)
	require.Error(t, err)
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestOpen_ReportsLevel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.blockExecution(t, "be-1", "", "")

	stream, err := f.gateway().Open(context.Background(), "be-1", 4)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionLevelBlock, stream.Level())
	assert.Equal(t, 4, stream.Cursor())
}

func TestSSESink_Frames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := bufio.NewWriter(&buf)
	sink := streaming.NewSSESink(w)
	ctx := context.Background()

	require.NoError(t, sink.Event(ctx, streaming.Event{
		Index:       3,
		Type:        models.EventTypeToken,
		Data:        []byte(`{"content":"hi"}`),
		Timestamp:   start,
		ExecutionID: "be-1",
		NodeID:      "A",
	}))
	require.NoError(t, sink.Reconnect(ctx, 4))
	require.NoError(t, sink.Done(ctx))

	want := `data: {"index":3,"type":"token","data":{"content":"hi"},"timestamp":"2025-06-02T10:00:00Z","executionId":"be-1","nodeId":"A"}` + "\n\n" +
		"event: reconnect\ndata: {\"fromIndex\":4}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, buf.String())
}
