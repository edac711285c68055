// Package streaming turns the append-only execution event log into a live
// feed. Each subscriber gets its own poll loop; nothing is pushed between
// processes, so any API instance can serve any stream.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMinInterval = 150 * time.Millisecond
	DefaultMaxInterval = 2 * time.Second
	// DefaultMaxDuration caps one connection. Clients resume from the index
	// in the reconnect frame.
	DefaultMaxDuration = 5 * time.Minute

	backoffFactor = 1.5
)

// Event is one frame delivered to a subscriber.
type Event struct {
	Index       int              `json:"index"`
	Type        models.EventType `json:"type"`
	Data        json.RawMessage  `json:"data"`
	Timestamp   time.Time        `json:"timestamp"`
	ExecutionID string           `json:"executionId"`
	NodeID      string           `json:"nodeId,omitempty"`
}

// Sink receives the frames of one stream. A write error ends the stream.
type Sink interface {
	Event(ctx context.Context, event Event) error
	// Done marks the end of a terminal execution's log.
	Done(ctx context.Context) error
	// Reconnect tells the client to open a new stream at fromIndex.
	Reconnect(ctx context.Context, fromIndex int) error
}

type Gateway struct {
	store       persistence.Persistence
	clock       clockwork.Clock
	minInterval time.Duration
	maxInterval time.Duration
	maxDuration time.Duration
	logger      *slog.Logger
}

type Option func(*Gateway)

func WithClock(clock clockwork.Clock) Option {
	return func(g *Gateway) {
		g.clock = clock
	}
}

// WithPollInterval sets the floor and ceiling of the adaptive poll interval.
func WithPollInterval(minInterval, maxInterval time.Duration) Option {
	return func(g *Gateway) {
		if minInterval > 0 && maxInterval >= minInterval {
			g.minInterval = minInterval
			g.maxInterval = maxInterval
		}
	}
}

func WithMaxDuration(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.maxDuration = d
		}
	}
}

func NewGateway(logger *slog.Logger, store persistence.Persistence, opts ...Option) *Gateway {
	g := &Gateway{
		store:       store,
		clock:       clockwork.NewRealClock(),
		minInterval: DefaultMinInterval,
		maxInterval: DefaultMaxInterval,
		maxDuration: DefaultMaxDuration,
		logger:      logger.With("module", "streaming"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Open resolves executionID, which may name a flow or a block execution,
// and prepares a stream starting at fromIndex. It fails with a persistence
// not found error before anything is written, so callers can still answer
// with a regular error response.
func (g *Gateway) Open(ctx context.Context, executionID string, fromIndex int) (*Stream, error) {
	fromIndex = max(fromIndex, 0)

	flow, err := g.store.Executions().FlowExecutionByID(ctx, executionID)
	if err == nil {
		return &Stream{
			gateway:     g,
			executionID: flow.ID,
			level:       models.ExecutionLevelFlow,
			skip:        fromIndex,
			cursors:     map[string]int{},
			nodes:       map[string]string{},
		}, nil
	}

	if !persistence.IsExecutionNotFound(err) {
		return nil, fmt.Errorf("failed to resolve execution: %w", err)
	}

	block, err := g.store.Executions().BlockExecutionByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve execution: %w", err)
	}

	return &Stream{
		gateway:     g,
		executionID: block.ID,
		level:       models.ExecutionLevelBlock,
		next:        fromIndex,
		nodeID:      block.NodeID,
	}, nil
}

// Stream is Open followed by Run.
func (g *Gateway) Stream(ctx context.Context, executionID string, fromIndex int, sink Sink) error {
	stream, err := g.Open(ctx, executionID, fromIndex)
	if err != nil {
		return err
	}

	return stream.Run(ctx, sink)
}

type state int

const (
	stateReplay state = iota
	statePoll
	stateWait
	stateDone
	stateReconnect
)

// Stream is one subscriber's view of an execution log.
//
// For a block execution the cursor is the event index. For a flow execution
// it is the position in the log of all children merged by creation time,
// then execution id, then index; children run one after another, so that
// merged log only ever grows at the end.
type Stream struct {
	gateway     *Gateway
	executionID string
	level       models.ExecutionLevel

	// block level
	next   int
	nodeID string

	// flow level
	skip     int
	position int
	cursors  map[string]int    // child execution id -> next event index
	nodes    map[string]string // child execution id -> node id
}

// Level reports whether the stream follows a flow or a block execution.
func (s *Stream) Level() models.ExecutionLevel { return s.level }

// Cursor is the fromIndex a client would reconnect with.
func (s *Stream) Cursor() int {
	if s.level == models.ExecutionLevelFlow {
		return max(s.position, s.skip)
	}

	return s.next
}

// Run replays the log from the stream's cursor, then follows it until the
// execution is terminal, the connection cap is reached or ctx is done. A
// store or sink failure is returned without a done frame.
func (s *Stream) Run(ctx context.Context, sink Sink) error {
	g := s.gateway
	logger := g.logger.With("execution_id", s.executionID, "level", s.level)

	deadline := g.clock.Now().Add(g.maxDuration)
	interval := g.minInterval

	var timer clockwork.Timer

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	st := stateReplay

	for {
		switch st {
		case stateReplay, statePoll:
			// Status is read before the events so that a terminal status
			// guarantees the read saw the final events.
			terminal, err := s.terminal(ctx)
			if err != nil {
				return err
			}

			delivered, err := s.deliver(ctx, sink)
			if err != nil {
				return err
			}

			switch {
			case terminal:
				st = stateDone
			case st == stateReplay || delivered > 0:
				interval = g.minInterval
				st = stateWait
			default:
				interval = min(time.Duration(float64(interval)*backoffFactor), g.maxInterval)
				st = stateWait
			}

		case stateWait:
			remaining := deadline.Sub(g.clock.Now())
			if remaining <= 0 {
				st = stateReconnect

				continue
			}

			wait := min(interval, remaining)
			if timer == nil {
				timer = g.clock.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}

			select {
			case <-ctx.Done():
				logger.DebugContext(ctx, "Subscriber went away", "cursor", s.Cursor())

				return ctx.Err()
			case <-timer.Chan():
			}

			st = statePoll
			if !g.clock.Now().Before(deadline) {
				st = stateReconnect
			}

		case stateDone:
			logger.DebugContext(ctx, "Execution finished, closing stream", "cursor", s.Cursor())

			return sink.Done(ctx)

		case stateReconnect:
			logger.DebugContext(ctx, "Stream reached its time cap", "cursor", s.Cursor())

			return sink.Reconnect(ctx, s.Cursor())
		}
	}
}

func (s *Stream) terminal(ctx context.Context) (bool, error) {
	executions := s.gateway.store.Executions()

	if s.level == models.ExecutionLevelFlow {
		execution, err := executions.FlowExecutionByID(ctx, s.executionID)
		if err != nil {
			return false, fmt.Errorf("failed to read execution status: %w", err)
		}

		return execution.Status.IsTerminal(), nil
	}

	execution, err := executions.BlockExecutionByID(ctx, s.executionID)
	if err != nil {
		return false, fmt.Errorf("failed to read execution status: %w", err)
	}

	return execution.Status.IsTerminal(), nil
}

// deliver sends every event past the cursor and returns how many were sent.
func (s *Stream) deliver(ctx context.Context, sink Sink) (int, error) {
	if s.level == models.ExecutionLevelBlock {
		return s.deliverBlock(ctx, sink)
	}

	return s.deliverFlow(ctx, sink)
}

func (s *Stream) deliverBlock(ctx context.Context, sink Sink) (int, error) {
	log, err := s.gateway.store.Events().EventsSince(ctx, s.executionID, s.next)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}

	for _, event := range log {
		frame, err := frameOf(event, event.Index, s.nodeID)
		if err != nil {
			return 0, err
		}

		if err := sink.Event(ctx, frame); err != nil {
			return 0, err
		}

		s.next = event.Index + 1
	}

	return len(log), nil
}

func (s *Stream) deliverFlow(ctx context.Context, sink Sink) (int, error) {
	children, err := s.gateway.store.Executions().BlockExecutionsByFlowExecution(ctx, s.executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to list node executions: %w", err)
	}

	for _, child := range children {
		if _, ok := s.cursors[child.ID]; !ok {
			s.cursors[child.ID] = 0
			s.nodes[child.ID] = child.NodeID
		}
	}

	if len(s.cursors) == 0 {
		return 0, nil
	}

	log, err := s.gateway.store.Events().EventsForExecutions(ctx, s.cursors)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}

	sent := 0

	for _, event := range log {
		s.cursors[event.ExecutionID] = event.Index + 1
		position := s.position
		s.position++

		if position < s.skip {
			continue
		}

		frame, err := frameOf(event, position, s.nodes[event.ExecutionID])
		if err != nil {
			return sent, err
		}

		if err := sink.Event(ctx, frame); err != nil {
			return sent, err
		}

		sent++
	}

	return sent, nil
}

func frameOf(event *models.ExecutionEvent, index int, nodeID string) (Event, error) {
	data, err := models.EncodeEventData(event.Data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode event %d of %s: %w", event.Index, event.ExecutionID, err)
	}

	return Event{
		Index:       index,
		Type:        event.Type(),
		Data:        data,
		Timestamp:   event.CreatedAt,
		ExecutionID: event.ExecutionID,
		NodeID:      nodeID,
	}, nil
}
