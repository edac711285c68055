// Package memory provides an in-process implementation of the execution
// store with the same semantics as the PostgreSQL one. It is meant for tests
// and single-instance development setups.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// Persistence keeps every record in maps guarded by one mutex.
type Persistence struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	flows           map[string]*models.Flow
	blocks          map[string]*models.Block
	apiKeys         map[string]*models.APIKey // by hash
	flowExecutions  map[string]*models.FlowExecution
	blockExecutions map[string]*models.BlockExecution
	blockSeq        map[string]uint64 // insertion order, breaks CreatedAt ties
	events          map[string][]*models.ExecutionEvent
	tasks           map[string]*models.ScheduledTask
	webhookLogs     []*models.WebhookLog
}

type Option func(*Persistence)

// WithClock replaces the wall clock, mostly for tests that need ordered timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Persistence) {
		p.clock = clock
	}
}

func NewPersistence(opts ...Option) *Persistence {
	p := &Persistence{
		clock:           clockwork.NewRealClock(),
		flows:           map[string]*models.Flow{},
		blocks:          map[string]*models.Block{},
		apiKeys:         map[string]*models.APIKey{},
		flowExecutions:  map[string]*models.FlowExecution{},
		blockExecutions: map[string]*models.BlockExecution{},
		blockSeq:        map[string]uint64{},
		events:          map[string][]*models.ExecutionEvent{},
		tasks:           map[string]*models.ScheduledTask{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Persistence) Flows() persistence.FlowRepository                   { return p }
func (p *Persistence) Blocks() persistence.BlockRepository                 { return p }
func (p *Persistence) APIKeys() persistence.APIKeyRepository               { return p }
func (p *Persistence) Executions() persistence.ExecutionRepository         { return p }
func (p *Persistence) Events() persistence.EventRepository                 { return p }
func (p *Persistence) ScheduledTasks() persistence.ScheduledTaskRepository { return p }
func (p *Persistence) WebhookLogs() persistence.WebhookLogRepository       { return p }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

func clone[T any](v *T) *T {
	c := *v

	return &c
}

// Flows

func (p *Persistence) SaveFlow(_ context.Context, flow *models.Flow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now
	p.flows[flow.ID] = clone(flow)

	return nil
}

func (p *Persistence) FlowByID(_ context.Context, id string) (*models.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flow, ok := p.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrFlowNotFound, id)
	}

	return clone(flow), nil
}

func (p *Persistence) ListFlows(_ context.Context, workspaceID string) ([]*models.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flows := make([]*models.Flow, 0)

	for _, flow := range p.flows {
		if flow.WorkspaceID == workspaceID && !flow.IsDeleted() {
			flows = append(flows, clone(flow))
		}
	}

	slices.SortFunc(flows, func(a, b *models.Flow) int { return b.UpdatedAt.Compare(a.UpdatedAt) })

	return flows, nil
}

// Blocks

func (p *Persistence) SaveBlock(_ context.Context, block *models.Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if block.CreatedAt.IsZero() {
		block.CreatedAt = now
	}

	block.UpdatedAt = now
	p.blocks[block.ID] = clone(block)

	return nil
}

func (p *Persistence) BlockByID(_ context.Context, id string) (*models.Block, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	block, ok := p.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrBlockNotFound, id)
	}

	return clone(block), nil
}

func (p *Persistence) ListBlocks(_ context.Context, workspaceID string) ([]*models.Block, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	blocks := make([]*models.Block, 0)

	for _, block := range p.blocks {
		if block.WorkspaceID == workspaceID && !block.IsDeleted() {
			blocks = append(blocks, clone(block))
		}
	}

	slices.SortFunc(blocks, func(a, b *models.Block) int { return b.UpdatedAt.Compare(a.UpdatedAt) })

	return blocks, nil
}

func (p *Persistence) RecordBlockRun(_ context.Context, blockID string, durationMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	block, ok := p.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrBlockNotFound, blockID)
	}

	block.AvgDurationMs = (block.AvgDurationMs*block.ExecutionCount + durationMs) / (block.ExecutionCount + 1)
	block.ExecutionCount++

	return nil
}

// API keys

func (p *Persistence) SaveAPIKey(_ context.Context, key *models.APIKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key.CreatedAt.IsZero() {
		key.CreatedAt = p.now()
	}

	p.apiKeys[key.KeyHash] = clone(key)

	return nil
}

func (p *Persistence) APIKeyByHash(_ context.Context, keyHash string) (*models.APIKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key, ok := p.apiKeys[keyHash]
	if !ok {
		return nil, persistence.ErrAPIKeyNotFound
	}

	return clone(key), nil
}

// Webhook logs

func (p *Persistence) AppendWebhookLog(_ context.Context, log *models.WebhookLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if log.CreatedAt.IsZero() {
		log.CreatedAt = p.now()
	}

	p.webhookLogs = append(p.webhookLogs, clone(log))

	return nil
}

func (p *Persistence) ListWebhookLogs(
	_ context.Context, targetType models.TargetType, targetID string, limit int,
) ([]*models.WebhookLog, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	logs := make([]*models.WebhookLog, 0)

	for i := len(p.webhookLogs) - 1; i >= 0; i-- {
		log := p.webhookLogs[i]
		if log.TargetType != targetType || log.TargetID != targetID {
			continue
		}

		logs = append(logs, clone(log))
		if limit > 0 && len(logs) == limit {
			break
		}
	}

	return logs, nil
}

func (p *Persistence) now() time.Time {
	return p.clock.Now().UTC()
}

func compareEvents(a, b *models.ExecutionEvent) int {
	return cmp.Or(
		a.CreatedAt.Compare(b.CreatedAt),
		cmp.Compare(a.ExecutionID, b.ExecutionID),
		cmp.Compare(a.Index, b.Index),
	)
}
