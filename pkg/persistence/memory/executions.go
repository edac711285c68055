package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

func (p *Persistence) CreateFlowExecution(_ context.Context, execution *models.FlowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if execution.IdempotencyKey != "" {
		for _, existing := range p.flowExecutions {
			if existing.FlowID == execution.FlowID && existing.IdempotencyKey == execution.IdempotencyKey {
				return fmt.Errorf("%w: flow %s key %s",
					persistence.ErrDuplicateIdempotencyKey, execution.FlowID, execution.IdempotencyKey)
			}
		}
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = p.now()
	}

	p.flowExecutions[execution.ID] = clone(execution)

	return nil
}

func (p *Persistence) FlowExecutionByID(_ context.Context, id string) (*models.FlowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.flowExecutions[id]
	if !ok {
		return nil, persistence.NewExecutionError("FlowExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	return clone(execution), nil
}

func (p *Persistence) FlowExecutionByIdempotencyKey(
	_ context.Context, flowID, key string,
) (*models.FlowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, execution := range p.flowExecutions {
		if execution.FlowID == flowID && execution.IdempotencyKey == key {
			return clone(execution), nil
		}
	}

	return nil, persistence.ErrExecutionNotFound
}

func (p *Persistence) TransitionFlowExecution(
	_ context.Context, id string, next models.ExecutionStatus, update models.ExecutionUpdate,
) (*models.FlowExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.flowExecutions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Transition", id, persistence.ErrExecutionNotFound)
	}

	if !execution.Status.CanTransitionTo(next) {
		return nil, persistence.NewTransitionError("Transition", id, execution.Status, next)
	}

	now := p.now()
	execution.Status = next

	if next == models.ExecutionStatusRunning {
		execution.StartedAt = &now
	}

	if next.IsTerminal() {
		execution.CompletedAt = &now
	}

	if update.Output != nil {
		execution.Output = update.Output
	}

	if update.Error != "" {
		execution.Error = update.Error
	}

	return clone(execution), nil
}

func (p *Persistence) CancelFlowExecution(_ context.Context, id string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.flowExecutions[id]
	if !ok {
		return 0, persistence.NewExecutionError("Cancel", id, persistence.ErrExecutionNotFound)
	}

	if !execution.Status.CanTransitionTo(models.ExecutionStatusCancelled) {
		return 0, persistence.NewTransitionError("Cancel", id, execution.Status, models.ExecutionStatusCancelled)
	}

	now := p.now()
	execution.Status = models.ExecutionStatusCancelled
	execution.CompletedAt = &now

	cancelled := 0

	for _, child := range p.blockExecutions {
		if child.FlowExecutionID != id || child.Status.IsTerminal() {
			continue
		}

		child.Status = models.ExecutionStatusCancelled
		child.CompletedAt = &now
		cancelled++
	}

	return cancelled, nil
}

func (p *Persistence) CreateBlockExecution(_ context.Context, execution *models.BlockExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if execution.IdempotencyKey != "" {
		for _, existing := range p.blockExecutions {
			if existing.BlockID == execution.BlockID && existing.IdempotencyKey == execution.IdempotencyKey {
				return fmt.Errorf("%w: block %s key %s",
					persistence.ErrDuplicateIdempotencyKey, execution.BlockID, execution.IdempotencyKey)
			}
		}
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = p.now()
	}

	p.blockExecutions[execution.ID] = clone(execution)
	p.blockSeq[execution.ID] = uint64(len(p.blockSeq))

	return nil
}

func (p *Persistence) BlockExecutionByID(_ context.Context, id string) (*models.BlockExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.blockExecutions[id]
	if !ok {
		return nil, persistence.NewExecutionError("BlockExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	return clone(execution), nil
}

func (p *Persistence) BlockExecutionByIdempotencyKey(
	_ context.Context, blockID, key string,
) (*models.BlockExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, execution := range p.blockExecutions {
		if execution.BlockID == blockID && execution.IdempotencyKey == key {
			return clone(execution), nil
		}
	}

	return nil, persistence.ErrExecutionNotFound
}

func (p *Persistence) TransitionBlockExecution(
	_ context.Context, id string, next models.ExecutionStatus, update models.ExecutionUpdate,
) (*models.BlockExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.blockExecutions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Transition", id, persistence.ErrExecutionNotFound)
	}

	if !execution.Status.CanTransitionTo(next) {
		return nil, persistence.NewTransitionError("Transition", id, execution.Status, next)
	}

	now := p.now()
	execution.Status = next

	if next == models.ExecutionStatusRunning {
		execution.StartedAt = &now
	}

	if next.IsTerminal() {
		execution.CompletedAt = &now
	}

	if update.Output != nil {
		execution.Output = update.Output
	}

	if update.Error != "" {
		execution.Error = update.Error
	}

	if update.DurationMs != 0 {
		execution.DurationMs = update.DurationMs
	}

	if update.TokensInput != 0 {
		execution.TokensInput = update.TokensInput
	}

	if update.TokensOutput != 0 {
		execution.TokensOutput = update.TokensOutput
	}

	return clone(execution), nil
}

func (p *Persistence) CancelBlockExecution(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.blockExecutions[id]
	if !ok {
		return persistence.NewExecutionError("Cancel", id, persistence.ErrExecutionNotFound)
	}

	if !execution.Status.CanTransitionTo(models.ExecutionStatusCancelled) {
		return persistence.NewTransitionError("Cancel", id, execution.Status, models.ExecutionStatusCancelled)
	}

	now := p.now()
	execution.Status = models.ExecutionStatusCancelled
	execution.CompletedAt = &now

	return nil
}

func (p *Persistence) BlockExecutionsByFlowExecution(
	_ context.Context, flowExecutionID string,
) ([]*models.BlockExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	children := make([]*models.BlockExecution, 0)

	for _, execution := range p.blockExecutions {
		if execution.FlowExecutionID == flowExecutionID {
			children = append(children, clone(execution))
		}
	}

	slices.SortFunc(children, func(a, b *models.BlockExecution) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(p.blockSeq[a.ID], p.blockSeq[b.ID]))
	})

	return children, nil
}
