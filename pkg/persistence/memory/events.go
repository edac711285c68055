package memory

import (
	"context"
	"slices"

	"github.com/dukex/flowrun/pkg/models"
)

func (p *Persistence) AppendEvent(
	_ context.Context, executionID string, data models.EventData,
) (*models.ExecutionEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.events[executionID]

	index := 0
	if len(log) > 0 {
		index = log[len(log)-1].Index + 1
	}

	event := &models.ExecutionEvent{
		ExecutionID: executionID,
		Index:       index,
		Data:        data,
		CreatedAt:   p.now(),
	}
	p.events[executionID] = append(log, event)

	return clone(event), nil
}

func (p *Persistence) EventsSince(
	_ context.Context, executionID string, fromIndex int,
) ([]*models.ExecutionEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	events := make([]*models.ExecutionEvent, 0)

	for _, event := range p.events[executionID] {
		if event.Index >= fromIndex {
			events = append(events, clone(event))
		}
	}

	return events, nil
}

func (p *Persistence) EventsForExecutions(
	_ context.Context, cursors map[string]int,
) ([]*models.ExecutionEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	events := make([]*models.ExecutionEvent, 0)

	for executionID, fromIndex := range cursors {
		for _, event := range p.events[executionID] {
			if event.Index >= fromIndex {
				events = append(events, clone(event))
			}
		}
	}

	slices.SortFunc(events, compareEvents)

	return events, nil
}
