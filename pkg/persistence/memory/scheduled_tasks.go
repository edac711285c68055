package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

func (p *Persistence) SaveScheduledTask(_ context.Context, task *models.ScheduledTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	task.UpdatedAt = now
	p.tasks[task.ID] = cloneTask(task)

	return nil
}

func (p *Persistence) ScheduledTaskByID(_ context.Context, id string) (*models.ScheduledTask, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	task, ok := p.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrScheduledTaskNotFound, id)
	}

	return cloneTask(task), nil
}

func (p *Persistence) DueScheduledTasks(
	_ context.Context, now time.Time, limit int,
) ([]*models.ScheduledTask, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	due := make([]*models.ScheduledTask, 0)

	for _, task := range p.tasks {
		if task.IsDue(now) {
			due = append(due, cloneTask(task))
		}
	}

	slices.SortFunc(due, func(a, b *models.ScheduledTask) int { return a.RunAt.Compare(b.RunAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (p *Persistence) ClaimScheduledTask(_ context.Context, id string, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", persistence.ErrScheduledTaskNotFound, id)
	}

	if task.Status != models.TaskStatusPending {
		return false, nil
	}

	task.Status = models.TaskStatusRunning
	task.UpdatedAt = now

	return true, nil
}

func (p *Persistence) FinishScheduledTaskRun(_ context.Context, task *models.ScheduledTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.tasks[task.ID]
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrScheduledTaskNotFound, task.ID)
	}

	if stored.Status != models.TaskStatusRunning {
		return fmt.Errorf("%w: scheduled task %s is %s", persistence.ErrInvalidStateTransition, task.ID, stored.Status)
	}

	task.UpdatedAt = p.now()
	p.tasks[task.ID] = cloneTask(task)

	return nil
}

func cloneTask(task *models.ScheduledTask) *models.ScheduledTask {
	c := *task

	if task.CronExpression != nil {
		expr := *task.CronExpression
		c.CronExpression = &expr
	}

	if task.MaxRuns != nil {
		maxRuns := *task.MaxRuns
		c.MaxRuns = &maxRuns
	}

	return &c
}
