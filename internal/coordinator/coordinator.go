// Package coordinator runs plans: it hands at most maxConcurrency tasks of a
// plan to the workers at a time and settles the plan once every task settled.
package coordinator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// progress is the in-flight bookkeeping of one running plan.
type progress struct {
	max     int
	pending []string
	active  map[string]struct{}
	paused  []string
}

func (p *progress) idle() bool {
	return len(p.pending) == 0 && len(p.active) == 0 && len(p.paused) == 0
}

func (p *progress) forget(taskID string) {
	delete(p.active, taskID)
	p.pending = slices.DeleteFunc(p.pending, func(id string) bool { return id == taskID })
	p.paused = slices.DeleteFunc(p.paused, func(id string) bool { return id == taskID })
}

type Coordinator struct {
	plans   ports.PlanRepository
	tasks   ports.TaskRepository
	queue   ports.JobQueue
	bus     ports.EventBus
	tracker ports.ExecutionTracker
	logger  zerolog.Logger

	mu     sync.Mutex
	byPlan map[string]*progress
}

func NewCoordinator(
	plans ports.PlanRepository,
	tasks ports.TaskRepository,
	queue ports.JobQueue,
	bus ports.EventBus,
	tracker ports.ExecutionTracker,
) *Coordinator {
	return &Coordinator{
		plans:   plans,
		tasks:   tasks,
		queue:   queue,
		bus:     bus,
		tracker: tracker,
		logger:  log.With().Str("component", "coordinator").Logger(),
		byPlan:  make(map[string]*progress),
	}
}

// Start begins the listening loop. Call this in main.go as a goroutine.
// Plans left running by a previous process are recovered once subscribed.
func (c *Coordinator) Start(ctx context.Context) error {
	events, err := c.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to event bus: %w", err)
	}
	if err := c.Recover(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to recover running plans")
	}
	c.logger.Info().Msg("coordinator started, listening for events")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("coordinator shutting down")
			return nil
		case event, ok := <-events:
			if !ok {
				c.logger.Warn().Msg("event stream closed")
				return nil
			}
			c.HandleEvent(ctx, event)
		}
	}
}

// StartPlan starts the plan and dispatches its first tasks.
func (c *Coordinator) StartPlan(ctx context.Context, planID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.plans.FindByID(ctx, planID)
	if err != nil {
		return err
	}
	if err := plan.Start(); err != nil {
		return err
	}
	if err := c.plans.Save(ctx, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}

	tasks, err := c.tasks.FindByPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("load plan tasks: %w", err)
	}
	p := &progress{max: plan.MaxConcurrency(), active: make(map[string]struct{})}
	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID()] = t
	}
	// Plan order decides dispatch order.
	for _, id := range plan.TaskIDs() {
		if t, ok := byID[id]; ok && t.Status() == domain.StatusPending {
			p.pending = append(p.pending, id)
		}
	}
	c.byPlan[planID] = p
	c.logger.Info().Str("plan_id", planID).Int("tasks", len(p.pending)).Int("max_concurrency", p.max).Msg("plan started")

	c.dispatch(ctx, planID, p)
	if p.idle() {
		c.finish(ctx, planID)
	}
	return nil
}

// PausePlan stops dispatching and asks every live execution of the plan to
// pause at its next stage boundary.
func (c *Coordinator) PausePlan(ctx context.Context, planID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.plans.FindByID(ctx, planID)
	if err != nil {
		return err
	}
	if err := plan.Pause(); err != nil {
		return err
	}
	if err := c.plans.Save(ctx, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	if p, ok := c.byPlan[planID]; ok && c.tracker != nil {
		for id := range p.active {
			if rc, live := c.tracker.Active(id); live {
				rc.RequestPause()
			}
		}
	}
	c.logger.Info().Str("plan_id", planID).Msg("plan paused")
	return nil
}

// ResumePlan resumes paused tasks first, then continues with pending ones.
func (c *Coordinator) ResumePlan(ctx context.Context, planID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.plans.FindByID(ctx, planID)
	if err != nil {
		return err
	}
	if err := plan.Resume(); err != nil {
		return err
	}
	if err := c.plans.Save(ctx, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	p, ok := c.byPlan[planID]
	if !ok {
		return nil
	}
	p.pending = append(p.paused, p.pending...)
	p.paused = nil
	c.logger.Info().Str("plan_id", planID).Int("pending", len(p.pending)).Msg("plan resumed")
	c.dispatch(ctx, planID, p)
	return nil
}

// ResumeTask queues a paused task of a tracked plan ahead of its pending
// tasks, so it runs only when the plan has a free slot. It reports false when
// the plan is not tracked and the caller should queue the task itself.
func (c *Coordinator) ResumeTask(ctx context.Context, planID, taskID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byPlan[planID]
	if !ok {
		return false, nil
	}
	if _, active := p.active[taskID]; active || slices.Contains(p.pending, taskID) {
		return true, nil
	}
	plan, err := c.plans.FindByID(ctx, planID)
	if err != nil {
		return true, err
	}
	p.forget(taskID)
	p.pending = append([]string{taskID}, p.pending...)
	logger := c.logger.With().Str("plan_id", planID).Str("task_id", taskID).Logger()
	if plan.Status() != domain.PlanRunning {
		logger.Info().Str("plan_status", string(plan.Status())).Msg("task resume waits for the plan")
		return true, nil
	}
	logger.Info().Int("active", len(p.active)).Msg("task resume queued")
	c.dispatch(ctx, planID, p)
	return true, nil
}

// Recover rebuilds the bookkeeping of RUNNING and PAUSED plans from stored
// task statuses. Tasks that were executing when the process stopped are queued
// again ahead of pending ones.
func (c *Coordinator) Recover(ctx context.Context) error {
	plans, err := c.plans.FindByStatus(ctx, domain.PlanRunning, domain.PlanPaused)
	if err != nil {
		return fmt.Errorf("load running plans: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, plan := range plans {
		if _, ok := c.byPlan[plan.ID()]; ok {
			continue
		}
		tasks, err := c.tasks.FindByPlan(ctx, plan.ID())
		if err != nil {
			return fmt.Errorf("load tasks of plan %s: %w", plan.ID(), err)
		}
		byID := make(map[string]*domain.Task, len(tasks))
		for _, t := range tasks {
			byID[t.ID()] = t
		}

		p := &progress{max: plan.MaxConcurrency(), active: make(map[string]struct{})}
		var interrupted []string
		for _, id := range plan.TaskIDs() {
			t, ok := byID[id]
			if !ok {
				continue
			}
			switch t.Status() {
			case domain.StatusRunning, domain.StatusResuming:
				interrupted = append(interrupted, id)
			case domain.StatusPending:
				p.pending = append(p.pending, id)
			case domain.StatusPaused:
				p.paused = append(p.paused, id)
			case domain.StatusRollingBack:
				c.logger.Warn().Str("plan_id", plan.ID()).Str("task_id", id).Msg("task was rolling back, not tracked")
			}
		}
		p.pending = append(interrupted, p.pending...)
		c.byPlan[plan.ID()] = p
		c.logger.Info().Str("plan_id", plan.ID()).Str("status", string(plan.Status())).
			Int("interrupted", len(interrupted)).Int("pending", len(p.pending)).Int("paused", len(p.paused)).
			Msg("plan recovered")

		if plan.Status() == domain.PlanRunning {
			c.dispatch(ctx, plan.ID(), p)
		}
		if p.idle() {
			c.finish(ctx, plan.ID())
		}
	}
	return nil
}

// Tracking reports whether the coordinator is running planID.
func (c *Coordinator) Tracking(planID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byPlan[planID]
	return ok
}

// HandleEvent frees a plan slot when a task settles or pauses and admits the next task.
func (c *Coordinator) HandleEvent(ctx context.Context, event domain.Event) {
	if event.PlanID == "" {
		return
	}
	settles := event.Type.Settles()
	if !settles && event.Type != domain.EventTaskPaused && event.Type != domain.EventTaskResumed {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byPlan[event.PlanID]
	if !ok {
		return
	}
	logger := c.logger.With().Str("plan_id", event.PlanID).Str("task_id", event.TaskID).Str("event", string(event.Type)).Logger()

	switch {
	case event.Type == domain.EventTaskResumed:
		if _, active := p.active[event.TaskID]; active {
			return
		}
		// Resumed without a plan slot. It takes a free one or is paused again.
		if len(p.active) < p.max {
			p.forget(event.TaskID)
			p.active[event.TaskID] = struct{}{}
			logger.Debug().Msg("resumed task took a free slot")
			return
		}
		if c.tracker != nil {
			if rc, live := c.tracker.Active(event.TaskID); live {
				rc.RequestPause()
			}
		}
		logger.Warn().Int("active", len(p.active)).Int("max", p.max).Msg("resumed task over the plan limit, pause requested")
		return
	case event.Type == domain.EventTaskPaused:
		if _, active := p.active[event.TaskID]; !active {
			return
		}
		delete(p.active, event.TaskID)
		p.paused = append(p.paused, event.TaskID)
		logger.Debug().Msg("task paused, slot freed")
	default:
		p.forget(event.TaskID)
		logger.Debug().Str("status", string(event.Status)).Msg("task settled, slot freed")
	}

	plan, err := c.plans.FindByID(ctx, event.PlanID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load plan")
		return
	}
	if plan.Status() == domain.PlanRunning {
		c.dispatch(ctx, event.PlanID, p)
	}
	if p.idle() {
		c.finish(ctx, event.PlanID)
	}
}

// dispatch pushes pending tasks while the plan has free slots.
func (c *Coordinator) dispatch(ctx context.Context, planID string, p *progress) {
	for len(p.active) < p.max && len(p.pending) > 0 {
		taskID := p.pending[0]
		p.pending = p.pending[1:]

		if err := c.queue.Push(ctx, domain.Job{TaskID: taskID, Action: domain.JobExecute}); err != nil {
			c.logger.Error().Err(err).Str("plan_id", planID).Str("task_id", taskID).Msg("failed to queue task")
			p.pending = append([]string{taskID}, p.pending...)
			return
		}
		p.active[taskID] = struct{}{}
		c.logger.Info().Str("plan_id", planID).Str("task_id", taskID).Int("active", len(p.active)).Msg("task queued")
	}
}

// finish settles the plan: COMPLETED when every task completed, FAILED otherwise.
func (c *Coordinator) finish(ctx context.Context, planID string) {
	delete(c.byPlan, planID)

	plan, err := c.plans.FindByID(ctx, planID)
	if err != nil {
		c.logger.Error().Err(err).Str("plan_id", planID).Msg("failed to load plan")
		return
	}
	tasks, err := c.tasks.FindByPlan(ctx, planID)
	if err != nil {
		c.logger.Error().Err(err).Str("plan_id", planID).Msg("failed to load plan tasks")
		return
	}

	allCompleted := len(tasks) > 0
	for _, t := range tasks {
		if t.Status() != domain.StatusCompleted {
			allCompleted = false
			break
		}
	}
	if plan.Status() == domain.PlanPaused {
		// Finishing requires a running plan.
		if err := plan.Resume(); err != nil {
			c.logger.Error().Err(err).Str("plan_id", planID).Msg("failed to resume plan before finishing")
			return
		}
	}
	if allCompleted {
		err = plan.Complete()
	} else {
		err = plan.Fail()
	}
	if err != nil {
		c.logger.Error().Err(err).Str("plan_id", planID).Msg("failed to settle plan")
		return
	}
	if err := c.plans.Save(ctx, plan); err != nil {
		c.logger.Error().Err(err).Str("plan_id", planID).Msg("failed to save plan")
		return
	}
	c.logger.Info().Str("plan_id", planID).Str("status", string(plan.Status())).Msg("plan finished")
}
