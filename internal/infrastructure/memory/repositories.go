package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go-rollout/internal/domain"
)

// TaskRepository stores task snapshots so callers never share aggregates.
type TaskRepository struct {
	sync.RWMutex
	tasks map[string]domain.TaskSnapshot
}

func NewTaskRepository() *TaskRepository {
	return &TaskRepository{tasks: make(map[string]domain.TaskSnapshot)}
}

func (r *TaskRepository) Save(_ context.Context, task *domain.Task) error {
	r.Lock()
	defer r.Unlock()
	r.tasks[task.ID()] = task.Snapshot()
	return nil
}

func (r *TaskRepository) FindByID(_ context.Context, id string) (*domain.Task, error) {
	r.RLock()
	defer r.RUnlock()
	snap, ok := r.tasks[id]
	if !ok {
		return nil, domain.NotFound("task", id)
	}
	return domain.RehydrateTask(snap), nil
}

func (r *TaskRepository) FindByPlan(_ context.Context, planID string) ([]*domain.Task, error) {
	r.RLock()
	defer r.RUnlock()
	var snaps []domain.TaskSnapshot
	for _, snap := range r.tasks {
		if snap.PlanID == planID {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	out := make([]*domain.Task, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, domain.RehydrateTask(snap))
	}
	return out, nil
}

func (r *TaskRepository) Claim(_ context.Context, task *domain.Task) error {
	r.Lock()
	defer r.Unlock()
	snap, ok := r.tasks[task.ID()]
	if !ok {
		return domain.NotFound("task", task.ID())
	}
	if snap.Version != task.Version() || snap.Status != task.Status() {
		return &domain.Error{Kind: domain.KindConflict, Op: "claim task " + task.ID(), Message: domain.ErrStaleTask.Message,
			Err: fmt.Errorf("stored %s v%d, loaded %s v%d", snap.Status, snap.Version, task.Status(), task.Version())}
	}
	snap.Version++
	r.tasks[task.ID()] = snap
	task.MarkClaimed()
	return nil
}

func (r *TaskRepository) Remove(_ context.Context, id string) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return domain.NotFound("task", id)
	}
	delete(r.tasks, id)
	return nil
}

type PlanRepository struct {
	sync.RWMutex
	plans map[string]domain.PlanSnapshot
}

func NewPlanRepository() *PlanRepository {
	return &PlanRepository{plans: make(map[string]domain.PlanSnapshot)}
}

func (r *PlanRepository) Save(_ context.Context, plan *domain.Plan) error {
	r.Lock()
	defer r.Unlock()
	r.plans[plan.ID()] = plan.Snapshot()
	return nil
}

func (r *PlanRepository) FindByID(_ context.Context, id string) (*domain.Plan, error) {
	r.RLock()
	defer r.RUnlock()
	snap, ok := r.plans[id]
	if !ok {
		return nil, domain.NotFound("plan", id)
	}
	return domain.RehydratePlan(snap), nil
}

func (r *PlanRepository) FindByStatus(_ context.Context, statuses ...domain.PlanStatus) ([]*domain.Plan, error) {
	r.RLock()
	defer r.RUnlock()
	var snaps []domain.PlanSnapshot
	for _, snap := range r.plans {
		if slices.Contains(statuses, snap.Status) {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	out := make([]*domain.Plan, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, domain.RehydratePlan(snap))
	}
	return out, nil
}

func (r *PlanRepository) Remove(_ context.Context, id string) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.plans[id]; !ok {
		return domain.NotFound("plan", id)
	}
	delete(r.plans, id)
	return nil
}

type RuntimeContextRepository struct {
	sync.RWMutex
	contexts map[string]domain.RuntimeSnapshot
}

func NewRuntimeContextRepository() *RuntimeContextRepository {
	return &RuntimeContextRepository{contexts: make(map[string]domain.RuntimeSnapshot)}
}

func (r *RuntimeContextRepository) Save(_ context.Context, rc *domain.RuntimeContext) error {
	r.Lock()
	defer r.Unlock()
	r.contexts[rc.TaskID()] = rc.Snapshot()
	return nil
}

func (r *RuntimeContextRepository) Load(_ context.Context, taskID string) (*domain.RuntimeContext, error) {
	r.RLock()
	defer r.RUnlock()
	snap, ok := r.contexts[taskID]
	if !ok {
		return nil, domain.NotFound("runtime context", taskID)
	}
	return domain.RestoreRuntimeContext(snap), nil
}

func (r *RuntimeContextRepository) Remove(_ context.Context, taskID string) error {
	r.Lock()
	defer r.Unlock()
	delete(r.contexts, taskID)
	return nil
}
