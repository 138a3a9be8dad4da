package worker

import (
	"sync"

	"go-rollout/internal/domain"
)

// Tracker records the runtime context of every task a worker is executing.
type Tracker struct {
	active sync.Map // taskID -> *domain.RuntimeContext
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Track registers rc. It reports false, leaving the tracked context in place,
// when the task is already executing on this node.
func (t *Tracker) Track(rc *domain.RuntimeContext) bool {
	_, loaded := t.active.LoadOrStore(rc.TaskID(), rc)
	return !loaded
}

func (t *Tracker) Untrack(taskID string) {
	t.active.Delete(taskID)
}

func (t *Tracker) Active(taskID string) (*domain.RuntimeContext, bool) {
	v, ok := t.active.Load(taskID)
	if !ok {
		return nil, false
	}
	return v.(*domain.RuntimeContext), true
}

// Len reports how many tasks are executing.
func (t *Tracker) Len() int {
	n := 0
	t.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
