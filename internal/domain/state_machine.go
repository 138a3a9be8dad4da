package domain

import (
	"context"
	"maps"
	"sync"
	"time"
)

// HealthChecker verifies that a tenant is healthy on a given version.
type HealthChecker interface {
	Verify(ctx context.Context, tenantID, version string) error
}

// TransitionContext carries everything guards and actions may look at.
type TransitionContext struct {
	Ctx     context.Context
	Runtime *RuntimeContext
	Health  HealthChecker
	Now     time.Time
}

func (tc TransitionContext) context() context.Context {
	if tc.Ctx == nil {
		return context.Background()
	}
	return tc.Ctx
}

func (tc TransitionContext) now() time.Time {
	if tc.Now.IsZero() {
		return time.Now()
	}
	return tc.Now
}

// Guard decides whether an edge may be taken. A false guard blocks silently.
type Guard func(t *Task, tc TransitionContext) bool

// Action runs after the status has changed.
type Action func(t *Task, tc TransitionContext)

type Edge struct {
	Guard  Guard
	Action Action
}

type edgeKey struct {
	from TaskStatus
	to   TaskStatus
}

// StateMachine is a table of (from, to) edges with optional guards and actions.
type StateMachine struct {
	mu    sync.RWMutex
	edges map[edgeKey]Edge
}

func NewStateMachine() *StateMachine {
	return &StateMachine{edges: make(map[edgeKey]Edge)}
}

// Allow registers an edge, replacing any previous definition.
func (m *StateMachine) Allow(from, to TaskStatus, edge Edge) *StateMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[edgeKey{from, to}] = edge
	return m
}

func (m *StateMachine) edge(from, to TaskStatus) (Edge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[edgeKey{from, to}]
	return e, ok
}

// CanTransition evaluates the edge and its guard without side effects.
func (m *StateMachine) CanTransition(t *Task, to TaskStatus, tc TransitionContext) bool {
	e, ok := m.edge(t.status, to)
	if !ok {
		return false
	}
	return e.Guard == nil || e.Guard(t, tc)
}

// Fire moves t to the target status when the edge exists and its guard passes,
// then runs the edge action. It returns false when the transition was blocked.
func (m *StateMachine) Fire(t *Task, to TaskStatus, tc TransitionContext) bool {
	e, ok := m.edge(t.status, to)
	if !ok {
		return false
	}
	if e.Guard != nil && !e.Guard(t, tc) {
		return false
	}
	t.status = to
	t.updatedAt = tc.now()
	if e.Action != nil {
		e.Action(t, tc)
	}
	return true
}

// Targets lists the statuses reachable from s, ignoring guards.
func (m *StateMachine) Targets(s TaskStatus) []TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TaskStatus
	for k := range m.edges {
		if k.from == s {
			out = append(out, k.to)
		}
	}
	return out
}

func pauseRequested(_ *Task, tc TransitionContext) bool {
	return tc.Runtime != nil && tc.Runtime.PauseRequested()
}

func cancelRequested(_ *Task, tc TransitionContext) bool {
	return tc.Runtime != nil && tc.Runtime.CancelRequested()
}

func allStagesDone(t *Task, _ TransitionContext) bool {
	return t.currentStageIndex >= len(t.stageNames)
}

func retryBudgetLeft(t *Task, _ TransitionContext) bool {
	return t.retryCount < t.maxRetry
}

func markStarted(t *Task, tc TransitionContext) {
	t.startedAt = tc.now()
	t.endedAt = time.Time{}
	t.durationMillis = 0
}

func markEnded(t *Task, tc TransitionContext) {
	t.endedAt = tc.now()
	if !t.startedAt.IsZero() {
		t.durationMillis = t.endedAt.Sub(t.startedAt).Milliseconds()
	}
}

// consumeRetry starts a new attempt; duration covers the latest attempt only.
func consumeRetry(t *Task, tc TransitionContext) {
	t.retryCount++
	markStarted(t, tc)
}

func resetForRerun(t *Task, _ TransitionContext) {
	t.retryCount++
	t.startedAt = time.Time{}
	t.endedAt = time.Time{}
	t.durationMillis = 0
	t.currentStageIndex = 0
	t.executedStages = nil
}

func clearPauseIntent(t *Task, _ TransitionContext) {
	t.pauseRequested = false
}

// restoreSnapshot puts the previous deployment back and promotes it to
// last-known-good only when a health checker is wired and confirms it.
func restoreSnapshot(t *Task, tc TransitionContext) {
	markEnded(t, tc)
	if t.previousConfig == nil {
		return
	}
	t.deployVersion = t.previousConfig.Version
	t.config = maps.Clone(t.previousConfig.Config)
	if tc.Health == nil || t.deployVersion == "" {
		return
	}
	if err := tc.Health.Verify(tc.context(), t.tenantID, t.deployVersion); err == nil {
		t.lastKnownGoodVersion = t.deployVersion
	}
}

// DefaultStateMachine returns the task lifecycle table.
func DefaultStateMachine() *StateMachine {
	m := NewStateMachine()
	m.Allow(StatusCreated, StatusValidating, Edge{})
	m.Allow(StatusValidating, StatusValidationFailed, Edge{Action: markEnded})
	m.Allow(StatusValidating, StatusPending, Edge{})

	m.Allow(StatusPending, StatusRunning, Edge{Action: markStarted})
	m.Allow(StatusPending, StatusCancelled, Edge{Action: markEnded})

	m.Allow(StatusRunning, StatusPaused, Edge{Guard: pauseRequested})
	m.Allow(StatusRunning, StatusCompleted, Edge{Guard: allStagesDone, Action: markEnded})
	m.Allow(StatusRunning, StatusFailed, Edge{Action: markEnded})
	m.Allow(StatusRunning, StatusRollingBack, Edge{})
	m.Allow(StatusRunning, StatusCancelled, Edge{Guard: cancelRequested, Action: markEnded})

	m.Allow(StatusPaused, StatusResuming, Edge{Action: clearPauseIntent})
	m.Allow(StatusPaused, StatusRollingBack, Edge{})
	m.Allow(StatusPaused, StatusCancelled, Edge{Action: markEnded})
	m.Allow(StatusResuming, StatusRunning, Edge{})

	m.Allow(StatusFailed, StatusRollingBack, Edge{})
	m.Allow(StatusFailed, StatusRunning, Edge{Guard: retryBudgetLeft, Action: consumeRetry})

	m.Allow(StatusRollingBack, StatusRolledBack, Edge{Action: restoreSnapshot})
	m.Allow(StatusRollingBack, StatusRollbackFailed, Edge{Action: markEnded})
	m.Allow(StatusRollbackFailed, StatusRollingBack, Edge{})

	m.Allow(StatusCompleted, StatusRollingBack, Edge{})
	m.Allow(StatusRolledBack, StatusPending, Edge{Guard: retryBudgetLeft, Action: resetForRerun})
	return m
}

var defaultMachine = DefaultStateMachine()
