package domain

import (
	"maps"
	"sync"
	"sync/atomic"
)

// Well-known runtime variables.
const (
	VarTargetVersion   = "targetVersion"
	VarPreviousVersion = "previousVersion"
)

// RuntimeContext is the mutable state of one execution of one task. Pause and
// cancel flags may be set from other goroutines; everything else belongs to
// the worker running the task.
type RuntimeContext struct {
	taskID string

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool

	retryFromCheckpoint   bool
	rollbackTargetVersion string

	mu   sync.RWMutex
	vars map[string]any
}

func NewRuntimeContext(taskID string) *RuntimeContext {
	return &RuntimeContext{taskID: taskID, vars: make(map[string]any)}
}

func (rc *RuntimeContext) TaskID() string { return rc.taskID }

func (rc *RuntimeContext) RequestPause()        { rc.pauseRequested.Store(true) }
func (rc *RuntimeContext) PauseRequested() bool { return rc.pauseRequested.Load() }
func (rc *RuntimeContext) ClearPause()          { rc.pauseRequested.Store(false) }

func (rc *RuntimeContext) RequestCancel()        { rc.cancelRequested.Store(true) }
func (rc *RuntimeContext) CancelRequested() bool { return rc.cancelRequested.Load() }

func (rc *RuntimeContext) SetRetryFromCheckpoint(v bool) { rc.retryFromCheckpoint = v }
func (rc *RuntimeContext) RetryFromCheckpoint() bool     { return rc.retryFromCheckpoint }

func (rc *RuntimeContext) SetRollbackTargetVersion(v string) { rc.rollbackTargetVersion = v }
func (rc *RuntimeContext) RollbackTargetVersion() string     { return rc.rollbackTargetVersion }

func (rc *RuntimeContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.vars[key] = value
}

func (rc *RuntimeContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.vars[key]
	return v, ok
}

// GetString returns the variable as a string, or "" when missing or not a string.
func (rc *RuntimeContext) GetString(key string) string {
	v, ok := rc.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// RuntimeSnapshot is the persisted form of a RuntimeContext.
type RuntimeSnapshot struct {
	TaskID                string         `json:"task_id"`
	PauseRequested        bool           `json:"pause_requested"`
	CancelRequested       bool           `json:"cancel_requested"`
	RetryFromCheckpoint   bool           `json:"retry_from_checkpoint"`
	RollbackTargetVersion string         `json:"rollback_target_version,omitempty"`
	Variables             map[string]any `json:"variables,omitempty"`
}

func (rc *RuntimeContext) Snapshot() RuntimeSnapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return RuntimeSnapshot{
		TaskID:                rc.taskID,
		PauseRequested:        rc.PauseRequested(),
		CancelRequested:       rc.CancelRequested(),
		RetryFromCheckpoint:   rc.retryFromCheckpoint,
		RollbackTargetVersion: rc.rollbackTargetVersion,
		Variables:             maps.Clone(rc.vars),
	}
}

func RestoreRuntimeContext(s RuntimeSnapshot) *RuntimeContext {
	rc := NewRuntimeContext(s.TaskID)
	rc.pauseRequested.Store(s.PauseRequested)
	rc.cancelRequested.Store(s.CancelRequested)
	rc.retryFromCheckpoint = s.RetryFromCheckpoint
	rc.rollbackTargetVersion = s.RollbackTargetVersion
	for k, v := range s.Variables {
		rc.vars[k] = v
	}
	return rc
}
