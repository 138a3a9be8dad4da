package domain

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ConfigSnapshot is the deployment state a rollback restores.
type ConfigSnapshot struct {
	Version string            `json:"version"`
	Config  map[string]string `json:"config,omitempty"`
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	ID              string
	PlanID          string
	TenantID        string
	StageNames      []string
	MaxRetry        int
	DeployVersion   string
	Config          map[string]string
	PreviousVersion string
	PreviousConfig  map[string]string
}

// ValidationRule is one link of an external validation chain.
type ValidationRule func(t *Task) error

// Task is one tenant's multi-stage deployment. All mutation goes through its
// methods; the state machine decides which status changes are legal.
type Task struct {
	id       string
	planID   string
	tenantID string
	status   TaskStatus

	stageNames        []string
	currentStageIndex int
	executedStages    []string

	retryCount int
	maxRetry   int

	deployVersion        string
	lastKnownGoodVersion string
	config               map[string]string
	previousConfig       *ConfigSnapshot
	pauseRequested       bool

	startedAt      time.Time
	endedAt        time.Time
	durationMillis int64
	sequence       int64
	version        int64

	createdAt time.Time
	updatedAt time.Time

	machine *StateMachine
}

func NewTask(spec TaskSpec) *Task {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	t := &Task{
		id:            id,
		planID:        spec.PlanID,
		tenantID:      spec.TenantID,
		status:        StatusCreated,
		stageNames:    slices.Clone(spec.StageNames),
		maxRetry:      spec.MaxRetry,
		deployVersion: spec.DeployVersion,
		config:        maps.Clone(spec.Config),
		createdAt:     now,
		updatedAt:     now,
		machine:       defaultMachine,
	}
	if spec.PreviousVersion != "" || spec.PreviousConfig != nil {
		t.previousConfig = &ConfigSnapshot{
			Version: spec.PreviousVersion,
			Config:  maps.Clone(spec.PreviousConfig),
		}
		t.lastKnownGoodVersion = spec.PreviousVersion
	}
	return t
}

// WithStateMachine swaps the transition table, mainly for tests.
func (t *Task) WithStateMachine(m *StateMachine) *Task {
	t.machine = m
	return t
}

func (t *Task) ID() string                   { return t.id }
func (t *Task) PlanID() string               { return t.planID }
func (t *Task) TenantID() string             { return t.tenantID }
func (t *Task) Status() TaskStatus           { return t.status }
func (t *Task) StageNames() []string         { return slices.Clone(t.stageNames) }
func (t *Task) TotalStages() int             { return len(t.stageNames) }
func (t *Task) CurrentStageIndex() int       { return t.currentStageIndex }
func (t *Task) ExecutedStages() []string     { return slices.Clone(t.executedStages) }
func (t *Task) RetryCount() int              { return t.retryCount }
func (t *Task) MaxRetry() int                { return t.maxRetry }
func (t *Task) DeployVersion() string        { return t.deployVersion }
func (t *Task) LastKnownGoodVersion() string { return t.lastKnownGoodVersion }
func (t *Task) Config() map[string]string    { return maps.Clone(t.config) }
func (t *Task) PauseRequested() bool         { return t.pauseRequested }
func (t *Task) StartedAt() time.Time         { return t.startedAt }
func (t *Task) EndedAt() time.Time           { return t.endedAt }
func (t *Task) DurationMillis() int64        { return t.durationMillis }
func (t *Task) Sequence() int64              { return t.sequence }
func (t *Task) Version() int64               { return t.version }
func (t *Task) CreatedAt() time.Time         { return t.createdAt }
func (t *Task) UpdatedAt() time.Time         { return t.updatedAt }

func (t *Task) PreviousConfig() *ConfigSnapshot {
	if t.previousConfig == nil {
		return nil
	}
	return &ConfigSnapshot{Version: t.previousConfig.Version, Config: maps.Clone(t.previousConfig.Config)}
}

// CanTransition reports whether the state machine would accept to right now.
func (t *Task) CanTransition(to TaskStatus, tc TransitionContext) bool {
	return t.machine.CanTransition(t, to, tc)
}

// Validate runs the built-in checks and the given rule chain, moving the task
// CREATED → VALIDATING → PENDING, or to VALIDATION_FAILED on the first error.
func (t *Task) Validate(tc TransitionContext, rules ...ValidationRule) error {
	if !t.machine.Fire(t, StatusValidating, tc) {
		return NewBusinessError("validate task", fmt.Sprintf("task %s is %s", t.id, t.status))
	}
	all := append([]ValidationRule{validateIdentity, validateStages}, rules...)
	for _, rule := range all {
		if err := rule(t); err != nil {
			t.machine.Fire(t, StatusValidationFailed, tc)
			var de *Error
			if errors.As(err, &de) && de.Kind == KindValidation {
				return err
			}
			return &Error{Kind: KindValidation, Op: "validate task", Err: err}
		}
	}
	t.machine.Fire(t, StatusPending, tc)
	return nil
}

func validateIdentity(t *Task) error {
	if t.tenantID == "" {
		return NewValidationError("validate task", "tenant id is required")
	}
	if t.maxRetry < 0 {
		return NewValidationError("validate task", "max retry must not be negative")
	}
	return nil
}

func validateStages(t *Task) error {
	if len(t.stageNames) == 0 {
		return NewValidationError("validate task", "at least one stage is required")
	}
	seen := make(map[string]struct{}, len(t.stageNames))
	for _, name := range t.stageNames {
		if name == "" {
			return NewValidationError("validate task", "stage name must not be empty")
		}
		if _, dup := seen[name]; dup {
			return NewValidationError("validate task", fmt.Sprintf("duplicate stage %q", name))
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Start moves a pending or resuming task to RUNNING.
func (t *Task) Start(tc TransitionContext) bool {
	switch t.status {
	case StatusPending, StatusResuming:
		return t.machine.Fire(t, StatusRunning, tc)
	default:
		return false
	}
}

// Resume moves a paused task to RESUMING. Start completes the resume.
func (t *Task) Resume(tc TransitionContext) bool {
	return t.machine.Fire(t, StatusResuming, tc)
}

// CompleteStage records that the stage at index ran successfully.
func (t *Task) CompleteStage(index int, name string) bool {
	if !t.advanceTo(index) {
		return false
	}
	if !slices.Contains(t.executedStages, name) {
		t.executedStages = append(t.executedStages, name)
	}
	return true
}

// SkipStage records that the stage at index was skipped; it is not rolled back later.
func (t *Task) SkipStage(index int) bool {
	return t.advanceTo(index)
}

func (t *Task) advanceTo(index int) bool {
	if t.status != StatusRunning || index < 0 || index >= len(t.stageNames) {
		return false
	}
	if next := index + 1; next > t.currentStageIndex {
		t.currentStageIndex = next
	}
	t.updatedAt = time.Now()
	return true
}

// Fail marks the task FAILED. The failing stage counts as executed so a later
// rollback undoes whatever it applied before failing.
func (t *Task) Fail(tc TransitionContext, stageName string) bool {
	if !t.machine.Fire(t, StatusFailed, tc) {
		return false
	}
	if stageName != "" && !slices.Contains(t.executedStages, stageName) {
		t.executedStages = append(t.executedStages, stageName)
	}
	return true
}

// RequestPause records the intent to pause; it is honoured at the next stage boundary.
func (t *Task) RequestPause() {
	if t.status == StatusRunning || t.status == StatusPending {
		t.pauseRequested = true
	}
}

// ApplyPauseAtStageBoundary moves RUNNING → PAUSED when a pause was requested.
func (t *Task) ApplyPauseAtStageBoundary(tc TransitionContext) bool {
	return t.machine.Fire(t, StatusPaused, tc)
}

func (t *Task) Cancel(tc TransitionContext) bool {
	return t.machine.Fire(t, StatusCancelled, tc)
}

// Complete moves RUNNING → COMPLETED once every stage has been passed.
func (t *Task) Complete(tc TransitionContext) bool {
	return t.machine.Fire(t, StatusCompleted, tc)
}

// RecordCheckpoint aligns the stage index with a loaded checkpoint. The index
// only moves forward.
func (t *Task) RecordCheckpoint(cp *Checkpoint) {
	if cp == nil {
		return
	}
	next := cp.LastCompletedStageIndex + 1
	if next > len(t.stageNames) {
		next = len(t.stageNames)
	}
	if next > t.currentStageIndex {
		t.currentStageIndex = next
	}
	for _, name := range cp.CompletedStageNames {
		if !slices.Contains(t.executedStages, name) {
			t.executedStages = append(t.executedStages, name)
		}
	}
}

// BeginRollback moves the task to ROLLING_BACK.
func (t *Task) BeginRollback(tc TransitionContext) bool {
	return t.machine.Fire(t, StatusRollingBack, tc)
}

// FinishRollback settles a rollback as ROLLED_BACK or ROLLBACK_FAILED.
func (t *Task) FinishRollback(tc TransitionContext, succeeded bool) bool {
	if succeeded {
		return t.machine.Fire(t, StatusRolledBack, tc)
	}
	return t.machine.Fire(t, StatusRollbackFailed, tc)
}

// PrepareRetry consumes one unit of the retry budget. A FAILED task goes back
// to RUNNING, keeping its progress when fromCheckpoint is set; a ROLLED_BACK
// task goes back to PENDING and starts over.
func (t *Task) PrepareRetry(tc TransitionContext, fromCheckpoint bool) error {
	switch t.status {
	case StatusFailed:
		if !t.machine.CanTransition(t, StatusRunning, tc) {
			return ErrRetryExhausted
		}
		if !fromCheckpoint {
			t.currentStageIndex = 0
			t.executedStages = nil
		}
		t.machine.Fire(t, StatusRunning, tc)
		return nil
	case StatusRolledBack:
		if !t.machine.Fire(t, StatusPending, tc) {
			return ErrRetryExhausted
		}
		return nil
	default:
		return NewBusinessError("retry task", fmt.Sprintf("task %s cannot be retried from %s", t.id, t.status))
	}
}

// NextSequence returns the next per-task event sequence number.
func (t *Task) NextSequence() int64 {
	t.sequence++
	return t.sequence
}

// MarkClaimed records a successful repository claim of the stored version.
func (t *Task) MarkClaimed() {
	t.version++
}

// TaskSnapshot is the plain-data form of a Task used by repositories.
type TaskSnapshot struct {
	ID                   string
	PlanID               string
	TenantID             string
	Status               TaskStatus
	StageNames           []string
	CurrentStageIndex    int
	ExecutedStages       []string
	RetryCount           int
	MaxRetry             int
	DeployVersion        string
	LastKnownGoodVersion string
	Config               map[string]string
	PreviousConfig       *ConfigSnapshot
	PauseRequested       bool
	StartedAt            time.Time
	EndedAt              time.Time
	DurationMillis       int64
	Sequence             int64
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (t *Task) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		ID:                   t.id,
		PlanID:               t.planID,
		TenantID:             t.tenantID,
		Status:               t.status,
		StageNames:           slices.Clone(t.stageNames),
		CurrentStageIndex:    t.currentStageIndex,
		ExecutedStages:       slices.Clone(t.executedStages),
		RetryCount:           t.retryCount,
		MaxRetry:             t.maxRetry,
		DeployVersion:        t.deployVersion,
		LastKnownGoodVersion: t.lastKnownGoodVersion,
		Config:               maps.Clone(t.config),
		PreviousConfig:       t.PreviousConfig(),
		PauseRequested:       t.pauseRequested,
		StartedAt:            t.startedAt,
		EndedAt:              t.endedAt,
		DurationMillis:       t.durationMillis,
		Sequence:             t.sequence,
		Version:              t.version,
		CreatedAt:            t.createdAt,
		UpdatedAt:            t.updatedAt,
	}
}

// RehydrateTask rebuilds a Task from storage.
func RehydrateTask(s TaskSnapshot) *Task {
	t := &Task{
		id:                   s.ID,
		planID:               s.PlanID,
		tenantID:             s.TenantID,
		status:               s.Status,
		stageNames:           slices.Clone(s.StageNames),
		currentStageIndex:    s.CurrentStageIndex,
		executedStages:       slices.Clone(s.ExecutedStages),
		retryCount:           s.RetryCount,
		maxRetry:             s.MaxRetry,
		deployVersion:        s.DeployVersion,
		lastKnownGoodVersion: s.LastKnownGoodVersion,
		config:               maps.Clone(s.Config),
		pauseRequested:       s.PauseRequested,
		startedAt:            s.StartedAt,
		endedAt:              s.EndedAt,
		durationMillis:       s.DurationMillis,
		sequence:             s.Sequence,
		version:              s.Version,
		createdAt:            s.CreatedAt,
		updatedAt:            s.UpdatedAt,
		machine:              defaultMachine,
	}
	if s.PreviousConfig != nil {
		t.previousConfig = &ConfigSnapshot{Version: s.PreviousConfig.Version, Config: maps.Clone(s.PreviousConfig.Config)}
	}
	return t
}
