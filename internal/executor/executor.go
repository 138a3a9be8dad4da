// Package executor drives a task's stage pipeline: execution with
// checkpoint-based resume, cooperative pause/cancel, explicit retry and rollback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-rollout/internal/admission"
	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"
	"go-rollout/internal/heartbeat"
	"go-rollout/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Result is the outcome of Execute or Retry.
type Result struct {
	TaskID  string
	Status  domain.TaskStatus
	Stages  []domain.StageResult
	Failure *domain.FailureInfo
}

// RollbackResult is the outcome of Rollback.
type RollbackResult struct {
	TaskID     string
	Status     domain.TaskStatus
	RolledBack []string
	Failed     []domain.StageResult
}

// FailedStages lists the names of stages whose rollback failed.
func (r *RollbackResult) FailedStages() []string {
	names := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		names[i] = f.StageName
	}
	return names
}

type Executor struct {
	checkpoints ports.CheckpointStore
	admission   ports.TenantAdmission
	events      ports.EventSink
	metrics     ports.Metrics
	health      domain.HealthChecker
	tasks       ports.TaskRepository

	heartbeatInterval time.Duration
	logger            zerolog.Logger

	inflight   sync.Map // taskID -> struct{}
	heartbeats sync.Map // taskID -> *heartbeat.Scheduler
}

type Option func(*Executor)

func WithMetrics(m ports.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithHealthChecker enables last-known-good promotion after a rollback.
func WithHealthChecker(h domain.HealthChecker) Option {
	return func(e *Executor) { e.health = h }
}

// WithTaskRepository persists the task after every stage and status change.
func WithTaskRepository(r ports.TaskRepository) Option {
	return func(e *Executor) { e.tasks = r }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Executor) { e.heartbeatInterval = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func New(checkpoints ports.CheckpointStore, adm ports.TenantAdmission, events ports.EventSink, opts ...Option) *Executor {
	e := &Executor{
		checkpoints:       checkpoints,
		admission:         adm,
		events:            events,
		metrics:           metrics.Noop{},
		heartbeatInterval: 10 * time.Second,
		logger:            log.With().Str("component", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type traceKey struct{}

// TraceID returns the trace id attached to ctx by the executor, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// session is one call into the executor for one task.
type session struct {
	ctx    context.Context
	logger zerolog.Logger
	lease  *admission.Lease
	task   *domain.Task
	rc     *domain.RuntimeContext
}

// begin claims the task for this goroutine and, when a repository is wired,
// claims its stored version. It opens a trace scope and, when admit is set,
// acquires the tenant slot. The returned end func must be deferred.
func (e *Executor) begin(ctx context.Context, op string, task *domain.Task, stages []domain.Stage, rc *domain.RuntimeContext, admit bool) (*session, func(), error) {
	if stages != nil {
		if err := checkStages(task, stages); err != nil {
			return nil, nil, err
		}
	}
	if _, busy := e.inflight.LoadOrStore(task.ID(), struct{}{}); busy {
		return nil, nil, &domain.Error{Kind: domain.KindConflict, Op: op, Message: fmt.Sprintf("task %s is already executing", task.ID())}
	}

	traceID := TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = context.WithValue(ctx, traceKey{}, traceID)
	}
	logger := e.logger.With().
		Str("trace_id", traceID).
		Str("op", op).
		Str("task_id", task.ID()).
		Str("tenant_id", task.TenantID()).
		Str("plan_id", task.PlanID()).
		Logger()
	ctx = logger.WithContext(ctx)

	// A copy loaded before another execution moved the task on must not run.
	if e.tasks != nil {
		if err := e.tasks.Claim(ctx, task); err != nil && !errors.Is(err, domain.ErrNotFound) {
			e.inflight.Delete(task.ID())
			logger.Warn().Err(err).Int64("version", task.Version()).Msg("task claim refused")
			return nil, nil, err
		}
	}

	var lease *admission.Lease
	if admit {
		var err error
		lease, err = admission.Acquire(ctx, e.admission, task.TenantID(), task.ID())
		if err != nil {
			e.inflight.Delete(task.ID())
			logger.Info().Err(err).Msg("tenant busy, not starting")
			return nil, nil, err
		}
	}

	s := &session{ctx: ctx, logger: logger, lease: lease, task: task, rc: rc}
	end := func() {
		// The slot is kept only while the task still owns the tenant.
		if !holdsTenant(task.Status()) {
			if lease != nil {
				lease.Release(ctx)
			} else {
				e.admission.Release(ctx, task.TenantID(), task.ID())
			}
		}
		e.inflight.Delete(task.ID())
	}
	return s, end, nil
}

// holdsTenant reports whether a task in status s keeps its tenant slot after the call returns.
func holdsTenant(s domain.TaskStatus) bool {
	switch s {
	case domain.StatusRunning, domain.StatusPaused, domain.StatusResuming, domain.StatusRollingBack:
		return true
	default:
		return false
	}
}

func checkStages(task *domain.Task, stages []domain.Stage) error {
	names := task.StageNames()
	if len(names) != len(stages) {
		return &domain.Error{Kind: domain.KindValidation, Op: "check stages", Message: domain.ErrStageMismatch.Message,
			Err: fmt.Errorf("task %s has %d stages, got %d", task.ID(), len(names), len(stages))}
	}
	for i, s := range stages {
		if s.Name() != names[i] {
			return &domain.Error{Kind: domain.KindValidation, Op: "check stages", Message: domain.ErrStageMismatch.Message,
				Err: fmt.Errorf("stage %d is %q, want %q", i, s.Name(), names[i])}
		}
	}
	return nil
}

func (e *Executor) tc(s *session) domain.TransitionContext {
	return domain.TransitionContext{Ctx: s.ctx, Runtime: s.rc, Health: e.health}
}

func (e *Executor) emit(s *session, typ domain.EventType, fill func(*domain.Event)) {
	e.publish(s, e.event(s, typ, fill))
}

// settle stores the task with the event's sequence already reserved, then
// publishes it, so listeners never read a task older than the event.
func (e *Executor) settle(s *session, typ domain.EventType, fill func(*domain.Event)) {
	event := e.event(s, typ, fill)
	e.persist(s)
	e.publish(s, event)
}

func (e *Executor) event(s *session, typ domain.EventType, fill func(*domain.Event)) domain.Event {
	event := domain.NewEvent(s.task, typ)
	if fill != nil {
		fill(&event)
	}
	return event
}

func (e *Executor) publish(s *session, event domain.Event) {
	if err := e.events.Publish(s.ctx, event); err != nil {
		s.logger.Error().Err(err).Str("event", string(event.Type)).Int64("seq", event.Sequence).Msg("failed to publish event")
	}
}

func (e *Executor) persist(s *session) {
	if e.tasks == nil {
		return
	}
	if err := e.tasks.Save(s.ctx, s.task); err != nil {
		s.logger.Error().Err(err).Str("status", string(s.task.Status())).Msg("failed to persist task")
	}
}

func (e *Executor) clearCheckpoint(s *session) {
	if err := e.checkpoints.Clear(s.ctx, s.task.ID()); err != nil {
		s.logger.Error().Err(err).Msg("failed to clear checkpoint")
	}
}

func (e *Executor) heartbeat(task *domain.Task) *heartbeat.Scheduler {
	if hb, ok := e.heartbeats.Load(task.ID()); ok {
		return hb.(*heartbeat.Scheduler)
	}
	hb := heartbeat.NewScheduler(task.ID(), e.heartbeatInterval, func(taskID string, lag int) {
		e.metrics.SetGauge(ports.MetricHeartbeatLag, taskID, float64(lag))
		e.logger.Debug().Str("task_id", taskID).Int("lag", lag).Msg("heartbeat")
	})
	actual, _ := e.heartbeats.LoadOrStore(task.ID(), hb)
	return actual.(*heartbeat.Scheduler)
}

// Forget drops what the executor keeps for a task that is gone.
func (e *Executor) Forget(taskID string) {
	if hb, ok := e.heartbeats.LoadAndDelete(taskID); ok {
		hb.(*heartbeat.Scheduler).Stop()
	}
}

// forgetHeartbeat drops the scheduler of a task that will not execute again.
func (e *Executor) forgetHeartbeat(task *domain.Task) {
	switch task.Status() {
	case domain.StatusFailed, domain.StatusPaused, domain.StatusRolledBack, domain.StatusRunning:
		return
	}
	e.heartbeats.Delete(task.ID())
}

// guard runs fn and turns a panic into a system error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewSystemError(op, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

func canSkip(stage domain.Stage, rc *domain.RuntimeContext) (skip bool, err error) {
	err = guard("check skip "+stage.Name(), func() error {
		skip = stage.CanSkip(rc)
		return nil
	})
	return skip, err
}
