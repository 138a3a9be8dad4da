// Package worker pops jobs off the queue and drives the executor.
package worker

import (
	"context"
	"errors"
	"time"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"
	"go-rollout/internal/executor"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Worker struct {
	workerID       string
	queue          ports.JobQueue
	tasks          ports.TaskRepository
	runtimes       ports.RuntimeContextRepository
	stages         ports.StageFactory
	executor       *executor.Executor
	tracker        *Tracker
	busyRetryDelay time.Duration
	logger         zerolog.Logger
}

type Option func(*Worker)

// WithBusyRetryDelay sets how long a job waits before it is queued again
// after its tenant was busy.
func WithBusyRetryDelay(d time.Duration) Option {
	return func(w *Worker) { w.busyRetryDelay = d }
}

func WithTracker(t *Tracker) Option {
	return func(w *Worker) { w.tracker = t }
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func NewWorker(q ports.JobQueue, tasks ports.TaskRepository, runtimes ports.RuntimeContextRepository, stages ports.StageFactory, exec *executor.Executor, opts ...Option) *Worker {
	w := &Worker{
		workerID:       uuid.New().String(),
		queue:          q,
		tasks:          tasks,
		runtimes:       runtimes,
		stages:         stages,
		executor:       exec,
		tracker:        NewTracker(),
		busyRetryDelay: time.Second,
		logger:         log.Logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "worker").Str("worker_id", w.workerID).Logger()
	return w
}

func (w *Worker) Tracker() *Tracker { return w.tracker }

// ProcessNextJob handles exactly ONE job
func (w *Worker) ProcessNextJob(ctx context.Context) {
	// 1. POP: Wait until a job is available
	job, err := w.queue.Pop(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("failed to pop job")
		}
		return
	}
	w.Handle(ctx, job)
}

// Handle runs one job to the point where the executor returns.
func (w *Worker) Handle(ctx context.Context, job domain.Job) {
	logger := w.logger.With().Str("task_id", job.TaskID).Str("action", string(job.Action)).Logger()

	// 2. FETCH: Get the task and its runtime context
	task, err := w.tasks.FindByID(ctx, job.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load task")
		return
	}
	rc, err := w.runtimeContext(ctx, task)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load runtime context")
		return
	}
	if !w.tracker.Track(rc) {
		logger.Warn().Msg("task already executing on this node, job dropped")
		return
	}
	defer w.tracker.Untrack(task.ID())

	// 3. BUILD: Resolve the stage pipeline
	stages, err := w.stages.BuildStages(ctx, task)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build stages")
		if task.Status() == domain.StatusPending {
			if cerr := w.executor.Cancel(ctx, task, rc); cerr != nil {
				logger.Error().Err(cerr).Msg("failed to cancel unbuildable task")
			}
		}
		return
	}

	// 4. EXECUTE
	var status domain.TaskStatus
	switch job.Action {
	case domain.JobRetry:
		var res *executor.Result
		res, err = w.executor.Retry(ctx, task, stages, rc, job.FromCheckpoint)
		if res != nil {
			status = res.Status
		}
	case domain.JobRollback:
		var res *executor.RollbackResult
		res, err = w.executor.Rollback(ctx, task, stages, rc)
		if res != nil {
			status = res.Status
		}
	default:
		var res *executor.Result
		res, err = w.executor.Execute(ctx, task, stages, rc)
		if res != nil {
			status = res.Status
		}
	}

	// 5. SAVE: Persist the runtime context even when the executor refused,
	// unless this job held a stale copy of the task.
	if errors.Is(err, domain.ErrStaleTask) {
		logger.Warn().Err(err).Msg("stale job dropped")
		return
	}
	if serr := w.runtimes.Save(ctx, rc); serr != nil {
		logger.Error().Err(serr).Msg("failed to save runtime context")
	}

	switch {
	case errors.Is(err, domain.ErrTenantBusy):
		logger.Info().Dur("delay", w.busyRetryDelay).Msg("tenant busy, job queued again")
		w.requeue(ctx, job)
	case err != nil:
		logger.Error().Err(err).Msg("job failed")
	default:
		if serr := w.tasks.Save(ctx, task); serr != nil {
			logger.Error().Err(serr).Msg("failed to save task")
		}
		logger.Info().Str("status", string(status)).Msg("job finished")
	}
}

func (w *Worker) requeue(ctx context.Context, job domain.Job) {
	go func() {
		timer := time.NewTimer(w.busyRetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := w.queue.Push(ctx, job); err != nil {
			w.logger.Error().Err(err).Str("task_id", job.TaskID).Msg("failed to queue job again")
		}
	}()
}

// runtimeContext loads the persisted context or starts a fresh one seeded
// with the task's versions. A rollback rewrites the task's deploy version,
// so the target is only seeded once.
func (w *Worker) runtimeContext(ctx context.Context, task *domain.Task) (*domain.RuntimeContext, error) {
	rc, err := w.runtimes.Load(ctx, task.ID())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		rc = domain.NewRuntimeContext(task.ID())
	default:
		return nil, err
	}
	if rc.GetString(domain.VarTargetVersion) == "" {
		rc.Set(domain.VarTargetVersion, task.DeployVersion())
	}
	if prev := task.PreviousConfig(); prev != nil && rc.GetString(domain.VarPreviousVersion) == "" {
		rc.Set(domain.VarPreviousVersion, prev.Version)
	}
	return rc, nil
}

// StartPool launches multiple concurrent worker loops
func (w *Worker) StartPool(ctx context.Context, concurrency int) {
	w.logger.Info().Int("concurrency", concurrency).Msg("starting worker pool")

	for i := 0; i < concurrency; i++ {
		go func(threadID int) {
			w.logger.Debug().Int("thread", threadID).Msg("worker thread started")
			for {
				select {
				case <-ctx.Done():
					w.logger.Debug().Int("thread", threadID).Msg("worker thread shutting down")
					return
				default:
					w.ProcessNextJob(ctx)
				}
			}
		}(i)
	}
}
