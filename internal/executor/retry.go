package executor

import (
	"context"
	"fmt"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"
)

// Retry re-runs a FAILED or ROLLED_BACK task, consuming one unit of its retry
// budget. With fromCheckpoint a FAILED task continues after its last
// checkpoint; otherwise it starts from the first stage. ErrRetryExhausted is
// returned when the budget is used up.
func (e *Executor) Retry(ctx context.Context, task *domain.Task, stages []domain.Stage, rc *domain.RuntimeContext, fromCheckpoint bool) (*Result, error) {
	s, end, err := e.begin(ctx, "retry", task, stages, rc, true)
	if err != nil {
		return nil, err
	}
	defer end()

	rc.SetRetryFromCheckpoint(fromCheckpoint)
	e.emit(s, domain.EventTaskRetryStarted, nil)
	s.logger.Info().Bool("from_checkpoint", fromCheckpoint).Int("retry_count", task.RetryCount()).Int("max_retry", task.MaxRetry()).Msg("retry started")

	if err := task.PrepareRetry(e.tc(s), fromCheckpoint); err != nil {
		failure := domain.NewFailureInfo(err)
		// Both retry events are stored so the next call does not reuse their sequences.
		e.settle(s, domain.EventTaskRetryCompleted, func(ev *domain.Event) { ev.Failure = failure })
		s.logger.Warn().Err(err).Msg("retry refused")
		return nil, err
	}
	if !fromCheckpoint || task.Status() == domain.StatusPending {
		if err := e.checkpoints.Clear(s.ctx, task.ID()); err != nil {
			return nil, domain.NewSystemError("retry task", fmt.Errorf("clear checkpoint: %w", err))
		}
	}
	e.persist(s)

	result := e.run(s, stages)
	e.settle(s, domain.EventTaskRetryCompleted, func(ev *domain.Event) { ev.Failure = result.Failure })
	return result, nil
}

// Cancel cancels a task that is not currently executing stages (PENDING or
// PAUSED). A running task is cancelled by setting the cancel flag on its
// runtime context; the executor honours it at the next stage boundary.
func (e *Executor) Cancel(ctx context.Context, task *domain.Task, rc *domain.RuntimeContext) error {
	s, end, err := e.begin(ctx, "cancel", task, nil, rc, false)
	if err != nil {
		return err
	}
	defer end()

	if task.Status() == domain.StatusRunning {
		rc.RequestCancel()
	}
	if !task.Cancel(e.tc(s)) {
		return domain.NewBusinessError("cancel task", fmt.Sprintf("task %s cannot be cancelled from %s", task.ID(), task.Status()))
	}
	e.clearCheckpoint(s)
	e.settle(s, domain.EventTaskCancelled, nil)
	e.metrics.IncCounter(ports.MetricTaskCancelled)
	e.Forget(task.ID())
	s.logger.Info().Msg("task cancelled")
	return nil
}
