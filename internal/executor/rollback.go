package executor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"
)

// Rollback undoes the stages the task actually executed, in reverse order.
// A failing stage rollback is recorded and the remaining stages are still
// rolled back; the task ends ROLLED_BACK only when every stage succeeded.
func (e *Executor) Rollback(ctx context.Context, task *domain.Task, stages []domain.Stage, rc *domain.RuntimeContext) (*RollbackResult, error) {
	s, end, err := e.begin(ctx, "rollback", task, stages, rc, true)
	if err != nil {
		return nil, err
	}
	defer end()

	tc := e.tc(s)
	result := &RollbackResult{TaskID: task.ID()}
	if !task.BeginRollback(tc) {
		return nil, domain.NewBusinessError("rollback task", fmt.Sprintf("task %s cannot be rolled back from %s", task.ID(), task.Status()))
	}
	if rc.RollbackTargetVersion() == "" {
		if prev := task.PreviousConfig(); prev != nil {
			rc.SetRollbackTargetVersion(prev.Version)
		}
	}
	e.metrics.IncCounter(ports.MetricRollbackCount)
	e.settle(s, domain.EventTaskRollingBack, nil)
	s.logger.Info().Strs("executed", task.ExecutedStages()).Str("target_version", rc.RollbackTargetVersion()).Msg("rollback started")

	executed := task.ExecutedStages()
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		if !slices.Contains(executed, stage.Name()) {
			continue
		}

		e.emit(s, domain.EventTaskStageRollingBack, func(ev *domain.Event) {
			ev.StageName = stage.Name()
			ev.StageIndex = i
		})
		began := time.Now()
		err := guard("rollback stage "+stage.Name(), func() error {
			return stage.Rollback(s.ctx, rc)
		})
		took := time.Since(began)
		if err != nil {
			failure := domain.NewFailureInfo(err)
			result.Failed = append(result.Failed, domain.StageResult{StageName: stage.Name(), Index: i, Outcome: domain.StageFailed, Failure: failure, Duration: took})
			e.emit(s, domain.EventTaskStageRollbackFailed, func(ev *domain.Event) {
				ev.StageName = stage.Name()
				ev.StageIndex = i
				ev.Failure = failure
			})
			s.logger.Error().Err(err).Str("stage", stage.Name()).Int("index", i).Msg("stage rollback failed, continuing")
			continue
		}
		result.RolledBack = append(result.RolledBack, stage.Name())
		e.emit(s, domain.EventTaskStageRolledBack, func(ev *domain.Event) {
			ev.StageName = stage.Name()
			ev.StageIndex = i
		})
		s.logger.Info().Str("stage", stage.Name()).Int("index", i).Dur("took", took).Msg("stage rolled back")
	}

	succeeded := len(result.Failed) == 0
	task.FinishRollback(tc, succeeded)
	if succeeded {
		e.clearCheckpoint(s)
	}
	// The scheduler of the execution being undone is not needed again.
	e.Forget(task.ID())
	if succeeded {
		e.settle(s, domain.EventTaskRolledBack, func(ev *domain.Event) {
			ev.RolledBackStages = result.RolledBack
		})
		s.logger.Info().Strs("rolled_back", result.RolledBack).Str("last_known_good", task.LastKnownGoodVersion()).Msg("task rolled back")
	} else {
		failed := result.FailedStages()
		e.settle(s, domain.EventTaskRollbackFailed, func(ev *domain.Event) {
			ev.RolledBackStages = result.RolledBack
			ev.FailedStages = failed
			ev.Failure = result.Failed[0].Failure
		})
		s.logger.Error().Strs("rolled_back", result.RolledBack).Strs("failed", failed).Msg("task rollback failed")
	}
	result.Status = task.Status()
	return result, nil
}
