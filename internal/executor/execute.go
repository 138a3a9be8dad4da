package executor

import (
	"context"
	"fmt"
	"time"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"
)

// Execute runs the task's stages from its checkpoint onwards. A stage failure
// is never returned as an error: it ends in a FAILED result. The returned
// error is reserved for refusing to run at all (tenant busy, stage mismatch).
func (e *Executor) Execute(ctx context.Context, task *domain.Task, stages []domain.Stage, rc *domain.RuntimeContext) (*Result, error) {
	s, end, err := e.begin(ctx, "execute", task, stages, rc, true)
	if err != nil {
		return nil, err
	}
	defer end()
	return e.run(s, stages), nil
}

func (e *Executor) run(s *session, stages []domain.Stage) *Result {
	task, rc := s.task, s.rc
	tc := e.tc(s)
	result := &Result{TaskID: task.ID()}

	// 1. START: get the task into RUNNING
	resumed := false
	switch task.Status() {
	case domain.StatusPending:
		task.Start(tc)
	case domain.StatusPaused:
		if task.Resume(tc) {
			resumed = true
			rc.ClearPause()
			task.Start(tc)
		}
	case domain.StatusResuming:
		resumed = true
		task.Start(tc)
	case domain.StatusRunning:
		// retried, or recovered after a restart
	}
	if task.Status() != domain.StatusRunning {
		s.logger.Warn().Str("status", string(task.Status())).Msg("task is not runnable, nothing to do")
		result.Status = task.Status()
		return result
	}

	// 2. RESUME POINT: the checkpoint decides where to pick up
	cp, err := e.checkpoints.Load(s.ctx, task.ID())
	if err != nil {
		return e.failTask(s, result, "", -1, domain.NewSystemError("load checkpoint", err))
	}
	task.RecordCheckpoint(cp)
	start := task.CurrentStageIndex()

	if resumed {
		e.settle(s, domain.EventTaskResumed, func(ev *domain.Event) { ev.StageIndex = start })
	} else {
		e.settle(s, domain.EventTaskStarted, func(ev *domain.Event) { ev.StageIndex = start })
	}
	e.metrics.IncCounter(ports.MetricTaskActive)
	s.logger.Info().Int("start_index", start).Int("total", len(stages)).Bool("resumed", resumed).Msg("task started")

	hb := e.heartbeat(task)
	hb.SetTotal(len(stages))
	hb.SetCompleted(start)
	hb.Start()
	defer func() {
		hb.Stop()
		e.forgetHeartbeat(task)
	}()

	// 3. STAGES: strictly sequential, pause/cancel honoured only between stages
	last := len(stages) - 1
	for i := start; i < len(stages); i++ {
		stage := stages[i]

		skip, err := canSkip(stage, rc)
		if err != nil {
			return e.failStage(s, result, stage.Name(), i, err, 0)
		}
		if skip {
			task.SkipStage(i)
			result.Stages = append(result.Stages, domain.StageResult{StageName: stage.Name(), Index: i, Outcome: domain.StageSkipped})
			if i < last {
				if err := e.checkpoints.Save(s.ctx, task.ID(), task.ExecutedStages(), i); err != nil {
					return e.failTask(s, result, "", i, domain.NewSystemError("save checkpoint", err))
				}
			}
			hb.SetCompleted(i + 1)
			s.logger.Info().Str("stage", stage.Name()).Int("index", i).Msg("stage skipped")
			continue
		}

		e.emit(s, domain.EventTaskStageStarted, func(ev *domain.Event) {
			ev.StageName = stage.Name()
			ev.StageIndex = i
		})
		began := time.Now()
		err = guard("execute stage "+stage.Name(), func() error {
			return stage.Execute(s.ctx, rc)
		})
		took := time.Since(began)
		if err != nil {
			return e.failStage(s, result, stage.Name(), i, err, took)
		}

		task.CompleteStage(i, stage.Name())
		result.Stages = append(result.Stages, domain.StageResult{StageName: stage.Name(), Index: i, Outcome: domain.StageSucceeded, Duration: took})

		// The checkpoint is written before the completion event goes out.
		if i < last {
			if err := e.checkpoints.Save(s.ctx, task.ID(), task.ExecutedStages(), i); err != nil {
				return e.failTask(s, result, "", i, domain.NewSystemError("save checkpoint", err))
			}
		}
		e.emit(s, domain.EventTaskStageCompleted, func(ev *domain.Event) {
			ev.StageName = stage.Name()
			ev.StageIndex = i
		})
		hb.SetCompleted(i + 1)
		e.persist(s)
		s.logger.Info().Str("stage", stage.Name()).Int("index", i).Dur("took", took).Msg("stage completed")

		if i == last {
			break
		}
		if rc.CancelRequested() && task.Cancel(tc) {
			e.clearCheckpoint(s)
			e.settle(s, domain.EventTaskCancelled, func(ev *domain.Event) { ev.StageIndex = i })
			e.metrics.IncCounter(ports.MetricTaskCancelled)
			s.logger.Info().Int("after_stage", i).Msg("task cancelled at stage boundary")
			result.Status = task.Status()
			return result
		}
		if rc.PauseRequested() {
			task.RequestPause()
			if task.ApplyPauseAtStageBoundary(tc) {
				e.settle(s, domain.EventTaskPaused, func(ev *domain.Event) { ev.StageIndex = i })
				e.metrics.IncCounter(ports.MetricTaskPaused)
				s.logger.Info().Int("after_stage", i).Msg("task paused at stage boundary")
				result.Status = task.Status()
				return result
			}
		}
		if err := s.ctx.Err(); err != nil {
			// Shutting down: leave the task RUNNING so it resumes from the checkpoint.
			s.logger.Warn().Err(err).Int("after_stage", i).Msg("context done, stopping at stage boundary")
			result.Status = task.Status()
			return result
		}
	}

	// 4. COMPLETE
	if !task.Complete(tc) {
		return e.failTask(s, result, "", -1, domain.NewSystemError("complete task", errIncomplete(task)))
	}
	e.clearCheckpoint(s)
	e.settle(s, domain.EventTaskCompleted, nil)
	e.metrics.IncCounter(ports.MetricTaskCompleted)
	s.logger.Info().Int64("duration_ms", task.DurationMillis()).Msg("task completed")
	result.Status = task.Status()
	return result
}

// failStage records a stage failure and fails the task. Later stages are not run.
func (e *Executor) failStage(s *session, result *Result, stageName string, index int, err error, took time.Duration) *Result {
	failure := domain.NewFailureInfo(err)
	result.Stages = append(result.Stages, domain.StageResult{StageName: stageName, Index: index, Outcome: domain.StageFailed, Failure: failure, Duration: took})
	e.emit(s, domain.EventTaskStageFailed, func(ev *domain.Event) {
		ev.StageName = stageName
		ev.StageIndex = index
		ev.Failure = failure
	})
	s.logger.Error().Err(err).Str("stage", stageName).Int("index", index).Str("error_type", string(failure.ErrorType)).Msg("stage failed")
	return e.failTask(s, result, stageName, index, err)
}

func (e *Executor) failTask(s *session, result *Result, stageName string, index int, err error) *Result {
	failure := domain.NewFailureInfo(err)
	s.task.Fail(e.tc(s), stageName)
	e.settle(s, domain.EventTaskFailed, func(ev *domain.Event) {
		ev.StageName = stageName
		ev.StageIndex = index
		ev.Failure = failure
	})
	e.metrics.IncCounter(ports.MetricTaskFailed)
	s.logger.Error().Err(err).Msg("task failed")
	result.Status = s.task.Status()
	result.Failure = failure
	return result
}

func errIncomplete(t *domain.Task) error {
	return fmt.Errorf("stage index %d below total %d", t.CurrentStageIndex(), t.TotalStages())
}
