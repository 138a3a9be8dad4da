package service

import (
	"context"
	"errors"
	"fmt"

	"go-rollout/internal/api/dto"
	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type DeploymentService interface {
	CreatePlan(ctx context.Context, req dto.CreatePlanRequest) (*domain.Plan, []*domain.Task, error)
	StartPlan(ctx context.Context, planID string) error
	PausePlan(ctx context.Context, planID string) error
	ResumePlan(ctx context.Context, planID string) error
	GetPlan(ctx context.Context, planID string) (*domain.Plan, []*domain.Task, error)

	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	PauseTask(ctx context.Context, taskID string) error
	ResumeTask(ctx context.Context, taskID string) error
	CancelTask(ctx context.Context, taskID string) error
	RetryTask(ctx context.Context, taskID string, fromCheckpoint bool) error
	RollbackTask(ctx context.Context, taskID string) error
	PurgeTask(ctx context.Context, taskID string) error
}

// PlanRunner runs plans; the coordinator implements it.
type PlanRunner interface {
	StartPlan(ctx context.Context, planID string) error
	PausePlan(ctx context.Context, planID string) error
	ResumePlan(ctx context.Context, planID string) error

	// ResumeTask reports false when planID is not being run and the caller
	// should queue the task itself.
	ResumeTask(ctx context.Context, planID, taskID string) (bool, error)
}

// ExecutionControl is the part of the executor the service drives directly.
type ExecutionControl interface {
	// Cancel cancels a task that is not executing.
	Cancel(ctx context.Context, task *domain.Task, rc *domain.RuntimeContext) error
	// Forget drops the executor's state of a purged task.
	Forget(taskID string)
}

// Defaults fill in what a task request leaves out.
type Defaults struct {
	Stages   []string
	MaxRetry int
}

// The Implementation
type deploymentService struct {
	plans       ports.PlanRepository
	tasks       ports.TaskRepository
	checkpoints ports.CheckpointStore
	runtimes    ports.RuntimeContextRepository
	queue       ports.JobQueue
	runner      PlanRunner
	executor    ExecutionControl
	tracker     ports.ExecutionTracker
	rules       []domain.ValidationRule
	defaults    Defaults
	logger      zerolog.Logger
}

// Deps groups the collaborators of the deployment service.
type Deps struct {
	Plans       ports.PlanRepository
	Tasks       ports.TaskRepository
	Checkpoints ports.CheckpointStore
	Runtimes    ports.RuntimeContextRepository
	Queue       ports.JobQueue
	Runner      PlanRunner
	Executor    ExecutionControl
	Tracker     ports.ExecutionTracker
	Rules       []domain.ValidationRule
	Defaults    Defaults
}

// Constructor
func NewDeploymentService(d Deps) DeploymentService {
	return &deploymentService{
		plans:       d.Plans,
		tasks:       d.Tasks,
		checkpoints: d.Checkpoints,
		runtimes:    d.Runtimes,
		queue:       d.Queue,
		runner:      d.Runner,
		executor:    d.Executor,
		tracker:     d.Tracker,
		rules:       d.Rules,
		defaults:    d.Defaults,
		logger:      log.With().Str("component", "service").Logger(),
	}
}

func (s *deploymentService) CreatePlan(ctx context.Context, req dto.CreatePlanRequest) (*domain.Plan, []*domain.Task, error) {
	// 1. Create the Plan entity
	plan := domain.NewPlan(req.Name, req.MaxConcurrency)

	// 2. Convert task requests -> validated Task entities
	tasks := make([]*domain.Task, 0, len(req.Tasks))
	for i, tr := range req.Tasks {
		task := domain.NewTask(s.taskSpec(plan.ID(), tr))
		if err := task.Validate(domain.TransitionContext{Ctx: ctx}, s.rules...); err != nil {
			return nil, nil, fmt.Errorf("task %d (tenant %s): %w", i, tr.TenantID, err)
		}
		if err := plan.AddTask(task.ID()); err != nil {
			return nil, nil, err
		}
		tasks = append(tasks, task)
	}
	if err := plan.MarkAsReady(); err != nil {
		return nil, nil, err
	}

	// 3. Save tasks first so a stored plan never points at missing tasks
	for _, task := range tasks {
		if err := s.tasks.Save(ctx, task); err != nil {
			return nil, nil, domain.NewSystemError("save task", err)
		}
	}
	if err := s.plans.Save(ctx, plan); err != nil {
		return nil, nil, domain.NewSystemError("save plan", err)
	}
	s.logger.Info().Str("plan_id", plan.ID()).Int("tasks", len(tasks)).Msg("plan created")
	return plan, tasks, nil
}

func (s *deploymentService) taskSpec(planID string, tr dto.TaskRequest) domain.TaskSpec {
	stages := tr.Stages
	if len(stages) == 0 {
		stages = s.defaults.Stages
	}
	maxRetry := s.defaults.MaxRetry
	if tr.MaxRetry != nil {
		maxRetry = *tr.MaxRetry
	}
	return domain.TaskSpec{
		PlanID:          planID,
		TenantID:        tr.TenantID,
		StageNames:      stages,
		MaxRetry:        maxRetry,
		DeployVersion:   tr.DeployVersion,
		Config:          tr.Config,
		PreviousVersion: tr.PreviousVersion,
		PreviousConfig:  tr.PreviousConfig,
	}
}

func (s *deploymentService) StartPlan(ctx context.Context, planID string) error {
	return s.runner.StartPlan(ctx, planID)
}

func (s *deploymentService) PausePlan(ctx context.Context, planID string) error {
	return s.runner.PausePlan(ctx, planID)
}

func (s *deploymentService) ResumePlan(ctx context.Context, planID string) error {
	return s.runner.ResumePlan(ctx, planID)
}

// GetPlan returns the plan and its tasks in plan order.
func (s *deploymentService) GetPlan(ctx context.Context, planID string) (*domain.Plan, []*domain.Task, error) {
	plan, err := s.plans.FindByID(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	found, err := s.tasks.FindByPlan(ctx, planID)
	if err != nil {
		return nil, nil, domain.NewSystemError("load plan tasks", err)
	}
	byID := make(map[string]*domain.Task, len(found))
	for _, t := range found {
		byID[t.ID()] = t
	}
	tasks := make([]*domain.Task, 0, len(found))
	for _, id := range plan.TaskIDs() {
		if t, ok := byID[id]; ok {
			tasks = append(tasks, t)
		}
	}
	return plan, tasks, nil
}

func (s *deploymentService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.tasks.FindByID(ctx, taskID)
}

// PauseTask asks a live execution to pause at its next stage boundary.
func (s *deploymentService) PauseTask(ctx context.Context, taskID string) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	if rc, live := s.tracker.Active(taskID); live {
		rc.RequestPause()
		s.logger.Info().Str("task_id", taskID).Msg("pause requested")
		return nil
	}
	return domain.NewBusinessError("pause task", fmt.Sprintf("task %s is %s and not executing", taskID, task.Status()))
}

// ResumeTask queues a paused task. A task of a running plan goes through the
// plan runner so it only takes a free plan slot.
func (s *deploymentService) ResumeTask(ctx context.Context, taskID string) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status() != domain.StatusPaused {
		return domain.NewBusinessError("resume task", fmt.Sprintf("task %s is %s, want %s", taskID, task.Status(), domain.StatusPaused))
	}
	if task.PlanID() != "" {
		handled, err := s.runner.ResumeTask(ctx, task.PlanID(), taskID)
		if err != nil {
			return err
		}
		if handled {
			s.logger.Info().Str("task_id", taskID).Str("plan_id", task.PlanID()).Msg("resume handed to plan")
			return nil
		}
	}
	return s.push(ctx, domain.Job{TaskID: taskID, Action: domain.JobExecute})
}

// CancelTask flags a live execution, or cancels a pending or paused task directly.
func (s *deploymentService) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	if rc, live := s.tracker.Active(taskID); live {
		rc.RequestCancel()
		s.logger.Info().Str("task_id", taskID).Msg("cancel requested")
		return nil
	}
	rc, err := s.runtimeContext(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.executor.Cancel(ctx, task, rc); err != nil {
		return err
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return domain.NewSystemError("save task", err)
	}
	if err := s.runtimes.Save(ctx, rc); err != nil {
		return domain.NewSystemError("save runtime context", err)
	}
	return nil
}

// RetryTask queues a retry after checking the budget up front; the executor
// checks it again when the job runs.
func (s *deploymentService) RetryTask(ctx context.Context, taskID string, fromCheckpoint bool) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status() {
	case domain.StatusFailed, domain.StatusRolledBack:
	default:
		return domain.NewBusinessError("retry task", fmt.Sprintf("task %s cannot be retried from %s", taskID, task.Status()))
	}
	if task.RetryCount() >= task.MaxRetry() {
		return domain.ErrRetryExhausted
	}
	return s.push(ctx, domain.Job{TaskID: taskID, Action: domain.JobRetry, FromCheckpoint: fromCheckpoint})
}

func (s *deploymentService) RollbackTask(ctx context.Context, taskID string) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	if _, live := s.tracker.Active(taskID); live {
		return &domain.Error{Kind: domain.KindConflict, Op: "rollback task", Message: fmt.Sprintf("task %s is executing, pause or cancel it first", taskID)}
	}
	if !task.CanTransition(domain.StatusRollingBack, domain.TransitionContext{Ctx: ctx}) {
		return domain.NewBusinessError("rollback task", fmt.Sprintf("task %s cannot be rolled back from %s", taskID, task.Status()))
	}
	return s.push(ctx, domain.Job{TaskID: taskID, Action: domain.JobRollback})
}

// PurgeTask removes a settled task with its checkpoint and runtime context.
func (s *deploymentService) PurgeTask(ctx context.Context, taskID string) error {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status().Purgeable() {
		return domain.NewBusinessError("purge task", fmt.Sprintf("task %s is %s and still in progress", taskID, task.Status()))
	}
	if err := s.checkpoints.Clear(ctx, taskID); err != nil {
		return domain.NewSystemError("clear checkpoint", err)
	}
	if err := s.runtimes.Remove(ctx, taskID); err != nil {
		return domain.NewSystemError("remove runtime context", err)
	}
	if err := s.tasks.Remove(ctx, taskID); err != nil {
		return err
	}
	s.executor.Forget(taskID)
	s.logger.Info().Str("task_id", taskID).Msg("task purged")
	return nil
}

func (s *deploymentService) push(ctx context.Context, job domain.Job) error {
	if err := s.queue.Push(ctx, job); err != nil {
		return domain.NewSystemError("queue job", err)
	}
	s.logger.Info().Str("task_id", job.TaskID).Str("action", string(job.Action)).Msg("job queued")
	return nil
}

func (s *deploymentService) runtimeContext(ctx context.Context, taskID string) (*domain.RuntimeContext, error) {
	rc, err := s.runtimes.Load(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewRuntimeContext(taskID), nil
	}
	if err != nil {
		return nil, domain.NewSystemError("load runtime context", err)
	}
	return rc, nil
}
