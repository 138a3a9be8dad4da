package ports

import (
	"context"

	"go-rollout/internal/domain"
)

// JobQueue carries execute/retry/rollback jobs to the worker pool.
type JobQueue interface {
	// Push a job to the back of the queue
	Push(ctx context.Context, job domain.Job) error

	// Wait (Block) until a job is available
	Pop(ctx context.Context) (domain.Job, error)
}

// EventSink receives task domain events.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

// EventBus is an EventSink that can also be consumed (used by the Coordinator).
type EventBus interface {
	EventSink
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
}

// TaskRepository persists task aggregates.
type TaskRepository interface {
	Save(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	FindByPlan(ctx context.Context, planID string) ([]*domain.Task, error)
	Remove(ctx context.Context, id string) error

	// Claim advances the stored version when it still matches the task's
	// version and status, then marks the task claimed. A mismatch is
	// domain.ErrStaleTask.
	Claim(ctx context.Context, task *domain.Task) error
}

// PlanRepository persists plan aggregates.
type PlanRepository interface {
	Save(ctx context.Context, plan *domain.Plan) error
	FindByID(ctx context.Context, id string) (*domain.Plan, error)
	FindByStatus(ctx context.Context, statuses ...domain.PlanStatus) ([]*domain.Plan, error)
	Remove(ctx context.Context, id string) error
}

// CheckpointStore is a last-write-wins map from task id to its checkpoint.
type CheckpointStore interface {
	Save(ctx context.Context, taskID string, completedStageNames []string, lastCompletedStageIndex int) error

	// Load returns nil, nil when the task has no checkpoint.
	Load(ctx context.Context, taskID string) (*domain.Checkpoint, error)

	Clear(ctx context.Context, taskID string) error
}

// RuntimeContextRepository persists runtime contexts across restarts.
type RuntimeContextRepository interface {
	Save(ctx context.Context, rc *domain.RuntimeContext) error
	Load(ctx context.Context, taskID string) (*domain.RuntimeContext, error)
	Remove(ctx context.Context, taskID string) error
}

// TenantAdmission allows at most one active task per tenant.
type TenantAdmission interface {
	TryAcquire(ctx context.Context, tenantID, taskID string) bool
	Release(ctx context.Context, tenantID, taskID string)
	RunningTaskID(tenantID string) (string, bool)
}

// TenantLock is a cross-process lock layered in front of TenantAdmission.
type TenantLock interface {
	Acquire(ctx context.Context, tenantID, owner string) (bool, error)
	Release(ctx context.Context, tenantID, owner string) error
}

// StageFactory builds the ordered stage list for a task.
type StageFactory interface {
	BuildStages(ctx context.Context, task *domain.Task) ([]domain.Stage, error)
}

// Metrics accepts counter increments and gauge updates.
type Metrics interface {
	IncCounter(name string)
	SetGauge(name, taskID string, value float64)
}

// Metric names.
const (
	MetricTaskActive    = "task_active"
	MetricTaskCompleted = "task_completed"
	MetricTaskFailed    = "task_failed"
	MetricTaskPaused    = "task_paused"
	MetricTaskCancelled = "task_cancelled"
	MetricRollbackCount = "rollback_count"
	MetricHeartbeatLag  = "heartbeat_lag"
)

// ExecutionTracker exposes the runtime contexts of tasks a worker is running,
// so pause and cancel requests reach the live execution.
type ExecutionTracker interface {
	Active(taskID string) (*domain.RuntimeContext, bool)
}
