package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTaskStarted             EventType = "TASK_STARTED"
	EventTaskStageStarted        EventType = "TASK_STAGE_STARTED"
	EventTaskStageCompleted      EventType = "TASK_STAGE_COMPLETED"
	EventTaskStageFailed         EventType = "TASK_STAGE_FAILED"
	EventTaskFailed              EventType = "TASK_FAILED"
	EventTaskCompleted           EventType = "TASK_COMPLETED"
	EventTaskPaused              EventType = "TASK_PAUSED"
	EventTaskResumed             EventType = "TASK_RESUMED"
	EventTaskCancelled           EventType = "TASK_CANCELLED"
	EventTaskRollingBack         EventType = "TASK_ROLLING_BACK"
	EventTaskStageRollingBack    EventType = "TASK_STAGE_ROLLING_BACK"
	EventTaskStageRolledBack     EventType = "TASK_STAGE_ROLLED_BACK"
	EventTaskStageRollbackFailed EventType = "TASK_STAGE_ROLLBACK_FAILED"
	EventTaskRolledBack          EventType = "TASK_ROLLED_BACK"
	EventTaskRollbackFailed      EventType = "TASK_ROLLBACK_FAILED"
	EventTaskRetryStarted        EventType = "TASK_RETRY_STARTED"
	EventTaskRetryCompleted      EventType = "TASK_RETRY_COMPLETED"
)

// Settles reports whether the event marks the end of an execution.
func (t EventType) Settles() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled,
		EventTaskRolledBack, EventTaskRollbackFailed:
		return true
	default:
		return false
	}
}

// Event is a task domain event. Sequence increases monotonically per task.
type Event struct {
	ID               string       `json:"id"`
	Type             EventType    `json:"type"`
	TaskID           string       `json:"task_id"`
	TenantID         string       `json:"tenant_id"`
	PlanID           string       `json:"plan_id"`
	Sequence         int64        `json:"sequence"`
	Timestamp        time.Time    `json:"timestamp"`
	StageName        string       `json:"stage_name,omitempty"`
	StageIndex       int          `json:"stage_index,omitempty"`
	Status           TaskStatus   `json:"status,omitempty"`
	Failure          *FailureInfo `json:"failure,omitempty"`
	RolledBackStages []string     `json:"rolled_back_stages,omitempty"`
	FailedStages     []string     `json:"failed_stages,omitempty"`
}

// NewEvent stamps a new event for t, consuming the next sequence number.
func NewEvent(t *Task, typ EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    t.ID(),
		TenantID:  t.TenantID(),
		PlanID:    t.PlanID(),
		Sequence:  t.NextSequence(),
		Timestamp: time.Now(),
		Status:    t.Status(),
	}
}
