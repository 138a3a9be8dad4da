package repository

import (
	"encoding/json"
	"time"

	"go-rollout/internal/domain"

	"gorm.io/datatypes"
)

type TaskModel struct {
	ID                   string         `gorm:"type:varchar(64);primaryKey"`
	PlanID               string         `gorm:"type:varchar(64);index"`
	TenantID             string         `gorm:"type:varchar(100);index;not null"`
	Status               string         `gorm:"type:varchar(20);index;default:'CREATED'"`
	StageNames           datatypes.JSON
	CurrentStageIndex    int            `gorm:"default:0"`
	ExecutedStages       datatypes.JSON
	RetryCount           int            `gorm:"default:0"`
	MaxRetry             int            `gorm:"default:0"`
	DeployVersion        string         `gorm:"type:varchar(100)"`
	LastKnownGoodVersion string         `gorm:"type:varchar(100)"`
	Config               datatypes.JSON
	PreviousConfig       datatypes.JSON
	PauseRequested       bool
	StartedAt            *time.Time
	EndedAt              *time.Time
	DurationMillis       int64
	Sequence             int64
	Version              int64 `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TaskModel) TableName() string { return "tasks" }

type PlanModel struct {
	ID             string `gorm:"type:varchar(64);primaryKey"`
	Name           string `gorm:"type:varchar(200)"`
	Status         string `gorm:"type:varchar(20);index;default:'CREATED'"`
	MaxConcurrency int    `gorm:"default:1"`
	TaskIDs        datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PlanModel) TableName() string { return "plans" }

func (m *PlanModel) toDomain() (*domain.Plan, error) {
	taskIDs, err := fromJSON[[]string](m.TaskIDs)
	if err != nil {
		return nil, err
	}
	return domain.RehydratePlan(domain.PlanSnapshot{
		ID:             m.ID,
		Name:           m.Name,
		Status:         domain.PlanStatus(m.Status),
		MaxConcurrency: m.MaxConcurrency,
		TaskIDs:        taskIDs,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}), nil
}

type CheckpointModel struct {
	TaskID                  string `gorm:"type:varchar(64);primaryKey"`
	LastCompletedStageIndex int
	CompletedStageNames     datatypes.JSON
	UpdatedAt               time.Time
}

func (CheckpointModel) TableName() string { return "task_checkpoints" }

type RuntimeContextModel struct {
	TaskID    string `gorm:"type:varchar(64);primaryKey"`
	Payload   datatypes.JSON
	UpdatedAt time.Time
}

func (RuntimeContextModel) TableName() string { return "task_runtime_contexts" }

func toJSON(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func fromJSON[T any](raw datatypes.JSON) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func newTaskModel(task *domain.Task) (*TaskModel, error) {
	s := task.Snapshot()
	m := &TaskModel{
		ID:                   s.ID,
		PlanID:               s.PlanID,
		TenantID:             s.TenantID,
		Status:               string(s.Status),
		CurrentStageIndex:    s.CurrentStageIndex,
		RetryCount:           s.RetryCount,
		MaxRetry:             s.MaxRetry,
		DeployVersion:        s.DeployVersion,
		LastKnownGoodVersion: s.LastKnownGoodVersion,
		PauseRequested:       s.PauseRequested,
		StartedAt:            timePtr(s.StartedAt),
		EndedAt:              timePtr(s.EndedAt),
		DurationMillis:       s.DurationMillis,
		Sequence:             s.Sequence,
		Version:              s.Version,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	var err error
	if m.StageNames, err = toJSON(s.StageNames); err != nil {
		return nil, err
	}
	if m.ExecutedStages, err = toJSON(s.ExecutedStages); err != nil {
		return nil, err
	}
	if m.Config, err = toJSON(s.Config); err != nil {
		return nil, err
	}
	if m.PreviousConfig, err = toJSON(s.PreviousConfig); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TaskModel) toDomain() (*domain.Task, error) {
	s := domain.TaskSnapshot{
		ID:                   m.ID,
		PlanID:               m.PlanID,
		TenantID:             m.TenantID,
		Status:               domain.TaskStatus(m.Status),
		CurrentStageIndex:    m.CurrentStageIndex,
		RetryCount:           m.RetryCount,
		MaxRetry:             m.MaxRetry,
		DeployVersion:        m.DeployVersion,
		LastKnownGoodVersion: m.LastKnownGoodVersion,
		PauseRequested:       m.PauseRequested,
		StartedAt:            timeValue(m.StartedAt),
		EndedAt:              timeValue(m.EndedAt),
		DurationMillis:       m.DurationMillis,
		Sequence:             m.Sequence,
		Version:              m.Version,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
	var err error
	if s.StageNames, err = fromJSON[[]string](m.StageNames); err != nil {
		return nil, err
	}
	if s.ExecutedStages, err = fromJSON[[]string](m.ExecutedStages); err != nil {
		return nil, err
	}
	if s.Config, err = fromJSON[map[string]string](m.Config); err != nil {
		return nil, err
	}
	if s.PreviousConfig, err = fromJSON[*domain.ConfigSnapshot](m.PreviousConfig); err != nil {
		return nil, err
	}
	return domain.RehydrateTask(s), nil
}
