package repository

import (
	"context"
	"errors"
	"time"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type checkpointStore struct {
	db *gorm.DB
}

// NewCheckpointStore creates a CheckpointStore backed by the task_checkpoints table.
func NewCheckpointStore(db *gorm.DB) ports.CheckpointStore {
	return &checkpointStore{db: db}
}

// Save upserts on task_id, so the latest write for a task always wins.
func (s *checkpointStore) Save(ctx context.Context, taskID string, completedStageNames []string, lastCompletedStageIndex int) error {
	names, err := toJSON(completedStageNames)
	if err != nil {
		return err
	}
	model := &CheckpointModel{
		TaskID:                  taskID,
		LastCompletedStageIndex: lastCompletedStageIndex,
		CompletedStageNames:     names,
		UpdatedAt:               time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_completed_stage_index", "completed_stage_names", "updated_at"}),
		}).
		Create(model).Error
}

func (s *checkpointStore) Load(ctx context.Context, taskID string) (*domain.Checkpoint, error) {
	var model CheckpointModel
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names, err := fromJSON[[]string](model.CompletedStageNames)
	if err != nil {
		return nil, err
	}
	return &domain.Checkpoint{
		TaskID:                  model.TaskID,
		LastCompletedStageIndex: model.LastCompletedStageIndex,
		CompletedStageNames:     names,
		UpdatedAt:               model.UpdatedAt,
	}, nil
}

func (s *checkpointStore) Clear(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&CheckpointModel{}).Error
}
