package repository

import (
	"context"
	"errors"
	"fmt"

	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new instance of TaskRepository
func NewTaskRepository(db *gorm.DB) ports.TaskRepository {
	return &taskRepository{db: db}
}

// Save inserts the task or overwrites every column of the existing row.
func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	model, err := newTaskModel(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID(), err)
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(model).Error
}

func (r *taskRepository) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var model TaskModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return model.toDomain()
}

func (r *taskRepository) FindByPlan(ctx context.Context, planID string) ([]*domain.Task, error) {
	var models []TaskModel
	err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	tasks := make([]*domain.Task, 0, len(models))
	for i := range models {
		t, err := models[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding task %s: %w", models[i].ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Claim bumps the version of a row still at the task's version and status.
func (r *taskRepository) Claim(ctx context.Context, task *domain.Task) error {
	result := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id = ? AND version = ? AND status = ?", task.ID(), task.Version(), string(task.Status())).
		Update("version", task.Version()+1)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Either gone or claimed by another execution.
		var stored TaskModel
		err := r.db.WithContext(ctx).Select("status", "version").Where("id = ?", task.ID()).First(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NotFound("task", task.ID())
		}
		if err != nil {
			return err
		}
		return &domain.Error{Kind: domain.KindConflict, Op: "claim task " + task.ID(), Message: domain.ErrStaleTask.Message,
			Err: fmt.Errorf("stored %s v%d, loaded %s v%d", stored.Status, stored.Version, task.Status(), task.Version())}
	}
	task.MarkClaimed()
	return nil
}

func (r *taskRepository) Remove(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&TaskModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NotFound("task", id)
	}
	return nil
}
