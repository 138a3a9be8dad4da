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

type runtimeContextRepository struct {
	db *gorm.DB
}

func NewRuntimeContextRepository(db *gorm.DB) ports.RuntimeContextRepository {
	return &runtimeContextRepository{db: db}
}

func (r *runtimeContextRepository) Save(ctx context.Context, rc *domain.RuntimeContext) error {
	payload, err := toJSON(rc.Snapshot())
	if err != nil {
		return err
	}
	model := &RuntimeContextModel{TaskID: rc.TaskID(), Payload: payload, UpdatedAt: time.Now()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_id"}}, UpdateAll: true}).
		Create(model).Error
}

func (r *runtimeContextRepository) Load(ctx context.Context, taskID string) (*domain.RuntimeContext, error) {
	var model RuntimeContextModel
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("runtime context", taskID)
	}
	if err != nil {
		return nil, err
	}
	snap, err := fromJSON[domain.RuntimeSnapshot](model.Payload)
	if err != nil {
		return nil, err
	}
	return domain.RestoreRuntimeContext(snap), nil
}

func (r *runtimeContextRepository) Remove(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&RuntimeContextModel{}).Error
}
