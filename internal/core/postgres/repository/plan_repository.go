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

type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new instance of PlanRepository
func NewPlanRepository(db *gorm.DB) ports.PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) Save(ctx context.Context, plan *domain.Plan) error {
	s := plan.Snapshot()
	taskIDs, err := toJSON(s.TaskIDs)
	if err != nil {
		return err
	}
	model := &PlanModel{
		ID:             s.ID,
		Name:           s.Name,
		Status:         string(s.Status),
		MaxConcurrency: s.MaxConcurrency,
		TaskIDs:        taskIDs,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(model).Error
}

func (r *planRepository) FindByID(ctx context.Context, id string) (*domain.Plan, error) {
	var model PlanModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("plan", id)
	}
	if err != nil {
		return nil, err
	}
	return model.toDomain()
}

// FindByStatus returns the plans in any of statuses, oldest first.
func (r *planRepository) FindByStatus(ctx context.Context, statuses ...domain.PlanStatus) ([]*domain.Plan, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var models []PlanModel
	err := r.db.WithContext(ctx).
		Where("status IN ?", names).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	plans := make([]*domain.Plan, 0, len(models))
	for i := range models {
		p, err := models[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding plan %s: %w", models[i].ID, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (r *planRepository) Remove(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&PlanModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NotFound("plan", id)
	}
	return nil
}
