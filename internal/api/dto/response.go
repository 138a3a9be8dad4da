package dto

import (
	"time"

	"go-rollout/internal/domain"
)

type CreatePlanResponse struct {
	ID      string   `json:"id"`
	TaskIDs []string `json:"task_ids"`
}

type TaskResponse struct {
	ID                   string            `json:"id"`
	PlanID               string            `json:"plan_id"`
	TenantID             string            `json:"tenant_id"`
	Status               string            `json:"status"`
	Stages               []string          `json:"stages"`
	CurrentStageIndex    int               `json:"current_stage_index"`
	ExecutedStages       []string          `json:"executed_stages"`
	RetryCount           int               `json:"retry_count"`
	MaxRetry             int               `json:"max_retry"`
	DeployVersion        string            `json:"deploy_version"`
	LastKnownGoodVersion string            `json:"last_known_good_version,omitempty"`
	Config               map[string]string `json:"config,omitempty"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	EndedAt              *time.Time        `json:"ended_at,omitempty"`
	DurationMillis       int64             `json:"duration_ms"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

type PlanResponse struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	MaxConcurrency int            `json:"max_concurrency"`
	Tasks          []TaskResponse `json:"tasks"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func NewTaskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:                   t.ID(),
		PlanID:               t.PlanID(),
		TenantID:             t.TenantID(),
		Status:               string(t.Status()),
		Stages:               t.StageNames(),
		CurrentStageIndex:    t.CurrentStageIndex(),
		ExecutedStages:       t.ExecutedStages(),
		RetryCount:           t.RetryCount(),
		MaxRetry:             t.MaxRetry(),
		DeployVersion:        t.DeployVersion(),
		LastKnownGoodVersion: t.LastKnownGoodVersion(),
		Config:               t.Config(),
		StartedAt:            optionalTime(t.StartedAt()),
		EndedAt:              optionalTime(t.EndedAt()),
		DurationMillis:       t.DurationMillis(),
		UpdatedAt:            t.UpdatedAt(),
	}
}

func NewPlanResponse(p *domain.Plan, tasks []*domain.Task) PlanResponse {
	resp := PlanResponse{
		ID:             p.ID(),
		Name:           p.Name(),
		Status:         string(p.Status()),
		MaxConcurrency: p.MaxConcurrency(),
		Tasks:          make([]TaskResponse, 0, len(tasks)),
		CreatedAt:      p.CreatedAt(),
		UpdatedAt:      p.UpdatedAt(),
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, NewTaskResponse(t))
	}
	return resp
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
