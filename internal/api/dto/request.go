package dto

type TaskRequest struct {
	TenantID        string            `json:"tenant_id" binding:"required"`
	Stages          []string          `json:"stages"`
	MaxRetry        *int              `json:"max_retry" binding:"omitempty,min=0"`
	DeployVersion   string            `json:"deploy_version" binding:"required"`
	Config          map[string]string `json:"config"`
	PreviousVersion string            `json:"previous_version"`
	PreviousConfig  map[string]string `json:"previous_config"`
}

type CreatePlanRequest struct {
	Name           string        `json:"name" binding:"required"`
	MaxConcurrency int           `json:"max_concurrency" binding:"min=0"`
	Tasks          []TaskRequest `json:"tasks" binding:"required,min=1,dive"`
}

type RetryRequest struct {
	FromCheckpoint bool `json:"from_checkpoint"`
}
