package handler

import (
	"context"
	"errors"
	"net/http"

	"go-rollout/internal/api/dto"
	"go-rollout/internal/domain"
	"go-rollout/internal/service"

	"github.com/gin-gonic/gin"
)

type DeploymentHandler struct {
	service service.DeploymentService
}

func NewDeploymentHandler(svc service.DeploymentService) *DeploymentHandler {
	return &DeploymentHandler{service: svc}
}

// RegisterRoutes mounts the API under /api/v1. metrics may be nil.
func (h *DeploymentHandler) RegisterRoutes(r *gin.Engine, metrics http.Handler) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/api/v1")
	plans := v1.Group("/plans")
	plans.POST("", h.CreatePlan)
	plans.GET("/:id", h.GetPlan)
	plans.POST("/:id/start", h.planAction(h.service.StartPlan, domain.PlanRunning))
	plans.POST("/:id/pause", h.planAction(h.service.PausePlan, domain.PlanPaused))
	plans.POST("/:id/resume", h.planAction(h.service.ResumePlan, domain.PlanRunning))

	tasks := v1.Group("/tasks")
	tasks.GET("/:id", h.GetTask)
	tasks.POST("/:id/pause", h.taskAction(h.service.PauseTask))
	tasks.POST("/:id/resume", h.taskAction(h.service.ResumeTask))
	tasks.POST("/:id/cancel", h.taskAction(h.service.CancelTask))
	tasks.POST("/:id/rollback", h.taskAction(h.service.RollbackTask))
	tasks.POST("/:id/retry", h.RetryTask)
	tasks.DELETE("/:id", h.PurgeTask)
}

func (h *DeploymentHandler) CreatePlan(c *gin.Context) {
	var req dto.CreatePlanRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Kind: string(domain.KindValidation)})
		return
	}

	plan, tasks, err := h.service.CreatePlan(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID()
	}
	c.JSON(http.StatusCreated, dto.CreatePlanResponse{ID: plan.ID(), TaskIDs: ids})
}

func (h *DeploymentHandler) GetPlan(c *gin.Context) {
	plan, tasks, err := h.service.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewPlanResponse(plan, tasks))
}

func (h *DeploymentHandler) GetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewTaskResponse(task))
}

func (h *DeploymentHandler) RetryTask(c *gin.Context) {
	var req dto.RetryRequest
	// An empty body means a retry from the first stage.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Kind: string(domain.KindValidation)})
			return
		}
	}
	id := c.Param("id")
	if err := h.service.RetryTask(c.Request.Context(), id, req.FromCheckpoint); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.StatusResponse{ID: id, Status: "retry queued"})
}

func (h *DeploymentHandler) PurgeTask(c *gin.Context) {
	if err := h.service.PurgeTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeploymentHandler) planAction(fn func(ctx context.Context, id string) error, want domain.PlanStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := fn(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, dto.StatusResponse{ID: id, Status: string(want)})
	}
}

func (h *DeploymentHandler) taskAction(fn func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := fn(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, dto.StatusResponse{ID: id, Status: "accepted"})
	}
}

// writeError maps error kinds to HTTP status codes.
func writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	if errors.Is(err, domain.ErrNotFound) {
		kind = domain.KindNotFound
	}
	c.JSON(StatusFor(kind), dto.ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindBusiness:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
