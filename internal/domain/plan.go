package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type PlanStatus string

const (
	PlanCreated   PlanStatus = "CREATED"
	PlanReady     PlanStatus = "READY"
	PlanRunning   PlanStatus = "RUNNING"
	PlanPaused    PlanStatus = "PAUSED"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanFailed    PlanStatus = "FAILED"
)

func (s PlanStatus) IsFinished() bool {
	return s == PlanCompleted || s == PlanFailed
}

// Plan groups tasks created together and bounds how many of them run at once.
type Plan struct {
	id             string
	name           string
	status         PlanStatus
	maxConcurrency int
	taskIDs        []string
	createdAt      time.Time
	updatedAt      time.Time
}

func NewPlan(name string, maxConcurrency int) *Plan {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	now := time.Now()
	return &Plan{
		id:             uuid.NewString(),
		name:           name,
		status:         PlanCreated,
		maxConcurrency: maxConcurrency,
		createdAt:      now,
		updatedAt:      now,
	}
}

func (p *Plan) ID() string           { return p.id }
func (p *Plan) Name() string         { return p.name }
func (p *Plan) Status() PlanStatus   { return p.status }
func (p *Plan) MaxConcurrency() int  { return p.maxConcurrency }
func (p *Plan) TaskIDs() []string    { return slices.Clone(p.taskIDs) }
func (p *Plan) CreatedAt() time.Time { return p.createdAt }
func (p *Plan) UpdatedAt() time.Time { return p.updatedAt }

// AddTask appends a task reference while the plan has not started.
func (p *Plan) AddTask(taskID string) error {
	if p.status != PlanCreated && p.status != PlanReady {
		return NewBusinessError("add task", fmt.Sprintf("plan %s is %s", p.id, p.status))
	}
	if taskID == "" {
		return NewValidationError("add task", "task id is required")
	}
	if slices.Contains(p.taskIDs, taskID) {
		return NewBusinessError("add task", fmt.Sprintf("task %s already in plan %s", taskID, p.id))
	}
	p.taskIDs = append(p.taskIDs, taskID)
	p.touch()
	return nil
}

func (p *Plan) MarkAsReady() error {
	if p.status != PlanCreated && p.status != PlanReady {
		return NewBusinessError("mark plan ready", fmt.Sprintf("plan %s is %s", p.id, p.status))
	}
	if len(p.taskIDs) == 0 {
		return NewBusinessError("mark plan ready", "plan has no tasks")
	}
	p.status = PlanReady
	p.touch()
	return nil
}

func (p *Plan) Start() error {
	if p.status != PlanReady {
		return NewBusinessError("start plan", fmt.Sprintf("plan %s is %s, want %s", p.id, p.status, PlanReady))
	}
	if len(p.taskIDs) == 0 {
		return NewBusinessError("start plan", "plan has no tasks")
	}
	return p.move(PlanRunning)
}

func (p *Plan) Pause() error {
	return p.require("pause plan", PlanRunning, PlanPaused)
}

func (p *Plan) Resume() error {
	return p.require("resume plan", PlanPaused, PlanRunning)
}

func (p *Plan) Complete() error {
	return p.require("complete plan", PlanRunning, PlanCompleted)
}

// Fail settles a running plan in which at least one task did not complete.
func (p *Plan) Fail() error {
	return p.require("fail plan", PlanRunning, PlanFailed)
}

func (p *Plan) require(op string, from, to PlanStatus) error {
	if p.status != from {
		return NewBusinessError(op, fmt.Sprintf("plan %s is %s, want %s", p.id, p.status, from))
	}
	return p.move(to)
}

func (p *Plan) move(to PlanStatus) error {
	p.status = to
	p.touch()
	return nil
}

func (p *Plan) touch() { p.updatedAt = time.Now() }

// PlanSnapshot is the plain-data form of a Plan used by repositories.
type PlanSnapshot struct {
	ID             string
	Name           string
	Status         PlanStatus
	MaxConcurrency int
	TaskIDs        []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p *Plan) Snapshot() PlanSnapshot {
	return PlanSnapshot{
		ID:             p.id,
		Name:           p.name,
		Status:         p.status,
		MaxConcurrency: p.maxConcurrency,
		TaskIDs:        slices.Clone(p.taskIDs),
		CreatedAt:      p.createdAt,
		UpdatedAt:      p.updatedAt,
	}
}

func RehydratePlan(s PlanSnapshot) *Plan {
	return &Plan{
		id:             s.ID,
		name:           s.Name,
		status:         s.Status,
		maxConcurrency: s.MaxConcurrency,
		taskIDs:        slices.Clone(s.TaskIDs),
		createdAt:      s.CreatedAt,
		updatedAt:      s.UpdatedAt,
	}
}
