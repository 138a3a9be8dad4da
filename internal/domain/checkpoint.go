package domain

import (
	"slices"
	"time"
)

// Checkpoint records the last stage a task completed, so execution can resume after it.
type Checkpoint struct {
	TaskID                  string    `json:"task_id"`
	LastCompletedStageIndex int       `json:"last_completed_stage_index"`
	CompletedStageNames     []string  `json:"completed_stage_names"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// ResumeIndex is the index of the first stage still to run.
func (c *Checkpoint) ResumeIndex() int {
	if c == nil {
		return 0
	}
	return c.LastCompletedStageIndex + 1
}

func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.CompletedStageNames = slices.Clone(c.CompletedStageNames)
	return &out
}
