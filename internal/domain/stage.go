package domain

import (
	"context"
	"time"
)

// Stage is one ordered, possibly skippable element of a task pipeline.
type Stage interface {
	Name() string
	CanSkip(rc *RuntimeContext) bool
	Execute(ctx context.Context, rc *RuntimeContext) error
	Rollback(ctx context.Context, rc *RuntimeContext) error
}

// Step is an atomic action inside a stage.
type Step interface {
	Name() string
	Execute(ctx context.Context, rc *RuntimeContext) error
	Rollback(ctx context.Context, rc *RuntimeContext) error
}

type StageOutcome string

const (
	StageSucceeded StageOutcome = "SUCCEEDED"
	StageSkipped   StageOutcome = "SKIPPED"
	StageFailed    StageOutcome = "FAILED"
)

// StageResult is the outcome of running one stage.
type StageResult struct {
	StageName string
	Index     int
	Outcome   StageOutcome
	Failure   *FailureInfo
	Duration  time.Duration
}

// StageNames lists the names of stages in order.
func StageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	return names
}
