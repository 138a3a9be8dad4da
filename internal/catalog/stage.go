package catalog

import (
	"context"
	"errors"
	"fmt"

	"go-rollout/internal/domain"
)

// FuncStep adapts a pair of functions to domain.Step. A nil Undo is a no-op.
type FuncStep struct {
	StepName string
	Do       func(ctx context.Context, rc *domain.RuntimeContext) error
	Undo     func(ctx context.Context, rc *domain.RuntimeContext) error
}

func (s FuncStep) Name() string { return s.StepName }

func (s FuncStep) Execute(ctx context.Context, rc *domain.RuntimeContext) error {
	if s.Do == nil {
		return nil
	}
	return s.Do(ctx, rc)
}

func (s FuncStep) Rollback(ctx context.Context, rc *domain.RuntimeContext) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, rc)
}

// CompositeStage runs its steps in order and rolls them back in reverse.
type CompositeStage struct {
	name  string
	steps []domain.Step
	skip  func(rc *domain.RuntimeContext) bool
}

func NewCompositeStage(name string, steps ...domain.Step) *CompositeStage {
	return &CompositeStage{name: name, steps: steps}
}

// WithSkip sets the predicate deciding whether the stage is skipped.
func (s *CompositeStage) WithSkip(fn func(rc *domain.RuntimeContext) bool) *CompositeStage {
	s.skip = fn
	return s
}

func (s *CompositeStage) Name() string { return s.name }

func (s *CompositeStage) Steps() []domain.Step { return s.steps }

func (s *CompositeStage) CanSkip(rc *domain.RuntimeContext) bool {
	return s.skip != nil && s.skip(rc)
}

// Execute stops at the first failing step. Already applied steps are left in
// place; they are undone when the task is rolled back.
func (s *CompositeStage) Execute(ctx context.Context, rc *domain.RuntimeContext) error {
	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return domain.NewTimeoutError(s.name, err)
		}
		if err := step.Execute(ctx, rc); err != nil {
			return fmt.Errorf("step %s: %w", step.Name(), err)
		}
	}
	return nil
}

// Rollback undoes every step in reverse order, continuing past failures.
func (s *CompositeStage) Rollback(ctx context.Context, rc *domain.RuntimeContext) error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.Rollback(ctx, rc); err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", step.Name(), err))
		}
	}
	return errors.Join(errs...)
}
