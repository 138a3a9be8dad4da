// Package catalog maps stage names to stage implementations.
package catalog

import (
	"context"
	"fmt"
	"slices"

	"go-rollout/internal/domain"
)

// Built-in stage names.
const (
	StagePrecheck    = "precheck"
	StageApplyConfig = "apply-config"
	StageVerify      = "verify"
)

// VarSkipVerify, when set to true on the runtime context, skips the verify stage.
const VarSkipVerify = "skipVerify"

// StageBuilder creates the stage instance for one task.
type StageBuilder func(task *domain.Task) domain.Stage

// Registry holds every stage a task may name.
type Registry map[string]StageBuilder

// NewRegistry wires the built-in rollout stages against target.
func NewRegistry(target Target) Registry {
	registry := make(Registry)

	registry[StagePrecheck] = func(task *domain.Task) domain.Stage {
		return NewCompositeStage(StagePrecheck, FuncStep{
			StepName: "check-version",
			Do: func(ctx context.Context, rc *domain.RuntimeContext) error {
				if rc.GetString(domain.VarTargetVersion) == "" {
					return domain.NewValidationError("precheck", "no target version for tenant "+task.TenantID())
				}
				return nil
			},
		})
	}

	registry[StageApplyConfig] = func(task *domain.Task) domain.Stage {
		config := task.Config()
		var previous map[string]string
		if prev := task.PreviousConfig(); prev != nil {
			previous = prev.Config
		}
		return NewCompositeStage(StageApplyConfig,
			FuncStep{
				StepName: "render-config",
				Do: func(ctx context.Context, rc *domain.RuntimeContext) error {
					for k := range config {
						if k == "" {
							return domain.NewValidationError("render config", "empty config key")
						}
					}
					return nil
				},
			},
			FuncStep{
				StepName: "write-config",
				Do: func(ctx context.Context, rc *domain.RuntimeContext) error {
					return target.Apply(ctx, task.TenantID(), rc.GetString(domain.VarTargetVersion), config)
				},
				Undo: func(ctx context.Context, rc *domain.RuntimeContext) error {
					version := rc.RollbackTargetVersion()
					if version == "" {
						return nil
					}
					return target.Apply(ctx, task.TenantID(), version, previous)
				},
			},
		)
	}

	registry[StageVerify] = func(task *domain.Task) domain.Stage {
		return NewCompositeStage(StageVerify, FuncStep{
			StepName: "health-check",
			Do: func(ctx context.Context, rc *domain.RuntimeContext) error {
				return target.Verify(ctx, task.TenantID(), rc.GetString(domain.VarTargetVersion))
			},
		}).WithSkip(func(rc *domain.RuntimeContext) bool {
			v, _ := rc.Get(VarSkipVerify)
			skip, _ := v.(bool)
			return skip
		})
	}

	return registry
}

// Register adds or replaces a stage builder.
func (r Registry) Register(name string, builder StageBuilder) {
	r[name] = builder
}

// Names lists the registered stages, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether every name is registered.
func (r Registry) Has(names ...string) error {
	for _, name := range names {
		if _, ok := r[name]; !ok {
			return domain.NewValidationError("lookup stage", fmt.Sprintf("unknown stage %q", name))
		}
	}
	return nil
}

// BuildStages builds the task's stages in the order the task names them.
func (r Registry) BuildStages(ctx context.Context, task *domain.Task) ([]domain.Stage, error) {
	names := task.StageNames()
	if err := r.Has(names...); err != nil {
		return nil, err
	}
	stages := make([]domain.Stage, len(names))
	for i, name := range names {
		stages[i] = r[name](task)
	}
	return stages, nil
}

// Rule returns a validation rule rejecting tasks that name unknown stages.
func (r Registry) Rule() domain.ValidationRule {
	return func(t *domain.Task) error {
		return r.Has(t.StageNames()...)
	}
}
