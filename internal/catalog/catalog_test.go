package catalog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-rollout/internal/admission"
	"go-rollout/internal/catalog"
	"go-rollout/internal/domain"
	"go-rollout/internal/executor"
	"go-rollout/internal/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(t *testing.T, rules []domain.ValidationRule, stages ...string) *domain.Task {
	t.Helper()
	task := domain.NewTask(domain.TaskSpec{
		TenantID:        "tenant-a",
		StageNames:      stages,
		MaxRetry:        1,
		DeployVersion:   "v2",
		Config:          map[string]string{"replicas": "3"},
		PreviousVersion: "v1",
		PreviousConfig:  map[string]string{"replicas": "2"},
	})
	require.NoError(t, task.Validate(domain.TransitionContext{}, rules...))
	return task
}

func runtimeFor(task *domain.Task) *domain.RuntimeContext {
	rc := domain.NewRuntimeContext(task.ID())
	rc.Set(domain.VarTargetVersion, task.DeployVersion())
	return rc
}

func TestRegistry_BuildStagesInTaskOrder(t *testing.T) {
	registry := catalog.NewRegistry(catalog.NewMemoryTarget())
	assert.Equal(t, []string{catalog.StageApplyConfig, catalog.StagePrecheck, catalog.StageVerify}, registry.Names())

	task := newTask(t, nil, catalog.StageVerify, catalog.StagePrecheck)
	stages, err := registry.BuildStages(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, []string{catalog.StageVerify, catalog.StagePrecheck}, domain.StageNames(stages))
}

func TestRegistry_UnknownStage(t *testing.T) {
	registry := catalog.NewRegistry(catalog.NewMemoryTarget())

	err := registry.Has(catalog.StagePrecheck, "canary")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Contains(t, err.Error(), `unknown stage "canary"`)

	task := domain.NewTask(domain.TaskSpec{TenantID: "tenant-a", StageNames: []string{"canary"}})
	err = task.Validate(domain.TransitionContext{}, registry.Rule())
	assert.Error(t, err)
	assert.Equal(t, domain.StatusValidationFailed, task.Status())

	registry.Register("canary", func(*domain.Task) domain.Stage { return catalog.NewCompositeStage("canary") })
	assert.NoError(t, registry.Has("canary"))
}

func TestPrecheck_RequiresTargetVersion(t *testing.T) {
	registry := catalog.NewRegistry(catalog.NewMemoryTarget())
	task := newTask(t, nil, catalog.StagePrecheck)
	stages, err := registry.BuildStages(context.Background(), task)
	require.NoError(t, err)

	err = stages[0].Execute(context.Background(), domain.NewRuntimeContext(task.ID()))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.NoError(t, stages[0].Execute(context.Background(), runtimeFor(task)))
}

func TestApplyConfig_ApplyAndUndo(t *testing.T) {
	target := catalog.NewMemoryTarget()
	registry := catalog.NewRegistry(target)
	task := newTask(t, nil, catalog.StageApplyConfig)
	stages, err := registry.BuildStages(context.Background(), task)
	require.NoError(t, err)
	rc := runtimeFor(task)

	require.NoError(t, stages[0].Execute(context.Background(), rc))
	version, ok := target.Version("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "v2", version)

	rc.SetRollbackTargetVersion("v1")
	require.NoError(t, stages[0].Rollback(context.Background(), rc))
	version, _ = target.Version("tenant-a")
	assert.Equal(t, "v1", version)
	assert.Equal(t, []string{"v2", "v1"}, target.History("tenant-a"))
}

func TestVerify_SkippedByRuntimeVariable(t *testing.T) {
	registry := catalog.NewRegistry(catalog.NewMemoryTarget())
	task := newTask(t, nil, catalog.StageVerify)
	stages, err := registry.BuildStages(context.Background(), task)
	require.NoError(t, err)
	rc := runtimeFor(task)

	assert.False(t, stages[0].CanSkip(rc))
	assert.Error(t, stages[0].Execute(context.Background(), rc), "nothing deployed yet")
	rc.Set(catalog.VarSkipVerify, true)
	assert.True(t, stages[0].CanSkip(rc))
}

func TestCompositeStage_StopsAtFirstFailingStep(t *testing.T) {
	var ran []string
	step := func(name string, err error) catalog.FuncStep {
		return catalog.FuncStep{
			StepName: name,
			Do: func(context.Context, *domain.RuntimeContext) error {
				ran = append(ran, name)
				return err
			},
		}
	}
	stage := catalog.NewCompositeStage("deploy", step("a", nil), step("b", errors.New("disk full")), step("c", nil))

	err := stage.Execute(context.Background(), domain.NewRuntimeContext("t1"))
	assert.EqualError(t, err, "step b: disk full")
	assert.Equal(t, []string{"a", "b"}, ran)
	assert.Len(t, stage.Steps(), 3)
}

func TestCompositeStage_RollbackReversesAndJoinsErrors(t *testing.T) {
	var undone []string
	undo := func(name string, err error) catalog.FuncStep {
		return catalog.FuncStep{
			StepName: name,
			Undo: func(context.Context, *domain.RuntimeContext) error {
				undone = append(undone, name)
				return err
			},
		}
	}
	stage := catalog.NewCompositeStage("deploy", undo("a", nil), undo("b", errors.New("locked")), undo("c", nil), catalog.FuncStep{StepName: "noop"})

	err := stage.Rollback(context.Background(), domain.NewRuntimeContext("t1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step b: locked")
	assert.Equal(t, []string{"c", "b", "a"}, undone)
}

func TestCompositeStage_CancelledContextIsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stage := catalog.NewCompositeStage("deploy", catalog.FuncStep{StepName: "a"})

	err := stage.Execute(ctx, domain.NewRuntimeContext("t1"))
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryTarget(t *testing.T) {
	target := catalog.NewMemoryTarget()
	ctx := context.Background()

	assert.Error(t, target.Verify(ctx, "tenant-a", "v1"))
	require.NoError(t, target.Apply(ctx, "tenant-a", "v1", map[string]string{"k": "v"}))
	assert.NoError(t, target.Verify(ctx, "tenant-a", "v1"))
	assert.ErrorContains(t, target.Verify(ctx, "tenant-a", "v2"), "runs v1")

	target.Reject("v3")
	assert.Error(t, target.Apply(ctx, "tenant-a", "v3", nil))
	version, _ := target.Version("tenant-a")
	assert.Equal(t, "v1", version)
}

func TestBuiltInPipeline_FailsAndRollsBack(t *testing.T) {
	target := catalog.NewMemoryTarget()
	registry := catalog.NewRegistry(target)
	exec := executor.New(memory.NewCheckpointStore(), admission.New(admission.ModeFine), memory.NewEventBus(),
		executor.WithHealthChecker(target),
		executor.WithHeartbeatInterval(time.Hour),
	)
	ctx := context.Background()

	task := newTask(t, []domain.ValidationRule{registry.Rule()}, catalog.StagePrecheck, catalog.StageApplyConfig, catalog.StageVerify)
	require.NoError(t, target.Apply(ctx, "tenant-a", "v1", map[string]string{"replicas": "2"}))
	target.Reject("v2")

	stages, err := registry.BuildStages(ctx, task)
	require.NoError(t, err)
	rc := runtimeFor(task)

	res, err := exec.Execute(ctx, task, stages, rc)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, catalog.StageApplyConfig, res.Stages[len(res.Stages)-1].StageName)

	rb, err := exec.Rollback(ctx, task, stages, rc)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRolledBack, rb.Status)
	assert.Equal(t, []string{catalog.StageApplyConfig, catalog.StagePrecheck}, rb.RolledBack)

	version, _ := target.Version("tenant-a")
	assert.Equal(t, "v1", version)
	assert.Equal(t, "v1", task.LastKnownGoodVersion())
}

func TestBuiltInPipeline_Completes(t *testing.T) {
	target := catalog.NewMemoryTarget()
	registry := catalog.NewRegistry(target)
	exec := executor.New(memory.NewCheckpointStore(), admission.New(admission.ModeFine), memory.NewEventBus(),
		executor.WithHeartbeatInterval(time.Hour),
	)
	ctx := context.Background()

	task := newTask(t, []domain.ValidationRule{registry.Rule()}, catalog.StagePrecheck, catalog.StageApplyConfig, catalog.StageVerify)
	stages, err := registry.BuildStages(ctx, task)
	require.NoError(t, err)

	res, err := exec.Execute(ctx, task, stages, runtimeFor(task))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	version, _ := target.Version("tenant-a")
	assert.Equal(t, "v2", version)
}
