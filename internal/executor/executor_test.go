package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-rollout/internal/admission"
	"go-rollout/internal/core/ports"
	"go-rollout/internal/domain"
	"go-rollout/internal/executor"
	"go-rollout/internal/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	name     string
	skip     bool
	execute  func(ctx context.Context, rc *domain.RuntimeContext) error
	rollback func(ctx context.Context, rc *domain.RuntimeContext) error

	mu         sync.Mutex
	executions int
	rollbacks  int
}

func stage(name string) *fakeStage { return &fakeStage{name: name} }

func (s *fakeStage) Name() string                        { return s.name }
func (s *fakeStage) CanSkip(_ *domain.RuntimeContext) bool { return s.skip }

func (s *fakeStage) Execute(ctx context.Context, rc *domain.RuntimeContext) error {
	s.mu.Lock()
	s.executions++
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(ctx, rc)
	}
	return nil
}

func (s *fakeStage) Rollback(ctx context.Context, rc *domain.RuntimeContext) error {
	s.mu.Lock()
	s.rollbacks++
	s.mu.Unlock()
	if s.rollback != nil {
		return s.rollback(ctx, rc)
	}
	return nil
}

func (s *fakeStage) Executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions
}

func (s *fakeStage) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

func pipeline(stages ...*fakeStage) []domain.Stage {
	out := make([]domain.Stage, len(stages))
	for i, s := range stages {
		out[i] = s
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: map[string]int{}, gauges: map[string]float64{}}
}

func (m *recordingMetrics) IncCounter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *recordingMetrics) SetGauge(name, taskID string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name+"/"+taskID] = value
}

func (m *recordingMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

type healthy struct{}

func (healthy) Verify(context.Context, string, string) error { return nil }

type harness struct {
	exec        *executor.Executor
	bus         *memory.EventBus
	checkpoints *memory.CheckpointStore
	tenants     *admission.Controller
	tasks       *memory.TaskRepository
	metrics     *recordingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:         memory.NewEventBus(memory.WithHistory(1000)),
		checkpoints: memory.NewCheckpointStore(),
		tenants:     admission.New(admission.ModeFine),
		tasks:       memory.NewTaskRepository(),
		metrics:     newRecordingMetrics(),
	}
	h.exec = executor.New(h.checkpoints, h.tenants, h.bus,
		executor.WithMetrics(h.metrics),
		executor.WithHealthChecker(healthy{}),
		executor.WithTaskRepository(h.tasks),
		executor.WithHeartbeatInterval(time.Hour),
	)
	return h
}

func (h *harness) holder(tenantID string) string {
	id, _ := h.tenants.RunningTaskID(tenantID)
	return id
}

func newTask(t *testing.T, tenantID string, maxRetry int, stages ...*fakeStage) (*domain.Task, *domain.RuntimeContext) {
	t.Helper()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.name
	}
	task := domain.NewTask(domain.TaskSpec{
		TenantID:        tenantID,
		StageNames:      names,
		MaxRetry:        maxRetry,
		DeployVersion:   "v2",
		PreviousVersion: "v1",
	})
	require.NoError(t, task.Validate(domain.TransitionContext{}))
	require.Equal(t, domain.StatusPending, task.Status())

	rc := domain.NewRuntimeContext(task.ID())
	rc.Set(domain.VarTargetVersion, "v2")
	rc.Set(domain.VarPreviousVersion, "v1")
	return task, rc
}

func assertSequenceIncreasing(t *testing.T, events []domain.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence, "event %d (%s)", i, events[i].Type)
	}
}

func TestExecute_AllStagesSucceed(t *testing.T) {
	h := newHarness(t)
	s1, s2, s3 := stage("stage-1"), stage("stage-2"), stage("stage-3")
	task, rc := newTask(t, "tenant-a", 1, s1, s2, s3)

	res, err := h.exec.Execute(context.Background(), task, pipeline(s1, s2, s3), rc)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, domain.StatusCompleted, task.Status())
	assert.Equal(t, 3, task.CurrentStageIndex())
	assert.Len(t, res.Stages, 3)
	assert.Nil(t, res.Failure)
	assert.Equal(t, []domain.EventType{
		domain.EventTaskStarted,
		domain.EventTaskStageStarted, domain.EventTaskStageCompleted,
		domain.EventTaskStageStarted, domain.EventTaskStageCompleted,
		domain.EventTaskStageStarted, domain.EventTaskStageCompleted,
		domain.EventTaskCompleted,
	}, h.bus.Types(task.ID()))
	assertSequenceIncreasing(t, h.bus.EventsFor(task.ID()))

	cp, err := h.checkpoints.Load(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Empty(t, h.holder("tenant-a"))
	assert.Equal(t, 1, h.metrics.Count(ports.MetricTaskCompleted))

	stored, err := h.tasks.FindByID(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status())
}

func TestExecute_StageFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	s1, s2, s3 := stage("stage-1"), stage("stage-2"), stage("stage-3")
	s2.execute = func(context.Context, *domain.RuntimeContext) error { return errors.New("connection refused") }
	task, rc := newTask(t, "tenant-a", 1, s1, s2, s3)

	res, err := h.exec.Execute(context.Background(), task, pipeline(s1, s2, s3), rc)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, domain.KindSystem, res.Failure.ErrorType)
	assert.Equal(t, 0, s3.Executions())
	assert.Equal(t, []domain.EventType{
		domain.EventTaskStarted,
		domain.EventTaskStageStarted, domain.EventTaskStageCompleted,
		domain.EventTaskStageStarted, domain.EventTaskStageFailed,
		domain.EventTaskFailed,
	}, h.bus.Types(task.ID()))

	cp, err := h.checkpoints.Load(context.Background(), task.ID())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 0, cp.LastCompletedStageIndex)
	assert.Equal(t, []string{"stage-1"}, cp.CompletedStageNames)
	assert.Empty(t, h.holder("tenant-a"))
	assert.Equal(t, 1, h.metrics.Count(ports.MetricTaskFailed))
}

func TestExecute_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	s1, s2, s3 := stage("stage-1"), stage("stage-2"), stage("stage-3")
	s1.execute = func(_ context.Context, rc *domain.RuntimeContext) error {
		rc.RequestPause()
		return nil
	}
	task, rc := newTask(t, "tenant-a", 1, s1, s2, s3)
	stages := pipeline(s1, s2, s3)

	res, err := h.exec.Execute(context.Background(), task, stages, rc)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, res.Status)
	assert.Equal(t, 0, s2.Executions())
	assert.Equal(t, []domain.EventType{
		domain.EventTaskStarted,
		domain.EventTaskStageStarted, domain.EventTaskStageCompleted,
		domain.EventTaskPaused,
	}, h.bus.Types(task.ID()))

	cp, err := h.checkpoints.Load(context.Background(), task.ID())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.ResumeIndex())
	assert.Equal(t, task.ID(), h.holder("tenant-a"), "a paused task keeps its tenant")

	s1.execute = nil
	res, err = h.exec.Execute(context.Background(), task, stages, rc)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, 1, s1.Executions())
	assert.Equal(t, 1, s2.Executions())
	assert.Equal(t, 1, s3.Executions())
	assert.False(t, rc.PauseRequested())

	types := h.bus.Types(task.ID())
	assert.Equal(t, []domain.EventType{
		domain.EventTaskResumed,
		domain.EventTaskStageStarted, domain.EventTaskStageCompleted,
		domain.EventTaskStageStarted, domain.EventTaskStageCompleted,
		domain.EventTaskCompleted,
	}, types[4:])
	assertSequenceIncreasing(t, h.bus.EventsFor(task.ID()))
	assert.Empty(t, h.holder("tenant-a"))
}

func TestExecute_CancelAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	s1, s2 := stage("stage-1"), stage("stage-2")
	s1.execute = func(_ context.Context, rc *domain.RuntimeContext) error {
		rc.RequestCancel()
		return nil
	}
	task, rc := newTask(t, "tenant-a", 1, s1, s2)

	res, err := h.exec.Execute(context.Background(), task, pipeline(s1, s2), rc)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.Equal(t, 0, s2.Executions())
	types := h.bus.Types(task.ID())
	assert.Equal(t, domain.EventTaskCancelled, types[len(types)-1])
	cp, err := h.checkpoints.Load(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Empty(t, h.holder("tenant-a"))
}

func TestExecute_PanicBecomesSystemFailure(t *testing.T) {
	h := newHarness(t)
	s1 := stage("stage-1")
	s1.execute = func(context.Context, *domain.RuntimeContext) error { panic("boom") }
	task, rc := newTask(t, "tenant-a", 1, s1)

	res, err := h.exec.Execute(context.Background(), task, pipeline(s1), rc)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, domain.KindSystem, res.Failure.ErrorType)
	assert.Contains(t, res.Failure.Message, "boom")
	assert.Empty(t, h.holder("tenant-a"))
}

func TestExecute_SkippedStage(t *testing.T) {
	h := newHarness(t)
	s1, s2, s3 := stage("stage-1"), stage("stage-2"), stage("stage-3")
	s2.skip = true
	task, rc := newTask(t, "tenant-a", 1, s1, s2, s3)

	res, err := h.exec.Execute(context.Background(), task, pipeline(s1, s2, s3), rc)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, 0, s2.Executions())
	require.Len(t, res.Stages, 3)
	assert.Equal(t, domain.StageSkipped, res.Stages[1].Outcome)
	assert.Equal(t, []string{"stage-1", "stage-3"}, task.ExecutedStages())
	assert.NotContains(t, h.bus.Types(task.ID()), domain.EventTaskStageFailed)
}

func TestExecute_StageMismatch(t *testing.T) {
	h := newHarness(t)
	s1, s2 := stage("stage-1"), stage("stage-2")
	task, rc := newTask(t, "tenant-a", 1, s1, s2)

	_, err := h.exec.Execute(context.Background(), task, pipeline(s2, s1), rc)
	assert.ErrorIs(t, err, domain.ErrStageMismatch)
	assert.Equal(t, domain.StatusPending, task.Status())
	assert.Empty(t, h.holder("tenant-a"))
}

func TestExecute_TenantBusy(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	blocking := stage("stage-1")
	blocking.execute = func(context.Context, *domain.RuntimeContext) error {
		<-release
		return nil
	}
	first, rc1 := newTask(t, "tenant-a", 1, blocking)
	other := stage("stage-1")
	second, rc2 := newTask(t, "tenant-a", 1, other)

	done := make(chan *executor.Result, 1)
	go func() {
		res, err := h.exec.Execute(context.Background(), first, pipeline(blocking), rc1)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return blocking.Executions() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.exec.Execute(context.Background(), second, pipeline(other), rc2)
	assert.ErrorIs(t, err, domain.ErrTenantBusy)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.Equal(t, domain.StatusPending, second.Status())
	assert.Equal(t, 0, other.Executions())

	close(release)
	res := <-done
	assert.Equal(t, domain.StatusCompleted, res.Status)

	res, err = h.exec.Execute(context.Background(), second, pipeline(other), rc2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
}

func TestExecute_OtherTenantRunsConcurrently(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	blocking := stage("stage-1")
	blocking.execute = func(context.Context, *domain.RuntimeContext) error {
		<-release
		return nil
	}
	first, rc1 := newTask(t, "tenant-a", 1, blocking)
	other := stage("stage-1")
	second, rc2 := newTask(t, "tenant-b", 1, other)

	go func() {
		_, _ = h.exec.Execute(context.Background(), first, pipeline(blocking), rc1)
	}()
	require.Eventually(t, func() bool { return blocking.Executions() == 1 }, time.Second, 5*time.Millisecond)

	res, err := h.exec.Execute(context.Background(), second, pipeline(other), rc2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	close(release)
}

func TestRollback_RestoresPreviousVersion(t *testing.T) {
	h := newHarness(t)
	s1, s2, s3 := stage("stage-1"), stage("stage-2"), stage("stage-3")
	s2.execute = func(_ context.Context, rc *domain.RuntimeContext) error {
		if rc.GetString(domain.VarTargetVersion) == "v2" {
			return errors.New("v2 is broken")
		}
		return nil
	}
	var targets []string
	var mu sync.Mutex
	record := func(_ context.Context, rc *domain.RuntimeContext) error {
		mu.Lock()
		defer mu.Unlock()
		targets = append(targets, rc.RollbackTargetVersion())
		return nil
	}
	s1.rollback, s2.rollback = record, record
	task, rc := newTask(t, "tenant-a", 1, s1, s2, s3)
	stages := pipeline(s1, s2, s3)

	res, err := h.exec.Execute(context.Background(), task, stages, rc)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, res.Status)

	rb, err := h.exec.Rollback(context.Background(), task, stages, rc)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRolledBack, rb.Status)
	assert.Equal(t, []string{"stage-2", "stage-1"}, rb.RolledBack)
	assert.Empty(t, rb.Failed)
	assert.Equal(t, 0, s3.Rollbacks(), "stages after the failure point are not rolled back")
	assert.Equal(t, []string{"v1", "v1"}, targets)
	assert.Equal(t, "v1", task.DeployVersion())
	assert.Equal(t, "v1", task.LastKnownGoodVersion())

	types := h.bus.Types(task.ID())
	assert.Equal(t, []domain.EventType{
		domain.EventTaskRollingBack,
		domain.EventTaskStageRollingBack, domain.EventTaskStageRolledBack,
		domain.EventTaskStageRollingBack, domain.EventTaskStageRolledBack,
		domain.EventTaskRolledBack,
	}, types[len(types)-6:])
	assertSequenceIncreasing(t, h.bus.EventsFor(task.ID()))

	cp, err := h.checkpoints.Load(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Empty(t, h.holder("tenant-a"))
	assert.Equal(t, 1, h.metrics.Count(ports.MetricRollbackCount))
}

func TestRollback_ContinuesPastFailingStage(t *testing.T) {
	h := newHarness(t)
	s1, s2 := stage("stage-1"), stage("stage-2")
	s2.rollback = func(context.Context, *domain.RuntimeContext) error { return errors.New("cannot restore") }
	task, rc := newTask(t, "tenant-a", 1, s1, s2)
	stages := pipeline(s1, s2)

	_, err := h.exec.Execute(context.Background(), task, stages, rc)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, task.Status())

	rb, err := h.exec.Rollback(context.Background(), task, stages, rc)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRollbackFailed, rb.Status)
	assert.Equal(t, []string{"stage-1"}, rb.RolledBack)
	assert.Equal(t, []string{"stage-2"}, rb.FailedStages())
	assert.Equal(t, 1, s1.Rollbacks())
	assert.Empty(t, h.holder("tenant-a"))

	events := h.bus.EventsFor(task.ID())
	last := events[len(events)-1]
	assert.Equal(t, domain.EventTaskRollbackFailed, last.Type)
	assert.Equal(t, []string{"stage-2"}, last.FailedStages)
	assert.Equal(t, []string{"stage-1"}, last.RolledBackStages)
}

func TestRollback_SkipsStagesThatDidNotRun(t *testing.T) {
	h := newHarness(t)
	s1, s2, s3 := stage("stage-1"), stage("stage-2"), stage("stage-3")
	s2.skip = true
	task, rc := newTask(t, "tenant-a", 1, s1, s2, s3)
	stages := pipeline(s1, s2, s3)

	_, err := h.exec.Execute(context.Background(), task, stages, rc)
	require.NoError(t, err)

	rb, err := h.exec.Rollback(context.Background(), task, stages, rc)
	require.NoError(t, err)
	assert.Equal(t, []string{"stage-3", "stage-1"}, rb.RolledBack)
	assert.Equal(t, 0, s2.Rollbacks())
}

func TestRollback_RejectedFromPending(t *testing.T) {
	h := newHarness(t)
	s1 := stage("stage-1")
	task, rc := newTask(t, "tenant-a", 1, s1)

	_, err := h.exec.Rollback(context.Background(), task, pipeline(s1), rc)
	assert.Equal(t, domain.KindBusiness, domain.KindOf(err))
	assert.Equal(t, domain.StatusPending, task.Status())
	assert.Empty(t, h.holder("tenant-a"))
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name           string
		fromCheckpoint bool
		wantFirstRuns  int
	}{
		{name: "from checkpoint", fromCheckpoint: true, wantFirstRuns: 1},
		{name: "from scratch", fromCheckpoint: false, wantFirstRuns: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s1, s2, s3 := stage("stage-1"), stage("stage-2"), stage("stage-3")
			broken := true
			s2.execute = func(context.Context, *domain.RuntimeContext) error {
				if broken {
					return errors.New("flaky")
				}
				return nil
			}
			task, rc := newTask(t, "tenant-a", 2, s1, s2, s3)
			stages := pipeline(s1, s2, s3)

			res, err := h.exec.Execute(context.Background(), task, stages, rc)
			require.NoError(t, err)
			require.Equal(t, domain.StatusFailed, res.Status)

			broken = false
			res, err = h.exec.Retry(context.Background(), task, stages, rc, tt.fromCheckpoint)
			require.NoError(t, err)

			assert.Equal(t, domain.StatusCompleted, res.Status)
			assert.Equal(t, tt.wantFirstRuns, s1.Executions())
			assert.Equal(t, 2, s2.Executions())
			assert.Equal(t, 1, s3.Executions())
			assert.Equal(t, 1, task.RetryCount())
			assert.Equal(t, tt.fromCheckpoint, rc.RetryFromCheckpoint())

			types := h.bus.Types(task.ID())
			assert.Contains(t, types, domain.EventTaskRetryStarted)
			assert.Equal(t, domain.EventTaskRetryCompleted, types[len(types)-1])
			assert.Empty(t, h.holder("tenant-a"))
		})
	}
}

func TestRetry_BudgetExhausted(t *testing.T) {
	h := newHarness(t)
	s1 := stage("stage-1")
	s1.execute = func(context.Context, *domain.RuntimeContext) error { return errors.New("always") }
	task, rc := newTask(t, "tenant-a", 1, s1)
	stages := pipeline(s1)

	_, err := h.exec.Execute(context.Background(), task, stages, rc)
	require.NoError(t, err)

	res, err := h.exec.Retry(context.Background(), task, stages, rc, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, 1, task.RetryCount())

	_, err = h.exec.Retry(context.Background(), task, stages, rc, true)
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.Equal(t, domain.StatusFailed, task.Status())
	assert.Equal(t, 2, s1.Executions())
	assert.Empty(t, h.holder("tenant-a"))
}

func TestRetry_AfterRollbackStartsOver(t *testing.T) {
	h := newHarness(t)
	s1, s2 := stage("stage-1"), stage("stage-2")
	broken := true
	s2.execute = func(context.Context, *domain.RuntimeContext) error {
		if broken {
			return errors.New("bad")
		}
		return nil
	}
	task, rc := newTask(t, "tenant-a", 1, s1, s2)
	stages := pipeline(s1, s2)

	_, err := h.exec.Execute(context.Background(), task, stages, rc)
	require.NoError(t, err)
	_, err = h.exec.Rollback(context.Background(), task, stages, rc)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRolledBack, task.Status())

	broken = false
	res, err := h.exec.Retry(context.Background(), task, stages, rc, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, 2, s1.Executions())
}

func TestCancel_PausedTaskReleasesTenant(t *testing.T) {
	h := newHarness(t)
	s1, s2 := stage("stage-1"), stage("stage-2")
	s1.execute = func(_ context.Context, rc *domain.RuntimeContext) error {
		rc.RequestPause()
		return nil
	}
	task, rc := newTask(t, "tenant-a", 1, s1, s2)

	_, err := h.exec.Execute(context.Background(), task, pipeline(s1, s2), rc)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, task.Status())
	require.Equal(t, task.ID(), h.holder("tenant-a"))

	require.NoError(t, h.exec.Cancel(context.Background(), task, rc))
	assert.Equal(t, domain.StatusCancelled, task.Status())
	assert.Empty(t, h.holder("tenant-a"))
	assert.Equal(t, 1, h.metrics.Count(ports.MetricTaskCancelled))
}

func TestCancel_CompletedTaskIsRejected(t *testing.T) {
	h := newHarness(t)
	s1 := stage("stage-1")
	task, rc := newTask(t, "tenant-a", 1, s1)
	_, err := h.exec.Execute(context.Background(), task, pipeline(s1), rc)
	require.NoError(t, err)

	err = h.exec.Cancel(context.Background(), task, rc)
	assert.Equal(t, domain.KindBusiness, domain.KindOf(err))
	assert.Equal(t, domain.StatusCompleted, task.Status())
}

func TestExecute_AttachesTraceScope(t *testing.T) {
	h := newHarness(t)
	var traceID string
	s1 := stage("stage-1")
	s1.execute = func(ctx context.Context, _ *domain.RuntimeContext) error {
		traceID = executor.TraceID(ctx)
		return nil
	}
	task, rc := newTask(t, "tenant-a", 1, s1)

	_, err := h.exec.Execute(context.Background(), task, pipeline(s1), rc)
	require.NoError(t, err)
	assert.NotEmpty(t, traceID)
}

func TestExecute_StaleCopyIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s1, s2 := stage("stage-1"), stage("stage-2")
	s1.execute = func(_ context.Context, rc *domain.RuntimeContext) error {
		rc.RequestPause()
		return nil
	}
	task, rc := newTask(t, "tenant-a", 1, s1, s2)
	require.NoError(t, h.tasks.Save(ctx, task))

	_, err := h.exec.Execute(ctx, task, pipeline(s1, s2), rc)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, task.Status())
	s1.execute = nil

	// two jobs loaded the same paused task
	first, err := h.tasks.FindByID(ctx, task.ID())
	require.NoError(t, err)
	second, err := h.tasks.FindByID(ctx, task.ID())
	require.NoError(t, err)

	res, err := h.exec.Execute(ctx, first, pipeline(s1, s2), domain.NewRuntimeContext(task.ID()))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)

	_, err = h.exec.Execute(ctx, second, pipeline(s1, s2), domain.NewRuntimeContext(task.ID()))
	assert.ErrorIs(t, err, domain.ErrStaleTask)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	assert.Equal(t, 1, s1.Executions())
	assert.Equal(t, 1, s2.Executions())
	completed := 0
	for _, typ := range h.bus.Types(task.ID()) {
		if typ == domain.EventTaskCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Empty(t, h.holder("tenant-a"))

	stored, err := h.tasks.FindByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status())
}

func TestRetry_RefusedRetryKeepsSequences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s1 := stage("stage-1")
	s1.execute = func(context.Context, *domain.RuntimeContext) error { return errors.New("always") }
	task, rc := newTask(t, "tenant-a", 0, s1)
	require.NoError(t, h.tasks.Save(ctx, task))
	stages := pipeline(s1)

	_, err := h.exec.Execute(ctx, task, stages, rc)
	require.NoError(t, err)
	_, err = h.exec.Retry(ctx, task, stages, rc, true)
	require.ErrorIs(t, err, domain.ErrRetryExhausted)

	events := h.bus.EventsFor(task.ID())
	stored, err := h.tasks.FindByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, events[len(events)-1].Sequence, stored.Sequence(), "the stored sequence covers every published event")

	res, err := h.exec.Rollback(ctx, stored, stages, rc)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRolledBack, res.Status)

	events = h.bus.EventsFor(task.ID())
	assertSequenceIncreasing(t, events)
	stored, err = h.tasks.FindByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, events[len(events)-1].Sequence, stored.Sequence())
}

func TestExecutor_DropsHeartbeatsOfFinishedTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	broken := stage("stage-1")
	broken.execute = func(context.Context, *domain.RuntimeContext) error { return errors.New("bad") }
	failed, rc := newTask(t, "tenant-a", 0, broken)
	_, err := h.exec.Execute(ctx, failed, pipeline(broken), rc)
	require.NoError(t, err)
	require.Equal(t, 1, executor.HeartbeatCount(h.exec), "a failed task may still be retried")

	_, err = h.exec.Rollback(ctx, failed, pipeline(broken), rc)
	require.NoError(t, err)
	assert.Equal(t, 0, executor.HeartbeatCount(h.exec))

	s1, s2 := stage("stage-1"), stage("stage-2")
	s1.execute = func(_ context.Context, rc *domain.RuntimeContext) error {
		rc.RequestPause()
		return nil
	}
	paused, rc2 := newTask(t, "tenant-b", 0, s1, s2)
	_, err = h.exec.Execute(ctx, paused, pipeline(s1, s2), rc2)
	require.NoError(t, err)
	require.Equal(t, 1, executor.HeartbeatCount(h.exec))

	h.exec.Forget(paused.ID())
	assert.Equal(t, 0, executor.HeartbeatCount(h.exec))
}
