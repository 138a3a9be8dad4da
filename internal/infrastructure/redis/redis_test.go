package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"go-rollout/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to ROLLOUT_TEST_REDIS_ADDR, skipping the test when it is unset.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("ROLLOUT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROLLOUT_TEST_REDIS_ADDR not set")
	}
	client, err := NewRedisClient(context.Background(), addr, 4)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := NewRedisClient(ctx, "127.0.0.1:1", 1)
	assert.ErrorContains(t, err, "connecting to redis")
}

func TestRedisQueue_PushPop(t *testing.T) {
	client := testClient(t)
	q := NewRedisQueue(client)
	q.queueName = "rollout:test:queue:" + uuid.NewString()
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, q.queueName) })

	require.NoError(t, q.Push(ctx, domain.Job{TaskID: "a", Action: domain.JobExecute}))
	require.NoError(t, q.Push(ctx, domain.Job{TaskID: "b", Action: domain.JobRetry, FromCheckpoint: true}))

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.TaskID)
	assert.Equal(t, domain.Job{TaskID: "b", Action: domain.JobRetry, FromCheckpoint: true}, second)
}

func TestRedisEventBus_PublishSubscribe(t *testing.T) {
	client := testClient(t)
	bus := NewRedisEventBus(client)
	bus.channel = "rollout:test:events:" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.Event{TaskID: "t1", Type: domain.EventTaskCompleted, Sequence: 7}))

	select {
	case e := <-events:
		assert.Equal(t, domain.EventTaskCompleted, e.Type)
		assert.Equal(t, int64(7), e.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCheckpointStore_LastWriteWins(t *testing.T) {
	client := testClient(t)
	store := NewCheckpointStore(client, time.Minute)
	taskID := uuid.NewString()
	ctx := context.Background()

	cp, err := store.Load(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.Save(ctx, taskID, []string{"a"}, 0))
	require.NoError(t, store.Save(ctx, taskID, []string{"a", "b"}, 1))
	cp, err = store.Load(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.LastCompletedStageIndex)
	assert.Equal(t, []string{"a", "b"}, cp.CompletedStageNames)

	require.NoError(t, store.Clear(ctx, taskID))
	cp, err = store.Load(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestTenantLock(t *testing.T) {
	client := testClient(t)
	lock := NewTenantLock(client, time.Minute)
	tenant := "tenant-" + uuid.NewString()
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, tenant, "node-a:task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, tenant, "node-a:task-1")
	require.NoError(t, err)
	assert.True(t, ok, "the owner may re-acquire")

	ok, err = lock.Acquire(ctx, tenant, "node-a:task-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = lock.Acquire(ctx, tenant, "node-b:task-1")
	require.NoError(t, err)
	assert.False(t, ok, "the same task on another node is a different owner")

	require.NoError(t, lock.Release(ctx, tenant, "node-a:task-2"))
	ok, err = lock.Acquire(ctx, tenant, "node-a:task-2")
	require.NoError(t, err)
	assert.False(t, ok, "only the owner can release")

	require.NoError(t, lock.Release(ctx, tenant, "node-a:task-1"))
	ok, err = lock.Acquire(ctx, tenant, "node-a:task-2")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(ctx, tenant, "node-a:task-2"))
}
