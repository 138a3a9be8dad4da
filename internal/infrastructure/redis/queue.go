package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-rollout/internal/domain"

	"github.com/redis/go-redis/v9"
)

type RedisQueue struct {
	client    *redis.Client
	queueName string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:    client,
		queueName: "rollout:queue:jobs",
	}
}

// Push adds a job to the end of the list
func (q *RedisQueue) Push(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job for task %s: %w", job.TaskID, err)
	}
	return q.client.RPush(ctx, q.queueName, payload).Err()
}

// Pop waits for a job and removes it from the front of the list
func (q *RedisQueue) Pop(ctx context.Context) (domain.Job, error) {
	// 0 means "Wait forever until an item appears"
	result, err := q.client.BLPop(ctx, 0*time.Second, q.queueName).Result()
	if err != nil {
		return domain.Job{}, err
	}
	// BLPop returns a slice: [QueueName, Element]
	var job domain.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return domain.Job{}, fmt.Errorf("decoding job: %w", err)
	}
	return job, nil
}
