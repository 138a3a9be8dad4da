package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-rollout/internal/domain"

	"github.com/redis/go-redis/v9"
)

// CheckpointStore keeps one JSON document per task. SET overwrites, so the last write wins.
type CheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCheckpointStore creates a store; a zero ttl keeps checkpoints until cleared.
func NewCheckpointStore(client *redis.Client, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{
		client: client,
		prefix: "rollout:checkpoint:",
		ttl:    ttl,
	}
}

func (s *CheckpointStore) key(taskID string) string {
	return s.prefix + taskID
}

func (s *CheckpointStore) Save(ctx context.Context, taskID string, completedStageNames []string, lastCompletedStageIndex int) error {
	payload, err := json.Marshal(domain.Checkpoint{
		TaskID:                  taskID,
		LastCompletedStageIndex: lastCompletedStageIndex,
		CompletedStageNames:     completedStageNames,
		UpdatedAt:               time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encoding checkpoint for task %s: %w", taskID, err)
	}
	return s.client.Set(ctx, s.key(taskID), payload, s.ttl).Err()
}

func (s *CheckpointStore) Load(ctx context.Context, taskID string) (*domain.Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint for task %s: %w", taskID, err)
	}
	return &cp, nil
}

func (s *CheckpointStore) Clear(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, s.key(taskID)).Err()
}
