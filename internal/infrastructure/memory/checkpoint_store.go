package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"go-rollout/internal/domain"
)

// CheckpointStore keeps checkpoints in process memory. Not durable.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*domain.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]*domain.Checkpoint)}
}

func (s *CheckpointStore) Save(_ context.Context, taskID string, completedStageNames []string, lastCompletedStageIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[taskID] = &domain.Checkpoint{
		TaskID:                  taskID,
		LastCompletedStageIndex: lastCompletedStageIndex,
		CompletedStageNames:     slices.Clone(completedStageNames),
		UpdatedAt:               time.Now(),
	}
	return nil
}

func (s *CheckpointStore) Load(_ context.Context, taskID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[taskID].Clone(), nil
}

func (s *CheckpointStore) Clear(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, taskID)
	return nil
}
