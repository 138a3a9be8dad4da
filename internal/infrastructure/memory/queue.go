package memory

import (
	"context"
	"sync"

	"go-rollout/internal/domain"
)

// JobQueue is an unbounded FIFO. Pop blocks until a job arrives or ctx ends.
type JobQueue struct {
	mu     sync.Mutex
	jobs   []domain.Job
	signal chan struct{}
}

func NewJobQueue() *JobQueue {
	return &JobQueue{signal: make(chan struct{}, 1)}
}

func (q *JobQueue) Push(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *JobQueue) Pop(ctx context.Context) (domain.Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			more := len(q.jobs) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len reports the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
