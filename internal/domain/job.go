package domain

// JobAction tells a worker what to do with a task.
type JobAction string

const (
	JobExecute  JobAction = "execute"
	JobRetry    JobAction = "retry"
	JobRollback JobAction = "rollback"
)

// Job is the payload carried by the job queue.
type Job struct {
	TaskID         string    `json:"task_id"`
	Action         JobAction `json:"action"`
	FromCheckpoint bool      `json:"from_checkpoint,omitempty"`
}
