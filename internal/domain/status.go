package domain

type TaskStatus string

const (
	StatusCreated          TaskStatus = "CREATED"
	StatusValidating       TaskStatus = "VALIDATING"
	StatusValidationFailed TaskStatus = "VALIDATION_FAILED"
	StatusPending          TaskStatus = "PENDING"
	StatusRunning          TaskStatus = "RUNNING"
	StatusPaused           TaskStatus = "PAUSED"
	StatusResuming         TaskStatus = "RESUMING"
	StatusCompleted        TaskStatus = "COMPLETED"
	StatusFailed           TaskStatus = "FAILED"
	StatusRollingBack      TaskStatus = "ROLLING_BACK"
	StatusRolledBack       TaskStatus = "ROLLED_BACK"
	StatusRollbackFailed   TaskStatus = "ROLLBACK_FAILED"
	StatusCancelled        TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no transition can ever leave s.
// COMPLETED and ROLLED_BACK are not terminal: they still accept rollback/retry.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusValidationFailed || s == StatusCancelled
}

// IsSettled reports whether an execution stops at s and the tenant slot must be free.
func (s TaskStatus) IsSettled() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled,
		StatusRolledBack, StatusRollbackFailed, StatusValidationFailed:
		return true
	default:
		return false
	}
}

// Purgeable reports whether a task in s may be removed from active storage.
func (s TaskStatus) Purgeable() bool {
	return s.IsSettled()
}
