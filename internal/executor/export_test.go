package executor

// HeartbeatCount reports how many heartbeat schedulers e still holds.
func HeartbeatCount(e *Executor) int {
	n := 0
	e.heartbeats.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
