// Package heartbeat periodically reports how many stages a task still has to run.
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reporter receives the current lag on every tick.
type Reporter func(taskID string, lag int)

// Scheduler publishes lag = max(0, total - completed) on its own ticker, so a
// long stage does not hide progress. It only reads the completed counter.
type Scheduler struct {
	taskID    string
	interval  time.Duration
	reporter  Reporter
	total     atomic.Int64
	completed atomic.Int64

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewScheduler(taskID string, interval time.Duration, reporter Reporter) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{taskID: taskID, interval: interval, reporter: reporter}
}

// SetTotal sets the number of stages in the pipeline.
func (s *Scheduler) SetTotal(n int) { s.total.Store(int64(n)) }

// SetCompleted sets the number of stages already passed.
func (s *Scheduler) SetCompleted(n int) { s.completed.Store(int64(n)) }

// Lag returns max(0, total - completed).
func (s *Scheduler) Lag() int {
	lag := s.total.Load() - s.completed.Load()
	if lag < 0 {
		return 0
	}
	return int(lag)
}

// Running reports whether the ticker goroutine is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Start reports once and then on every tick. Calling Start while running is a
// no-op; calling it after Stop starts a fresh ticker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.report()
	go s.loop(s.stop, s.done)
}

// Stop halts the ticker and waits for the loop to exit. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.report()
		}
	}
}

func (s *Scheduler) report() {
	if s.reporter != nil {
		s.reporter(s.taskID, s.Lag())
	}
}
