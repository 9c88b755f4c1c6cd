package messaging

import (
	"sync"
	"time"
)

// Scheduler runs delayed tasks keyed by string. Scheduling a key that is
// already pending replaces the pending task, which makes it a debouncer.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	timer *time.Timer
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: map[string]*task{}}
}

// Schedule runs fn after d unless the key is cancelled or rescheduled first.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	t := &task{}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.tasks[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		s.mu.Unlock()
		fn()
	})
	s.tasks[key] = t
}

// Cancel drops the pending task for key and reports whether there was one.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether a task is waiting under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}
