package supervisor

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs named one-shot tasks after a delay. Scheduling a name that
// is already pending replaces it.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*time.Timer
	closed bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[string]*time.Timer)}
}

// Schedule arranges for fn to run after delay. It is a no-op once the
// scheduler is closed.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.tasks[name]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.tasks[name] != t {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, name)
		s.mu.Unlock()
		fn()
	})
	s.tasks[name] = t
}

// Cancel drops the pending task with the given name.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		t.Stop()
		delete(s.tasks, name)
	}
}

// CancelAll drops every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		t.Stop()
		delete(s.tasks, name)
	}
}

// Pending returns the names of tasks not yet run, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close cancels everything and rejects later Schedule calls.
func (s *Scheduler) Close() {
	s.CancelAll()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
