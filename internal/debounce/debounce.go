// Package debounce implements keyed, cancel-and-replace delayed actions.
// At most one action is pending for a given key: scheduling a key again
// cancels the pending action before installing the new one.
package debounce

import (
	"sync"
	"time"
)

type entry struct {
	gen   uint64
	timer *time.Timer
}

// Scheduler runs delayed actions by key. It is safe for concurrent use.
type Scheduler struct {
	post func(func())

	mu      sync.Mutex
	gen     uint64
	pending map[string]entry
	stopped bool
}

// New creates a Scheduler. When an action's delay expires, the action
// is handed to post, which is expected to run it on the goroutine that
// owns the state the action touches. If post is nil, actions run on the
// timer's goroutine.
func New(post func(func())) *Scheduler {
	return &Scheduler{post: post, pending: make(map[string]entry)}
}

// Schedule runs fn after d, cancelling any action pending for key.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if e, ok := s.pending[key]; ok {
		e.timer.Stop()
	}

	s.gen++
	gen := s.gen
	t := time.AfterFunc(d, func() {
		run := func() {
			// the timer may have fired right before being replaced or
			// cancelled, only the current generation runs.
			if s.take(key, gen) {
				fn()
			}
		}
		if s.post != nil {
			s.post(run)
		} else {
			run()
		}
	})
	s.pending[key] = entry{gen: gen, timer: t}
}

func (s *Scheduler) take(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok || e.gen != gen || s.stopped {
		return false
	}
	delete(s.pending, key)
	return true
}

// Cancel cancels the action pending for key. It returns true if an
// action was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending returns true if an action is pending for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending actions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending action. Subsequent calls to Schedule are
// ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for k, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, k)
	}
}
