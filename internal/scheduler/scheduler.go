// Package scheduler bounds how many backend-provider calls run at once.
// The provider enforces per-account and per-project rate ceilings; every
// quota refresh, account creation and file operation goes through one
// scheduler instance so naive fan-out cannot exceed them.
package scheduler

import (
	"errors"
	"sync"
)

var ErrStopped = errors.New("scheduler stopped")

const DefaultMaxConcurrent = 20

// Scheduler runs submitted tasks with a fixed concurrency cap. Tasks beyond
// the cap queue in submission order; a finishing task hands its slot to the
// oldest waiter. The scheduler never retries - retry policy belongs to the
// caller.
type Scheduler struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters []chan bool     // FIFO queue of blocked submissions; true = slot granted
	idlers  []chan struct{} // callers blocked in WaitForIdle
	stopped bool
}

// New creates a scheduler with the given concurrency cap.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Scheduler{max: maxConcurrent}
}

// Run blocks until the task has been admitted and executed, then returns the
// task's error. Admission is first-come first-served.
func (s *Scheduler) Run(task func() error) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.active < s.max && len(s.waiters) == 0 {
		s.active++
		s.mu.Unlock()
	} else {
		ticket := make(chan bool, 1)
		s.waiters = append(s.waiters, ticket)
		s.mu.Unlock()
		if granted := <-ticket; !granted {
			return ErrStopped
		}
	}

	err := task()

	s.mu.Lock()
	if len(s.waiters) > 0 && !s.stopped {
		// Hand the slot to the oldest waiter; active count is unchanged
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		next <- true
	} else {
		s.active--
		if s.active == 0 {
			s.notifyIdle()
		}
	}
	s.mu.Unlock()

	return err
}

// WaitForIdle blocks until no task is active or queued. Batch operations use
// it to make sure aggregate totals are complete before reporting them.
func (s *Scheduler) WaitForIdle() {
	s.mu.Lock()
	if s.active == 0 && len(s.waiters) == 0 {
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.idlers = append(s.idlers, ch)
	s.mu.Unlock()
	<-ch
}

// Stop rejects new submissions and releases queued ones with ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, ticket := range s.waiters {
		ticket <- false
	}
	s.waiters = nil
}

// Active returns the number of currently running tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Queued returns the number of submissions waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func (s *Scheduler) notifyIdle() {
	for _, ch := range s.idlers {
		close(ch)
	}
	s.idlers = nil
}
