package syncprim

import "sync"

// Semaphore is a non-negative counter with a waiter queue kept in priority
// order (spec §4.8). Down blocks the calling thread if the counter is zero;
// Up wakes the highest-priority waiter.
type Semaphore struct {
	mu      sync.Mutex
	value   int
	waiters []*Thread
	wake    map[*Thread]chan struct{}
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(value int) *Semaphore {
	return &Semaphore{value: value, wake: make(map[*Thread]chan struct{})}
}

// Down blocks t until the counter is positive, then claims one unit.
func (s *Semaphore) Down(t *Thread) {
	s.mu.Lock()
	if s.value > 0 {
		s.value--
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.wake[t] = ch
	s.waiters = insertByPriority(s.waiters, t)
	s.mu.Unlock()

	<-ch
}

// Up releases one unit, waking the highest-priority waiter if any. It
// reports whether the woken thread outranks caller, the signal the spec
// calls "triggers a yield if that thread outranks the caller" — a real
// preemptive scheduler would act on this immediately; here the caller
// decides what "yield" means for its test.
func (s *Semaphore) Up(caller *Thread) (shouldYield bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) == 0 {
		s.value++
		return false
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	ch := s.wake[w]
	delete(s.wake, w)
	close(ch)
	if caller != nil && w.Priority() > caller.Priority() {
		return true
	}
	return false
}

// Value returns the current counter value, for tests/diagnostics.
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Waiting reports the number of blocked threads.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
