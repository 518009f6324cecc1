// Package syncprim implements the synchronization primitives the VM
// consumes: a priority-ordered semaphore, a lock with bounded nested
// priority donation, and a Mesa-semantics condition variable (spec §4.8).
//
// The teacher's own thread-local state (biscuit's tinfo.Tnote_t) is
// recovered via a patched Go runtime (runtime.Gptr/Setgptr) that stores a
// pointer in the goroutine's g struct — a trick unavailable to an ordinary
// Go module. Threads are modeled explicitly here instead: every blocking
// call takes the calling *Thread as an argument, the way Pintos' C
// lock_acquire(struct lock *) takes the implicit current thread but a
// library without kernel-level goroutine introspection must pass it
// explicitly. Blocking itself still uses real goroutines and channels, so
// priority donation is exercised by tests that launch one goroutine per
// Thread.
package syncprim

import "sync"

// Thread is the scheduling-relevant state of one kernel thread: its base
// priority, current donated (effective) priority, and the lock it is
// blocked on, if any — the minimum state priority donation needs to walk
// the holder chain (spec §4.8 step 3, "walk the holder chain up to 8 levels
// deep").
type Thread struct {
	ID   int
	mu   sync.Mutex
	base int
	eff  int
	// WaitOn is the lock this thread is currently blocked acquiring, or nil.
	WaitOn *Lock
	// held lists the locks this thread currently holds, so releasing one can
	// recompute effective priority from the donors still pending on the
	// others (spec §4.8 Release: "max(base, surviving donations)").
	held []*Lock
}

// NewThread creates a thread with the given base (and initial effective)
// priority. Higher values mean higher priority, matching spec scenario S6
// (L=10, M=20, H=30).
func NewThread(id, priority int) *Thread {
	return &Thread{ID: id, base: priority, eff: priority}
}

// Priority returns the thread's current effective priority.
func (t *Thread) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eff
}

// BasePriority returns the thread's undonated base priority.
func (t *Thread) BasePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

// setEff updates the effective priority directly; used by Lock donation
// bookkeeping which already holds whatever serialization it needs.
func (t *Thread) setEff(p int) {
	t.mu.Lock()
	t.eff = p
	t.mu.Unlock()
}

// addHeld records that t now holds l, called once Acquire succeeds.
func (t *Thread) addHeld(l *Lock) {
	t.mu.Lock()
	t.held = append(t.held, l)
	t.mu.Unlock()
}

// removeHeld drops l from t's held-lock set, called at the start of Release.
func (t *Thread) removeHeld(l *Lock) {
	t.mu.Lock()
	for i, h := range t.held {
		if h == l {
			t.held = append(t.held[:i], t.held[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// recomputeEff sets t's effective priority to the max of its base priority
// and the highest donor still pending on any lock t still holds (spec §4.8
// Release: donations from locks the thread no longer holds don't survive,
// but donations from locks it still holds do).
func (t *Thread) recomputeEff() {
	t.mu.Lock()
	held := append([]*Lock(nil), t.held...)
	best := t.base
	t.mu.Unlock()

	for _, l := range held {
		for _, d := range l.Donors() {
			if p := d.Priority(); p > best {
				best = p
			}
		}
	}

	t.mu.Lock()
	t.eff = best
	t.mu.Unlock()
}

// insertByPriority inserts t into a slice kept sorted by descending
// effective priority, ties broken by earlier insertion order (stable),
// implementing the "waiter queue kept in priority order" / "FIFO-by-priority"
// contract (spec §4.8, testable property 8).
func insertByPriority(waiters []*Thread, t *Thread) []*Thread {
	p := t.Priority()
	i := len(waiters)
	for i > 0 && waiters[i-1].Priority() < p {
		i--
	}
	waiters = append(waiters, nil)
	copy(waiters[i+1:], waiters[i:])
	waiters[i] = t
	return waiters
}

func removeThread(waiters []*Thread, t *Thread) []*Thread {
	for i, w := range waiters {
		if w == t {
			return append(waiters[:i], waiters[i+1:]...)
		}
	}
	return waiters
}
