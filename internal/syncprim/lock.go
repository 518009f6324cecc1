package syncprim

import "sync"

// maxDonationDepth bounds the nested priority-donation walk (spec §4.8 step
// 3: "walk the holder chain up to 8 levels deep").
const maxDonationDepth = 8

// Lock is a binary semaphore with an owner and priority donation, the
// "Lock" of spec §4.8.
type Lock struct {
	sem *Semaphore

	mu     sync.Mutex
	holder *Thread
	donors []*Thread // holder's donors, kept sorted by descending priority
}

// NewLock creates an unheld lock.
func NewLock() *Lock {
	return &Lock{sem: NewSemaphore(1)}
}

// Holder returns the thread currently holding the lock, or nil.
func (l *Lock) Holder() *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Donors returns a snapshot of threads currently donating to this lock's
// holder, highest priority first — exposed for testability (SPEC_FULL.md
// supplement, spec testable property 7 / scenario S6).
func (l *Lock) Donors() []*Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Thread, len(l.donors))
	copy(out, l.donors)
	return out
}

// Acquire blocks t until the lock is free, performing bounded nested
// priority donation along the way (spec §4.8, scenario S6).
func (l *Lock) Acquire(t *Thread) {
	l.mu.Lock()
	holder := l.holder
	if holder == nil {
		l.mu.Unlock()
		l.sem.Down(t)
		l.mu.Lock()
		l.holder = t
		l.mu.Unlock()
		t.addHeld(l)
		return
	}

	t.WaitOn = l
	l.donors = insertByPriority(l.donors, t)
	l.mu.Unlock()

	donateChain(l, t)

	l.sem.Down(t)

	l.mu.Lock()
	t.WaitOn = nil
	l.holder = t
	l.mu.Unlock()
	t.addHeld(l)
}

// donateChain raises the priority of every lock holder in the chain
// starting at lk's current holder, up to maxDonationDepth levels, stopping
// early once a holder already outranks the waiter or the chain ends (spec
// §4.8 step 3).
func donateChain(lk *Lock, waiter *Thread) {
	cur := lk
	for depth := 0; depth < maxDonationDepth; depth++ {
		cur.mu.Lock()
		h := cur.holder
		cur.mu.Unlock()
		if h == nil {
			return
		}
		if h.Priority() >= waiter.Priority() {
			return
		}
		h.setEff(waiter.Priority())

		next := h.WaitOn
		if next == nil {
			return
		}
		cur = next
	}
}

// Release gives up the lock, withdrawing donations this holder received on
// its behalf and waking the highest-priority waiter (spec §4.8 Release).
// Effective priority is recomputed as max(base, surviving donations) rather
// than dropped straight to base: a holder of two locks that releases only
// one must keep whatever donation the other still owes it.
func (l *Lock) Release(t *Thread) {
	l.mu.Lock()
	if l.holder != t {
		l.mu.Unlock()
		panic("syncprim: release by non-holder")
	}
	// Every entry in l.donors is, by construction, a thread whose WaitOn is
	// this lock (Acquire only adds a waiter to l.donors while it blocks on
	// l). Releasing l therefore withdraws all of them at once (spec §4.8:
	// "remove donations conditioned on wait_on_lock == this lock").
	l.donors = nil
	l.holder = nil
	l.mu.Unlock()

	t.removeHeld(l)
	t.recomputeEff()

	l.sem.Up(t)
}
