package syncprim

import "sync"

// Cond is a Mesa-semantics condition variable (spec §4.8): Wait atomically
// releases the associated lock and blocks on a private per-waiter
// semaphore, Signal wakes the highest-priority waiter, Broadcast wakes all.
type Cond struct {
	mu      sync.Mutex
	waiters []*Thread
	private map[*Thread]*Semaphore
}

// NewCond creates an empty condition variable.
func NewCond() *Cond {
	return &Cond{private: make(map[*Thread]*Semaphore)}
}

// Wait releases lock, blocks t until signaled, then reacquires lock. The
// caller must hold lock before calling Wait.
func (c *Cond) Wait(t *Thread, lock *Lock) {
	priv := NewSemaphore(0)

	c.mu.Lock()
	c.waiters = insertByPriority(c.waiters, t)
	c.private[t] = priv
	c.mu.Unlock()

	lock.Release(t)
	priv.Down(t)
	lock.Acquire(t)
}

// Signal wakes the highest-priority waiter, if any.
func (c *Cond) Signal(caller *Thread) {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	priv := c.private[w]
	delete(c.private, w)
	c.mu.Unlock()

	priv.Up(caller)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast(caller *Thread) {
	for {
		c.mu.Lock()
		empty := len(c.waiters) == 0
		c.mu.Unlock()
		if empty {
			return
		}
		c.Signal(caller)
	}
}

// Waiting reports the number of threads currently blocked on c.
func (c *Cond) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
