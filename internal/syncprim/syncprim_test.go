package syncprim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphoreFIFOByPriority(t *testing.T) {
	sem := NewSemaphore(0)
	low := NewThread(1, 5)
	high := NewThread(2, 50)
	mid := NewThread(3, 20)

	done := make(chan int, 3)
	go func() { sem.Down(low); done <- low.ID }()
	go func() { sem.Down(high); done <- high.ID }()
	go func() { sem.Down(mid); done <- mid.ID }()

	// Give all three a chance to register as waiters before any Up.
	require.Eventually(t, func() bool { return sem.Waiting() == 3 }, time.Second, time.Millisecond)

	sem.Up(nil)
	require.Equal(t, high.ID, <-done, "highest priority waiter must wake first")

	sem.Up(nil)
	require.Equal(t, mid.ID, <-done)

	sem.Up(nil)
	require.Equal(t, low.ID, <-done)
}

func TestLockDonationDepthThree(t *testing.T) {
	// Scenario S6: L(10) holds A, M(20) holds B and blocks on A, H(30)
	// blocks on A. Each waiter donates to A's holder, raising L to 20 and
	// then 30 (M is not raised: nobody waits on B); releasing A must drop L
	// back to its base priority.
	lockA := NewLock()
	lockB := NewLock()

	L := NewThread(1, 10)
	M := NewThread(2, 20)
	H := NewThread(3, 30)

	lockA.Acquire(L)
	lockB.Acquire(M)

	mBlocked := make(chan struct{})
	go func() {
		close(mBlocked)
		lockA.Acquire(M) // donates 20 to L
		lockB.Release(M)
		lockA.Release(M)
	}()
	<-mBlocked
	require.Eventually(t, func() bool { return L.Priority() == 20 }, time.Second, time.Millisecond)

	hBlocked := make(chan struct{})
	go func() {
		close(hBlocked)
		lockA.Acquire(H) // donates 30 to whoever holds A at that point (L)
	}()
	<-hBlocked
	require.Eventually(t, func() bool { return L.Priority() == 30 }, time.Second, time.Millisecond)

	lockA.Release(L)
	require.Eventually(t, func() bool { return L.Priority() == 10 }, time.Second, time.Millisecond)

	// H should now hold A.
	require.Eventually(t, func() bool { return lockA.Holder() == H }, time.Second, time.Millisecond)

	lockA.Release(H)
}

func TestReleaseKeepsDonationFromAStillHeldLock(t *testing.T) {
	// L(10) holds both A and B. M(20) blocks on A, donating 20 to L; H(30)
	// blocks on B, donating 30 to L. Releasing A must drop the donation A
	// owed but keep B's: L should land at 30, not back at base 10.
	lockA := NewLock()
	lockB := NewLock()

	L := NewThread(1, 10)
	M := NewThread(2, 20)
	H := NewThread(3, 30)

	lockA.Acquire(L)
	lockB.Acquire(L)

	mBlocked := make(chan struct{})
	go func() { close(mBlocked); lockA.Acquire(M); lockA.Release(M) }()
	<-mBlocked
	require.Eventually(t, func() bool { return L.Priority() == 20 }, time.Second, time.Millisecond)

	hBlocked := make(chan struct{})
	go func() { close(hBlocked); lockB.Acquire(H); lockB.Release(H) }()
	<-hBlocked
	require.Eventually(t, func() bool { return L.Priority() == 30 }, time.Second, time.Millisecond)

	lockA.Release(L)
	require.Equal(t, 30, L.Priority(), "B's donation must survive releasing A")

	lockB.Release(L)
	require.Eventually(t, func() bool { return L.Priority() == 10 }, time.Second, time.Millisecond)
}

func TestCondSignalWakesHighestPriority(t *testing.T) {
	lock := NewLock()
	cond := NewCond()

	low := NewThread(1, 5)
	high := NewThread(2, 50)

	lock.Acquire(low)
	waitingLow := make(chan struct{})
	go func() {
		cond.Wait(low, lock)
		waitingLow <- struct{}{}
		lock.Release(low)
	}()
	require.Eventually(t, func() bool { return cond.Waiting() == 1 }, time.Second, time.Millisecond)

	lock.Acquire(high)
	waitingHigh := make(chan struct{})
	go func() {
		cond.Wait(high, lock)
		waitingHigh <- struct{}{}
		lock.Release(high)
	}()

	require.Eventually(t, func() bool { return cond.Waiting() == 2 }, time.Second, time.Millisecond)

	caller := NewThread(3, 100)
	lock.Acquire(caller)
	cond.Signal(caller)
	lock.Release(caller)

	select {
	case <-waitingHigh:
	case <-time.After(time.Second):
		t.Fatal("high priority waiter was not signaled first")
	}

	lock.Acquire(caller)
	cond.Signal(caller)
	lock.Release(caller)
	<-waitingLow
}
