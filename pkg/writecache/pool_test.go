package writecache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestPoolHardLimit verifies acquisition stops at the hard limit and resumes
// after a release.
func TestPoolHardLimit(t *testing.T) {
	p := newPool(2, noopMetrics{})

	if !p.tryAcquire() || !p.tryAcquire() {
		t.Fatal("acquisitions under the limit should succeed")
	}
	if p.tryAcquire() {
		t.Fatal("acquisition at the hard limit should fail")
	}
	if p.count() != 2 {
		t.Fatalf("count = %d, want 2", p.count())
	}

	p.release()
	if !p.tryAcquire() {
		t.Fatal("acquisition after a release should succeed")
	}
}

// TestPoolWaiterWakesOnRelease verifies a blocked waiter is woken promptly by
// a release rather than waiting out the retry interval.
func TestPoolWaiterWakesOnRelease(t *testing.T) {
	p := newPool(1, noopMetrics{})
	if !p.tryAcquire() {
		t.Fatal("first acquisition should succeed")
	}

	woken := make(chan time.Duration, 1)
	start := time.Now()
	go func() {
		_ = p.waitSlot(context.Background(), false)
		woken <- time.Since(start)
	}()

	// Give the waiter time to queue, then release.
	time.Sleep(20 * time.Millisecond)
	p.release()

	select {
	case d := <-woken:
		if d >= poolRetryInterval {
			t.Fatalf("waiter took %v, should have been woken by the release", d)
		}
	case <-time.After(2 * poolRetryInterval):
		t.Fatal("waiter never woke")
	}
}

// TestPoolReleaseWakesExactlyOne verifies one freed slot wakes one waiter,
// not the whole queue.
func TestPoolReleaseWakesExactlyOne(t *testing.T) {
	p := newPool(1, noopMetrics{})
	if !p.tryAcquire() {
		t.Fatal("first acquisition should succeed")
	}

	const waiters = 4
	var earlyWakes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			_ = p.waitSlot(context.Background(), false)
			if time.Since(start) < poolRetryInterval/2 {
				earlyWakes.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	p.release()
	wg.Wait()

	if n := earlyWakes.Load(); n != 1 {
		t.Fatalf("%d waiters woke early, want exactly 1", n)
	}
}

// TestPoolWaitInterruptible verifies cancellation is honored only when asked.
func TestPoolWaitInterruptible(t *testing.T) {
	p := newPool(1, noopMetrics{})
	if !p.tryAcquire() {
		t.Fatal("first acquisition should succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.waitSlot(ctx, true); err == nil {
		t.Fatal("interruptible wait should surface cancellation")
	}

	// Uninterruptible: the cancelled context is ignored; the wait returns
	// nil after the retry interval.
	start := time.Now()
	if err := p.waitSlot(ctx, false); err != nil {
		t.Fatalf("uninterruptible wait returned %v", err)
	}
	if time.Since(start) < poolRetryInterval/2 {
		t.Fatal("uninterruptible wait returned before the retry interval")
	}
}

// TestPoolAbandonForwardsToken verifies a token delivered to a waiter that
// already timed out is handed to the next waiter instead of being dropped.
func TestPoolAbandonForwardsToken(t *testing.T) {
	p := newPool(1, noopMetrics{})

	// Simulate the race: a waiter that was already popped from the queue
	// and given a token abandons it while another waiter queues.
	delivered := make(chan struct{}, 1)
	delivered <- struct{}{}

	next := make(chan struct{}, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, next)
	p.mu.Unlock()

	p.abandon(delivered)

	select {
	case <-next:
	default:
		t.Fatal("abandoned token was not forwarded to the queued waiter")
	}
}
