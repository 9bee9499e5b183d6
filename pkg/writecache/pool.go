package writecache

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Request pool
// ============================================================================

// poolRetryInterval bounds how long a blocked writer waits before re-polling
// the limit, so a lost wakeup can only ever delay, not deadlock.
const poolRetryInterval = time.Second

// pool enforces the global outstanding-request limit. It tracks a count, not
// objects: request structs come from the heap, the pool only decides when a
// new one may exist.
//
// Writers blocked at the hard limit queue as buffered channels; each release
// hands its token to the first waiter, so one freed slot wakes exactly one
// writer.
type pool struct {
	mu          sync.Mutex
	outstanding int
	hard        int
	waiters     []chan struct{}

	metrics Metrics
}

func newPool(hard int, metrics Metrics) *pool {
	return &pool{hard: hard, metrics: metrics}
}

// count returns the current outstanding-request count.
func (p *pool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// tryAcquire claims a request slot if the hard limit allows.
func (p *pool) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding >= p.hard {
		return false
	}
	p.outstanding++
	p.metrics.RecordOutstanding(p.outstanding)
	return true
}

// release returns a slot and wakes the oldest waiter, if any.
func (p *pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	p.metrics.RecordOutstanding(p.outstanding)
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- struct{}{}
	}
}

// waitSlot blocks until a release hands this waiter a token, the retry
// interval elapses, or the context is cancelled (only when interruptible).
// A nil return means "poll the limit again", not "a slot is reserved".
func (p *pool) waitSlot(ctx context.Context, interruptible bool) error {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timer := time.NewTimer(poolRetryInterval)
	defer timer.Stop()

	if interruptible {
		select {
		case <-ch:
			return nil
		case <-timer.C:
		case <-ctx.Done():
			p.abandon(ch)
			return ctx.Err()
		}
	} else {
		select {
		case <-ch:
			return nil
		case <-timer.C:
		}
	}

	p.abandon(ch)
	return nil
}

// abandon removes a waiter that gave up. If a token was already delivered it
// is forwarded to the next waiter instead of being lost.
func (p *pool) abandon(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	// Not queued anymore: release already sent our token.
	<-ch
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- struct{}{}
	}
}
