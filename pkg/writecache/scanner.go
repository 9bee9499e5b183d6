package writecache

import (
	"sync"
	"time"

	"github.com/marmos91/dittofs-client/internal/logger"
)

// scannerIdleInterval is the timer period when nothing is scheduled.
const scannerIdleInterval = time.Minute

// ============================================================================
// Background scanner
// ============================================================================

// scanner runs the background flush daemon: one goroutine holding, per file,
// the earliest deadline among its buffered requests. When a deadline falls
// due the scanner pushes the file's timed-out dirty requests and commits its
// timed-out unstable ones.
//
// The deadline map is deliberately coarse. FlushTimedOut re-arms the exact
// next deadline after every sweep, so an early wakeup only costs a scan.
type scanner struct {
	cache *Cache

	mu      sync.Mutex
	pending map[*File]time.Time

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newScanner(c *Cache) *scanner {
	s := &scanner{
		cache:   c,
		pending: make(map[*File]time.Time),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.run()
	return s
}

// schedule records that the file has work due at the given time, keeping the
// earliest deadline when one is already recorded.
func (s *scanner) schedule(f *File, when time.Time) {
	if when.IsZero() {
		when = time.Now()
	}

	s.mu.Lock()
	cur, ok := s.pending[f]
	changed := !ok || when.Before(cur)
	if changed {
		s.pending[f] = when
	}
	s.mu.Unlock()

	if changed {
		s.wake()
	}
}

// cancel forgets a file, called when its last request goes away. A racing
// schedule just re-adds it; a sweep of a file with nothing due is harmless.
func (s *scanner) cancel(f *File) {
	s.mu.Lock()
	delete(s.pending, f)
	s.mu.Unlock()
}

// wake nudges the scanner loop to recompute its timer and sweep.
func (s *scanner) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// stop shuts the scanner down and waits for the loop to exit.
func (s *scanner) stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *scanner) run() {
	defer close(s.doneCh)

	timer := time.NewTimer(scannerIdleInterval)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWait())

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-timer.C:
		}

		s.sweep()
	}
}

// nextWait returns how long to sleep until the earliest pending deadline.
func (s *scanner) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, when := range s.pending {
		if next.IsZero() || when.Before(next) {
			next = when
		}
	}
	if next.IsZero() {
		return scannerIdleInterval
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	return d
}

// sweep flushes and commits every file whose deadline has passed. The flush
// paths re-schedule files that still have requests with later deadlines.
func (s *scanner) sweep() {
	now := time.Now()

	s.mu.Lock()
	var due []*File
	for f, when := range s.pending {
		if !when.After(now) {
			due = append(due, f)
			delete(s.pending, f)
		}
	}
	s.mu.Unlock()

	for _, f := range due {
		if _, err := s.cache.FlushTimedOut(f, 0); err != nil {
			logger.Warn("writecache: background flush: %v", err)
		}
		if _, err := s.cache.CommitTimedOut(f, 0); err != nil {
			logger.Warn("writecache: background commit: %v", err)
		}
	}
}
