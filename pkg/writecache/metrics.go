package writecache

import "time"

// ============================================================================
// Metrics interface
// ============================================================================

// Metrics receives cache events. Implementations must be safe for concurrent
// use; calls happen on writer goroutines and on transport completion
// goroutines.
type Metrics interface {
	// RecordOutstanding reports the outstanding request count after each
	// allocation or release.
	RecordOutstanding(n int)

	// ObserveCoalesce reports the size of each coalesced write group.
	ObserveCoalesce(pages int)

	// ObserveWrite reports one completed WRITE call.
	ObserveWrite(pages int, bytes int64, d time.Duration)

	// ObserveCommit reports one completed COMMIT call.
	ObserveCommit(pages int, d time.Duration)
}

// noopMetrics discards all events. Used when no collector is supplied.
type noopMetrics struct{}

func (noopMetrics) RecordOutstanding(int)                  {}
func (noopMetrics) ObserveCoalesce(int)                    {}
func (noopMetrics) ObserveWrite(int, int64, time.Duration) {}
func (noopMetrics) ObserveCommit(int, time.Duration)       {}
