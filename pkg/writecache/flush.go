package writecache

import (
	"context"
	"math"
	"time"
)

// ============================================================================
// Flush scheduling
// ============================================================================

// Flags modify how flush operations behave.
type Flags uint32

const (
	// FlushSync makes dispatch wait for each call's completion instead of
	// issuing asynchronously.
	FlushSync Flags = 1 << iota

	// FlushStable requests stable writes even on two-phase versions, so no
	// COMMIT is needed for the flushed data.
	FlushStable

	// FlushWait makes Sync wait out in-flight requests before scanning.
	FlushWait
)

// Flush scans the dirty list for the byte range, coalesces what it finds and
// dispatches WRITE calls. A zero count covers the whole file. Returns the
// number of pages dispatched.
func (c *Cache) Flush(f *File, start, count uint64, how Flags) (int, error) {
	idxStart, idxEnd := c.pageRange(start, count)

	c.mu.Lock()
	head := c.scanListLocked(f, listDirty, idxStart, idxEnd)
	c.mu.Unlock()

	if len(head) == 0 {
		return 0, nil
	}
	return c.flushList(head, how)
}

// FlushTimedOut dispatches the dirty requests whose writeback deadline has
// passed, and re-arms the scanner for the earliest remaining one.
func (c *Cache) FlushTimedOut(f *File, how Flags) (int, error) {
	now := time.Now()

	c.mu.Lock()
	head, next := c.scanTimedOutLocked(f, listDirty, now)
	c.mu.Unlock()

	if !next.IsZero() {
		c.scanner.schedule(f, next)
	}
	if len(head) == 0 {
		return 0, nil
	}
	return c.flushList(head, how)
}

// Commit issues a COMMIT covering the unstable requests in the byte range.
// A no-op on single-phase versions. Returns the number of pages committed.
func (c *Cache) Commit(f *File, start, count uint64, how Flags) (int, error) {
	if !c.cfg.TwoPhase() {
		return 0, nil
	}
	idxStart, idxEnd := c.pageRange(start, count)

	c.mu.Lock()
	head := c.scanListLocked(f, listCommit, idxStart, idxEnd)
	c.mu.Unlock()

	if len(head) == 0 {
		return 0, nil
	}
	return c.commitList(head, how)
}

// CommitTimedOut commits the requests whose commit deadline has passed. When
// any are due, the rest of the commit list rides along: the server flushes
// its write cache once either way, so partial commits just cost extra calls.
func (c *Cache) CommitTimedOut(f *File, how Flags) (int, error) {
	if !c.cfg.TwoPhase() {
		return 0, nil
	}
	now := time.Now()

	c.mu.Lock()
	head, next := c.scanTimedOutLocked(f, listCommit, now)
	if len(head) > 0 {
		head = append(head, c.scanListLocked(f, listCommit, 0, math.MaxUint64)...)
		next = time.Time{}
	}
	c.mu.Unlock()

	if !next.IsZero() {
		c.scanner.schedule(f, next)
	}
	if len(head) == 0 {
		return 0, nil
	}
	return c.commitList(head, how)
}

// Sync pushes every buffered byte in the range to the server and, on
// two-phase versions, commits it. It loops because completions can repopulate
// the lists: an unstable write lands on the commit list, a verifier mismatch
// puts committed data back on the dirty list.
func (c *Cache) Sync(ctx context.Context, f *File, start, count uint64, how Flags) error {
	wait := how&FlushWait != 0
	how &^= FlushWait

	for {
		if wait {
			if _, err := c.waitOnRequests(ctx, f, start, count); err != nil {
				return err
			}
		}
		wrote, err := c.Flush(f, start, count, how|FlushSync)
		if err != nil {
			return err
		}
		committed, err := c.Commit(f, start, count, how|FlushSync)
		if err != nil {
			return err
		}
		if wrote+committed == 0 {
			return nil
		}
	}
}

// flushList dispatches one coalesced group at a time. On a dispatch failure
// the not-yet-dispatched remainder goes back to the dirty list; the data is
// still buffered and a later flush retries it.
func (c *Cache) flushList(head []*Request, how Flags) (int, error) {
	pages := 0
	for len(head) > 0 {
		group := coalesce(&head, c.cfg.writePages(), c.cfg.PageSize)
		c.metrics.ObserveCoalesce(len(group))
		if err := c.flushGroup(group, how); err != nil {
			for _, req := range head {
				c.markDirty(req)
				c.unlockRequest(req)
			}
			return pages, err
		}
		pages += len(group)
	}
	return pages, nil
}

// commitList covers the whole batch with a single COMMIT.
func (c *Cache) commitList(head []*Request, how Flags) (int, error) {
	if err := c.commitGroup(head, how); err != nil {
		return 0, err
	}
	return len(head), nil
}
