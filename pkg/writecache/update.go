package writecache

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/dittofs-client/internal/logger"
	"github.com/marmos91/dittofs-client/pkg/nfs"
	"github.com/marmos91/dittofs-client/pkg/rpc"
)

// ============================================================================
// Update path
// ============================================================================

// UpdatePage records a write of count bytes at offset within the page. The
// page content must already be in place; the cache buffers a request for the
// range and decides when to push it.
//
// When synchronous is true (O_SYNC semantics) the affected range is written
// stably before returning and any deferred file error is surfaced. Otherwise
// the call returns once the request is buffered, flushing eagerly only when
// the file has accumulated a full call's worth of dirty pages.
//
// Parameters:
//   - f: target file
//   - cred: credentials the eventual WRITE will carry
//   - page: the written page; the cache pins it while a request exists
//   - offset, count: dirty byte range within the page
//   - synchronous: write through before returning
//
// ErrBusy is never returned: conflicting requests are flushed and the update
// retried internally. Errors are transport failures, cancellation on
// interruptible mounts, or deferred write errors on the synchronous path.
func (c *Cache) UpdatePage(ctx context.Context, f *File, cred nfs.Credentials, page Page, offset, count uint32, synchronous bool) error {
	if count == 0 {
		return nil
	}

	// Servers with a tiny wsize cannot carry a page per call; bypass the
	// request machinery and write through synchronously.
	if c.cfg.WriteSize < c.cfg.PageSize {
		_, err := c.writePageSync(ctx, f, cred, page, offset, count)
		return err
	}

	logger.Debug("writecache: update page=%d %d@%d sync=%v", page.Index(), count, offset, synchronous)

	var req *Request
	for {
		var err error
		req, err = c.updateRequest(ctx, f, cred, page, offset, count)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrBusy) {
			return err
		}
		// An incompatible request owns the page. Push it out and retry.
		if err := c.flushPage(ctx, f, page); err != nil {
			page.ClearUptodate()
			return err
		}
	}

	c.mu.Lock()
	full := req.bytes == c.cfg.PageSize
	c.mu.Unlock()
	if full {
		// The request covers the whole page, so the cached copy now equals
		// the logical file content regardless of what was on disk before.
		page.SetUptodate()
	}

	var status error
	if synchronous {
		start := page.Index()*uint64(c.cfg.PageSize) + uint64(offset)
		status = c.Sync(ctx, f, start, uint64(count), FlushSync|FlushStable)
		if status == nil {
			status = f.DrainError()
		}
	} else if full {
		c.strategy(ctx, f)
	}

	c.releaseRequest(req)
	if status != nil {
		page.ClearUptodate()
	}
	return status
}

// updateRequest finds the page's request and grows it to cover the new
// range, or creates one. The returned request is unlocked but referenced;
// the caller must release it.
//
// Returns ErrBusy when the existing request cannot absorb the write: wrong
// credentials, a different page instance, a non-contiguous range, or the
// request already left the dirty list.
func (c *Cache) updateRequest(ctx context.Context, f *File, cred nfs.Credentials, page Page, offset, count uint32) (*Request, error) {
	end := offset + count
	var created *Request

	var req *Request
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			if created != nil {
				c.releaseRequest(created)
			}
			return nil, ErrClosed
		}

		req = c.findRequestLocked(f, page.Index())
		if req != nil {
			if !c.lockRequestLocked(req) {
				// Someone is dispatching or extending it. Wait unlocked and
				// start over; the request may be gone by then.
				ch := req.unlocked
				c.mu.Unlock()
				err := c.waitUnlocked(ctx, ch)
				c.releaseRequest(req)
				if err != nil {
					if created != nil {
						c.releaseRequest(created)
					}
					return nil, err
				}
				continue
			}
			c.mu.Unlock()
			if created != nil {
				// Lost the race to another writer; ours was never hashed.
				c.releaseRequest(created)
			}
			break
		}

		if created != nil {
			req = created
			c.lockRequestLocked(req)
			c.addRequestLocked(f, req)
			c.mu.Unlock()
			c.markDirty(req)
			break
		}
		c.mu.Unlock()

		// Allocation can block on the request limit, so it happens outside
		// the lookup critical section and the lookup is retried after.
		var err error
		created, err = c.createRequest(ctx, f, cred, page, offset, count)
		if err != nil {
			return nil, err
		}
	}

	// The request is locked and referenced. Check it can absorb the write.
	c.mu.Lock()
	rqEnd := req.offset + req.bytes
	compatible := req.page == page &&
		req.list == listDirty &&
		req.cred == cred &&
		offset <= rqEnd && end >= req.offset
	if !compatible {
		c.mu.Unlock()
		c.unlockRequest(req)
		c.releaseRequest(req)
		return nil, ErrBusy
	}

	if offset < req.offset {
		req.bytes = rqEnd - offset
		req.offset = offset
	}
	rqEnd = req.offset + req.bytes
	if end > rqEnd {
		req.bytes = end - req.offset
	}
	c.mu.Unlock()

	c.unlockRequest(req)
	return req, nil
}

// createRequest allocates a request within the pool limits. Above the soft
// limit the writer first flushes its own file to reclaim requests; at the
// hard limit it blocks until completions free capacity.
func (c *Cache) createRequest(ctx context.Context, f *File, cred nfs.Credentials, page Page, offset, count uint32) (*Request, error) {
	for {
		if c.pool.count() >= c.cfg.SoftLimit {
			if err := c.Sync(ctx, f, 0, 0, 0); err != nil {
				logger.Debug("writecache: reclaim sync failed: %v", err)
			}
			if c.pool.count() >= c.cfg.SoftLimit {
				c.scanner.wake()
			}
		}
		if c.pool.tryAcquire() {
			break
		}
		logger.Debug("writecache: at hard request limit (%d), waiting", c.pool.count())
		if err := c.pool.waitSlot(ctx, c.cfg.Interruptible); err != nil {
			return nil, err
		}
	}

	page.Retain()
	req := &Request{
		file:   f,
		page:   page,
		cred:   cred,
		offset: offset,
		bytes:  count,
		refs:   1,
		list:   listNone,
	}

	// Locked regions flush on unlock, so their background deadline can be
	// far out; unlocked data should reach the server promptly.
	delay := c.cfg.WritebackDelay
	start := page.Index()*uint64(c.cfg.PageSize) + uint64(offset)
	c.mu.Lock()
	locked := f.writeLockedRegion(start, start+uint64(count))
	c.mu.Unlock()
	if locked {
		delay = c.cfg.LockedWritebackDelay
	}
	req.timeout = time.Now().Add(delay)

	return req, nil
}

// strategy decides whether buffered data should be pushed now. With unstable
// writes a single call's worth of dirty pages is enough; single-phase
// versions wait for several calls' worth since every WRITE is synchronous on
// the server.
func (c *Cache) strategy(ctx context.Context, f *File) {
	c.mu.Lock()
	dirty := f.ndirty
	c.mu.Unlock()

	threshold := c.cfg.writePages()
	if !c.cfg.TwoPhase() {
		threshold *= c.cfg.StrategyPages
	}
	if dirty >= threshold {
		if _, err := c.Flush(f, 0, 0, 0); err != nil {
			logger.Warn("writecache: eager flush failed: %v", err)
		}
	}

	if c.pool.count() > c.cfg.SoftLimit {
		if err := c.Sync(ctx, f, 0, 0, 0); err != nil {
			logger.Debug("writecache: reclaim sync failed: %v", err)
		}
	}
}

// FlushIncompatible writes out the page's current request when it could not
// absorb a write for the given page instance and credentials. Callers use it
// before copying new data into a page that may be referenced by an earlier
// request under another identity.
func (c *Cache) FlushIncompatible(ctx context.Context, f *File, cred nfs.Credentials, page Page) error {
	c.mu.Lock()
	req := c.findRequestLocked(f, page.Index())
	var mismatched bool
	if req != nil {
		mismatched = req.cred != cred || req.page != page
	}
	c.mu.Unlock()

	if req == nil {
		return nil
	}

	var err error
	if mismatched {
		logger.Debug("writecache: flushing incompatible request page=%d", page.Index())
		err = c.flushPage(ctx, f, page)
	}
	c.releaseRequest(req)
	return err
}

// flushPage synchronously writes out and commits everything covering one
// page, waiting out any in-flight request first.
func (c *Cache) flushPage(ctx context.Context, f *File, page Page) error {
	start := page.Index() * uint64(c.cfg.PageSize)
	return c.Sync(ctx, f, start, uint64(c.cfg.PageSize), FlushSync|FlushStable|FlushWait)
}

// writePageSync pushes the range straight to the server in wsize slices,
// bypassing the request machinery. Every slice is written file-sync stable.
func (c *Cache) writePageSync(ctx context.Context, f *File, cred nfs.Credentials, page Page, offset, count uint32) (int, error) {
	written := 0
	data := page.Data()
	pos := page.Index()*uint64(c.cfg.PageSize) + uint64(offset)
	var lastAttr *nfs.Fattr

	for count > 0 {
		if c.cfg.Interruptible {
			if err := ctx.Err(); err != nil {
				return written, err
			}
		}

		n := c.cfg.WriteSize
		if count < n {
			n = count
		}

		args := &nfs.WriteArgs{
			Handle:   f.handle,
			Offset:   pos,
			Count:    n,
			Stable:   nfs.FileSyncWrite,
			Segments: [][]byte{data[offset : offset+n]},
		}
		res := &nfs.WriteResult{}
		if err := c.issueSync(&rpc.Call{
			Proc:  rpc.ProcedureWrite,
			Cred:  cred,
			Args:  args,
			Reply: res,
		}); err != nil {
			page.ClearUptodate()
			return written, err
		}
		if res.Count < n {
			logger.Warn("writecache: short synchronous write (%d < %d)", res.Count, n)
			page.ClearUptodate()
			return written + int(res.Count), ErrShortWrite
		}

		offset += n
		pos += uint64(n)
		written += int(n)
		count -= n
		lastAttr = res.Attr

		// Writing past the cached EOF grows the file.
		c.mu.Lock()
		if pos > f.size {
			f.size = pos
		}
		c.mu.Unlock()
	}

	f.refreshAttr(lastAttr)
	return written, nil
}

// issueSync dispatches one call synchronously and returns its completion
// status.
func (c *Cache) issueSync(call *rpc.Call) error {
	ch := make(chan error, 1)
	call.Done = func(err error) { ch <- err }
	if err := c.transport.Issue(call, false); err != nil {
		return err
	}
	return <-ch
}
