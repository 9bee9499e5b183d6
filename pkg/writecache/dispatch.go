package writecache

import (
	"fmt"
	"math"
	"time"

	"github.com/marmos91/dittofs-client/internal/logger"
	"github.com/marmos91/dittofs-client/pkg/nfs"
	"github.com/marmos91/dittofs-client/pkg/rpc"
)

// ============================================================================
// WRITE dispatch
// ============================================================================

// writeData carries one in-flight WRITE call and the locked requests it
// covers, from dispatch to completion.
type writeData struct {
	cache    *Cache
	file     *File
	requests []*Request
	args     nfs.WriteArgs
	res      nfs.WriteResult
	started  time.Time
}

// flushGroup builds and issues one WRITE for a coalesced group. The group's
// requests are locked and off-list; on an issue failure they return to the
// dirty list with their data intact.
func (c *Cache) flushGroup(group []*Request, how Flags) error {
	if len(group) == 0 {
		return nil
	}
	f := group[0].file
	data := &writeData{cache: c, file: f, requests: group, started: time.Now()}

	c.mu.Lock()
	var count uint32
	for _, req := range group {
		buf := req.page.Data()
		data.args.Segments = append(data.args.Segments, buf[req.offset:req.offset+req.bytes])
		count += req.bytes
	}
	first := group[0]
	data.args.Handle = f.handle
	data.args.Offset = first.startLocked()
	data.args.Count = count
	data.args.Stable = c.stabilityLocked(f, how)
	cred := first.cred
	c.mu.Unlock()

	call := &rpc.Call{
		Proc:  rpc.ProcedureWrite,
		Cred:  cred,
		Args:  &data.args,
		Reply: &data.res,
		Done:  data.complete,
	}

	logger.Debug("writecache: WRITE %d@%d pages=%d stable=%s",
		data.args.Count, data.args.Offset, len(group), nfs.StabilityString(data.args.Stable))

	if err := c.transport.Issue(call, how&FlushSync == 0); err != nil {
		for _, req := range group {
			c.markDirty(req)
			c.unlockRequest(req)
		}
		return fmt.Errorf("issue write: %w", err)
	}
	return nil
}

// stabilityLocked picks the WRITE stability level. Unstable is the default
// on two-phase versions; a stable flush uses file-sync unless unstable data
// is already pending, in which case data-sync avoids paying twice for the
// metadata flush the COMMIT will do anyway.
func (c *Cache) stabilityLocked(f *File, how Flags) uint32 {
	if !c.cfg.TwoPhase() {
		return nfs.FileSyncWrite
	}
	if how&FlushStable == 0 {
		return nfs.UnstableWrite
	}
	if f.ncommit > 0 {
		return nfs.DataSyncWrite
	}
	return nfs.FileSyncWrite
}

// complete reconciles a WRITE reply with the cached requests.
//
// Failures (including short writes, which cannot be attributed to individual
// requests of a coalesced group) drop the requests and arm the file's
// deferred error. Successful unstable writes move the requests to the commit
// list carrying the server's verifier; stable ones are simply discarded.
func (d *writeData) complete(status error) {
	c := d.cache

	if status == nil && d.res.Count < d.args.Count {
		if c.shortWriteLog.Allow() {
			logger.Warn("writecache: server wrote %d of %d bytes", d.res.Count, d.args.Count)
		}
		status = ErrShortWrite
	}
	if status == nil && c.cfg.TwoPhase() && d.res.Committed < d.args.Stable {
		// The data was accepted, just less durably than asked. Tolerated:
		// the verifier still protects it through the commit path.
		if c.faultyServerLog.Allow() {
			logger.Warn("writecache: server committed %s when %s was requested",
				nfs.StabilityString(d.res.Committed), nfs.StabilityString(d.args.Stable))
		}
	}
	if status == nil {
		d.file.refreshAttr(d.res.Attr)
	}

	deadline := time.Now().Add(c.cfg.CommitDelay)
	for _, req := range d.requests {
		logger.Debug("writecache: WRITE done page=%d %d@%d status=%v",
			req.page.Index(), req.bytes, req.offset, status)

		switch {
		case status != nil:
			c.deferError(d.file, status)
			c.removeRequest(req)
		case c.cfg.TwoPhase() && d.res.Committed == nfs.UnstableWrite:
			c.markCommit(req, d.res.Verf, deadline)
		default:
			c.removeRequest(req)
		}
		c.unlockRequest(req)
	}

	c.metrics.ObserveWrite(len(d.requests), int64(d.args.Count), time.Since(d.started))
}

// ============================================================================
// COMMIT dispatch
// ============================================================================

// commitData carries one in-flight COMMIT call and its requests.
type commitData struct {
	cache    *Cache
	file     *File
	requests []*Request
	args     nfs.CommitArgs
	res      nfs.CommitResult
	started  time.Time
}

// commitGroup issues one COMMIT covering every request in the batch. When
// the covering range reaches the end of the file, or would overflow the wire
// count field, the whole tail is committed instead.
func (c *Cache) commitGroup(group []*Request, how Flags) error {
	if len(group) == 0 {
		return nil
	}
	f := group[0].file
	data := &commitData{cache: c, file: f, requests: group, started: time.Now()}

	c.mu.Lock()
	start := uint64(math.MaxUint64)
	var end uint64
	for _, req := range group {
		if s := req.startLocked(); s < start {
			start = s
		}
		if e := req.endLocked(); e > end {
			end = e
		}
	}
	length := end - start
	if end >= f.size || length > math.MaxInt32 {
		length = 0
	}
	data.args = nfs.CommitArgs{Handle: f.handle, Offset: start, Count: uint32(length)}
	cred := group[0].cred
	c.mu.Unlock()

	call := &rpc.Call{
		Proc:  rpc.ProcedureCommit,
		Cred:  cred,
		Args:  &data.args,
		Reply: &data.res,
		Done:  data.complete,
	}

	logger.Debug("writecache: COMMIT %d@%d pages=%d", data.args.Count, data.args.Offset, len(group))

	if err := c.transport.Issue(call, how&FlushSync == 0); err != nil {
		for _, req := range group {
			c.remarkCommit(req)
			c.unlockRequest(req)
		}
		return fmt.Errorf("issue commit: %w", err)
	}
	return nil
}

// complete reconciles a COMMIT reply. Requests whose stashed verifier
// matches the server's are durable and discarded; a mismatch means the
// server restarted since the write, so the data goes back to the dirty list
// to be written again.
func (d *commitData) complete(status error) {
	c := d.cache

	if status == nil {
		d.file.refreshAttr(d.res.Attr)
	}

	for _, req := range d.requests {
		if status != nil {
			c.deferError(d.file, status)
			c.removeRequest(req)
			c.unlockRequest(req)
			continue
		}

		c.mu.Lock()
		match := req.verf.Match(d.res.Verf)
		c.mu.Unlock()

		if match {
			c.removeRequest(req)
		} else {
			logger.Debug("writecache: verifier changed, rewriting page=%d", req.page.Index())
			c.markDirty(req)
		}
		c.unlockRequest(req)
	}

	c.metrics.ObserveCommit(len(d.requests), time.Since(d.started))
}
