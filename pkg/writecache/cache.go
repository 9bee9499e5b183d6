package writecache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittofs-client/internal/logger"
	"github.com/marmos91/dittofs-client/internal/ratelimiter"
	"github.com/marmos91/dittofs-client/pkg/nfs"
	"github.com/marmos91/dittofs-client/pkg/rpc"
)

// diagnosticInterval throttles repeated server-misbehavior warnings.
const diagnosticInterval = 5 * time.Minute

// ============================================================================
// Cache
// ============================================================================

// Cache is the write-back cache for one mount. It owns the per-file request
// registry, the global request pool and the background flush scanner, and
// dispatches WRITE and COMMIT calls through the supplied transport.
type Cache struct {
	cfg       Config
	transport rpc.Transport
	metrics   Metrics
	pool      *pool
	scanner   *scanner

	// shortWriteLog and faultyServerLog rate-limit diagnostics for server
	// misbehavior that can recur on every call.
	shortWriteLog   *ratelimiter.RateLimiter
	faultyServerLog *ratelimiter.RateLimiter

	mu     sync.Mutex
	files  map[string]*File
	closed bool
}

// New creates a cache over the given transport. A nil metrics collector
// disables instrumentation.
func New(cfg Config, transport rpc.Transport, metrics Metrics) (*Cache, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	c := &Cache{
		cfg:             cfg,
		transport:       transport,
		metrics:         metrics,
		pool:            newPool(cfg.HardLimit, metrics),
		shortWriteLog:   ratelimiter.Every(diagnosticInterval),
		faultyServerLog: ratelimiter.Every(diagnosticInterval),
		files:           make(map[string]*File),
	}
	c.scanner = newScanner(c)

	logger.Debug("writecache: created (version=%d wsize=%d limits=%d/%d)",
		cfg.Version, cfg.WriteSize, cfg.SoftLimit, cfg.HardLimit)
	return c, nil
}

// File returns the write-back state for a handle, creating it on first use.
func (c *Cache) File(handle nfs.FileHandle) (*File, error) {
	if err := handle.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	key := string(handle)
	if f, ok := c.files[key]; ok {
		return f, nil
	}
	f := &File{cache: c, handle: append(nfs.FileHandle(nil), handle...)}
	c.files[key] = f
	return f, nil
}

// Shutdown synchronizes every file and closes the cache. The first sync
// error is returned but does not stop the remaining files.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	files := make([]*File, 0, len(c.files))
	for _, f := range c.files {
		files = append(files, f)
	}
	c.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := c.Sync(ctx, f, 0, 0, FlushSync|FlushStable|FlushWait); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.DrainError(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := c.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close stops the background scanner and rejects further operations.
// Buffered data still in flight is not waited for; use Shutdown for that.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.scanner.stop()
	return nil
}

// ============================================================================
// Request lifecycle
// ============================================================================

// findRequestLocked looks up the request covering a page index and takes a
// reference on it.
func (c *Cache) findRequestLocked(f *File, index uint64) *Request {
	i := sort.Search(len(f.requests), func(i int) bool {
		return f.requests[i].page.Index() >= index
	})
	if i < len(f.requests) && f.requests[i].page.Index() == index {
		req := f.requests[i]
		req.refs++
		return req
	}
	return nil
}

// lockRequestLocked takes the request's logical lock, arming the wait
// channel. The lock holds its own reference.
func (c *Cache) lockRequestLocked(req *Request) bool {
	if req.locked {
		return false
	}
	req.locked = true
	req.unlocked = make(chan struct{})
	req.refs++
	return true
}

// unlockRequest releases the logical lock, wakes all waiters and drops the
// lock reference.
func (c *Cache) unlockRequest(req *Request) {
	c.mu.Lock()
	if !req.locked {
		logger.Warn("writecache: unlocking request page=%d that is not locked", req.page.Index())
	}
	req.locked = false
	ch := req.unlocked
	req.unlocked = nil
	c.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	c.releaseRequest(req)
}

// releaseRequest drops one reference and frees the request at zero. A
// request reaching zero while still hashed, listed or locked indicates a
// bookkeeping bug; the state is repaired and logged rather than leaked.
func (c *Cache) releaseRequest(req *Request) {
	c.mu.Lock()
	req.refs--
	if req.refs > 0 {
		c.mu.Unlock()
		return
	}
	if req.refs < 0 {
		logger.Error("writecache: request page=%d released below zero", req.page.Index())
	}

	f := req.file
	if req.hashed {
		logger.Warn("writecache: freeing hashed request page=%d", req.page.Index())
		c.unhashLocked(req)
	}
	if req.list != listNone {
		logger.Warn("writecache: freeing request page=%d still on %s list", req.page.Index(), req.list)
		c.listRemoveLocked(req)
	}
	if req.locked {
		logger.Warn("writecache: freeing locked request page=%d", req.page.Index())
		req.locked = false
		if req.unlocked != nil {
			close(req.unlocked)
			req.unlocked = nil
		}
	}
	empty := f.npages == 0
	c.mu.Unlock()

	req.page.Release()
	c.pool.release()
	if empty {
		c.scanner.cancel(f)
	}
}

// waitUnlocked blocks until the wait channel closes. Cancellation is honored
// only on interruptible mounts.
func (c *Cache) waitUnlocked(ctx context.Context, ch <-chan struct{}) error {
	if c.cfg.Interruptible {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ch
	return nil
}

// addRequestLocked hashes a new request into its file. The hash holds its
// own reference until removeRequest.
func (c *Cache) addRequestLocked(f *File, req *Request) {
	if req.hashed {
		logger.Warn("writecache: request page=%d hashed twice", req.page.Index())
		return
	}
	f.requests = insertByIndex(f.requests, req)
	req.hashed = true
	req.refs++
	f.npages++
}

// unhashLocked removes a request from the hashed set.
func (c *Cache) unhashLocked(req *Request) {
	f := req.file
	if !removeFromList(&f.requests, req) {
		logger.Error("writecache: hashed request page=%d missing from set", req.page.Index())
		return
	}
	req.hashed = false
	f.npages--
}

// removeRequest unhashes a completed request and drops the hash reference.
// The caller must hold the request lock.
func (c *Cache) removeRequest(req *Request) {
	c.mu.Lock()
	if !req.hashed {
		c.mu.Unlock()
		logger.Warn("writecache: removing request page=%d that is not hashed", req.page.Index())
		return
	}
	c.unhashLocked(req)
	if req.list != listNone {
		c.listRemoveLocked(req)
	}
	f := req.file
	empty := f.npages == 0
	c.mu.Unlock()

	if empty {
		c.scanner.cancel(f)
	}
	c.releaseRequest(req)
}

// ============================================================================
// List management
// ============================================================================

// listAddLocked puts a request on a file list. Requests already on a list
// stay where they are.
func (c *Cache) listAddLocked(req *Request, which reqList) {
	if req.list != listNone {
		return
	}
	list, count := req.file.listFor(which)
	*list = insertByIndex(*list, req)
	*count++
	req.list = which
}

// listRemoveLocked takes a request off whatever list it is on.
func (c *Cache) listRemoveLocked(req *Request) {
	which := req.list
	if which == listNone {
		return
	}
	list, count := req.file.listFor(which)
	if !removeFromList(list, req) {
		logger.Error("writecache: request page=%d tagged %s but absent from list", req.page.Index(), which)
	} else {
		*count--
	}
	req.list = listNone
	c.checkListLocked(req.file, which)
}

// checkListLocked verifies the count-matches-list invariant and repairs the
// counter if it drifted.
func (c *Cache) checkListLocked(f *File, which reqList) {
	list, count := f.listFor(which)
	if len(*list) != *count {
		logger.Error("writecache: %s list desynchronized (len=%d count=%d)", which, len(*list), *count)
		*count = len(*list)
	}
}

// markDirty schedules a request for writeback.
func (c *Cache) markDirty(req *Request) {
	c.mu.Lock()
	c.listAddLocked(req, listDirty)
	f, when := req.file, req.timeout
	c.mu.Unlock()
	c.scanner.schedule(f, when)
}

// markCommit stashes the write verifier and schedules the request for a
// COMMIT after the commit delay.
func (c *Cache) markCommit(req *Request, verf nfs.Verifier, deadline time.Time) {
	c.mu.Lock()
	req.verf = verf
	req.timeout = deadline
	c.listAddLocked(req, listCommit)
	f := req.file
	c.mu.Unlock()
	c.scanner.schedule(f, deadline)
}

// remarkCommit puts a request back on the commit list with its verifier and
// deadline intact, after a COMMIT could not be issued.
func (c *Cache) remarkCommit(req *Request) {
	c.mu.Lock()
	c.listAddLocked(req, listCommit)
	f, when := req.file, req.timeout
	c.mu.Unlock()
	c.scanner.schedule(f, when)
}

// deferError records a write error on the file for a later caller to drain.
func (c *Cache) deferError(f *File, err error) {
	c.mu.Lock()
	f.setErrorLocked(err)
	c.mu.Unlock()
}

// ============================================================================
// Scanning
// ============================================================================

// pageRange converts a byte range to an inclusive page index range. A zero
// count means "to the end of the file".
func (c *Cache) pageRange(start, count uint64) (idxStart, idxEnd uint64) {
	ps := uint64(c.cfg.PageSize)
	idxStart = start / ps
	if count == 0 {
		return idxStart, math.MaxUint64
	}
	return idxStart, (start + count - 1) / ps
}

// scanListLocked extracts every lockable request on the list whose page
// falls inside the index range. Extracted requests are locked and off-list;
// the caller owns their disposition.
func (c *Cache) scanListLocked(f *File, which reqList, idxStart, idxEnd uint64) []*Request {
	list, _ := f.listFor(which)
	snapshot := append([]*Request(nil), (*list)...)

	var out []*Request
	for _, req := range snapshot {
		idx := req.page.Index()
		if idx < idxStart {
			continue
		}
		if idx > idxEnd {
			break
		}
		if !c.lockRequestLocked(req) {
			continue
		}
		c.listRemoveLocked(req)
		out = append(out, req)
	}
	return out
}

// scanTimedOutLocked extracts every lockable request on the list whose
// deadline has passed. The second return is the earliest remaining deadline,
// zero when nothing remains.
func (c *Cache) scanTimedOutLocked(f *File, which reqList, now time.Time) ([]*Request, time.Time) {
	list, _ := f.listFor(which)
	snapshot := append([]*Request(nil), (*list)...)

	var out []*Request
	var next time.Time
	for _, req := range snapshot {
		if req.timeout.After(now) {
			if next.IsZero() || req.timeout.Before(next) {
				next = req.timeout
			}
			continue
		}
		if !c.lockRequestLocked(req) {
			continue
		}
		c.listRemoveLocked(req)
		out = append(out, req)
	}
	return out, next
}

// waitOnRequests blocks until no locked request intersects the byte range.
// Returns how many requests were waited on.
func (c *Cache) waitOnRequests(ctx context.Context, f *File, start, count uint64) (int, error) {
	idxStart, idxEnd := c.pageRange(start, count)
	waited := 0

	c.mu.Lock()
	for {
		var target *Request
		for _, req := range f.requests {
			idx := req.page.Index()
			if idx < idxStart {
				continue
			}
			if idx > idxEnd {
				break
			}
			if req.locked {
				target = req
				break
			}
		}
		if target == nil {
			break
		}

		target.refs++
		ch := target.unlocked
		c.mu.Unlock()

		err := c.waitUnlocked(ctx, ch)
		c.releaseRequest(target)
		if err != nil {
			return waited, err
		}
		waited++
		c.mu.Lock()
	}
	c.mu.Unlock()
	return waited, nil
}
