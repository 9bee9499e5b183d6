package writecache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittofs-client/pkg/nfs"
	"github.com/marmos91/dittofs-client/pkg/rpc"
)

var (
	testCred  = nfs.Credentials{UID: 1000, GID: 1000}
	otherCred = nfs.Credentials{UID: 2000, GID: 2000}
)

// newTestCache builds a cache over a loopback transport. Background delays
// default to an hour so the scanner stays out of the way unless a test
// shortens them.
func newTestCache(t *testing.T, mutate func(*Config)) (*Cache, *rpc.Loopback) {
	t.Helper()

	cfg := Config{
		WritebackDelay:       time.Hour,
		LockedWritebackDelay: time.Hour,
		CommitDelay:          time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	transport := rpc.NewLoopback()
	c, err := New(cfg, transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, transport
}

func testFile(t *testing.T, c *Cache, name string) *File {
	t.Helper()
	f, err := c.File([]byte(name))
	require.NoError(t, err)
	return f
}

// dirtyPage buffers one full page of the given fill byte.
func dirtyPage(t *testing.T, c *Cache, f *File, index uint64, fill byte) *BufferPage {
	t.Helper()
	page := NewBufferPage(index, c.cfg.PageSize)
	for i := range page.Data() {
		page.Data()[i] = fill
	}
	require.NoError(t, c.UpdatePage(context.Background(), f, testCred, page, 0, c.cfg.PageSize, false))
	return page
}

func writeCalls(records []rpc.CallRecord) []rpc.CallRecord {
	var out []rpc.CallRecord
	for _, r := range records {
		if r.Proc == rpc.ProcedureWrite {
			out = append(out, r)
		}
	}
	return out
}

func commitCalls(records []rpc.CallRecord) []rpc.CallRecord {
	var out []rpc.CallRecord
	for _, r := range records {
		if r.Proc == rpc.ProcedureCommit {
			out = append(out, r)
		}
	}
	return out
}

// TestUpdatePageBuffers verifies a write is buffered, not dispatched.
func TestUpdatePageBuffers(t *testing.T) {
	c, transport := newTestCache(t, nil)
	f := testFile(t, c, "buffered")

	page := dirtyPage(t, c, f, 0, 0xAA)

	require.Empty(t, transport.Calls(), "no RPC should be issued for a buffered write")
	dirty, commit := f.Pending()
	require.Equal(t, 1, dirty)
	require.Equal(t, 0, commit)
	require.True(t, page.Uptodate(), "full-page write makes the page uptodate")
}

// TestUpdatePagePartialNotUptodate verifies a partial write does not mark the
// page uptodate.
func TestUpdatePagePartialNotUptodate(t *testing.T) {
	c, _ := newTestCache(t, nil)
	f := testFile(t, c, "partial")

	page := NewBufferPage(0, c.cfg.PageSize)
	require.NoError(t, c.UpdatePage(context.Background(), f, testCred, page, 100, 200, false))

	require.False(t, page.Uptodate())
}

// TestUpdatePageExtendsRequest verifies overlapping and adjacent writes to
// the same page merge into a single request covering the union.
func TestUpdatePageExtendsRequest(t *testing.T) {
	c, _ := newTestCache(t, nil)
	f := testFile(t, c, "extend")
	ctx := context.Background()

	page := NewBufferPage(0, c.cfg.PageSize)
	require.NoError(t, c.UpdatePage(ctx, f, testCred, page, 512, 512, false))
	require.NoError(t, c.UpdatePage(ctx, f, testCred, page, 1024, 512, false))
	// Overlap reaching backward
	require.NoError(t, c.UpdatePage(ctx, f, testCred, page, 256, 512, false))

	dirty, _ := f.Pending()
	require.Equal(t, 1, dirty, "one request should cover the whole range")

	c.mu.Lock()
	req := f.dirty[0]
	offset, bytes := req.offset, req.bytes
	c.mu.Unlock()
	require.Equal(t, uint32(256), offset)
	require.Equal(t, uint32(1280), bytes, "range should span 256..1536")
}

// TestUpdatePageGapFlushesFirst verifies a non-contiguous write to a dirty
// page pushes the existing request out before buffering the new range.
func TestUpdatePageGapFlushesFirst(t *testing.T) {
	c, transport := newTestCache(t, nil)
	f := testFile(t, c, "gap")
	ctx := context.Background()

	page := NewBufferPage(0, c.cfg.PageSize)
	require.NoError(t, c.UpdatePage(ctx, f, testCred, page, 0, 512, false))
	// Leaves a hole between 512 and 1024
	require.NoError(t, c.UpdatePage(ctx, f, testCred, page, 1024, 512, false))

	writes := writeCalls(transport.Calls())
	require.Len(t, writes, 1, "the first range should have been flushed")
	require.Equal(t, uint32(512), writes[0].Count)
	require.Equal(t, nfs.FileSyncWrite, writes[0].Stable)

	dirty, commit := f.Pending()
	require.Equal(t, 1, dirty)
	require.Equal(t, 0, commit)
}

// TestUpdatePageCredentialConflict verifies a write under different
// credentials flushes the existing request instead of merging.
func TestUpdatePageCredentialConflict(t *testing.T) {
	c, transport := newTestCache(t, nil)
	f := testFile(t, c, "cred")
	ctx := context.Background()

	page := NewBufferPage(0, c.cfg.PageSize)
	require.NoError(t, c.UpdatePage(ctx, f, testCred, page, 0, c.cfg.PageSize, false))
	require.NoError(t, c.UpdatePage(ctx, f, otherCred, page, 0, c.cfg.PageSize, false))

	require.Len(t, writeCalls(transport.Calls()), 1)
	dirty, _ := f.Pending()
	require.Equal(t, 1, dirty)

	c.mu.Lock()
	cred := f.dirty[0].cred
	c.mu.Unlock()
	require.Equal(t, otherCred, cred, "surviving request should carry the new credentials")
}

// TestFlushIncompatible verifies the pre-copy conflict check: matching
// identity is a no-op, a credential mismatch flushes.
func TestFlushIncompatible(t *testing.T) {
	c, transport := newTestCache(t, nil)
	f := testFile(t, c, "incompat")
	ctx := context.Background()

	page := dirtyPage(t, c, f, 0, 0x11)

	require.NoError(t, c.FlushIncompatible(ctx, f, testCred, page))
	require.Empty(t, transport.Calls(), "matching request should not be flushed")

	require.NoError(t, c.FlushIncompatible(ctx, f, otherCred, page))
	require.Len(t, writeCalls(transport.Calls()), 1)
	dirty, commit := f.Pending()
	require.Zero(t, dirty)
	require.Zero(t, commit)
}

// TestSynchronousWrite verifies the O_SYNC path writes through stably and
// leaves nothing buffered.
func TestSynchronousWrite(t *testing.T) {
	c, transport := newTestCache(t, nil)
	f := testFile(t, c, "osync")

	page := NewBufferPage(2, c.cfg.PageSize)
	for i := range page.Data() {
		page.Data()[i] = 0x42
	}
	require.NoError(t, c.UpdatePage(context.Background(), f, testCred, page, 0, c.cfg.PageSize, true))

	writes := writeCalls(transport.Calls())
	require.Len(t, writes, 1)
	require.Equal(t, nfs.FileSyncWrite, writes[0].Stable)
	require.Equal(t, uint64(2*c.cfg.PageSize), writes[0].Offset)

	dirty, commit := f.Pending()
	require.Zero(t, dirty)
	require.Zero(t, commit)
	require.NoError(t, f.DrainError())
	require.Len(t, transport.Content(f.Handle()), int(3*c.cfg.PageSize))
}

// TestSmallWriteSizeBypassesCache verifies that a wsize below the page size
// writes through synchronously in wsize slices.
func TestSmallWriteSizeBypassesCache(t *testing.T) {
	c, transport := newTestCache(t, func(cfg *Config) {
		cfg.WriteSize = 1024
	})
	f := testFile(t, c, "tiny-wsize")

	page := NewBufferPage(0, c.cfg.PageSize)
	require.NoError(t, c.UpdatePage(context.Background(), f, testCred, page, 0, c.cfg.PageSize, false))

	writes := writeCalls(transport.Calls())
	require.Len(t, writes, 4, "4096 bytes in 1024-byte slices")
	for _, w := range writes {
		require.Equal(t, uint32(1024), w.Count)
		require.Equal(t, nfs.FileSyncWrite, w.Stable)
	}
	dirty, commit := f.Pending()
	require.Zero(t, dirty)
	require.Zero(t, commit)
	require.Equal(t, uint64(c.cfg.PageSize), f.Size())
}

// TestSoftLimitReclaims verifies a writer over the soft limit flushes its own
// file to free requests instead of accumulating without bound.
func TestSoftLimitReclaims(t *testing.T) {
	c, transport := newTestCache(t, func(cfg *Config) {
		cfg.SoftLimit = 1
		cfg.HardLimit = 2
	})
	f := testFile(t, c, "reclaim")

	for i := 0; i < 6; i++ {
		dirtyPage(t, c, f, uint64(i), byte(i))
	}

	require.NotEmpty(t, writeCalls(transport.Calls()), "soft limit should have forced flushes")
	require.LessOrEqual(t, c.pool.count(), 2)
	require.NoError(t, c.Sync(context.Background(), f, 0, 0, FlushSync))
	require.Len(t, transport.Content(f.Handle()), int(6*c.cfg.PageSize))
}

// TestFileRegistryReusesState verifies File returns the same state for the
// same handle and that closed caches reject lookups.
func TestFileRegistryReusesState(t *testing.T) {
	c, _ := newTestCache(t, nil)

	f1 := testFile(t, c, "same")
	f2 := testFile(t, c, "same")
	require.Same(t, f1, f2)

	_, err := c.File(nil)
	require.Error(t, err, "empty handle must be rejected")

	require.NoError(t, c.Close())
	_, err = c.File([]byte("after-close"))
	require.ErrorIs(t, err, ErrClosed)
}

// TestSyncWaitsForLockedRequests verifies FlushWait blocks until an in-flight
// request is unlocked.
func TestSyncWaitsForLockedRequests(t *testing.T) {
	c, _ := newTestCache(t, nil)
	f := testFile(t, c, "wait")
	dirtyPage(t, c, f, 0, 0x01)

	// Take the request lock by hand to simulate an in-flight dispatch.
	c.mu.Lock()
	req := c.findRequestLocked(f, 0)
	require.NotNil(t, req)
	require.True(t, c.lockRequestLocked(req))
	c.listRemoveLocked(req)
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- c.Sync(context.Background(), f, 0, 0, FlushSync|FlushWait)
	}()

	select {
	case err := <-done:
		t.Fatalf("Sync returned %v while a request was locked", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.markDirty(req)
	c.unlockRequest(req)
	c.releaseRequest(req)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Sync did not finish after the request unlocked")
	}

	dirty, commit := f.Pending()
	require.Zero(t, dirty)
	require.Zero(t, commit)
}

// TestConcurrentWritersSharePageRequest verifies concurrent writers to one
// page serialize on its request: whatever the interleaving, exactly one
// request exists afterward and it covers the union of all written ranges.
func TestConcurrentWritersSharePageRequest(t *testing.T) {
	c, _ := newTestCache(t, nil)
	f := testFile(t, c, "concurrent-page")
	page := NewBufferPage(0, c.cfg.PageSize)

	const writers = 32
	slice := c.cfg.PageSize / writers

	// Every range starts at zero, so any pair overlaps and every write must
	// extend the same request rather than conflict.
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n uint32) {
			defer wg.Done()
			errs <- c.UpdatePage(context.Background(), f, testCred, page, 0, slice*(n+1), false)
		}(uint32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	dirty, commit := f.Pending()
	require.Equal(t, 1, dirty, "concurrent writers must share one request")
	require.Zero(t, commit)
	require.Equal(t, 1, c.pool.count())

	c.mu.Lock()
	req := f.dirty[0]
	offset, bytes := req.offset, req.bytes
	npages := f.npages
	c.mu.Unlock()
	require.Equal(t, 1, npages)
	require.Zero(t, offset)
	require.Equal(t, c.cfg.PageSize, bytes, "request should cover the union of all writes")
}

// TestConcurrentWritersUnderHardLimit verifies backpressure with real
// producers: writers allocating through UpdatePage never push the pool past
// the hard limit, nothing deadlocks, and every byte reaches the server.
func TestConcurrentWritersUnderHardLimit(t *testing.T) {
	c, transport := newTestCache(t, func(cfg *Config) {
		cfg.SoftLimit = 2
		cfg.HardLimit = 3
	})

	const producers = 8
	const pagesEach = 8

	files := make([]*File, producers)
	for p := range files {
		files[p] = testFile(t, c, fmt.Sprintf("backpressure-%d", p))
	}

	errs := make(chan error, producers*pagesEach)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(f *File) {
			defer wg.Done()
			for i := 0; i < pagesEach; i++ {
				page := NewBufferPage(uint64(i), c.cfg.PageSize)
				errs <- c.UpdatePage(context.Background(), f, testCred, page, 0, c.cfg.PageSize, false)
			}
		}(files[p])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.LessOrEqual(t, c.pool.count(), 3, "outstanding requests must respect the hard limit")

	require.NoError(t, c.Shutdown(context.Background()))
	require.Zero(t, c.pool.count(), "all requests should drain")
	for p := 0; p < producers; p++ {
		content := transport.Content(files[p].Handle())
		require.Len(t, content, pagesEach*int(c.cfg.PageSize))
	}
}
