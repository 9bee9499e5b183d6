package writecache

import (
	"sort"
	"time"

	"github.com/marmos91/dittofs-client/pkg/nfs"
)

// ============================================================================
// Per-file state
// ============================================================================

// File holds the write-back state for one remote file: the hashed request
// set, the dirty and commit lists (sorted by page index), cached attributes
// and the deferred error slot.
//
// Files are created on demand by Cache.File and live for the cache's
// lifetime. All fields below the handle are guarded by the cache mutex.
type File struct {
	cache  *Cache
	handle nfs.FileHandle

	// locker, when set, answers write-lock probes for delay selection.
	locker RegionLocker

	// size, mtime and ctime mirror the server's most recent post-operation
	// attributes plus local growth from synchronous writes.
	size  uint64
	mtime time.Time
	ctime time.Time

	// requests is the hashed set: every live request for this file, sorted
	// by page index for binary search.
	requests []*Request

	dirty  []*Request
	commit []*Request

	// npages counts hashed requests; ndirty and ncommit count list members.
	// Each must be zero exactly when its backing slice is empty.
	npages  int
	ndirty  int
	ncommit int

	// err is the deferred write error: the first failure sticks until a
	// caller drains it, mirroring how write errors surface at close time.
	err error
}

// Handle returns the file's NFS handle.
func (f *File) Handle() nfs.FileHandle { return f.handle }

// SetLocker installs a write-lock prober for the file.
func (f *File) SetLocker(l RegionLocker) {
	f.cache.mu.Lock()
	f.locker = l
	f.cache.mu.Unlock()
}

// Size returns the cached file size.
func (f *File) Size() uint64 {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.size
}

// SetSize updates the cached file size, typically after a truncate or an
// attribute refresh outside the cache.
func (f *File) SetSize(n uint64) {
	f.cache.mu.Lock()
	f.size = n
	f.cache.mu.Unlock()
}

// Pending returns the current dirty and commit list sizes.
func (f *File) Pending() (dirty, commit int) {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.ndirty, f.ncommit
}

// HasWritebacks reports whether any request exists for the file.
func (f *File) HasWritebacks() bool {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.npages > 0
}

// DrainError returns the deferred write error and clears it. Later failures
// arm the slot again.
func (f *File) DrainError() error {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	err := f.err
	f.err = nil
	return err
}

// setErrorLocked records err unless an earlier one is still undrained.
func (f *File) setErrorLocked(err error) {
	if f.err == nil {
		f.err = err
	}
}

// refreshAttr folds server post-operation attributes into the cached ones.
// The size only grows: a smaller server size during an active writeback just
// means our data has not all landed yet.
func (f *File) refreshAttr(attr *nfs.Fattr) {
	if attr == nil {
		return
	}
	f.cache.mu.Lock()
	if attr.Size > f.size {
		f.size = attr.Size
	}
	f.mtime = attr.Mtime
	f.ctime = attr.Ctime
	f.cache.mu.Unlock()
}

// writeLockedRegion reports whether [start, end) is covered by a write lock.
func (f *File) writeLockedRegion(start, end uint64) bool {
	if f.cache.cfg.NoRegionLocking || f.locker == nil {
		return false
	}
	return f.locker.WriteLocked(start, end)
}

// listFor maps a list tag to its slice and counter.
func (f *File) listFor(which reqList) (*[]*Request, *int) {
	switch which {
	case listDirty:
		return &f.dirty, &f.ndirty
	case listCommit:
		return &f.commit, &f.ncommit
	default:
		return nil, nil
	}
}

// insertByIndex inserts req keeping the slice sorted by page index.
func insertByIndex(list []*Request, req *Request) []*Request {
	idx := req.page.Index()
	i := sort.Search(len(list), func(i int) bool {
		return list[i].page.Index() >= idx
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = req
	return list
}

// removeFromList deletes req from the slice, reporting whether it was found.
func removeFromList(list *[]*Request, req *Request) bool {
	for i, r := range *list {
		if r == req {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
