package writecache

import (
	"time"

	"github.com/marmos91/dittofs-client/pkg/nfs"
)

// ============================================================================
// Request object
// ============================================================================

// reqList identifies which per-file list a request currently sits on.
type reqList int8

const (
	listNone reqList = iota
	listDirty
	listCommit
)

func (l reqList) String() string {
	switch l {
	case listDirty:
		return "dirty"
	case listCommit:
		return "commit"
	default:
		return "none"
	}
}

// Request describes one dirty byte range within one page. It is created by
// the update path, extended in place by later overlapping writes, moved
// between the file's dirty and commit lists by the flush paths, and freed
// when its last reference drops.
//
// All mutable fields are guarded by the owning Cache's mutex. The logical
// lock (locked plus the unlocked channel) grants its holder exclusive right
// to dispatch or retire the request; waiters block on the channel, which is
// re-armed on every lock and closed on unlock.
type Request struct {
	file *File
	page Page
	cred nfs.Credentials

	// offset and bytes delimit the dirty range within the page.
	offset uint32
	bytes  uint32

	// verf is the server's write verifier stashed when the request moved to
	// the commit list. timeout is the deadline for background flushing
	// (dirty) or committing (commit).
	verf    nfs.Verifier
	timeout time.Time

	refs     int
	locked   bool
	unlocked chan struct{}
	hashed   bool
	list     reqList
}

// Page returns the page the request covers.
func (r *Request) Page() Page { return r.page }

// Range returns the request's absolute byte range in the file.
//
// The values are stable only while the caller holds a reference and no
// concurrent writer is extending the request; tests and diagnostics use it
// between operations, not during them.
func (r *Request) Range() (start uint64, count uint32) {
	c := r.file.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.startLocked(), r.bytes
}

// startLocked returns the absolute file offset of the dirty range.
func (r *Request) startLocked() uint64 {
	return r.page.Index()*uint64(r.file.cache.cfg.PageSize) + uint64(r.offset)
}

// endLocked returns the absolute file offset one past the dirty range.
func (r *Request) endLocked() uint64 {
	return r.startLocked() + uint64(r.bytes)
}
