package writecache

import "sync"

// ============================================================================
// Page abstraction
// ============================================================================

// Page is one cache page owned by the surrounding page cache. The write cache
// pins pages through Retain/Release for as long as a request references them
// and reports content validity through the uptodate flag.
//
// Implementations must be safe for concurrent use.
type Page interface {
	// Index is the page's position in the file, in PageSize units.
	Index() uint64

	// Data returns the page's backing buffer. The write cache slices it to
	// build WRITE payloads; it never writes into it.
	Data() []byte

	// SetUptodate marks the whole page as matching the logical file content.
	SetUptodate()

	// ClearUptodate invalidates the page after a failed write, forcing a
	// re-read before the next use.
	ClearUptodate()

	Retain()
	Release()
}

// RegionLocker reports byte-range write locks held on a file. The cache uses
// it only to pick a writeback delay: locked regions flush on unlock, so their
// timeout can be generous.
type RegionLocker interface {
	WriteLocked(start, end uint64) bool
}

// BufferPage is a heap-backed Page for callers without a real page cache,
// and for tests.
type BufferPage struct {
	index uint64

	mu       sync.Mutex
	data     []byte
	refs     int
	uptodate bool
}

// NewBufferPage allocates a zeroed page at the given index.
func NewBufferPage(index uint64, size uint32) *BufferPage {
	return &BufferPage{index: index, data: make([]byte, size), refs: 1}
}

// Index returns the page index.
func (p *BufferPage) Index() uint64 { return p.index }

// Data returns the backing buffer.
func (p *BufferPage) Data() []byte { return p.data }

// SetUptodate marks the page content valid.
func (p *BufferPage) SetUptodate() {
	p.mu.Lock()
	p.uptodate = true
	p.mu.Unlock()
}

// ClearUptodate marks the page content invalid.
func (p *BufferPage) ClearUptodate() {
	p.mu.Lock()
	p.uptodate = false
	p.mu.Unlock()
}

// Uptodate reports the validity flag.
func (p *BufferPage) Uptodate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uptodate
}

// Retain adds a reference.
func (p *BufferPage) Retain() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

// Release drops a reference.
func (p *BufferPage) Release() {
	p.mu.Lock()
	p.refs--
	p.mu.Unlock()
}

// Refs returns the current reference count.
func (p *BufferPage) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}
