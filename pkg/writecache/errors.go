package writecache

import "fmt"

// ============================================================================
// Error types
// ============================================================================

// ErrorCode classifies cache errors so callers can react without string
// matching.
type ErrorCode int

const (
	// ErrCodeBusy means an existing request for the page is incompatible with
	// the new write and must be flushed before the write can be buffered.
	ErrCodeBusy ErrorCode = iota

	// ErrCodeShortWrite means the server acknowledged fewer bytes than the
	// call carried.
	ErrCodeShortWrite

	// ErrCodeClosed means the cache has been shut down.
	ErrCodeClosed

	// ErrCodeConfig means the cache configuration is invalid.
	ErrCodeConfig
)

// Error is a coded cache error.
type Error struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

var (
	// ErrBusy is returned by update paths when a conflicting request holds
	// the page. The caller flushes the page and retries.
	ErrBusy = &Error{Code: ErrCodeBusy, Message: "page held by an incompatible request"}

	// ErrShortWrite is recorded as a deferred file error when the server
	// writes less than requested. The affected requests are dropped; partial
	// success cannot be attributed across a coalesced group.
	ErrShortWrite = &Error{Code: ErrCodeShortWrite, Message: "server wrote less than requested"}

	// ErrClosed is returned by operations against a closed cache.
	ErrClosed = &Error{Code: ErrCodeClosed, Message: "write cache is closed"}
)

// configError builds an ErrCodeConfig error.
func configError(format string, v ...interface{}) *Error {
	return &Error{Code: ErrCodeConfig, Message: fmt.Sprintf(format, v...)}
}
