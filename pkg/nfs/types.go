// Package nfs contains the wire-facing types the write-back cache exchanges
// with the RPC transport: file handles, the write verifier, stability levels,
// and the argument/result structures for the WRITE and COMMIT procedures.
//
// The package deliberately covers only the write path. Encoding of full
// replies, authentication flavors and the remaining NFS procedures belong to
// the transport, which this module treats as an external collaborator.
package nfs

import (
	"fmt"
	"time"
)

// FileHandle identifies a file on the server. It is opaque to the client;
// the cache only ever compares handles and passes them through to calls.
type FileHandle []byte

// Validate checks the handle against RFC 1813 length limits.
func (h FileHandle) Validate() error {
	if len(h) == 0 {
		return fmt.Errorf("empty file handle")
	}
	if len(h) > MaxHandleSize {
		return fmt.Errorf("file handle too long: %d bytes (max %d)", len(h), MaxHandleSize)
	}
	return nil
}

// Verifier is the opaque write verifier returned by WRITE and COMMIT.
//
// The server generates a new verifier every time it restarts. A client that
// wrote data unstably compares the verifier stashed at write time against the
// one returned by COMMIT: a mismatch means the server may have lost the data
// and the client must retransmit it.
type Verifier [8]byte

// Match reports whether two verifiers are byte-exact equal.
func (v Verifier) Match(other Verifier) bool {
	return v == other
}

// Fattr is the subset of post-operation file attributes the cache consumes.
// The cache refreshes its per-file copy from successful WRITE and COMMIT
// replies so size-dependent decisions (commit range degradation) stay current.
type Fattr struct {
	Size  uint64
	Mtime time.Time
	Ctime time.Time
}

// Credentials is the AUTH_UNIX identity a write was buffered under.
//
// A buffered request may only be extended by a writer presenting the same
// credentials; mismatched credentials force the existing request to be
// flushed first so data from different identities is never sent under one
// authentication header.
type Credentials struct {
	UID uint32
	GID uint32
}
