package nfs

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ============================================================================
// COMMIT arguments and result (RFC 1813 Section 3.3.21)
// ============================================================================

// CommitArgs asks the server to flush previously-unstable data to stable
// storage. A Count of zero means "commit everything from Offset to the end
// of the file"; the cache uses that form whenever an exact covering range
// would be ambiguous against a growing file.
type CommitArgs struct {
	Handle FileHandle
	Offset uint64
	Count  uint32
}

// Encode serializes the call body in XDR.
func (a *CommitArgs) Encode() ([]byte, error) {
	if err := a.Handle.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, a); err != nil {
		return nil, fmt.Errorf("marshal commit args: %w", err)
	}

	return buf.Bytes(), nil
}

// CommitResult is the decoded success body of a COMMIT reply.
type CommitResult struct {
	// Verf is the server's current write verifier. The client compares it
	// against the verifier stashed on each request at write time; a mismatch
	// means the server restarted and the data must be rewritten.
	Verf Verifier

	// Attr carries post-operation attributes when the server returned them.
	Attr *Fattr
}
