package nfs

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ============================================================================
// WRITE arguments and result (RFC 1813 Section 3.3.7, RFC 1094 Section 2.2.9)
// ============================================================================

// WriteArgs carries one coalesced WRITE call.
//
// Segments is a scatter list: one entry per buffered page range, in ascending
// page order. The segments are contiguous on the wire: Offset addresses the
// first byte of the first segment and Count is the sum of all segment
// lengths. Keeping the scatter list unflattened lets the transport send the
// page memory without an intermediate copy.
type WriteArgs struct {
	Handle   FileHandle
	Offset   uint64
	Count    uint32
	Stable   uint32
	Segments [][]byte
}

// writeArgsHeader is the fixed XDR prefix of a WRITE3args body.
// go-xdr encodes Handle as a variable-length opaque with padding.
type writeArgsHeader struct {
	Handle []byte
	Offset uint64
	Count  uint32
	Stable uint32
}

// Data flattens the scatter list into a single buffer.
// Used by transports that cannot do vectored sends.
func (a *WriteArgs) Data() []byte {
	out := make([]byte, 0, a.Count)
	for _, seg := range a.Segments {
		out = append(out, seg...)
	}
	return out
}

// Encode serializes the call body (header plus opaque data) in XDR.
//
// Returns:
//   - []byte: encoded WRITE3args ready to follow an RPC call header
//   - error: encoding failure
func (a *WriteArgs) Encode() ([]byte, error) {
	if err := a.Handle.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &writeArgsHeader{
		Handle: a.Handle,
		Offset: a.Offset,
		Count:  a.Count,
		Stable: a.Stable,
	}); err != nil {
		return nil, fmt.Errorf("marshal write args: %w", err)
	}

	// Data is a single XDR opaque: length, bytes, padding to 4.
	if _, err := xdr.Marshal(&buf, a.Data()); err != nil {
		return nil, fmt.Errorf("marshal write data: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteResult is the decoded success body of a WRITE reply.
type WriteResult struct {
	// Count is the number of bytes the server actually wrote.
	// A count lower than the requested one is a short write.
	Count uint32

	// Committed is the stability level the server achieved. It may legally
	// exceed the requested level; a weaker level indicates a non-conformant
	// server.
	Committed uint32

	// Verf is the server's current write verifier.
	Verf Verifier

	// Attr carries post-operation attributes when the server returned them.
	Attr *Fattr
}
