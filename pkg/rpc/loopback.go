package rpc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittofs-client/pkg/nfs"
)

// CallRecord captures one call the loopback transport served, for test
// assertions and bench accounting.
type CallRecord struct {
	Proc   Procedure
	Offset uint64
	Count  uint32
	Stable uint32
}

// Loopback is an in-memory Transport backed by a map of file contents.
//
// It behaves like a well-formed NFS server: WRITE copies the scatter
// segments into the per-handle buffer and reports the requested stability
// level, COMMIT returns the current verifier. Tests drive misbehavior through
// the fail-injection knobs below; Restart simulates a server reboot by
// rolling the verifier and dropping data written unstably since the last
// COMMIT.
type Loopback struct {
	mu    sync.Mutex
	files map[string][]byte

	// durable is the per-handle length known to be on stable storage:
	// raised by stable writes and by COMMIT. Restart truncates to it.
	durable map[string]uint64

	verf  nfs.Verifier
	calls []CallRecord

	// ShortWriteBy, when non-zero, makes the next WRITE report that many
	// fewer bytes than requested.
	ShortWriteBy uint32

	// ForceCommitted, when non-nil, overrides the stability level reported
	// by WRITE replies (models servers that ignore the stable flag).
	ForceCommitted *uint32

	// FailNext, when non-nil, is returned as the status of the next call's
	// completion and then cleared.
	FailNext error

	// RefuseNext, when true, makes the next Issue fail outright without
	// running the callback (models transport resource exhaustion).
	RefuseNext bool
}

// NewLoopback creates a loopback transport with a boot-time verifier.
func NewLoopback() *Loopback {
	l := &Loopback{
		files:   make(map[string][]byte),
		durable: make(map[string]uint64),
	}
	binary.BigEndian.PutUint64(l.verf[:], uint64(time.Now().UnixNano()))
	return l
}

// Issue serves the call inline when async is false and on a new goroutine
// otherwise. Completion order across concurrent async calls is unspecified,
// matching a real transport.
func (l *Loopback) Issue(call *Call, async bool) error {
	l.mu.Lock()
	if l.RefuseNext {
		l.RefuseNext = false
		l.mu.Unlock()
		return fmt.Errorf("transport: no call slots available")
	}
	l.mu.Unlock()

	if async {
		go l.serve(call)
		return nil
	}
	l.serve(call)
	return nil
}

func (l *Loopback) serve(call *Call) {
	l.mu.Lock()

	if err := l.FailNext; err != nil {
		l.FailNext = nil
		l.mu.Unlock()
		call.Done(err)
		return
	}

	var status error
	switch call.Proc {
	case ProcedureWrite:
		status = l.serveWrite(call)
	case ProcedureCommit:
		status = l.serveCommit(call)
	default:
		status = fmt.Errorf("loopback: unsupported procedure %d", call.Proc)
	}
	l.mu.Unlock()

	call.Done(status)
}

func (l *Loopback) serveWrite(call *Call) error {
	args, ok := call.Args.(*nfs.WriteArgs)
	if !ok {
		return fmt.Errorf("loopback: WRITE args have type %T", call.Args)
	}
	reply := call.Reply.(*nfs.WriteResult)

	key := string(args.Handle)
	data := args.Data()
	end := args.Offset + uint64(len(data))

	buf := l.files[key]
	if end > uint64(len(buf)) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[args.Offset:], data)
	l.files[key] = buf

	committed := args.Stable
	if l.ForceCommitted != nil {
		committed = *l.ForceCommitted
	}
	if committed != nfs.UnstableWrite && end > l.durable[key] {
		l.durable[key] = end
	}

	count := uint32(len(data))
	if l.ShortWriteBy > 0 && l.ShortWriteBy < count {
		count -= l.ShortWriteBy
		l.ShortWriteBy = 0
	}

	reply.Count = count
	reply.Committed = committed
	reply.Verf = l.verf
	reply.Attr = &nfs.Fattr{
		Size:  uint64(len(buf)),
		Mtime: time.Now(),
		Ctime: time.Now(),
	}

	l.calls = append(l.calls, CallRecord{
		Proc:   ProcedureWrite,
		Offset: args.Offset,
		Count:  args.Count,
		Stable: args.Stable,
	})
	return nil
}

func (l *Loopback) serveCommit(call *Call) error {
	args, ok := call.Args.(*nfs.CommitArgs)
	if !ok {
		return fmt.Errorf("loopback: COMMIT args have type %T", call.Args)
	}
	reply := call.Reply.(*nfs.CommitResult)

	key := string(args.Handle)
	l.durable[key] = uint64(len(l.files[key]))

	reply.Verf = l.verf
	reply.Attr = &nfs.Fattr{
		Size:  uint64(len(l.files[key])),
		Mtime: time.Now(),
		Ctime: time.Now(),
	}

	l.calls = append(l.calls, CallRecord{
		Proc:   ProcedureCommit,
		Offset: args.Offset,
		Count:  args.Count,
	})
	return nil
}

// Restart simulates a server reboot: the verifier changes and every file is
// truncated back to its durable length, losing data only ever accepted
// unstably.
func (l *Loopback) Restart() {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next uint64 = uint64(time.Now().UnixNano())
	if binary.BigEndian.Uint64(l.verf[:]) == next {
		next++
	}
	binary.BigEndian.PutUint64(l.verf[:], next)

	for key, buf := range l.files {
		keep := l.durable[key]
		if keep == 0 {
			delete(l.files, key)
			continue
		}
		if keep < uint64(len(buf)) {
			l.files[key] = buf[:keep]
		}
	}
}

// Verifier returns the current write verifier.
func (l *Loopback) Verifier() nfs.Verifier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verf
}

// Content returns a copy of the stored bytes for a handle.
func (l *Loopback) Content(handle nfs.FileHandle) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.files[string(handle)]
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// Calls returns a copy of the served call records.
func (l *Loopback) Calls() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallRecord, len(l.calls))
	copy(out, l.calls)
	return out
}

// ResetCalls clears the recorded call history.
func (l *Loopback) ResetCalls() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}
