// Package rpc defines the contract between the write-back cache and the RPC
// client that actually moves bytes to the server.
//
// The cache never blocks inside the transport: it builds a Call, hands it to
// Issue, and observes the outcome strictly through the Done callback. Retries,
// authentication, congestion control and wire encoding all live behind this
// interface.
package rpc

import "github.com/marmos91/dittofs-client/pkg/nfs"

// Procedure selects the remote operation for a Call.
type Procedure int

const (
	// ProcedureWrite issues an NFS WRITE. Args must be *nfs.WriteArgs and
	// Reply *nfs.WriteResult.
	ProcedureWrite Procedure = iota

	// ProcedureCommit issues an NFSv3 COMMIT. Args must be *nfs.CommitArgs
	// and Reply *nfs.CommitResult.
	ProcedureCommit
)

// String returns the procedure name for logging.
func (p Procedure) String() string {
	switch p {
	case ProcedureWrite:
		return "WRITE"
	case ProcedureCommit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// Call describes one remote procedure call.
//
// The transport decodes the server reply into Reply before invoking Done.
// Done is invoked exactly once per successfully issued call, with nil on
// success or the transport/server error otherwise. Callbacks run on a
// transport-owned goroutine, never on the issuing one, unless the call was
// issued synchronously.
type Call struct {
	Proc  Procedure
	Cred  nfs.Credentials
	Args  any
	Reply any
	Done  func(error)
}

// Transport issues calls toward one server.
//
// Issue is fire-and-forget: a nil return means the call was accepted and Done
// will eventually run. A non-nil return means the call was never sent: the
// caller still owns its state and Done will not run. When async is false,
// Issue does not return until Done has completed.
type Transport interface {
	Issue(call *Call, async bool) error
}
