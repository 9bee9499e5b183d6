package nfs

// ============================================================================
// Write Stability Levels (RFC 1813 Section 3.3.7)
// ============================================================================

// Stability levels control how the server must handle data persistence.
// The client requests a level on every WRITE; the server reports the level
// it actually achieved in the reply.
const (
	// UnstableWrite (0): Data may be cached in server memory.
	// The server may lose the data on crash before COMMIT is called,
	// so the client must keep its copy until a matching COMMIT succeeds.
	UnstableWrite uint32 = 0

	// DataSyncWrite (1): Data must be committed to stable storage,
	// but metadata (file size, timestamps) may still be cached.
	DataSyncWrite uint32 = 1

	// FileSyncWrite (2): Both data and metadata must be committed
	// to stable storage before the server replies.
	FileSyncWrite uint32 = 2
)

// StabilityString returns a human-readable name for a stability level.
func StabilityString(stable uint32) string {
	switch stable {
	case UnstableWrite:
		return "UNSTABLE"
	case DataSyncWrite:
		return "DATA_SYNC"
	case FileSyncWrite:
		return "FILE_SYNC"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
// Protocol Versions and Procedure Numbers
// ============================================================================

// Protocol versions the write-back cache can drive. Version 2 has no COMMIT
// procedure; every write is durable once acknowledged. Version 3 supports
// unstable writes followed by COMMIT.
const (
	Version2 = 2
	Version3 = 3
)

// Procedure numbers for the operations this client issues.
// WRITE is procedure 8 in NFSv2 (RFC 1094) and 7 in NFSv3 (RFC 1813);
// COMMIT exists only in NFSv3.
const (
	V2ProcWrite  uint32 = 8
	V3ProcWrite  uint32 = 7
	V3ProcCommit uint32 = 21
)

// WriteProc returns the WRITE procedure number for a protocol version.
func WriteProc(version int) uint32 {
	if version == Version2 {
		return V2ProcWrite
	}
	return V3ProcWrite
}

// MaxHandleSize is the maximum file handle length in bytes (RFC 1813).
const MaxHandleSize = 64
