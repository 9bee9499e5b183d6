// Package writecache implements the client-side NFS write-back cache: it
// buffers partial-page writes as per-file request objects, coalesces adjacent
// requests into multi-segment WRITE calls, schedules flushes (capacity,
// strategy and timeout driven), and reconciles WRITE/COMMIT completions with
// the cached state.
//
// How it fits together:
//
//   - A write arrives through Cache.UpdatePage, which finds or creates a
//     Request for the page and extends its byte range in place.
//   - Requests live on the owning File: a hashed set plus two lists sorted by
//     page index (dirty, awaiting write; commit, awaiting COMMIT).
//   - Flush paths scan a list, lock each request, coalesce contiguous ones
//     into a group and hand the group to the dispatcher, which issues one
//     RPC per group through the external Transport.
//   - Completion callbacks either discard requests (durable), stash the
//     server's verifier and move them to the commit list (unstable), or
//     record a deferred error on the file and drop them.
//
// A single cache-wide mutex guards list and reference-count state; critical
// sections are short and never span a blocking wait. Each request carries its
// own logical lock with a wait channel, so contending writers drop the cache
// lock, wait for the request to unlock, and retry from scratch.
//
// The cache holds no persistent state. Durability is entirely the server's
// business, negotiated through the two-phase unstable-write/commit protocol
// (NFSv3) or plain synchronous writes (NFSv2).
package writecache
