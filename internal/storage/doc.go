// Package storage defines the per-node storage engine the replication core
// reads and writes through its RPC shim, and provides an in-memory
// implementation.
//
// # Overview
//
// A node keeps one container per shard it hosts a replica of. Every record
// carries the sequence number assigned by the shard's home node when the
// write was accepted, and deletes leave tombstones, so two replicas can be
// compared key by key during recovery.
//
// # Cursor iteration
//
// Recovery walks a sequence-number interval of a container in pages:
//
//	cursors, _ := store.Cursors(id, start, max, nil, 64)
//	for len(cursors) > 0 {
//	    for _, c := range cursors {
//	        rec, err := store.GetByCursor(id, c)
//	        // ...
//	    }
//	    last := cursors[len(cursors)-1]
//	    cursors, _ = store.Cursors(id, start, max, &last, 64)
//	}
//
// Cursors are ordered by (seqno, key) and a page never repeats or precedes
// the cursor it resumes after. A cursor goes stale when its key is rewritten;
// GetByCursor then reports ErrKeyNotFound and the walker skips it, because
// the newer version has its own cursor further along.
//
// # Write modes
//
//   - WriteNormal: client writes from the home node
//   - WriteIfNewer: redo traffic, which must never roll a key back
//   - WriteForce: undo compensation, which rolls a stale replica back to the
//     authoritative version
//
// # Implementations
//
// MemoryStore keeps records in a map and a github.com/google/btree index
// ordered by cursor. All methods are safe for concurrent use.
package storage
