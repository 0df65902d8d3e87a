// Package shard implements the per-node state machine for one replicated
// partition: lease acquisition and renewal through the meta-data service,
// recovery of the shard's replicas after a change of home, and the access
// level client operations are checked against.
//
// # Overview
//
// Every node hosting a replica of a shard runs a Shard for it. At most one of
// them, the home node, holds the lease recorded in the shard's meta-data.
// The home node hands out sequence numbers, fans client writes out to every
// writeable replica and is the only node that writes the record. Every other
// node waits for the lease to lapse and competes for it in meta-data order.
//
// # Lifecycle
//
//	INITIAL ──► TO_WAIT_META ──► WAIT_META ◄──► DELAY_LEASE_ACQUISITION
//	                 ▲               │    ▲
//	                 │               ▼    └──► YIELD
//	                 │         REQUEST_LEASE
//	                 │               │
//	                 │               ▼
//	                 │   GET_SEQNO ─► UPDATE_1 ─► MUTUAL_REDO ─► UPDATE_2
//	                 │                                              │
//	                 │                                              ▼
//	                 └────── SWITCH_BACK_2 ◄── SWITCH_BACK ◄─────── RW
//
// Any failure to write the record while owning the shard, and any record
// naming a different home, sends the shard back to TO_WAIT_META, which
// drains everything in flight before the node competes again.
//
// # Recovery
//
// A new home first runs mutual redo: each trusted replica pushes the tail of
// its history to the others with write-if-newer semantics, so that writes
// acknowledged by any replica survive. Replicas that cannot take part are
// marked stale. Once reachable again a stale replica is rolled back over its
// UNDO range against the home's copy, then brought forward over the REDO
// range, and finally rejoins the writeable set.
//
// # Concurrency
//
// A Shard and its Replicas are owned by one sched.Scheduler and must only be
// touched from it. Remote calls, meta-data puts and lock grants all complete
// by posting callbacks back to that scheduler.
package shard
