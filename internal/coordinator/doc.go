// Package coordinator is the top of a storage node's replication stack. It
// owns the node's shards, routes every inbound message, and feeds the shard
// state machines the events they react to.
//
// # Overview
//
// One Coordinator runs per node, on the node's scheduler. It:
//
//   - creates a shard.Shard for every container in local storage at Start,
//     and for every meta-data record that later names this node
//   - keeps the liveness table the shards consult, updated through
//     NodeLive and NodeDead (normally driven by a HealthMonitor)
//   - fans shard events out to registered notifiers
//   - dispatches client operations (Handle) and administrative commands
//     (CommandAsync)
//   - shuts every shard down, releasing leases, and reports when done
//
// # Architecture
//
//	           inbound rpc.Request
//	                   │
//	             Coordinator.Handle
//	          ┌────────┴─────────┐
//	   node-level msg      client operation
//	          │                  │
//	     rpc.Server          op dispatch ── lockmgr (per shard)
//	   (local storage)           │
//	                        shard.Shard ── AllocSeqno / WriteTargets
//	                             │
//	                 fan-out to replicas (rpc.Messenger)
//
// # Operation dispatch
//
// Each client message type has a static class (op_class.go) naming the
// shard it needs, the access the shard must allow, the key lock mode,
// whether it takes a sequence number, and how it fans out:
//
//	GET           shared lock     local           read access
//	PUT, DELETE   exclusive lock  all live        write access, seqno
//	CREATE_SHARD  no lock         all or nothing  shard must not exist
//	DELETE_SHARD  no lock         all live        write access
//	COMMAND       no lock         local
//
// Responses merge first-failure-wins. An operation replies once every send
// it issued has completed, then releases its shard reference and finally
// its key lock, so two operations on one key answer in lock order.
//
// A request for a shard this node hosts but does not own fails with
// StatusWrongNode and the current home in Response.Home; ShardRegistry
// gives clients the same answer ahead of time.
//
// # Liveness
//
// HealthMonitor probes peers over HTTP. A peer is live from its first
// successful probe and dead after Health.MaxFailures consecutive failures.
// Its callbacks run on the monitor goroutine, so the node binary posts them
// onto the scheduler before calling NodeLive or NodeDead.
//
// # Concurrency
//
// Coordinator, its shards and its operations are confined to one
// scheduler. HealthMonitor and ShardRegistry carry their own locks and may
// be used from any goroutine.
package coordinator
