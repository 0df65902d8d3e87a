package shard

import (
	"github.com/dreamware/replikv/internal/config"
	"github.com/dreamware/replikv/internal/lockmgr"
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/rs/zerolog"
)

// Env is what a shard needs from the node hosting it. Everything in it is
// used from the scheduler only.
type Env struct {
	// Node is this node's ID as it appears in shard meta-data.
	Node   string
	Sched  sched.Scheduler
	Meta   meta.Storage
	RPC    *rpc.Client
	Locks  *lockmgr.Container
	Config config.Replication
	Log    zerolog.Logger

	// Live reports whether a peer is currently considered live. This node
	// is always live to itself.
	Live func(node string) bool
	// Notify, if set, receives an Event for every state or home change.
	Notify func(Event)
}

func (e *Env) live(node string) bool {
	if node == e.Node {
		return true
	}
	return e.Live != nil && e.Live(node)
}

// Event reports a shard's state, access level and home after a change.
type Event struct {
	Shard  meta.ShardID
	State  State
	Access Access
	Home   string
}
