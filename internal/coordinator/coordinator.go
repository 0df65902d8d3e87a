package coordinator

import (
	"errors"
	"fmt"

	"github.com/dreamware/replikv/internal/config"
	"github.com/dreamware/replikv/internal/lockmgr"
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/dreamware/replikv/internal/shard"
	"github.com/dreamware/replikv/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// ErrUnknownShard is returned for shards this node does not host.
var ErrUnknownShard = fmt.Errorf("%w: shard not hosted here", rpc.ErrContainerUnknown)

// Options wires a Coordinator to its node.
type Options struct {
	Node      string
	Sched     sched.Scheduler
	Meta      meta.Storage
	Messenger rpc.Messenger
	// Server serves node-level messages against the local storage engine.
	Server *rpc.Server
	Config config.Replication
	Log    zerolog.Logger
}

// Notifier receives every shard state or home change on this node.
type Notifier func(shard.Event)

// NotifierID identifies a registered Notifier.
type NotifierID int

type notifier struct {
	id NotifierID
	fn Notifier
}

// hosted is one shard on this node with the per-key lock container its
// client operations and undo share.
type hosted struct {
	shard *shard.Shard
	locks *lockmgr.Container
}

// Coordinator owns every shard hosted on a node. It creates shards as
// meta-data naming this node appears, tracks which peers are live, fans
// shard events out to notifiers, dispatches inbound messages and sequences
// shutdown.
//
// Like the shards it owns, a Coordinator is not safe for concurrent use:
// every method must run on its scheduler.
type Coordinator struct {
	node   string
	sched  sched.Scheduler
	meta   meta.Storage
	rpc    *rpc.Client
	server *rpc.Server
	cfg    config.Replication
	log    zerolog.Logger

	shards map[meta.ShardID]*hosted
	live   map[string]bool

	notifiers    []notifier
	nextNotifier NotifierID

	unsubscribe func()
	started     bool
	stopping    bool
	// ops counts client operations in flight, shard-bound or not.
	ops          int
	shutdownDone []func()
}

// New returns a coordinator for opts.Node. It hosts nothing until Start.
func New(opts Options) *Coordinator {
	return &Coordinator{
		node:   opts.Node,
		sched:  opts.Sched,
		meta:   opts.Meta,
		rpc:    rpc.NewClient(opts.Messenger, opts.Config.RPCTimeout),
		server: opts.Server,
		cfg:    opts.Config,
		log:    opts.Log.With().Str("component", "coordinator").Str("node", opts.Node).Logger(),
		shards: make(map[meta.ShardID]*hosted),
		live:   make(map[string]bool),
	}
}

// Node returns the ID of the node this coordinator runs on.
func (c *Coordinator) Node() string { return c.node }

// Start subscribes to meta-data changes and starts a shard for every
// container already in local storage.
func (c *Coordinator) Start() {
	if c.started || c.stopping {
		return
	}
	c.started = true
	c.unsubscribe = c.meta.Subscribe(c.metaChanged)

	ids := c.server.Store().Containers()
	slices.Sort(ids)
	for _, id := range ids {
		sid := meta.ShardID(id)
		if c.shards[sid] == nil {
			c.attach(sid).shard.Start()
		}
	}
	c.log.Info().Int("shards", len(ids)).Msg("coordinator started")
}

// attach creates the shard object for id.
func (c *Coordinator) attach(id meta.ShardID) *hosted {
	h := &hosted{locks: lockmgr.New(c.sched)}
	env := &shard.Env{
		Node:   c.node,
		Sched:  c.sched,
		Meta:   c.meta,
		RPC:    c.rpc,
		Locks:  h.locks,
		Config: c.cfg,
		Log:    c.log,
		Live:   c.isLive,
		Notify: c.notify,
	}
	h.shard = shard.New(env, id)
	h.shard.OnTeardown(func() { c.detach(id, h) })
	c.shards[id] = h
	return h
}

func (c *Coordinator) detach(id meta.ShardID, h *hosted) {
	if c.shards[id] == h {
		delete(c.shards, id)
	}
	if h.shard.Deleted() {
		c.dropContainer(id)
	}
	c.log.Debug().Uint64("shard", uint64(id)).Msg("shard torn down")
	c.maybeStopped()
}

func (c *Coordinator) dropContainer(id meta.ShardID) {
	err := c.server.Store().DeleteContainer(rpc.ContainerOf(id))
	if err != nil && !errors.Is(err, storage.ErrContainerUnknown) {
		c.log.Warn().Err(err).Uint64("shard", uint64(id)).Msg("dropping container failed")
	}
}

// metaChanged routes a published record to its shard, creating the shard
// when the record names this node as a replica.
func (c *Coordinator) metaChanged(m *meta.ShardMeta) {
	if c.stopping {
		return
	}
	h := c.shards[m.ShardID]
	if h == nil {
		if m.Replica(c.node) == nil {
			return
		}
		if m.Deleted {
			c.dropContainer(m.ShardID)
			return
		}
		h = c.attach(m.ShardID)
	}
	h.shard.UpdateMeta(m)
}

func (c *Coordinator) isLive(node string) bool { return c.live[node] }

// Live reports whether node is currently considered live.
func (c *Coordinator) Live(node string) bool {
	return node == c.node || c.live[node]
}

// NodeLive records that a peer became reachable and tells every shard.
func (c *Coordinator) NodeLive(node string) {
	if node == c.node || c.live[node] {
		return
	}
	c.live[node] = true
	c.log.Info().Str("peer", node).Msg("node live")
	for _, h := range c.sorted() {
		h.shard.NodeLive(node)
	}
}

// NodeDead records that a peer was declared dead and tells every shard.
func (c *Coordinator) NodeDead(node string) {
	if node == c.node || !c.live[node] {
		return
	}
	delete(c.live, node)
	c.log.Warn().Str("peer", node).Msg("node dead")
	for _, h := range c.sorted() {
		h.shard.NodeDead(node)
	}
}

func (c *Coordinator) sorted() []*hosted {
	ids := make([]meta.ShardID, 0, len(c.shards))
	for id := range c.shards {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*hosted, len(ids))
	for i, id := range ids {
		out[i] = c.shards[id]
	}
	return out
}

// AddNotifier registers fn for every shard event on this node.
func (c *Coordinator) AddNotifier(fn Notifier) NotifierID {
	c.nextNotifier++
	c.notifiers = append(c.notifiers, notifier{id: c.nextNotifier, fn: fn})
	return c.nextNotifier
}

// RemoveNotifier unregisters a notifier. Unknown IDs are ignored.
func (c *Coordinator) RemoveNotifier(id NotifierID) {
	c.notifiers = slices.DeleteFunc(c.notifiers, func(n notifier) bool { return n.id == id })
}

func (c *Coordinator) notify(ev shard.Event) {
	for _, n := range slices.Clone(c.notifiers) {
		n.fn(ev)
	}
}

// Shard returns the hosted shard with id, or nil.
func (c *Coordinator) Shard(id meta.ShardID) *shard.Shard {
	if h := c.shards[id]; h != nil {
		return h.shard
	}
	return nil
}

// Shards summarises every hosted shard in ID order.
func (c *Coordinator) Shards() []shard.Info {
	var out []shard.Info
	for _, h := range c.sorted() {
		out = append(out, h.shard.Info())
	}
	return out
}

// ContainerStats describes one shard on this node.
type ContainerStats struct {
	Shard shard.Info `json:"shard"`
	// Store is nil when the node holds no container for the shard.
	Store      *storage.StoreStats `json:"store,omitempty"`
	LockedKeys int                 `json:"locked_keys"`
}

// GetContainerStats returns the shard's state and its local storage usage.
func (c *Coordinator) GetContainerStats(id meta.ShardID) (ContainerStats, error) {
	h := c.shards[id]
	if h == nil {
		return ContainerStats{}, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	st := ContainerStats{Shard: h.shard.Info(), LockedKeys: h.locks.Len()}
	if ss, err := c.server.Store().Stats(rpc.ContainerOf(id)); err == nil {
		st.Store = &ss
	}
	return st, nil
}

// Shutdown stops accepting operations, shuts every shard down (owners
// release their leases if configured to) and calls done once all shards
// are torn down and no operation is left in flight.
func (c *Coordinator) Shutdown(done func()) {
	if done != nil {
		c.shutdownDone = append(c.shutdownDone, done)
	}
	if !c.stopping {
		c.stopping = true
		c.log.Info().Int("shards", len(c.shards)).Msg("coordinator shutting down")
		if c.unsubscribe != nil {
			c.unsubscribe()
			c.unsubscribe = nil
		}
		for _, h := range c.sorted() {
			h.shard.Shutdown(nil)
		}
	}
	c.maybeStopped()
}

// Stopped reports whether shutdown has completed.
func (c *Coordinator) Stopped() bool {
	return c.stopping && len(c.shards) == 0 && c.ops == 0
}

func (c *Coordinator) maybeStopped() {
	if !c.Stopped() || len(c.shutdownDone) == 0 {
		return
	}
	done := c.shutdownDone
	c.shutdownDone = nil
	c.log.Info().Msg("coordinator stopped")
	for _, fn := range done {
		c.sched.Post(fn)
	}
}

// Handle is the dispatch entry point for every inbound message. Node-level
// messages go straight to the storage server; client operations run
// through the operation dispatcher.
func (c *Coordinator) Handle(req *rpc.Request, reply func(*rpc.Response)) {
	if req.Type.NodeLevel() {
		reply(c.server.Serve(req))
		return
	}
	if c.stopping {
		reply(&rpc.Response{Status: rpc.StatusShutdown, Node: c.node})
		return
	}
	c.dispatch(req, reply)
}
