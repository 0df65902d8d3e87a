package shard

import (
	"errors"
	"testing"
	"time"

	"github.com/dreamware/replikv/internal/config"
	"github.com/dreamware/replikv/internal/lockmgr"
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/dreamware/replikv/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testShard meta.ShardID = 7

var (
	epoch       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	errMetaDown = errors.New("meta service unreachable")
)

// cutMeta is a meta.Storage that can be cut off from the service to
// simulate a partitioned node.
type cutMeta struct {
	inner *meta.LocalClient
	p     sched.Scheduler
	down  bool
}

func (m *cutMeta) Create(sm *meta.ShardMeta, cb func(*meta.ShardMeta, time.Time, error)) {
	if m.down {
		m.p.Post(func() { cb(nil, time.Time{}, errMetaDown) })
		return
	}
	m.inner.Create(sm, cb)
}

func (m *cutMeta) Put(sm *meta.ShardMeta, cb func(*meta.ShardMeta, time.Time, error)) {
	if m.down {
		m.p.Post(func() { cb(nil, time.Time{}, errMetaDown) })
		return
	}
	m.inner.Put(sm, cb)
}

func (m *cutMeta) Get(id meta.ShardID, cb func(*meta.ShardMeta, error)) {
	if m.down {
		m.p.Post(func() { cb(nil, errMetaDown) })
		return
	}
	m.inner.Get(id, cb)
}

func (m *cutMeta) Subscribe(fn func(*meta.ShardMeta)) func() {
	return m.inner.Subscribe(func(sm *meta.ShardMeta) {
		if !m.down {
			fn(sm)
		}
	})
}

type testNode struct {
	id     string
	store  *storage.MemoryStore
	meta   *cutMeta
	env    *Env
	shard  *Shard
	states []State
}

func (n *testNode) sawState(st State) bool {
	for _, s := range n.states {
		if s == st {
			return true
		}
	}
	return false
}

func (n *testNode) write(t *testing.T, key string, seqno uint64, data string) {
	t.Helper()
	_, err := n.store.Write(rpc.ContainerOf(testShard), storage.Record{Key: key, Seqno: seqno, Data: []byte(data)}, storage.WriteNormal)
	require.NoError(t, err)
}

func (n *testNode) tombstone(t *testing.T, key string, seqno uint64) {
	t.Helper()
	_, err := n.store.Write(rpc.ContainerOf(testShard), storage.Record{Key: key, Seqno: seqno, Tombstone: true}, storage.WriteNormal)
	require.NoError(t, err)
}

func (n *testNode) get(key string) (storage.Record, error) {
	return n.store.Get(rpc.ContainerOf(testShard), key)
}

// testCluster runs every node on one manual scheduler over a LocalNetwork,
// sharing an in-memory meta-data service.
type testCluster struct {
	t       *testing.T
	s       *sched.Manual
	net     *rpc.LocalNetwork
	svc     *meta.Service
	live    map[string]bool
	nodes   map[string]*testNode
	order   []string
	history []*meta.ShardMeta
}

func testConfig() config.Replication {
	cfg := config.Default().Replication
	cfg.OutstandingWindow = 10
	cfg.RPCTimeout = time.Second
	return cfg
}

func newTestCluster(t *testing.T, cfg config.Replication, ids ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		t:     t,
		s:     sched.NewManual(epoch),
		net:   rpc.NewLocalNetwork(),
		live:  make(map[string]bool),
		nodes: make(map[string]*testNode),
		order: ids,
	}
	c.svc = meta.NewService(meta.NewMemoryBackend(), c.s.Now)
	c.svc.Watch(func(m *meta.ShardMeta) { c.history = append(c.history, m) })

	for _, id := range ids {
		n := &testNode{id: id, store: storage.NewMemoryStore()}
		require.NoError(t, n.store.CreateContainer(rpc.ContainerOf(testShard)))
		srv := rpc.NewServer(id, n.store, zerolog.Nop())
		ep := c.net.Join(id, c.s, func(req *rpc.Request, reply func(*rpc.Response)) {
			reply(srv.Serve(req))
		})
		n.meta = &cutMeta{inner: c.svc.Client(c.s), p: c.s}
		n.env = &Env{
			Node:   id,
			Sched:  c.s,
			Meta:   n.meta,
			RPC:    rpc.NewClient(ep, cfg.RPCTimeout),
			Locks:  lockmgr.New(c.s),
			Config: cfg,
			Log:    zerolog.Nop(),
			Live:   func(node string) bool { return c.live[node] },
			Notify: func(ev Event) {
				if k := len(n.states); k == 0 || n.states[k-1] != ev.State {
					n.states = append(n.states, ev.State)
				}
			},
		}
		c.live[id] = true
		c.nodes[id] = n
	}
	return c
}

func (c *testCluster) node(id string) *testNode { return c.nodes[id] }

// create stores the shard's first record directly.
func (c *testCluster) create(home string, replicas ...meta.ReplicaMeta) {
	c.t.Helper()
	m := &meta.ShardMeta{
		ShardID:       testShard,
		Type:          meta.Mirrored,
		Home:          home,
		LeaseDuration: 10 * time.Second,
		Replicas:      replicas,
	}
	if home != "" {
		m.Ltime = 1
	}
	_, err := c.svc.Create(m)
	require.NoError(c.t, err)
}

// start runs a shard on node id fed by the meta-data subscription.
func (c *testCluster) start(id string) *Shard {
	n := c.nodes[id]
	n.shard = New(n.env, testShard)
	n.meta.Subscribe(n.shard.UpdateMeta)
	n.shard.Start()
	return n.shard
}

func (c *testCluster) stored() *meta.ShardMeta {
	c.t.Helper()
	m, err := c.svc.Get(testShard)
	require.NoError(c.t, err)
	return m
}

func (c *testCluster) replica(node string) meta.ReplicaMeta {
	c.t.Helper()
	rm := c.stored().Replica(node)
	require.NotNil(c.t, rm)
	return *rm
}

// markDead cuts node off from the network and the meta-data service, and
// tells every other running shard.
func (c *testCluster) markDead(id string) {
	c.live[id] = false
	c.net.SetDown(id, true)
	c.nodes[id].meta.down = true
	for _, other := range c.order {
		if n := c.nodes[other]; other != id && n.shard != nil {
			n.shard.NodeDead(id)
		}
	}
	c.s.RunUntilIdle()
}

func (c *testCluster) markLive(id string) {
	c.live[id] = true
	c.net.SetDown(id, false)
	c.nodes[id].meta.down = false
	for _, other := range c.order {
		if n := c.nodes[other]; other != id && n.shard != nil {
			n.shard.NodeLive(id)
		}
	}
	c.s.RunUntilIdle()
}

func (c *testCluster) run() { c.s.RunUntilIdle() }

func (c *testCluster) advance(d time.Duration) { c.s.Advance(d) }

func authoritative(node string, rs ...meta.Range) meta.ReplicaMeta {
	return meta.ReplicaMeta{Node: node, State: meta.ReplicaAuthoritative, Ranges: rs}
}

func active(start uint64) meta.Range {
	return meta.Range{Type: meta.RangeActive, Start: start, Len: meta.LenOpen}
}

func closed(t meta.RangeType, start, end uint64) meta.Range {
	return meta.Range{Type: t, Start: start, Len: end - start}
}
