package coordinator

import (
	"testing"
	"time"

	"github.com/dreamware/replikv/internal/config"
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/dreamware/replikv/internal/shard"
	"github.com/dreamware/replikv/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testShard meta.ShardID = 1

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testNode struct {
	id     string
	store  *storage.MemoryStore
	server *rpc.Server
	c      *Coordinator
	events []shard.Event
}

func (n *testNode) shard() *shard.Shard { return n.c.Shard(testShard) }

func (n *testNode) get(key string) (storage.Record, error) {
	return n.store.Get(rpc.ContainerOf(testShard), key)
}

// testCluster runs a coordinator per node on one manual scheduler over a
// LocalNetwork, sharing an in-memory meta-data service. Client requests
// enter through a separate "client" endpoint.
type testCluster struct {
	t      *testing.T
	s      *sched.Manual
	net    *rpc.LocalNetwork
	svc    *meta.Service
	cfg    config.Replication
	client *rpc.Endpoint
	nodes  map[string]*testNode
	order  []string
}

func testConfig() config.Replication {
	cfg := config.Default().Replication
	cfg.OutstandingWindow = 10
	cfg.RPCTimeout = time.Second
	return cfg
}

func newTestCluster(t *testing.T, ids ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		t:     t,
		s:     sched.NewManual(epoch),
		net:   rpc.NewLocalNetwork(),
		cfg:   testConfig(),
		nodes: make(map[string]*testNode),
		order: ids,
	}
	c.svc = meta.NewService(meta.NewMemoryBackend(), c.s.Now)
	c.client = c.net.Join("client", c.s, func(_ *rpc.Request, reply func(*rpc.Response)) {
		reply(&rpc.Response{Status: rpc.StatusInvalid})
	})
	for _, id := range ids {
		c.nodes[id] = c.newNode(id, storage.NewMemoryStore())
	}
	return c
}

// newNode builds a coordinator for id over store and attaches it to the
// network, replacing any earlier incarnation.
func (c *testCluster) newNode(id string, store *storage.MemoryStore) *testNode {
	n := &testNode{id: id, store: store}
	n.server = rpc.NewServer(id, store, zerolog.Nop())
	ep := c.net.Join(id, c.s, func(req *rpc.Request, reply func(*rpc.Response)) {
		n.c.Handle(req, reply)
	})
	n.c = New(Options{
		Node:      id,
		Sched:     c.s,
		Meta:      c.svc.Client(c.s),
		Messenger: ep,
		Server:    n.server,
		Config:    c.cfg,
		Log:       zerolog.Nop(),
	})
	n.c.AddNotifier(func(ev shard.Event) { n.events = append(n.events, ev) })
	return n
}

func (c *testCluster) node(id string) *testNode { return c.nodes[id] }

// start starts every coordinator and marks every pair of nodes live.
func (c *testCluster) start() {
	for _, id := range c.order {
		c.nodes[id].c.Start()
	}
	for _, id := range c.order {
		for _, peer := range c.order {
			c.nodes[id].c.NodeLive(peer)
		}
	}
	c.run()
}

func (c *testCluster) run() { c.s.RunUntilIdle() }

func (c *testCluster) advance(d time.Duration) { c.s.Advance(d) }

// send issues req to node from the client endpoint. The response slot is
// filled once it arrives.
func (c *testCluster) send(node string, req *rpc.Request) **rpc.Response {
	var got *rpc.Response
	c.client.Send(node, req, time.Minute, func(resp *rpc.Response) { got = resp })
	return &got
}

// call sends req and runs the cluster until the response arrives.
func (c *testCluster) call(node string, req *rpc.Request) *rpc.Response {
	c.t.Helper()
	got := c.send(node, req)
	c.run()
	require.NotNil(c.t, *got, "no response to %s", req.Type)
	return *got
}

// createShard creates testShard on nodes through the first node.
func (c *testCluster) createShard(nodes ...string) {
	c.t.Helper()
	resp := c.call(nodes[0], &rpc.Request{
		Type:            rpc.MsgCreateShard,
		Shard:           testShard,
		Nodes:           nodes,
		ReplicationType: meta.Mirrored,
	})
	require.Equal(c.t, rpc.StatusOK, resp.Status, resp.Detail)
	require.Equal(c.t, shard.StateRW, c.node(nodes[0]).shard().State())
}

func (c *testCluster) put(node, key, value string) *rpc.Response {
	c.t.Helper()
	return c.call(node, &rpc.Request{Type: rpc.MsgPut, Shard: testShard, Key: key, Data: []byte(value)})
}

func (c *testCluster) stored() *meta.ShardMeta {
	c.t.Helper()
	m, err := c.svc.Get(testShard)
	require.NoError(c.t, err)
	return m
}
