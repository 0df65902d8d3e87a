package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/replikv/internal/cluster"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/rs/zerolog"
	sync "github.com/sasha-s/go-deadlock"
)

// Messenger sends a request to a node and calls cb exactly once, on the
// sender's scheduler, with the response or a transport status.
type Messenger interface {
	Send(to string, req *Request, timeout time.Duration, cb func(*Response))
}

// Handler serves a request on the receiving node's scheduler. reply may be
// called later, from another task, but must be called exactly once.
type Handler func(req *Request, reply func(*Response))

// once wraps cb so only the first completion is delivered.
type once struct {
	done bool
	cb   func(*Response)
}

func (o *once) deliver(resp *Response) {
	if o.done {
		return
	}
	o.done = true
	o.cb(resp)
}

// LocalNetwork connects in-process nodes. Each node joins with its own
// scheduler; requests run on the receiver's scheduler and responses on the
// sender's. Nodes can be taken down to simulate crashes and partitions:
// messages to or from a down node are lost and the sender times out.
type LocalNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Endpoint
	down  map[string]bool
}

// NewLocalNetwork returns an empty network with every node up.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[string]*Endpoint),
		down:  make(map[string]bool),
	}
}

// Endpoint is one node's attachment to a LocalNetwork.
type Endpoint struct {
	net     *LocalNetwork
	node    string
	s       sched.Scheduler
	handler Handler
}

// Join attaches node, serving inbound requests with h on s.
func (n *LocalNetwork) Join(node string, s sched.Scheduler, h Handler) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &Endpoint{net: n, node: node, s: s, handler: h}
	n.nodes[node] = ep
	delete(n.down, node)
	return ep
}

// SetHandler replaces the endpoint's inbound handler.
func (e *Endpoint) SetHandler(h Handler) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.handler = h
}

// Leave detaches node; later sends to it fail with StatusNodeDead.
func (n *LocalNetwork) Leave(node string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, node)
}

// SetDown marks node unreachable or reachable again.
func (n *LocalNetwork) SetDown(node string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[node] = down
}

func (n *LocalNetwork) route(from, to string) (*Endpoint, bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	dst, ok := n.nodes[to]
	lost := n.down[from] || n.down[to]
	return dst, ok, lost
}

// Send implements Messenger.
func (e *Endpoint) Send(to string, req *Request, timeout time.Duration, cb func(*Response)) {
	o := &once{cb: cb}
	dst, ok, lost := e.net.route(e.node, to)
	if !ok {
		e.s.Post(func() { o.deliver(&Response{Status: StatusNodeDead, Node: to}) })
		return
	}

	timer := e.s.AfterFunc("rpc-timeout", timeout, func(*sched.Timer) {
		o.deliver(&Response{Status: StatusTimeout, Node: to})
	})
	if lost {
		return
	}

	in := *req
	in.From = e.node
	in.Data = append([]byte(nil), req.Data...)
	dst.s.Post(func() {
		e.net.mu.Lock()
		h := dst.handler
		e.net.mu.Unlock()
		h(&in, func(resp *Response) {
			if _, _, lost := e.net.route(e.node, to); lost {
				return
			}
			if resp.Node == "" {
				resp.Node = to
			}
			e.s.Post(func() {
				if o.done {
					return
				}
				e.s.Cancel(timer, nil)
				o.deliver(resp)
			})
		})
	})
}

// HTTPMessenger sends requests as JSON to <addr>/rpc of the destination
// node, resolving addresses through a cluster.Directory.
type HTTPMessenger struct {
	node string
	dir  *cluster.Directory
	p    sched.Scheduler
	log  zerolog.Logger
}

// NewHTTPMessenger returns the messenger for node. Replies are posted to p.
func NewHTTPMessenger(node string, dir *cluster.Directory, p sched.Scheduler, log zerolog.Logger) *HTTPMessenger {
	return &HTTPMessenger{
		node: node,
		dir:  dir,
		p:    p,
		log:  log.With().Str("component", "http-messenger").Logger(),
	}
}

// Send implements Messenger.
func (m *HTTPMessenger) Send(to string, req *Request, timeout time.Duration, cb func(*Response)) {
	addr, ok := m.dir.Lookup(to)
	if !ok {
		m.p.Post(func() { cb(&Response{Status: StatusNodeDead, Node: to}) })
		return
	}
	out := *req
	out.From = m.node
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var resp Response
		err := cluster.PostJSON(ctx, addr+"/rpc", &out, &resp)
		if err != nil {
			st := StatusNodeDead
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				st = StatusTimeout
			}
			m.log.Debug().Err(err).Str("to", to).Stringer("type", req.Type).Msg("send failed")
			resp = Response{Status: st, Node: to, Detail: err.Error()}
		}
		m.p.Post(func() { cb(&resp) })
	}()
}
