package coordinator

import (
	"errors"
	"fmt"

	"github.com/dreamware/replikv/internal/lockmgr"
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// op is one client request in flight. It holds a reference for itself
// while starting and one per outstanding send; when the last is dropped the
// response goes out and then the key lock, if any, is released.
type op struct {
	c     *Coordinator
	req   *rpc.Request
	class opClass
	reply func(*rpc.Response)
	log   zerolog.Logger

	h    *hosted
	lock *lockmgr.Handle

	seqno uint64
	refs  int

	// resp is the first failure, or the response to return on success.
	resp   *rpc.Response
	failed bool

	// created lists the nodes a shard creation made containers on.
	created []string
}

func (c *Coordinator) dispatch(req *rpc.Request, reply func(*rpc.Response)) {
	class, ok := opClasses[req.Type]
	if !ok {
		reply(rpc.Fail(fmt.Errorf("%w: %s is not a client operation", rpc.ErrInvalid, req.Type)))
		return
	}
	c.ops++
	o := &op{
		c:     c,
		req:   req,
		class: class,
		reply: reply,
		refs:  1,
		log: c.log.With().
			Stringer("op", req.Type).
			Uint64("shard", uint64(req.Shard)).
			Str("from", req.From).
			Logger(),
	}
	o.start()
}

func (o *op) start() {
	defer o.unref()

	if o.class.key && o.req.Key == "" {
		o.failErr(fmt.Errorf("%w: missing key", rpc.ErrInvalid))
		return
	}
	if o.class.shard == shardHosted {
		h := o.c.shards[o.req.Shard]
		if h == nil {
			o.failErr(fmt.Errorf("%w: %d", ErrUnknownShard, o.req.Shard))
			return
		}
		o.h = h
		h.shard.Ref()
		h.shard.OpStarted()
		if !o.checkAccess() {
			return
		}
	}

	if o.class.lock == lockNone {
		o.run()
		return
	}
	o.refs++
	o.lock = o.h.locks.Lock(o.req.Key, o.class.lock.mode(), func(*lockmgr.Handle) {
		defer o.unref()
		// the lease may have lapsed while queued behind another holder
		if o.checkAccess() {
			o.run()
		}
	})
}

// checkAccess fails the operation unless the shard currently allows the
// class's access. Requests reaching a non-owner are told where home is.
func (o *op) checkAccess() bool {
	s := o.h.shard
	if s.Access()&o.class.access == o.class.access {
		return true
	}
	if home := s.Home(); home != "" && home != o.c.node {
		o.fail(&rpc.Response{Status: rpc.StatusWrongNode, Home: home})
		return false
	}
	o.failErr(fmt.Errorf("%w: shard %d is %s", rpc.ErrNotReady, s.ID(), s.State()))
	return false
}

func (o *op) run() {
	switch o.req.Type {
	case rpc.MsgGet:
		o.get()
	case rpc.MsgPut, rpc.MsgDelete:
		o.write()
	case rpc.MsgCreateShard:
		o.create()
	case rpc.MsgDeleteShard:
		o.deleteShard()
	case rpc.MsgCommand:
		out, err := o.c.command(o.req.Shard, o.req.Command)
		if err != nil {
			o.failErr(err)
			return
		}
		o.resp = &rpc.Response{Detail: out}
	}
}

// send forwards sub to node and passes the response to cb. Sends to this
// node are served from local storage in a later task.
func (o *op) send(node string, sub *rpc.Request, cb func(*rpc.Response)) {
	o.refs++
	done := func(resp *rpc.Response) {
		defer o.unref()
		cb(resp)
	}
	if node == o.c.node {
		sub.From = o.c.node
		o.c.sched.Post(func() { done(o.c.server.Serve(sub)) })
		return
	}
	o.c.rpc.Messenger().Send(node, sub, o.c.cfg.RPCTimeout, done)
}

func (o *op) get() {
	sub := &rpc.Request{Type: rpc.MsgReplicaGet, Shard: o.req.Shard, Key: o.req.Key}
	o.send(o.c.node, sub, func(resp *rpc.Response) {
		switch {
		case resp.Status != rpc.StatusOK:
			o.fail(resp)
		case resp.Record == nil || resp.Record.Tombstone:
			o.failErr(fmt.Errorf("%w: %s", rpc.ErrObjectUnknown, o.req.Key))
		default:
			o.succeed(&rpc.Response{Record: resp.Record, Seqno: resp.Record.Seqno})
		}
	})
}

// write assigns the next seqno and sends the write to every live writeable
// replica. The local write must succeed; a peer that fails is handed to
// the shard, which recovers it.
func (o *op) write() {
	s := o.h.shard
	del := o.req.Type == rpc.MsgDelete
	if del {
		rec, err := o.c.server.Store().Get(rpc.ContainerOf(o.req.Shard), o.req.Key)
		if err != nil || rec.Tombstone {
			o.failErr(fmt.Errorf("%w: %s", rpc.ErrObjectUnknown, o.req.Key))
			return
		}
	}
	targets := s.WriteTargets()
	if !slices.Contains(targets, o.c.node) {
		o.failErr(fmt.Errorf("%w: local replica not writeable", rpc.ErrNotReady))
		return
	}
	if o.class.seqno {
		o.seqno = s.AllocSeqno()
	}
	ltime := s.Ltime()
	for _, node := range targets {
		node := node
		sub := &rpc.Request{
			Type:      rpc.MsgReplicaWrite,
			Shard:     o.req.Shard,
			Key:       o.req.Key,
			Data:      o.req.Data,
			Seqno:     o.seqno,
			Tombstone: del,
			Ltime:     ltime,
			Mode:      storage.WriteNormal,
		}
		o.send(node, sub, func(resp *rpc.Response) { o.replicaDone(node, resp) })
	}
}

func (o *op) replicaDone(node string, resp *rpc.Response) {
	err := resp.Err()
	if err == nil {
		return
	}
	if node == o.c.node || o.class.fanout != fanAllLive {
		o.fail(resp)
		return
	}
	o.log.Warn().Err(err).Str("replica", node).Uint64("seqno", o.seqno).Msg("replica write failed")
	o.h.shard.ReplicaFailed(node, err)
}

// create makes the shard's container on every replica, all or nothing,
// then writes the first meta-data record. The first listed replica is the
// preferred home; if that is this node it takes the lease at once.
func (o *op) create() {
	c, req := o.c, o.req
	m := &meta.ShardMeta{
		ShardID:       req.Shard,
		VIPGroupID:    req.VIPGroupID,
		Type:          req.ReplicationType,
		LeaseDuration: c.cfg.LeaseDuration,
	}
	for _, node := range req.Nodes {
		m.Replicas = append(m.Replicas, meta.ReplicaMeta{Node: node, State: meta.ReplicaAuthoritative})
	}
	if err := m.Validate(); err != nil {
		o.failErr(fmt.Errorf("%w: %v", rpc.ErrInvalid, err))
		return
	}
	if !slices.Contains(req.Nodes, c.node) {
		o.fail(&rpc.Response{Status: rpc.StatusWrongNode, Home: req.Nodes[0]})
		return
	}
	if c.shards[req.Shard] != nil {
		o.failErr(fmt.Errorf("%w: shard %d", rpc.ErrContainerExists, req.Shard))
		return
	}

	pending := len(req.Nodes)
	for _, node := range req.Nodes {
		node := node
		o.send(node, &rpc.Request{Type: rpc.MsgCreateContainer, Shard: req.Shard}, func(resp *rpc.Response) {
			if err := resp.Err(); err != nil {
				o.log.Warn().Err(err).Str("replica", node).Msg("creating container failed")
				o.fail(resp)
			} else {
				o.created = append(o.created, node)
			}
			if pending--; pending == 0 {
				o.createMeta(m)
			}
		})
	}
}

func (o *op) createMeta(m *meta.ShardMeta) {
	c := o.c
	if o.failed {
		o.rollback()
		return
	}
	if c.stopping || c.shards[m.ShardID] != nil {
		o.failErr(fmt.Errorf("%w: shard %d", rpc.ErrContainerExists, m.ShardID))
		return
	}
	o.h = c.attach(m.ShardID)
	o.h.shard.Ref()
	o.h.shard.OpStarted()

	lease := m.Replicas[0].Node == c.node
	o.refs++
	o.h.shard.Create(m, lease, func(err error) {
		defer o.unref()
		if err != nil {
			o.failErr(err)
			return
		}
		o.log.Info().Strs("replicas", m.Nodes()).Bool("lease", lease).Msg("shard created")
	})
}

// rollback drops the containers a failed creation made.
func (o *op) rollback() {
	for _, node := range o.created {
		node := node
		o.send(node, &rpc.Request{Type: rpc.MsgDeleteContainer, Shard: o.req.Shard}, func(resp *rpc.Response) {
			if err := resp.Err(); err != nil {
				o.log.Warn().Err(err).Str("replica", node).Msg("rolling back container failed")
			}
		})
	}
	o.created = nil
}

// deleteShard marks the shard deleted, which shuts it down everywhere, and
// drops its container on every live replica.
func (o *op) deleteShard() {
	s := o.h.shard
	o.refs++
	s.Delete(func(err error) {
		defer o.unref()
		if err != nil {
			o.failErr(err)
			return
		}
		for _, node := range s.Meta().Nodes() {
			if !o.c.Live(node) {
				continue
			}
			node := node
			o.send(node, &rpc.Request{Type: rpc.MsgDeleteContainer, Shard: o.req.Shard}, func(resp *rpc.Response) {
				err := resp.Err()
				if err == nil || errors.Is(err, rpc.ErrContainerUnknown) {
					return
				}
				if node == o.c.node {
					o.fail(resp)
					return
				}
				o.log.Warn().Err(err).Str("replica", node).Msg("dropping container failed")
			})
		}
	})
}

// fail records resp unless an earlier failure already won.
func (o *op) fail(resp *rpc.Response) {
	if o.failed {
		return
	}
	o.failed = true
	o.resp = resp
}

func (o *op) failErr(err error) { o.fail(rpc.Fail(err)) }

func (o *op) succeed(resp *rpc.Response) {
	if !o.failed && o.resp == nil {
		o.resp = resp
	}
}

func (o *op) unref() {
	o.refs--
	switch {
	case o.refs > 0:
		return
	case o.refs < 0:
		panic(fmt.Sprintf("coordinator: %s op released too often", o.req.Type))
	}
	o.finish()
}

// finish replies, then releases the shard and finally the key lock, so
// responses for one key leave in lock order.
func (o *op) finish() {
	resp := o.resp
	if resp == nil {
		resp = &rpc.Response{}
	}
	if !o.failed && o.seqno != 0 {
		resp.Seqno = o.seqno
	}
	resp.Node = o.c.node
	if o.failed {
		o.log.Debug().Stringer("status", resp.Status).Str("key", o.req.Key).Msg("operation failed")
	}
	o.reply(resp)

	if o.h != nil {
		switch o.req.Type {
		case rpc.MsgGet, rpc.MsgPut, rpc.MsgDelete:
			o.h.shard.CountOp(o.req.Type == rpc.MsgGet, o.req.Type == rpc.MsgDelete, o.failed)
		}
		o.h.shard.OpDone()
		o.h.shard.Unref()
	}
	if o.lock != nil {
		o.h.locks.Unlock(o.lock)
	}
	o.c.ops--
	o.c.maybeStopped()
}
