package shard

import (
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

var (
	// ErrNotOwner is returned for requests that need this node to hold the
	// shard's lease.
	ErrNotOwner = errors.New("not shard owner")
	// ErrNoSwitchBackTarget is returned by SwitchBack when the preferred
	// replica is this node or is not live.
	ErrNoSwitchBackTarget = errors.New("no switch-back target")

	errAborted = errors.New("meta update aborted")
)

// handBackLease is the lease written by SWITCH_BACK. Peers treat a lease this
// short as released rather than as one whose holder is merely slow to renew.
const handBackLease = time.Millisecond

// Shard is one node's view of a replicated partition: its durable meta-data,
// the lease state machine and, for data-managed replication types, the
// replicas it recovers while it owns the lease.
//
// A Shard is not safe for concurrent use. Every method must be called from
// the scheduler in its Env.
type Shard struct {
	env *Env
	id  meta.ShardID
	log zerolog.Logger

	state State
	// current is the last record known to be stored; proposed is the put
	// in flight, if any.
	current  *meta.ShardMeta
	proposed *meta.ShardMeta
	queue    metaQueue

	replicas []*Replica

	// seqno is the next sequence number to hand out.
	seqno uint64
	// lastSeqno is the local replica's high-water mark read in GET_SEQNO.
	lastSeqno uint64

	// leaseExpires is the lease deadline: as stamped by storage when this
	// node is home, else receipt time plus the holder's lease duration.
	leaseExpires time.Time

	timer      *sched.Timer
	renewTimer *sched.Timer
	// backoffUntil holds a shard that just gave up the lease in TO_WAIT_META
	// so a failing recovery does not spin.
	backoffUntil time.Time

	// yieldedAt is the MetaSeqno a YIELD already waited on.
	yieldedAt    uint64
	switchTarget string
	switchPut    bool

	createCB []func(error)

	refs       int
	pendingOps int
	pokePosted bool

	releaseOnShutdown bool
	// shutdownWriteable lists the replicas that were receiving writes when
	// shutdown began.
	shutdownWriteable []string
	shutdownPut       bool
	shutdownDone      []func()
	onTeardown        func()
	tornDown          bool

	stats OperationStats
}

// OperationStats counts client operations served by the shard.
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	Failed  uint64 `json:"failed"`
}

// New returns a shard in INITIAL. Feed it meta-data with UpdateMeta or start
// creation with Create.
func New(env *Env, id meta.ShardID) *Shard {
	return &Shard{
		env: env,
		id:  id,
		log: env.Log.With().Str("component", "shard").Uint64("shard", uint64(id)).Str("node", env.Node).Logger(),
	}
}

// ID returns the shard this state machine manages.
func (s *Shard) ID() meta.ShardID { return s.id }

// State returns the shard's current lifecycle state.
func (s *Shard) State() State { return s.state }

// Meta returns the last stored record, or nil before one is known.
func (s *Shard) Meta() *meta.ShardMeta { return s.current }

// Home returns the node named as home in the last stored record.
func (s *Shard) Home() string {
	if s.current == nil {
		return ""
	}
	return s.current.Home
}

// Ltime returns the fencing epoch of the last stored record.
func (s *Shard) Ltime() uint64 {
	if s.current == nil {
		return 0
	}
	return s.current.Ltime
}

// Type returns the replication type, defaulting to Mirrored before meta-data
// is known.
func (s *Shard) Type() meta.ReplicationType {
	if s.current == nil {
		return meta.Mirrored
	}
	return s.current.Type
}

// Deleted reports whether the stored record marks the shard deleted.
func (s *Shard) Deleted() bool { return s.current != nil && s.current.Deleted }

// LeaseExpires returns the lease deadline this node is tracking.
func (s *Shard) LeaseExpires() time.Time { return s.leaseExpires }

// Seqno returns the next sequence number the shard will hand out.
func (s *Shard) Seqno() uint64 { return s.seqno }

// Access returns the access allowed now. Access lapses with the lease even
// before the state machine notices.
func (s *Shard) Access() Access {
	a := s.state.Access()
	if a != AccessNone && !s.now().Before(s.leaseExpires) {
		return AccessNone
	}
	return a
}

// Readable reports whether client reads may be served locally.
func (s *Shard) Readable() bool { return s.Access()&AccessRead != 0 }

// Writable reports whether this node may assign seqnos and accept writes.
func (s *Shard) Writable() bool { return s.Access()&AccessWrite != 0 }

// AllocSeqno hands out the next sequence number. It panics unless the shard
// is writable.
func (s *Shard) AllocSeqno() uint64 {
	if !s.Writable() {
		panic(fmt.Sprintf("shard %d: seqno allocated in %s", s.id, s.state))
	}
	n := s.seqno
	s.seqno++
	return n
}

// Replica returns the replica on node, or nil.
func (s *Shard) Replica(node string) *Replica {
	for _, r := range s.replicas {
		if r.node == node {
			return r
		}
	}
	return nil
}

// Replicas returns the shard's replicas in meta-data order.
func (s *Shard) Replicas() []*Replica { return s.replicas }

// WriteTargets returns the nodes a client write must reach: every live,
// writeable replica. Meta-only shards write locally.
func (s *Shard) WriteTargets() []string {
	if !s.Type().DataManaged() {
		return []string{s.env.Node}
	}
	var out []string
	for _, r := range s.replicas {
		if r.writeable && s.env.live(r.node) {
			out = append(out, r.node)
		}
	}
	return out
}

// ReplicaFailed records that a client write to node failed.
func (s *Shard) ReplicaFailed(node string, err error) {
	if r := s.Replica(node); r != nil {
		r.fail(err)
	}
}

// OpStarted and OpDone bracket every client operation routed to the shard.
func (s *Shard) OpStarted() { s.pendingOps++ }

func (s *Shard) OpDone() {
	if s.pendingOps == 0 {
		panic(fmt.Sprintf("shard %d: unbalanced OpDone", s.id))
	}
	s.pendingOps--
	if s.pendingOps == 0 {
		s.poke()
	}
}

// PendingOps returns the number of client operations in flight.
func (s *Shard) PendingOps() int { return s.pendingOps }

// CountOp records a served client operation for Info.
func (s *Shard) CountOp(read, del, failed bool) {
	switch {
	case failed:
		s.stats.Failed++
	case read:
		s.stats.Gets++
	case del:
		s.stats.Deletes++
	default:
		s.stats.Puts++
	}
}

// Ref holds the shard against teardown; Unref releases it.
func (s *Shard) Ref() { s.refs++ }

func (s *Shard) Unref() {
	s.refs--
	s.maybeTeardown()
}

// OnTeardown sets fn to run once the shard is shut down and unreferenced.
func (s *Shard) OnTeardown(fn func()) { s.onTeardown = fn }

func (s *Shard) now() time.Time { return s.env.Sched.Now() }

func (s *Shard) setState(next State) {
	prev := s.state
	if prev == StateShutdown {
		panic(fmt.Sprintf("shard %d: transition out of SHUTDOWN to %s", s.id, next))
	}
	if leave := prev.info().leave; leave != nil {
		leave(s)
	}
	s.state = next
	s.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("state change")

	if prev.info().lease == LeaseRenew && next.info().lease != LeaseRenew {
		s.cancelRenew()
	}
	if prev.info().lease != LeaseRenew && next.info().lease == LeaseRenew {
		s.scheduleRenew()
	}
	if next == StateToWaitMeta && prev.info().lease != LeaseNone {
		s.backoffUntil = s.now().Add(s.env.Config.RecoveryRetryDelay)
	}
	s.notify()
	if enter := next.info().enter; enter != nil {
		enter(s)
	}
}

func (s *Shard) notify() {
	if s.env.Notify == nil {
		return
	}
	ev := Event{Shard: s.id, State: s.state, Access: s.state.Access(), Home: s.Home()}
	s.env.Notify(ev)
}

// poke re-checks whichever condition the current state is waiting on. It
// runs in a later task so callers never see a transition underneath them.
func (s *Shard) poke() {
	if s.pokePosted {
		return
	}
	s.pokePosted = true
	s.env.Sched.Post(func() {
		s.pokePosted = false
		s.check()
	})
}

func (s *Shard) check() {
	switch s.state {
	case StateToWaitMeta:
		if !s.quiescent() {
			return
		}
		if now := s.now(); now.Before(s.backoffUntil) {
			if s.timer == nil {
				s.armTimer("backoff", s.backoffUntil.Sub(now), s.poke)
			}
			return
		}
		s.setState(StateWaitMeta)
	case StateMutualRedo:
		s.checkMutualRedo()
	case StateRW:
		s.reap()
	case StateSwitchBack:
		s.checkSwitchBack()
	case StateToShutdown:
		s.checkShutdown()
	}
}

// quiescent reports whether nothing started while owning the shard is still
// running.
func (s *Shard) quiescent() bool {
	if s.queue.busy() {
		return false
	}
	for _, r := range s.replicas {
		if !r.idle() {
			return false
		}
	}
	return true
}

func (s *Shard) armTimer(name string, d time.Duration, fn func()) {
	s.cancelTimer()
	s.timer = s.env.Sched.AfterFunc(name, d, func(t *sched.Timer) {
		if t != s.timer {
			return
		}
		s.timer = nil
		fn()
	})
}

func (s *Shard) cancelTimer() {
	if s.timer != nil {
		s.env.Sched.Cancel(s.timer, nil)
		s.timer = nil
	}
}

// Start loads the stored record and enters the lease protocol.
func (s *Shard) Start() {
	if s.state != StateInitial {
		return
	}
	s.env.Meta.Get(s.id, func(m *meta.ShardMeta, err error) {
		if err != nil {
			if !errors.Is(err, meta.ErrNotFound) {
				s.log.Warn().Err(err).Msg("loading shard meta failed")
			}
			return
		}
		s.UpdateMeta(m)
	})
}

// UpdateMeta delivers a record seen through storage: the initial load, or a
// change published by any node, this one included.
func (s *Shard) UpdateMeta(m *meta.ShardMeta) {
	if m == nil || m.ShardID != s.id || s.state == StateShutdown {
		return
	}
	if s.current != nil && m.MetaSeqno <= s.current.MetaSeqno {
		return
	}
	if p := s.proposed; p != nil && p.MetaSeqno == m.MetaSeqno && p.Home == m.Home && p.Ltime == m.Ltime {
		// our own write, published before its put completed
		return
	}

	s.current = m.Clone()
	if m.Home != s.env.Node {
		s.trackLease(m)
	}
	s.syncReplicas()
	s.notify()

	if m.Deleted {
		s.log.Info().Msg("shard deleted")
		s.Shutdown(nil)
		return
	}

	switch s.state {
	case StateInitial:
		s.setState(StateToWaitMeta)
	case StateWaitMeta, StateDelayLeaseAcquisition, StateYield:
		s.evaluate(false)
	case StateSwitchBack2:
		if m.Home == s.switchTarget {
			s.setState(StateToWaitMeta)
		}
	case StateToWaitMeta, StateToShutdown:
	default:
		if s.state.Owned() && m.Home != s.env.Node {
			s.log.Info().Str("home", m.Home).Uint64("ltime", m.Ltime).Msg("ownership lost")
			s.setState(StateToWaitMeta)
		}
	}
}

func (s *Shard) trackLease(m *meta.ShardMeta) {
	if m.Home == "" {
		s.leaseExpires = time.Time{}
		return
	}
	s.leaseExpires = s.now().Add(m.LeaseDuration)
}

// syncReplicas creates a Replica for every node the record names.
func (s *Shard) syncReplicas() {
	if !s.current.Type.DataManaged() {
		return
	}
	for _, rm := range s.current.Replicas {
		if s.Replica(rm.Node) == nil {
			s.replicas = append(s.replicas, newReplica(s, rm.Node))
		}
	}
	order := s.current.Nodes()
	slices.SortStableFunc(s.replicas, func(a, b *Replica) int {
		return indexOf(order, a.node) - indexOf(order, b.node)
	})
}

func indexOf(nodes []string, node string) int {
	if i := slices.Index(nodes, node); i >= 0 {
		return i
	}
	return len(nodes)
}

// NodeLive reacts to a peer becoming reachable.
func (s *Shard) NodeLive(node string) {
	if r := s.Replica(node); r != nil {
		r.nodeLive()
	}
	switch s.state {
	case StateWaitMeta, StateDelayLeaseAcquisition, StateYield:
		s.evaluate(false)
	}
}

// NodeDead reacts to a peer being declared dead.
func (s *Shard) NodeDead(node string) {
	if r := s.Replica(node); r != nil {
		r.nodeDead()
	}
	switch s.state {
	case StateWaitMeta, StateDelayLeaseAcquisition, StateYield:
		s.evaluate(false)
	case StateSwitchBack2:
		if node == s.switchTarget {
			s.log.Info().Str("target", node).Msg("switch-back target died")
			s.setState(StateToWaitMeta)
		}
	}
}

func (s *Shard) enterToWaitMeta() {
	s.cancelTimer()
	s.queue.abort()
	s.stopReplicas()
	s.reload()
	s.poke()
}

// reload fetches the stored record in case changes were missed while this
// node believed it owned the shard.
func (s *Shard) reload() {
	s.env.Meta.Get(s.id, func(m *meta.ShardMeta, err error) {
		if err != nil {
			s.log.Debug().Err(err).Msg("reloading shard meta failed")
			return
		}
		s.UpdateMeta(m)
	})
}

func (s *Shard) stopReplicas() {
	for _, r := range s.replicas {
		r.stop()
	}
}

// Shutdown drains the shard and calls done once it reaches SHUTDOWN. An
// owner releases its lease on the way down if configured to.
func (s *Shard) Shutdown(done func()) {
	if done != nil {
		s.shutdownDone = append(s.shutdownDone, done)
	}
	switch s.state {
	case StateShutdown:
		s.flushShutdownDone()
		return
	case StateToShutdown:
		return
	}
	s.releaseOnShutdown = s.env.Config.ReleaseLeaseOnShutdown && s.state.Owned() && s.Home() == s.env.Node
	s.shutdownWriteable = nil
	for _, r := range s.replicas {
		if r.writeable {
			s.shutdownWriteable = append(s.shutdownWriteable, r.node)
		}
	}
	s.setState(StateToShutdown)
}

func (s *Shard) enterToShutdown() {
	s.cancelTimer()
	s.cancelRenew()
	s.queue.abort()
	s.stopReplicas()
	s.failCreate(ErrShutdown)
	s.poke()
}

// ErrShutdown is returned to callers waiting on a shard that shut down.
var ErrShutdown = errors.New("shard shut down")

func (s *Shard) checkShutdown() {
	if s.pendingOps > 0 || !s.quiescent() || s.shutdownPut {
		return
	}
	if !s.releaseOnShutdown || s.current == nil {
		s.setState(StateShutdown)
		return
	}
	s.shutdownPut = true
	seqno := s.seqno
	s.mutate(func(p *meta.ShardMeta) {
		p.Home = ""
		for i := range p.Replicas {
			rm := &p.Replicas[i]
			if slices.Contains(s.shutdownWriteable, rm.Node) {
				rm.Ranges = meta.CloseActive(rm.Ranges, seqno)
			} else if meta.ActiveOpen(rm.Ranges) {
				rm.Ranges = meta.SplitOnFailure(rm.Ranges, seqno, s.env.Config.OutstandingWindow)
				rm.State = meta.ReplicaStale
			}
		}
	}, func(err error) {
		if err != nil {
			s.log.Warn().Err(err).Msg("releasing lease on shutdown failed")
		} else {
			s.log.Info().Msg("lease released")
		}
		s.setState(StateShutdown)
	})
}

func (s *Shard) enterShutdown() {
	for _, r := range s.replicas {
		r.setState(ReplicaShutdown)
	}
	s.flushShutdownDone()
	s.maybeTeardown()
}

func (s *Shard) flushShutdownDone() {
	done := s.shutdownDone
	s.shutdownDone = nil
	for _, fn := range done {
		s.env.Sched.Post(fn)
	}
}

func (s *Shard) maybeTeardown() {
	if s.state != StateShutdown || s.refs > 0 || s.tornDown {
		return
	}
	s.tornDown = true
	if s.onTeardown != nil {
		s.onTeardown()
	}
}

// Info is a point-in-time summary of the shard.
type Info struct {
	ID           meta.ShardID   `json:"id"`
	State        string         `json:"state"`
	Access       string         `json:"access"`
	Home         string         `json:"home,omitempty"`
	Type         string         `json:"type"`
	Seqno        uint64         `json:"seqno"`
	Ltime        uint64         `json:"ltime"`
	MetaSeqno    uint64         `json:"meta_seqno"`
	LeaseExpires time.Time      `json:"lease_expires"`
	PendingOps   int            `json:"pending_ops"`
	Ops          OperationStats `json:"ops"`
	Replicas     []ReplicaInfo  `json:"replicas,omitempty"`
}

// ReplicaInfo summarises one replica.
type ReplicaInfo struct {
	Node       string       `json:"node"`
	State      string       `json:"state"`
	Persistent string       `json:"persistent"`
	Writeable  bool         `json:"writeable"`
	Live       bool         `json:"live"`
	Ranges     []meta.Range `json:"ranges,omitempty"`
	RecoveryOp uint64       `json:"recovery_ops"`
}

// Info returns a summary of the shard for status endpoints.
func (s *Shard) Info() Info {
	info := Info{
		ID:           s.id,
		State:        s.state.String(),
		Access:       s.Access().String(),
		Home:         s.Home(),
		Type:         s.Type().String(),
		Seqno:        s.seqno,
		Ltime:        s.Ltime(),
		LeaseExpires: s.leaseExpires,
		PendingOps:   s.pendingOps,
		Ops:          s.stats,
	}
	if s.current != nil {
		info.MetaSeqno = s.current.MetaSeqno
	}
	for _, r := range s.replicas {
		ri := ReplicaInfo{
			Node:       r.node,
			State:      r.state.String(),
			Writeable:  r.writeable,
			Live:       s.env.live(r.node),
			RecoveryOp: r.opsStarted,
		}
		if rm := r.meta(); rm != nil {
			ri.Persistent = rm.State.String()
			ri.Ranges = append([]meta.Range(nil), rm.Ranges...)
		}
		info.Replicas = append(info.Replicas, ri)
	}
	return info
}
