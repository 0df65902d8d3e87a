package shard

import (
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/rs/zerolog"
)

// Replica is the owning node's in-core recovery state for one replica of a
// shard. Its durable half lives in the shard's ReplicaMeta.
type Replica struct {
	shard *Shard
	node  string
	log   zerolog.Logger

	state ReplicaState
	// writeable replicas receive client writes.
	writeable bool

	scan *scan
	// pending counts RPCs and lock waits started by this replica that have
	// not completed.
	pending int
	timer   *sched.Timer

	opsStarted uint64
}

func newReplica(s *Shard, node string) *Replica {
	return &Replica{
		shard: s,
		node:  node,
		log:   s.log.With().Str("replica", node).Logger(),
	}
}

// Node returns the node holding this replica.
func (r *Replica) Node() string { return r.node }

// State returns the replica's recovery state.
func (r *Replica) State() ReplicaState { return r.state }

// Writeable reports whether client writes are sent to this replica.
func (r *Replica) Writeable() bool { return r.writeable }

// OpsStarted returns the number of recovery operations the replica has
// started as a source or target.
func (r *Replica) OpsStarted() uint64 { return r.opsStarted }

func (r *Replica) meta() *meta.ReplicaMeta {
	if r.shard.current == nil {
		return nil
	}
	return r.shard.current.Replica(r.node)
}

func (r *Replica) idle() bool {
	switch r.state {
	case ReplicaInitial, ReplicaDead, ReplicaShutdown:
		return r.pending == 0
	}
	return false
}

func (r *Replica) setState(next ReplicaState) {
	prev := r.state
	r.cancelTimer()
	r.state = next
	r.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("replica state change")
	if enter := replicaStates[next].enter; enter != nil {
		enter(r)
	}
	r.shard.poke()
}

func (r *Replica) cancelTimer() {
	if r.timer != nil {
		r.shard.env.Sched.Cancel(r.timer, nil)
		r.timer = nil
	}
}

func (r *Replica) live() bool { return r.shard.env.live(r.node) }

// stop halts the replica without recording anything, for a shard giving up
// ownership.
func (r *Replica) stop() {
	switch r.state {
	case ReplicaInitial, ReplicaDead, ReplicaShutdown, ReplicaToDead:
		r.cancelTimer()
		r.writeable = false
		return
	}
	r.setState(ReplicaToDead)
}

// fail records a replica failure seen by recovery or by a client write.
// Replicas that may have missed acknowledged writes are marked failed in
// meta-data first.
func (r *Replica) fail(err error) {
	if !r.shard.state.Owned() {
		return
	}
	switch r.state {
	case ReplicaInitial, ReplicaLiveOffline, ReplicaMutualRedo, ReplicaMutualRedoScanDone:
		r.log.Info().Err(err).Stringer("state", r.state).Msg("replica failed")
		r.setState(ReplicaToDead)
	case ReplicaUndo, ReplicaUpdateAfterUndo, ReplicaRedo, ReplicaUpdateAfterRedo, ReplicaRecovered:
		r.log.Info().Err(err).Stringer("state", r.state).Msg("replica failed")
		r.setState(ReplicaMarkFailed)
	}
}

func (r *Replica) nodeDead() {
	r.fail(errNodeDead)
}

func (r *Replica) nodeLive() {
	if r.state == ReplicaDead {
		r.enterDead()
	}
}

// beginMutualRedo places the replica for a new owner's mutual-redo pass.
func (r *Replica) beginMutualRedo() {
	r.cancelTimer()
	r.writeable = false
	rm := r.meta()
	switch {
	case rm == nil:
		return
	case !r.live():
		r.setState(ReplicaToDead)
	case rm.State == meta.ReplicaStale:
		r.setState(ReplicaLiveOffline)
	case meta.HasType(rm.Ranges, meta.RangeMutualRedo):
		r.setState(ReplicaMutualRedo)
	default:
		r.setState(ReplicaMutualRedoScanDone)
	}
}

// recover starts undo/redo for a stale replica that is reachable again. A
// replica whose ACTIVE range is still open is marked failed first so the
// writes it missed are bounded.
func (r *Replica) recover() {
	rm := r.meta()
	if rm == nil {
		return
	}
	if meta.ActiveOpen(rm.Ranges) && !r.writeable {
		r.setState(ReplicaMarkFailed)
		return
	}
	r.log.Info().Interface("ranges", rm.Ranges).Msg("recovering replica")
	r.setState(ReplicaUndo)
}

func (r *Replica) enterToDead() {
	r.writeable = false
	r.scan = nil
	r.drained()
}

// drained completes TO_DEAD once everything the replica started has
// finished.
func (r *Replica) drained() {
	if r.state == ReplicaToDead && r.pending == 0 {
		r.setState(ReplicaDead)
	}
}

// retrying reports whether dead replicas should be retried: the shard is
// owned and not handing its lease back.
func (r *Replica) retrying() bool {
	st := r.shard.state
	return st.Owned() && st != StateSwitchBack && r.live()
}

func (r *Replica) enterDead() {
	r.writeable = false
	if !r.retrying() {
		return
	}
	r.cancelTimer()
	r.timer = r.shard.env.Sched.AfterFunc("replica-retry", r.shard.env.Config.RecoveryRetryDelay, func(t *sched.Timer) {
		if t != r.timer {
			return
		}
		r.timer = nil
		if r.state == ReplicaDead && r.retrying() {
			r.setState(ReplicaLiveOffline)
		}
	})
}

func (r *Replica) enterLiveOffline() {
	r.writeable = false
}

func (r *Replica) enterRecovered() {
	r.writeable = true
	r.log.Info().Msg("replica recovered")
}

// persist queues a change to this replica's meta-data made in state st.
// next runs on success if the replica is still in st; a failed put sends
// the shard back to TO_WAIT_META.
func (r *Replica) persist(st ReplicaState, apply func(*meta.ReplicaMeta), next func()) {
	r.shard.mutate(func(p *meta.ShardMeta) {
		if rm := p.Replica(r.node); rm != nil {
			apply(rm)
		}
	}, func(err error) {
		if r.state != st {
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Stringer("state", st).Msg("replica meta put failed")
			r.setState(ReplicaToDead)
			if r.shard.state.Owned() {
				r.shard.setState(StateToWaitMeta)
			}
			return
		}
		next()
	})
}

func (r *Replica) enterMarkFailed() {
	r.writeable = false
	r.scan = nil
	window := r.shard.env.Config.OutstandingWindow
	r.persist(ReplicaMarkFailed, func(rm *meta.ReplicaMeta) {
		rm.Ranges = meta.SplitOnFailure(rm.Ranges, r.shard.seqno, window)
		rm.State = meta.ReplicaStale
	}, func() {
		r.setState(ReplicaToDead)
	})
}

func (r *Replica) enterUpdateAfterUndo() {
	r.persist(ReplicaUpdateAfterUndo, func(rm *meta.ReplicaMeta) {
		rm.Ranges = meta.UndoToRedo(rm.Ranges, r.shard.seqno)
		// every seqno from here on is written to the replica directly
		r.writeable = true
	}, func() {
		r.setState(ReplicaRedo)
	})
}

func (r *Replica) enterUpdateAfterRedo() {
	r.persist(ReplicaUpdateAfterRedo, func(rm *meta.ReplicaMeta) {
		rm.Ranges = meta.RedoToSynced(rm.Ranges)
		if !meta.HasType(rm.Ranges, meta.RangeUndo) && !meta.HasType(rm.Ranges, meta.RangeRedo) {
			rm.State = meta.ReplicaSynchronized
		}
	}, func() {
		rm := r.meta()
		if meta.HasType(rm.Ranges, meta.RangeUndo) || meta.HasType(rm.Ranges, meta.RangeRedo) {
			r.setState(ReplicaUndo)
			return
		}
		r.setState(ReplicaRecovered)
	})
}
