package shard

import (
	"time"

	"github.com/dreamware/replikv/internal/meta"
)

// mutation is one change to the shard's meta-data. apply edits the proposal
// in place; done learns whether the put carrying it succeeded.
type mutation struct {
	apply func(*meta.ShardMeta)
	done  func(error)
}

// metaQueue serializes meta-data puts: at most one is in flight, and
// mutations queued meanwhile are batched into the next proposal.
type metaQueue struct {
	pending  []mutation
	inflight []mutation
}

func (q *metaQueue) busy() bool {
	return len(q.inflight) > 0 || len(q.pending) > 0
}

// abort fails every mutation not yet sent. The put in flight, if any, still
// completes and updates the shard's record.
func (q *metaQueue) abort() {
	pending := q.pending
	q.pending = nil
	for _, m := range pending {
		m.done(errAborted)
	}
}

// mutate queues a change. Proposals are always derived from the last stored
// record so successive puts form one causal chain.
func (s *Shard) mutate(apply func(*meta.ShardMeta), done func(error)) {
	s.queue.pending = append(s.queue.pending, mutation{apply: apply, done: done})
	s.flush()
}

// persist queues a change made on behalf of state st. On success next runs;
// on failure the shard falls back to TO_WAIT_META. Either way nothing
// happens if the shard has left st by then.
func (s *Shard) persist(st State, apply func(*meta.ShardMeta), next func()) {
	s.mutate(apply, func(err error) {
		if s.state != st {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Stringer("state", st).Msg("meta put failed")
			s.setState(StateToWaitMeta)
			return
		}
		next()
	})
}

func (s *Shard) flush() {
	q := &s.queue
	if len(q.inflight) > 0 || len(q.pending) == 0 {
		return
	}
	batch := q.pending
	q.pending = nil
	q.inflight = batch

	p := s.current.Propose()
	for _, m := range batch {
		if m.apply != nil {
			m.apply(p)
		}
	}
	s.proposed = p
	s.env.Meta.Put(p, func(stored *meta.ShardMeta, expires time.Time, err error) {
		q.inflight = nil
		s.proposed = nil
		if err == nil {
			s.current = stored
			if stored.Home == s.env.Node {
				s.leaseExpires = expires
			} else {
				s.trackLease(stored)
			}
			s.notify()
		}
		for _, m := range batch {
			m.done(err)
		}
		if err == nil && s.state.info().lease == LeaseRenew && s.Home() == s.env.Node {
			s.scheduleRenew()
		}
		s.flush()
		s.poke()
	})
}
