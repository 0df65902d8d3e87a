package shard

import (
	"github.com/dreamware/replikv/internal/meta"
)

func (s *Shard) enterGetSeqno() {
	s.env.RPC.GetLastSeqno(s.env.Node, s.id, func(last uint64, err error) {
		if s.state != StateGetSeqno {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("reading local seqno failed")
			s.setState(StateToWaitMeta)
			return
		}
		s.lastSeqno = last
		working := last + s.env.Config.OutstandingWindow
		for _, rm := range s.current.Replicas {
			if end := meta.LastEnd(rm.Ranges); end > working {
				working = end
			}
		}
		if working < meta.FirstValidSeqno {
			working = meta.FirstValidSeqno
		}
		s.seqno = working
		s.log.Debug().Uint64("last", last).Uint64("working", working).Msg("working seqno set")
		s.setState(StateUpdate1)
	})
}

// enterUpdate1 opens a mutual-redo window over the tail of every trusted
// replica, since any of them may hold writes the others missed.
func (s *Shard) enterUpdate1() {
	last, window := s.lastSeqno, s.env.Config.OutstandingWindow
	s.persist(StateUpdate1, func(p *meta.ShardMeta) {
		for i := range p.Replicas {
			rm := &p.Replicas[i]
			if rm.State == meta.ReplicaStale {
				continue
			}
			rm.Ranges = meta.ToMutualRedo(rm.Ranges, last, window)
		}
	}, func() {
		s.setState(StateMutualRedo)
	})
}

func (s *Shard) enterMutualRedo() {
	for _, r := range s.replicas {
		r.beginMutualRedo()
	}
	s.poke()
}

// mutualRedoPeers returns the live replicas other than src taking part in
// mutual redo.
func (s *Shard) mutualRedoPeers(src *Replica) []*Replica {
	var out []*Replica
	for _, r := range s.replicas {
		if r == src || !s.env.live(r.node) {
			continue
		}
		if r.state == ReplicaMutualRedo || r.state == ReplicaMutualRedoScanDone {
			out = append(out, r)
		}
	}
	return out
}

func (s *Shard) checkMutualRedo() {
	for _, r := range s.replicas {
		if r.state == ReplicaMutualRedo || r.state == ReplicaToDead {
			return
		}
	}
	if local := s.Replica(s.env.Node); local == nil || local.state != ReplicaMutualRedoScanDone {
		s.log.Warn().Msg("local replica failed mutual redo")
		s.setState(StateToWaitMeta)
		return
	}
	s.setState(StateUpdate2)
}

// enterUpdate2 closes the mutual-redo windows: replicas that finished their
// scans are synced and open a new ACTIVE range, the rest are marked stale
// with everything they may have missed up to the working seqno left to undo.
func (s *Shard) enterUpdate2() {
	working := s.seqno
	s.persist(StateUpdate2, func(p *meta.ShardMeta) {
		for i := range p.Replicas {
			rm := &p.Replicas[i]
			r := s.Replica(rm.Node)
			if r != nil && r.state == ReplicaMutualRedoScanDone {
				rm.Ranges = meta.FinishMutualRedo(rm.Ranges)
				continue
			}
			if rm.Eligible() || meta.HasType(rm.Ranges, meta.RangeMutualRedo) {
				rm.Ranges = meta.FailMutualRedo(rm.Ranges, working)
				rm.State = meta.ReplicaStale
			}
		}
	}, func() {
		for _, r := range s.replicas {
			if r.state == ReplicaMutualRedoScanDone {
				r.setState(ReplicaRecovered)
			}
		}
		s.setState(StateRW)
	})
}

func (s *Shard) enterRW() {
	s.log.Info().Uint64("seqno", s.seqno).Msg("serving")
	s.reap()
}

// reap starts recovery of stale replicas that are reachable again, and
// records replicas that stopped receiving writes while their ACTIVE range
// was still open.
func (s *Shard) reap() {
	if !s.Type().DataManaged() {
		return
	}
	for _, r := range s.replicas {
		switch r.state {
		case ReplicaLiveOffline:
			r.recover()
		case ReplicaDead:
			if rm := r.meta(); rm != nil && !r.writeable && meta.ActiveOpen(rm.Ranges) {
				r.setState(ReplicaMarkFailed)
			}
		}
	}
}
