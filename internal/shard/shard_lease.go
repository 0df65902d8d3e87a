package shard

import (
	"errors"
	"time"

	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/sched"
)

func (s *Shard) enterWaitMeta() {
	s.evaluate(false)
}

// evaluate decides, from the cached record and the liveness table, whether
// this node should go for the lease now, later, or not at all. force skips
// the yield and ranking checks once a delay has run out.
func (s *Shard) evaluate(force bool) {
	m := s.current
	if m == nil {
		return
	}
	rm := m.Replica(s.env.Node)
	if rm == nil || !rm.Eligible() {
		s.goState(StateWaitMeta)
		return
	}
	now := s.now()

	if m.Home == s.env.Node {
		s.setState(StateRequestLease)
		return
	}
	if m.Home != "" && now.Before(s.leaseExpires) {
		if s.goState(StateWaitMeta) {
			s.armTimer("lease-expiry", s.leaseExpires.Sub(now), func() { s.evaluate(false) })
		}
		return
	}
	if !force && m.Home != "" && s.env.live(m.Home) && m.LeaseDuration > handBackLease && s.yieldedAt != m.MetaSeqno {
		s.goState(StateYield)
		return
	}

	rank, _ := s.rank()
	if rank == 0 || force {
		s.setState(StateRequestLease)
		return
	}
	s.goState(StateDelayLeaseAcquisition)
}

// goState enters st unless already there, and reports whether the shard is
// in st afterwards.
func (s *Shard) goState(st State) bool {
	if s.state != st {
		s.setState(st)
	}
	return s.state == st
}

// rank returns this node's position among live, eligible replicas in
// meta-data order, and the number of such replicas. A lease holder the
// liveness table reports dead is not counted.
//
// VIP groups are not consulted: every replica of the shard is ranked as if
// it were in the shard's own group.
func (s *Shard) rank() (int, int) {
	rank, count := -1, 0
	for _, rm := range s.current.Replicas {
		if !rm.Eligible() || !s.env.live(rm.Node) {
			continue
		}
		if rm.Node == s.env.Node {
			rank = count
		}
		count++
	}
	return rank, count
}

func (s *Shard) enterDelay() {
	rank, count := s.rank()
	if rank < 0 || count == 0 {
		rank, count = 0, 1
	}
	lease := s.env.Config.LeaseDuration
	d := lease/2 + time.Duration(int64(lease/2)*int64(rank)/int64(count))
	s.log.Debug().Int("rank", rank).Int("count", count).Dur("delay", d).Msg("delaying lease acquisition")
	s.armTimer("delay-lease", d, func() { s.evaluate(true) })
}

func (s *Shard) enterYield() {
	seqno := s.current.MetaSeqno
	s.log.Debug().Str("holder", s.current.Home).Msg("yielding to live lease holder")
	s.armTimer("yield", s.env.Config.LeaseDuration/2, func() {
		s.yieldedAt = seqno
		s.evaluate(false)
	})
}

func (s *Shard) enterRequestLease() {
	s.persist(StateRequestLease, func(p *meta.ShardMeta) {
		p.Home = s.env.Node
		p.Ltime++
		p.LeaseDuration = s.env.Config.LeaseDuration
	}, func() {
		s.log.Info().Uint64("ltime", s.current.Ltime).Msg("lease acquired")
		s.afterLease()
	})
}

// afterLease moves a fresh owner on to recovery, or straight to RW for
// shards without replicated data.
func (s *Shard) afterLease() {
	if s.current.Type.DataManaged() {
		s.setState(StateGetSeqno)
		return
	}
	s.setState(StateRW)
}

// Create writes the shard's first record. With lease set this node becomes
// home and proceeds to recovery and RW; otherwise the record names no home
// and the shard joins the normal lease protocol. cb learns the outcome of
// the write.
func (s *Shard) Create(m *meta.ShardMeta, lease bool, cb func(error)) {
	if s.state != StateInitial {
		cb(meta.ErrContainerExists)
		return
	}
	m = m.Clone()
	m.MetaSeqno = 0
	st := StateCreateNoLease
	if lease {
		st = StateCreateLease
		m.Home = s.env.Node
		m.Ltime = 1
		m.LeaseDuration = s.env.Config.LeaseDuration
	} else {
		m.Home = ""
	}
	s.createCB = append(s.createCB, cb)
	s.setState(st)

	s.proposed = m
	s.env.Meta.Create(m, func(stored *meta.ShardMeta, expires time.Time, err error) {
		s.proposed = nil
		if s.state != st {
			s.failCreate(errAborted)
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("shard create failed")
			s.failCreate(err)
			s.setState(StateInitial)
			s.Start()
			return
		}
		s.current = stored
		s.syncReplicas()
		cbs := s.createCB
		s.createCB = nil
		for _, fn := range cbs {
			fn(nil)
		}
		if lease {
			s.leaseExpires = expires
			s.afterLease()
			return
		}
		s.setState(StateToWaitMeta)
	})
}

func (s *Shard) failCreate(err error) {
	cbs := s.createCB
	s.createCB = nil
	for _, fn := range cbs {
		fn(err)
	}
}

func (s *Shard) scheduleRenew() {
	s.cancelRenew()
	if s.current == nil || s.current.Home != s.env.Node {
		return
	}
	d := s.leaseExpires.Sub(s.now()) - s.current.LeaseDuration/2
	s.renewTimer = s.env.Sched.AfterFunc("renew-lease", d, func(t *sched.Timer) {
		if t != s.renewTimer {
			return
		}
		s.renewTimer = nil
		s.renew()
	})
}

func (s *Shard) cancelRenew() {
	if s.renewTimer != nil {
		s.env.Sched.Cancel(s.renewTimer, nil)
		s.renewTimer = nil
	}
}

// renew writes an unchanged proposal to extend the lease. Conflicts end
// ownership at once; transport failures are retried until the lease runs
// out.
func (s *Shard) renew() {
	if s.state.info().lease != LeaseRenew {
		return
	}
	s.mutate(nil, func(err error) {
		if err == nil || s.state.info().lease != LeaseRenew {
			return
		}
		if errors.Is(err, meta.ErrLeaseExists) || errors.Is(err, meta.ErrStaleMeta) || errors.Is(err, meta.ErrNotFound) {
			s.log.Warn().Err(err).Msg("lease renewal rejected")
			s.setState(StateToWaitMeta)
			return
		}
		if !s.now().Before(s.leaseExpires) {
			s.log.Warn().Err(err).Msg("lease expired before renewal succeeded")
			s.setState(StateToWaitMeta)
			return
		}
		s.log.Debug().Err(err).Msg("lease renewal failed, retrying")
		s.renewTimer = s.env.Sched.AfterFunc("renew-retry", s.env.Config.RenewRetryDelay, func(t *sched.Timer) {
			if t != s.renewTimer {
				return
			}
			s.renewTimer = nil
			s.renew()
		})
	})
}

// SwitchBack hands the lease back to the preferred replica, the first
// eligible one in meta-data order. It is only valid in RW, and fails with
// ErrNoSwitchBackTarget when this node is the preferred replica or the
// preferred replica is not live.
func (s *Shard) SwitchBack() error {
	if s.state != StateRW {
		return ErrNotOwner
	}
	target := ""
	for _, rm := range s.current.Replicas {
		if rm.Eligible() {
			target = rm.Node
			break
		}
	}
	if target == "" || target == s.env.Node || !s.env.live(target) {
		return ErrNoSwitchBackTarget
	}
	s.switchTarget = target
	s.setState(StateSwitchBack)
	return nil
}

// Delete marks the shard deleted in meta-data, releasing the lease, and
// shuts it down. Only the owner in RW may delete.
func (s *Shard) Delete(cb func(error)) {
	if s.state != StateRW {
		cb(ErrNotOwner)
		return
	}
	s.mutate(func(p *meta.ShardMeta) {
		p.Deleted = true
		p.Home = ""
	}, func(err error) {
		if err != nil {
			s.log.Warn().Err(err).Msg("deleting shard failed")
			cb(err)
			return
		}
		s.log.Info().Msg("shard deleted")
		s.Shutdown(nil)
		cb(nil)
	})
}

func (s *Shard) enterSwitchBack() {
	s.switchPut = false
	s.stopReplicas()
	s.log.Info().Str("target", s.switchTarget).Msg("switching back")
	s.poke()
}

func (s *Shard) checkSwitchBack() {
	if s.switchPut || s.pendingOps > 0 || !s.quiescent() {
		return
	}
	s.switchPut = true
	s.persist(StateSwitchBack, func(p *meta.ShardMeta) {
		p.LeaseDuration = handBackLease
	}, func() {
		s.setState(StateSwitchBack2)
	})
}

// enterSwitchBack2 waits for the target to take over. The hand-back record
// still names this node as home, under a handBackLease lease, while the
// state's meta source is the other node: the target writes next, and this
// node must not renew. Losing ownership into TO_WAIT_META leaves the same
// pairing until the new record arrives.
func (s *Shard) enterSwitchBack2() {
	if s.current.Home == s.switchTarget || !s.env.live(s.switchTarget) {
		s.setState(StateToWaitMeta)
		return
	}
	s.armTimer("switch-back", s.env.Config.SwitchBackTimeout, func() {
		s.log.Info().Str("target", s.switchTarget).Msg("switch-back timed out")
		s.setState(StateToWaitMeta)
	})
}
