package shard

import (
	"errors"

	"github.com/dreamware/replikv/internal/lockmgr"
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/storage"
)

var errNodeDead = errors.New("replica node declared dead")

type scanKind int

const (
	scanMutualRedo scanKind = iota
	scanUndo
	scanRedo
)

func (k scanKind) String() string {
	switch k {
	case scanMutualRedo:
		return "mutual-redo"
	case scanUndo:
		return "undo"
	}
	return "redo"
}

// scan walks the cursors of source between start and max inclusive,
// running one compensation per cursor with at most MaxRecoveryOps in
// flight.
type scan struct {
	kind       scanKind
	source     string
	start, max uint64

	resume    *storage.Cursor
	page      []storage.Cursor
	fetching  bool
	exhausted bool
	inflight  int

	ops  uint64
	done func()
}

func (r *Replica) startScan(kind scanKind, source string, start, max uint64, done func()) {
	sc := &scan{kind: kind, source: source, start: start, max: max, done: done}
	r.scan = sc
	r.log.Debug().Stringer("kind", kind).Str("source", source).
		Uint64("start", start).Uint64("max", max).Msg("scan started")
	r.pump(sc)
}

// begin and end bracket every asynchronous step a scan takes. end reports
// whether sc is still the replica's scan.
func (r *Replica) begin() { r.pending++ }

func (r *Replica) end(sc *scan) bool {
	r.pending--
	if r.scan != sc {
		r.drained()
		r.shard.poke()
		return false
	}
	return true
}

func (r *Replica) pump(sc *scan) {
	if r.scan != sc {
		return
	}
	limit := r.shard.env.Config.MaxRecoveryOps
	for sc.inflight < limit && len(sc.page) > 0 {
		cur := sc.page[0]
		sc.page = sc.page[1:]
		sc.inflight++
		sc.ops++
		r.opsStarted++
		switch sc.kind {
		case scanMutualRedo:
			r.mutualRedoOp(sc, cur)
		case scanUndo:
			r.undoOp(sc, cur)
		default:
			r.redoOp(sc, cur)
		}
	}
	if r.scan != sc {
		return
	}
	if len(sc.page) == 0 && !sc.exhausted && !sc.fetching {
		r.fetch(sc)
		return
	}
	if sc.exhausted && len(sc.page) == 0 && sc.inflight == 0 && !sc.fetching {
		r.scan = nil
		r.log.Debug().Stringer("kind", sc.kind).Uint64("ops", sc.ops).Msg("scan finished")
		sc.done()
	}
}

func (r *Replica) fetch(sc *scan) {
	s := r.shard
	sc.fetching = true
	r.begin()
	s.env.RPC.GetIterationCursors(sc.source, s.id, sc.start, sc.max, sc.resume, s.env.Config.CursorPageSize, func(page rpc.CursorPage, err error) {
		sc.fetching = false
		if !r.end(sc) {
			return
		}
		if err != nil {
			r.scanFailed(sc, sc.source, err)
			return
		}
		if page.Done {
			sc.exhausted = true
		} else {
			sc.page = page.Cursors
			sc.resume = page.Resume
		}
		r.pump(sc)
	})
}

// finishOp completes one compensation.
func (r *Replica) finishOp(sc *scan) {
	sc.inflight--
	r.pump(sc)
}

// scanFailed handles an RPC failure against node during a scan.
func (r *Replica) scanFailed(sc *scan, node string, err error) {
	target := r
	if node != r.node {
		target = r.shard.Replica(node)
	}
	r.log.Warn().Err(err).Stringer("kind", sc.kind).Str("target", node).Msg("scan step failed")
	if target != nil {
		target.fail(err)
	}
	if r.scan == sc {
		r.finishOp(sc)
	}
}

// mutualRedoOp pushes the record under cur from this replica to every other
// replica taking part in mutual redo, wherever it is newer.
func (r *Replica) mutualRedoOp(sc *scan, cur storage.Cursor) {
	s := r.shard
	r.begin()
	s.env.RPC.GetMsgByCursor(r.node, s.id, cur, func(msg *rpc.Request, err error) {
		if !r.end(sc) {
			return
		}
		if errors.Is(err, rpc.ErrObjectUnknown) {
			r.finishOp(sc)
			return
		}
		if err != nil {
			r.scanFailed(sc, r.node, err)
			return
		}
		peers := s.mutualRedoPeers(r)
		if len(peers) == 0 {
			r.finishOp(sc)
			return
		}
		outstanding := len(peers)
		for _, peer := range peers {
			m := *msg
			m.Ltime = s.Ltime()
			m.From = s.env.Node
			node := peer.node
			r.begin()
			s.env.RPC.Write(node, &m, func(_ bool, err error) {
				if !r.end(sc) {
					return
				}
				if err != nil {
					r.log.Warn().Err(err).Str("peer", node).Msg("mutual redo write failed")
					if p := s.Replica(node); p != nil {
						p.fail(err)
					}
				}
				outstanding--
				if outstanding == 0 {
					r.finishOp(sc)
				}
			})
		}
	})
}

// redoOp copies the record under cur from the local authoritative replica
// to this one unless it already has something newer.
func (r *Replica) redoOp(sc *scan, cur storage.Cursor) {
	s := r.shard
	r.begin()
	s.env.RPC.GetMsgByCursor(s.env.Node, s.id, cur, func(msg *rpc.Request, err error) {
		if !r.end(sc) {
			return
		}
		if errors.Is(err, rpc.ErrObjectUnknown) {
			r.finishOp(sc)
			return
		}
		if err != nil {
			r.scanFailed(sc, r.node, err)
			return
		}
		msg.Ltime = s.Ltime()
		msg.From = s.env.Node
		r.begin()
		s.env.RPC.Write(r.node, msg, func(_ bool, err error) {
			if !r.end(sc) {
				return
			}
			if err != nil {
				r.scanFailed(sc, r.node, err)
				return
			}
			r.finishOp(sc)
		})
	})
}

type undoAction int

const (
	undoNone undoAction = iota
	// undoRemove drops a key the authoritative replica never saw.
	undoRemove
	// undoTombstone forces the authoritative tombstone over a newer value.
	undoTombstone
	// undoRestore forces the authoritative value over a newer one.
	undoRestore
)

// decideUndo picks the compensation for a key the stale replica holds at
// stale, given the authoritative version.
func decideUndo(stale storage.Record, auth rpc.KeyVersion) undoAction {
	switch {
	case auth.Unknown:
		if stale.Tombstone {
			return undoNone
		}
		return undoRemove
	case stale.Seqno <= auth.Seqno:
		return undoNone
	case auth.Tombstone && stale.Tombstone:
		return undoNone
	case auth.Tombstone:
		return undoTombstone
	}
	return undoRestore
}

// undoOp rolls the key under cur on this replica back to the authoritative
// copy, holding the key's lock so client writes cannot interleave.
func (r *Replica) undoOp(sc *scan, cur storage.Cursor) {
	s := r.shard
	r.begin()
	s.env.Locks.Lock(cur.Key, lockmgr.Exclusive, func(h *lockmgr.Handle) {
		release := func(err error) {
			s.env.Locks.Unlock(h)
			if r.scan != sc {
				return
			}
			if err != nil {
				r.scanFailed(sc, r.node, err)
				return
			}
			r.finishOp(sc)
		}
		if !r.end(sc) {
			release(nil)
			return
		}
		r.begin()
		s.env.RPC.GetByCursor(r.node, s.id, cur, func(stale storage.Record, err error) {
			switch {
			case !r.end(sc):
				release(nil)
			case errors.Is(err, rpc.ErrObjectUnknown):
				release(nil)
			case err != nil:
				release(err)
			default:
				r.begin()
				s.env.RPC.GetSeqno(s.env.Node, s.id, stale.Key, func(auth rpc.KeyVersion, err error) {
					switch {
					case !r.end(sc):
						release(nil)
					case err != nil:
						release(err)
					default:
						r.applyUndo(sc, stale, auth, release)
					}
				})
			}
		})
	})
}

func (r *Replica) applyUndo(sc *scan, stale storage.Record, auth rpc.KeyVersion, release func(error)) {
	s := r.shard
	ltime := s.Ltime()
	finish := func(err error) {
		if !r.end(sc) {
			err = nil
		}
		release(err)
	}
	write := func(req *rpc.Request) {
		r.begin()
		s.env.RPC.Write(r.node, req, func(_ bool, err error) { finish(err) })
	}

	action := decideUndo(stale, auth)
	if action != undoNone {
		r.log.Debug().Str("key", stale.Key).Uint64("stale", stale.Seqno).
			Uint64("auth", auth.Seqno).Int("action", int(action)).Msg("undo")
	}
	switch action {
	case undoNone:
		release(nil)
	case undoRemove:
		r.begin()
		s.env.RPC.Remove(r.node, s.id, stale.Key, ltime, finish)
	case undoTombstone:
		write(&rpc.Request{
			From: s.env.Node, Shard: s.id, Key: stale.Key, Seqno: auth.Seqno,
			Tombstone: true, Ltime: ltime, Mode: storage.WriteForce,
		})
	case undoRestore:
		r.begin()
		s.env.RPC.GetRecord(s.env.Node, s.id, stale.Key, func(rec storage.Record, err error) {
			switch {
			case !r.end(sc):
				release(nil)
			case err != nil:
				release(err)
			default:
				write(&rpc.Request{
					From: s.env.Node, Shard: s.id, Key: rec.Key, Data: rec.Data, Seqno: rec.Seqno,
					Tombstone: rec.Tombstone, Ltime: ltime, Mode: storage.WriteForce,
				})
			}
		})
	}
}

func (r *Replica) enterMutualRedo() {
	s := r.shard
	s.env.Sched.Post(func() {
		if r.state != ReplicaMutualRedo {
			return
		}
		rm := r.meta()
		mr, ok := meta.FirstOfType(rm.Ranges, meta.RangeMutualRedo)
		if !ok || len(s.mutualRedoPeers(r)) == 0 || s.seqno <= mr.Start {
			r.setState(ReplicaMutualRedoScanDone)
			return
		}
		r.startScan(scanMutualRedo, r.node, mr.Start, s.seqno-1, func() {
			r.setState(ReplicaMutualRedoScanDone)
		})
	})
}

// enterUndo walks the stale replica from its first UNDO range to the end of
// its ranges.
func (r *Replica) enterUndo() {
	rm := r.meta()
	undo, ok := meta.FirstOfType(rm.Ranges, meta.RangeUndo)
	end := meta.LastEnd(rm.Ranges)
	if !ok || end <= undo.Start {
		r.setState(ReplicaUpdateAfterUndo)
		return
	}
	r.startScan(scanUndo, r.node, undo.Start, end-1, func() {
		r.setState(ReplicaUpdateAfterUndo)
	})
}

// enterRedo copies the REDO range from the local authoritative replica.
func (r *Replica) enterRedo() {
	rm := r.meta()
	redo, ok := meta.FirstOfType(rm.Ranges, meta.RangeRedo)
	if !ok || redo.Open() || redo.Len == 0 {
		r.setState(ReplicaUpdateAfterRedo)
		return
	}
	r.startScan(scanRedo, r.shard.env.Node, redo.Start, redo.End()-1, func() {
		r.setState(ReplicaUpdateAfterRedo)
	})
}
