package rpc

import (
	"fmt"

	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/storage"
	"github.com/rs/zerolog"
	sync "github.com/sasha-s/go-deadlock"
)

// Server serves node-level messages against the local storage engine. It is
// safe for concurrent use, so transports may call Serve from any goroutine.
//
// Replica writes and removes carry the ltime of the shard owner that issued
// them. The server remembers the newest ltime seen per shard and rejects
// older ones, so a deposed owner cannot keep writing after a successor has
// taken the lease.
type Server struct {
	node  string
	store storage.Store
	log   zerolog.Logger

	mu     sync.Mutex
	ltimes map[meta.ShardID]uint64
}

// NewServer returns a server for node over store.
func NewServer(node string, store storage.Store, log zerolog.Logger) *Server {
	return &Server{
		node:   node,
		store:  store,
		log:    log.With().Str("component", "rpc-server").Str("node", node).Logger(),
		ltimes: make(map[meta.ShardID]uint64),
	}
}

// Store returns the storage engine the server fronts.
func (s *Server) Store() storage.Store { return s.store }

// Serve handles one node-level request.
func (s *Server) Serve(req *Request) *Response {
	resp := s.serve(req)
	resp.Node = s.node
	return resp
}

func (s *Server) serve(req *Request) *Response {
	id := ContainerOf(req.Shard)
	switch req.Type {
	case MsgCreateContainer:
		if err := s.store.CreateContainer(id); err != nil {
			return Fail(err)
		}
		s.log.Debug().Uint64("shard", uint64(req.Shard)).Msg("container created")
		return &Response{}

	case MsgDeleteContainer:
		if err := s.store.DeleteContainer(id); err != nil {
			return Fail(err)
		}
		s.mu.Lock()
		delete(s.ltimes, req.Shard)
		s.mu.Unlock()
		return &Response{}

	case MsgContainerStats:
		st, err := s.store.Stats(id)
		if err != nil {
			return Fail(err)
		}
		return &Response{Stats: &st}

	case MsgReplicaGet:
		rec, err := s.store.Get(id, req.Key)
		if err != nil {
			return Fail(err)
		}
		return &Response{Record: &rec, Seqno: rec.Seqno}

	case MsgReplicaWrite:
		if err := s.fence(req); err != nil {
			return Fail(err)
		}
		applied, err := s.store.Write(id, storage.Record{
			Key:       req.Key,
			Data:      req.Data,
			Seqno:     req.Seqno,
			Tombstone: req.Tombstone,
		}, req.Mode)
		if err != nil {
			return Fail(err)
		}
		return &Response{Applied: applied, Seqno: req.Seqno}

	case MsgReplicaRemove:
		if err := s.fence(req); err != nil {
			return Fail(err)
		}
		if err := s.store.Remove(id, req.Key); err != nil {
			return Fail(err)
		}
		return &Response{Applied: true}

	case MsgGetLastSeqno:
		last, err := s.store.LastSeqno(id)
		if err != nil {
			return Fail(err)
		}
		return &Response{Seqno: last}

	case MsgGetSeqno:
		rec, err := s.store.Get(id, req.Key)
		if err != nil {
			return Fail(err)
		}
		return &Response{Seqno: rec.Seqno, Record: &storage.Record{Key: rec.Key, Seqno: rec.Seqno, Tombstone: rec.Tombstone}}

	case MsgGetCursors:
		cursors, err := s.store.Cursors(id, req.Start, req.Max, req.Resume, req.Limit)
		if err != nil {
			return Fail(err)
		}
		return &Response{Cursors: cursors, Done: len(cursors) == 0}

	case MsgGetByCursor:
		rec, err := s.store.GetByCursor(id, req.Cursor)
		if err != nil {
			return Fail(err)
		}
		return &Response{Record: &rec, Seqno: rec.Seqno}

	case MsgGetMsgByCursor:
		rec, err := s.store.GetByCursor(id, req.Cursor)
		if err != nil {
			return Fail(err)
		}
		return &Response{Seqno: rec.Seqno, Msg: &Request{
			Type:      MsgReplicaWrite,
			Shard:     req.Shard,
			Key:       rec.Key,
			Data:      rec.Data,
			Seqno:     rec.Seqno,
			Tombstone: rec.Tombstone,
			Mode:      storage.WriteIfNewer,
		}}
	}
	return Fail(fmt.Errorf("%w: %s not served here", ErrInvalid, req.Type))
}

func (s *Server) fence(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.ltimes[req.Shard]
	if req.Ltime < seen {
		s.log.Info().
			Uint64("shard", uint64(req.Shard)).
			Uint64("ltime", req.Ltime).
			Uint64("seen", seen).
			Str("from", req.From).
			Msg("rejecting write from previous owner")
		return fmt.Errorf("%w: %d < %d", ErrStaleLtime, req.Ltime, seen)
	}
	s.ltimes[req.Shard] = req.Ltime
	return nil
}
