package meta

import (
	"errors"
	"fmt"
	"time"

	sync "github.com/sasha-s/go-deadlock"
)

var (
	// ErrStaleMeta is returned when a proposal does not descend from the
	// stored record.
	ErrStaleMeta = errors.New("stale shard meta")
	// ErrLeaseExists is returned when another node holds an unexpired lease.
	ErrLeaseExists = errors.New("lease exists")
	// ErrContainerExists is returned when creating a shard that has a record.
	ErrContainerExists = errors.New("container exists")
	// ErrNotFound is returned for a shard with no record.
	ErrNotFound = errors.New("shard meta not found")
)

// Storage is the asynchronous meta-data collaborator a shard writes through.
// Every call completes exactly once by posting its callback to the caller's
// scheduler. On success the callback receives the record as stored, with
// LeaseExpires stamped.
type Storage interface {
	Create(m *ShardMeta, cb func(*ShardMeta, time.Time, error))
	Put(m *ShardMeta, cb func(*ShardMeta, time.Time, error))
	Get(id ShardID, cb func(*ShardMeta, error))
	// Subscribe registers fn for every stored change, including the
	// caller's own writes.
	Subscribe(fn func(*ShardMeta)) (cancel func())
}

// Backend is synchronous durable storage for shard records. It enforces the
// causal and lease rules; callers serialize access.
type Backend interface {
	Load(id ShardID) (*ShardMeta, error)
	// Store writes m and returns the change version assigned to it.
	Store(m *ShardMeta) (uint64, error)
	// Changes returns records written after version since, and the latest
	// version.
	Changes(since uint64) ([]*ShardMeta, uint64, error)
	Close() error
}

// CheckCreate validates a create against the stored record, if any.
func CheckCreate(stored, proposal *ShardMeta) error {
	if stored != nil {
		return ErrContainerExists
	}
	return proposal.Validate()
}

// CheckPut validates a put of proposal over stored at now. A proposal that
// clears the home within the holder's ltime is a release and is allowed
// while the lease runs.
func CheckPut(stored, proposal *ShardMeta, now time.Time) error {
	if stored == nil {
		return ErrNotFound
	}
	if stored.Deleted {
		return fmt.Errorf("%w: shard %d deleted", ErrNotFound, stored.ShardID)
	}
	if proposal.MetaSeqno != stored.MetaSeqno+1 {
		return fmt.Errorf("%w: stored %d proposed %d", ErrStaleMeta, stored.MetaSeqno, proposal.MetaSeqno)
	}
	release := proposal.Home == "" && proposal.Ltime == stored.Ltime
	if stored.Home != "" && stored.Home != proposal.Home && !release && now.Before(stored.LeaseExpires) {
		return fmt.Errorf("%w: held by %s until %s", ErrLeaseExists, stored.Home, stored.LeaseExpires.Format(time.RFC3339Nano))
	}
	return proposal.Validate()
}

func stamp(m *ShardMeta, now time.Time) {
	if m.Home == "" {
		m.LeaseExpires = time.Time{}
		return
	}
	m.LeaseExpires = now.Add(m.LeaseDuration)
}

type entry struct {
	Version uint64     `json:"version"`
	Meta    *ShardMeta `json:"meta"`
}

// MemoryBackend keeps shard records in memory.
type MemoryBackend struct {
	mu      sync.Mutex
	shards  map[ShardID]entry
	version uint64
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{shards: make(map[ShardID]entry)}
}

func (b *MemoryBackend) Load(id ShardID) (*ShardMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.shards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Meta.Clone(), nil
}

func (b *MemoryBackend) Store(m *ShardMeta) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version++
	b.shards[m.ShardID] = entry{Version: b.version, Meta: m.Clone()}
	return b.version, nil
}

func (b *MemoryBackend) Changes(since uint64) ([]*ShardMeta, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*ShardMeta
	for _, e := range b.shards {
		if e.Version > since {
			out = append(out, e.Meta.Clone())
		}
	}
	sortByID(out)
	return out, b.version, nil
}

func (b *MemoryBackend) Close() error { return nil }

// Service applies the create and put rules over a Backend and fans stored
// changes out to subscribers. It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	backend Backend
	now     func() time.Time
	subs    map[int]func(*ShardMeta)
	nextSub int
}

// NewService wraps backend. now supplies the clock used to stamp and check
// leases; nil means time.Now.
func NewService(backend Backend, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{backend: backend, now: now, subs: make(map[int]func(*ShardMeta))}
}

// Create stores the first record of a shard.
func (s *Service) Create(m *ShardMeta) (*ShardMeta, error) {
	stored, err := s.create(m)
	if err == nil {
		s.publish(stored)
	}
	return stored, err
}

// Put stores the next version of a shard.
func (s *Service) Put(m *ShardMeta) (*ShardMeta, error) {
	stored, err := s.put(m)
	if err == nil {
		s.publish(stored)
	}
	return stored, err
}

// Get returns the stored record of a shard.
func (s *Service) Get(id ShardID) (*ShardMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Load(id)
}

// Changes returns records written after version since.
func (s *Service) Changes(since uint64) ([]*ShardMeta, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Changes(since)
}

// Watch calls fn, from the writing goroutine, for every stored change.
func (s *Service) Watch(fn func(*ShardMeta)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Service) create(m *ShardMeta) (*ShardMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.backend.Load(m.ShardID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := CheckCreate(stored, m); err != nil {
		return nil, err
	}
	return s.store(m)
}

func (s *Service) put(m *ShardMeta) (*ShardMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.backend.Load(m.ShardID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := CheckPut(stored, m, s.now()); err != nil {
		return nil, err
	}
	return s.store(m)
}

func (s *Service) store(m *ShardMeta) (*ShardMeta, error) {
	next := m.Clone()
	stamp(next, s.now())
	if _, err := s.backend.Store(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) publish(m *ShardMeta) {
	s.mu.Lock()
	subs := make([]func(*ShardMeta), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(m.Clone())
	}
}

// Poster queues work on a serialized execution context.
type Poster interface {
	Post(fn func())
}

// LocalClient is an in-process Storage bound to one node's scheduler.
type LocalClient struct {
	svc *Service
	p   Poster
}

// Client returns a Storage that completes calls on p.
func (s *Service) Client(p Poster) *LocalClient {
	return &LocalClient{svc: s, p: p}
}

func (c *LocalClient) Create(m *ShardMeta, cb func(*ShardMeta, time.Time, error)) {
	stored, err := c.svc.create(m)
	c.complete(stored, err, cb)
}

func (c *LocalClient) Put(m *ShardMeta, cb func(*ShardMeta, time.Time, error)) {
	stored, err := c.svc.put(m)
	c.complete(stored, err, cb)
}

// complete posts the writer's callback before the change is published, so
// the writer always learns the outcome of its put before its own echo.
func (c *LocalClient) complete(stored *ShardMeta, err error, cb func(*ShardMeta, time.Time, error)) {
	if err != nil {
		c.p.Post(func() { cb(nil, time.Time{}, err) })
		return
	}
	out := stored.Clone()
	c.p.Post(func() { cb(out, out.LeaseExpires, nil) })
	c.svc.publish(stored)
}

func (c *LocalClient) Get(id ShardID, cb func(*ShardMeta, error)) {
	m, err := c.svc.Get(id)
	c.p.Post(func() { cb(m, err) })
}

func (c *LocalClient) Subscribe(fn func(*ShardMeta)) (cancel func()) {
	return c.svc.Watch(func(m *ShardMeta) {
		c.p.Post(func() { fn(m) })
	})
}
