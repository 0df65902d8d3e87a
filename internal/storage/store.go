package storage

import (
	"errors"

	"github.com/google/btree"
	sync "github.com/sasha-s/go-deadlock"
)

var (
	// ErrKeyNotFound is returned when a key has never been written to a
	// container, or has since been removed outright.
	ErrKeyNotFound = errors.New("key not found")
	// ErrContainerExists is returned by CreateContainer for a known container.
	ErrContainerExists = errors.New("container exists")
	// ErrContainerUnknown is returned for operations on a missing container.
	ErrContainerUnknown = errors.New("container unknown")
)

// ContainerID names one shard's partition on a node.
type ContainerID uint64

// Record is one key's current version. Deletes leave a tombstone record so
// that recovery can tell "deleted at seqno N" apart from "never written".
type Record struct {
	Key       string `json:"key"`
	Data      []byte `json:"data,omitempty"`
	Seqno     uint64 `json:"seqno"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// Cursor is a resumable position in a container's sequence-number order.
type Cursor struct {
	Seqno uint64 `json:"seqno"`
	Key   string `json:"key"`
}

// Less orders cursors by sequence number, then key.
func (c Cursor) Less(o Cursor) bool {
	if c.Seqno != o.Seqno {
		return c.Seqno < o.Seqno
	}
	return c.Key < o.Key
}

// WriteMode selects how Write treats an existing version of the key.
type WriteMode int

const (
	// WriteNormal replaces whatever is stored.
	WriteNormal WriteMode = iota
	// WriteIfNewer applies only when the incoming seqno is greater than the
	// stored one, or nothing is stored.
	WriteIfNewer
	// WriteForce replaces the stored version even when it is newer. Undo uses
	// it to roll a stale replica back to the authoritative copy.
	WriteForce
)

// Store is a per-node storage engine holding one container per shard.
// All implementations must be safe for concurrent use.
type Store interface {
	CreateContainer(id ContainerID) error
	DeleteContainer(id ContainerID) error
	HasContainer(id ContainerID) bool
	Containers() []ContainerID

	// Get returns the key's current record, which may be a tombstone.
	Get(id ContainerID, key string) (Record, error)

	// Write stores rec (a tombstone when rec.Tombstone is set) and reports
	// whether it was applied.
	Write(id ContainerID, rec Record, mode WriteMode) (bool, error)

	// Remove drops every trace of key, tombstone included.
	Remove(id ContainerID, key string) error

	// LastSeqno returns the highest seqno ever applied to the container.
	LastSeqno(id ContainerID) (uint64, error)

	// Cursors returns up to limit cursors with start <= seqno <= max in
	// cursor order, beginning strictly after `after` when it is non-nil.
	Cursors(id ContainerID, start, max uint64, after *Cursor, limit int) ([]Cursor, error)

	// GetByCursor returns the record the cursor points at. ErrKeyNotFound
	// means the key has been rewritten or removed since the cursor was taken.
	GetByCursor(id ContainerID, c Cursor) (Record, error)

	Stats(id ContainerID) (StoreStats, error)
}

// StoreStats contains statistics about one container
type StoreStats struct {
	Keys       int    `json:"keys"`       // Number of live keys
	Tombstones int    `json:"tombstones"` // Number of tombstones
	Bytes      int    `json:"bytes"`      // Total size of all live values in bytes
	LastSeqno  uint64 `json:"last_seqno"`
}

type container struct {
	records   map[string]Record
	index     *btree.BTreeG[Cursor]
	lastSeqno uint64
}

func newContainer() *container {
	return &container{
		records: make(map[string]Record),
		index:   btree.NewG[Cursor](32, Cursor.Less),
	}
}

// MemoryStore implements Store in memory, indexing every container's records
// by (seqno, key) in a btree for cursor iteration.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[ContainerID]*container
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{containers: make(map[ContainerID]*container)}
}

func (m *MemoryStore) CreateContainer(id ContainerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; ok {
		return ErrContainerExists
	}
	m.containers[id] = newContainer()
	return nil
}

func (m *MemoryStore) DeleteContainer(id ContainerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return ErrContainerUnknown
	}
	delete(m.containers, id)
	return nil
}

func (m *MemoryStore) HasContainer(id ContainerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.containers[id]
	return ok
}

func (m *MemoryStore) Containers() []ContainerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ContainerID, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a copy of the record to prevent external modification
func (m *MemoryStore) Get(id ContainerID, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return Record{}, ErrContainerUnknown
	}
	rec, ok := c.records[key]
	if !ok {
		return Record{}, ErrKeyNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) Write(id ContainerID, rec Record, mode WriteMode) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return false, ErrContainerUnknown
	}

	old, exists := c.records[rec.Key]
	if exists && mode == WriteIfNewer && rec.Seqno <= old.Seqno {
		return false, nil
	}
	if exists {
		c.index.Delete(Cursor{Seqno: old.Seqno, Key: old.Key})
	}

	stored := copyRecord(rec)
	if stored.Tombstone {
		stored.Data = nil
	}
	c.records[rec.Key] = stored
	c.index.ReplaceOrInsert(Cursor{Seqno: stored.Seqno, Key: stored.Key})
	if stored.Seqno > c.lastSeqno {
		c.lastSeqno = stored.Seqno
	}
	return true, nil
}

func (m *MemoryStore) Remove(id ContainerID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return ErrContainerUnknown
	}
	if old, exists := c.records[key]; exists {
		c.index.Delete(Cursor{Seqno: old.Seqno, Key: old.Key})
		delete(c.records, key)
	}
	return nil
}

func (m *MemoryStore) LastSeqno(id ContainerID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return 0, ErrContainerUnknown
	}
	return c.lastSeqno, nil
}

func (m *MemoryStore) Cursors(id ContainerID, start, max uint64, after *Cursor, limit int) ([]Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, ErrContainerUnknown
	}

	pivot := Cursor{Seqno: start}
	if after != nil && !after.Less(pivot) {
		pivot = *after
	}
	var out []Cursor
	c.index.AscendGreaterOrEqual(pivot, func(cur Cursor) bool {
		if cur.Seqno > max {
			return false
		}
		if after != nil && !after.Less(cur) {
			return true
		}
		if limit > 0 && len(out) >= limit {
			return false
		}
		out = append(out, cur)
		return true
	})
	return out, nil
}

func (m *MemoryStore) GetByCursor(id ContainerID, cur Cursor) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return Record{}, ErrContainerUnknown
	}
	rec, ok := c.records[cur.Key]
	if !ok || rec.Seqno != cur.Seqno {
		return Record{}, ErrKeyNotFound
	}
	return copyRecord(rec), nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats(id ContainerID) (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return StoreStats{}, ErrContainerUnknown
	}
	st := StoreStats{LastSeqno: c.lastSeqno}
	for _, rec := range c.records {
		if rec.Tombstone {
			st.Tombstones++
			continue
		}
		st.Keys++
		st.Bytes += len(rec.Data)
	}
	return st, nil
}

func copyRecord(rec Record) Record {
	if rec.Data != nil {
		data := make([]byte, len(rec.Data))
		copy(data, rec.Data)
		rec.Data = data
	} else if !rec.Tombstone {
		rec.Data = []byte{}
	}
	return rec
}
