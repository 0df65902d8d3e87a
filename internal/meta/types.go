// Package meta holds the durable shard meta-data model: per-replica sequence
// number ranges, the ShardMeta record that carries a shard's lease and
// ownership, and the compare-and-swap storage contract shards write it
// through.
//
// Every ShardMeta a node proposes is a deep copy of the last record it saw
// with MetaSeqno advanced by one. Storage accepts a proposal only when that
// lineage holds, so two nodes can never both believe they wrote the same
// version.
package meta

import (
	"fmt"
	"math"
	"time"
)

// ShardID names a shard. Zero means unassigned.
type ShardID uint64

const (
	// FirstValidSeqno is the first sequence number handed out for a shard.
	FirstValidSeqno uint64 = 1
	// LenOpen is the length of an unbounded range.
	LenOpen uint64 = math.MaxUint64
)

// ReplicationType selects how a shard is replicated.
type ReplicationType int

const (
	// MetaOnly shards carry a lease but no replicated data.
	MetaOnly ReplicationType = iota
	// Mirrored shards keep a full copy on every replica and run data
	// recovery on ownership change.
	Mirrored
)

// DataManaged reports whether shards of this type own replica recovery.
func (t ReplicationType) DataManaged() bool { return t == Mirrored }

func (t ReplicationType) String() string {
	switch t {
	case MetaOnly:
		return "meta_only"
	case Mirrored:
		return "mirrored"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ReplicaState is the persistent recovery state of one replica.
type ReplicaState int

const (
	// ReplicaAuthoritative replicas hold every acknowledged write.
	ReplicaAuthoritative ReplicaState = iota
	// ReplicaSynchronized replicas have finished undo and redo and caught up.
	ReplicaSynchronized
	// ReplicaStale replicas missed writes and must be recovered before they
	// can be trusted.
	ReplicaStale
)

func (s ReplicaState) String() string {
	switch s {
	case ReplicaAuthoritative:
		return "authoritative"
	case ReplicaSynchronized:
		return "synchronized"
	case ReplicaStale:
		return "stale"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ReplicaMeta is the durable record of one replica of a shard.
type ReplicaMeta struct {
	Node   string       `json:"node"`
	State  ReplicaState `json:"state"`
	Ranges []Range      `json:"ranges,omitempty"`
}

// Eligible reports whether the replica may become home for the shard.
func (r ReplicaMeta) Eligible() bool {
	return r.State == ReplicaAuthoritative || r.State == ReplicaSynchronized
}

// ShardMeta is the versioned durable record of a shard.
type ShardMeta struct {
	ShardID    ShardID         `json:"shard_id"`
	VIPGroupID int             `json:"vip_group_id,omitempty"`
	Type       ReplicationType `json:"type"`

	// Home is the node holding the lease, or empty when nobody does.
	Home          string        `json:"home,omitempty"`
	LeaseDuration time.Duration `json:"lease_duration"`
	// LeaseExpires is stamped by storage when a record with a home is
	// written.
	LeaseExpires time.Time `json:"lease_expires"`
	// Ltime advances each time a node requests the lease and fences writes
	// from previous owners.
	Ltime     uint64 `json:"ltime"`
	MetaSeqno uint64 `json:"meta_seqno"`
	// Deleted marks a shard whose data has been dropped. A deleted record
	// accepts no further puts.
	Deleted bool `json:"deleted,omitempty"`

	Replicas []ReplicaMeta `json:"replicas"`
}

// Clone returns a deep copy of m.
func (m *ShardMeta) Clone() *ShardMeta {
	if m == nil {
		return nil
	}
	c := *m
	c.Replicas = make([]ReplicaMeta, len(m.Replicas))
	for i, r := range m.Replicas {
		c.Replicas[i] = r
		c.Replicas[i].Ranges = append([]Range(nil), r.Ranges...)
	}
	return &c
}

// Propose returns the next version of m: a deep copy with MetaSeqno advanced.
func (m *ShardMeta) Propose() *ShardMeta {
	p := m.Clone()
	p.MetaSeqno++
	return p
}

// Replica returns the record for node, or nil.
func (m *ShardMeta) Replica(node string) *ReplicaMeta {
	if i := m.ReplicaIndex(node); i >= 0 {
		return &m.Replicas[i]
	}
	return nil
}

// ReplicaIndex returns the position of node in Replicas, or -1.
func (m *ShardMeta) ReplicaIndex(node string) int {
	for i := range m.Replicas {
		if m.Replicas[i].Node == node {
			return i
		}
	}
	return -1
}

// Nodes returns the replica node IDs in preference order.
func (m *ShardMeta) Nodes() []string {
	out := make([]string, len(m.Replicas))
	for i, r := range m.Replicas {
		out[i] = r.Node
	}
	return out
}

// LeaseHeld reports whether the record names a home whose lease has not
// expired at now.
func (m *ShardMeta) LeaseHeld(now time.Time) bool {
	return m.Home != "" && now.Before(m.LeaseExpires)
}

// Validate checks the structural invariants of the record.
func (m *ShardMeta) Validate() error {
	if m.ShardID == 0 {
		return fmt.Errorf("shard meta: missing shard id")
	}
	if len(m.Replicas) == 0 {
		return fmt.Errorf("shard %d: no replicas", m.ShardID)
	}
	seen := make(map[string]bool, len(m.Replicas))
	for _, r := range m.Replicas {
		if r.Node == "" {
			return fmt.Errorf("shard %d: replica without node", m.ShardID)
		}
		if seen[r.Node] {
			return fmt.Errorf("shard %d: duplicate replica %s", m.ShardID, r.Node)
		}
		seen[r.Node] = true
		if err := ValidateRanges(r.Ranges); err != nil {
			return fmt.Errorf("shard %d replica %s: %w", m.ShardID, r.Node, err)
		}
	}
	if m.Home != "" && !seen[m.Home] {
		return fmt.Errorf("shard %d: home %s is not a replica", m.ShardID, m.Home)
	}
	return nil
}

func (m *ShardMeta) String() string {
	return fmt.Sprintf("shard %d seqno %d ltime %d home %q", m.ShardID, m.MetaSeqno, m.Ltime, m.Home)
}
