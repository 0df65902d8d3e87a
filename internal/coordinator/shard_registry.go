package coordinator

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/shard"
	sync "github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"
)

// ShardAssignment is what a node last heard about a shard: where its home
// is and how this node's copy may be accessed.
type ShardAssignment struct {
	ShardID meta.ShardID `json:"shard_id"`
	Home    string       `json:"home,omitempty"` // The node holding the lease, if any
	State   string       `json:"state"`          // This node's shard state
	Access  string       `json:"access"`
}

// ShardRegistry routes keys to shards and shards to their home node. Shards
// are numbered 1..numShards; a key's shard is the FNV-1a hash of the key
// modulo numShards, plus one since shard ID 0 means unassigned.
//
// The registry is fed by the coordinator's notifiers (Observe) from the
// scheduler and read by HTTP handlers, so it carries its own lock.
// Thread-safe: All methods are safe for concurrent access.
type ShardRegistry struct {
	assignments map[meta.ShardID]*ShardAssignment
	mu          sync.RWMutex
	numShards   int
}

// NewShardRegistry creates a registry for numShards shards.
//
// Example:
//
//	registry := NewShardRegistry(cfg.NumShards)
//	coord.AddNotifier(registry.Observe)
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[meta.ShardID]*ShardAssignment),
		numShards:   numShards,
	}
}

func (r *ShardRegistry) valid(id meta.ShardID) error {
	if id < 1 || int(id) > r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [1, %d]", id, r.numShards)
	}
	return nil
}

// Observe records a shard event. A shard that reached SHUTDOWN is forgotten.
func (r *ShardRegistry) Observe(ev shard.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.State == shard.StateShutdown {
		delete(r.assignments, ev.Shard)
		return
	}
	r.assignments[ev.Shard] = &ShardAssignment{
		ShardID: ev.Shard,
		Home:    ev.Home,
		State:   ev.State.String(),
		Access:  ev.Access.String(),
	}
}

// RemoveShard forgets a shard.
func (r *ShardRegistry) RemoveShard(id meta.ShardID) error {
	if err := r.valid(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, id)
	return nil
}

// GetAssignment returns a copy of a shard's assignment, or nil if nothing
// is known about it.
func (r *ShardRegistry) GetAssignment(id meta.ShardID) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.assignments[id]
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// GetAllAssignments returns copies of every known assignment ordered by
// shard ID.
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ShardAssignment, 0, len(r.assignments))
	for _, a := range r.assignments {
		cp := *a
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *ShardAssignment) int {
		switch {
		case a.ShardID < b.ShardID:
			return -1
		case a.ShardID > b.ShardID:
			return 1
		}
		return 0
	})
	return out
}

// GetShardForKey returns the shard a key belongs to. The mapping depends
// only on the key and the shard count, so every node agrees on it.
func (r *ShardRegistry) GetShardForKey(key string) meta.ShardID {
	h := fnv.New32a()
	h.Write([]byte(key))
	return meta.ShardID(h.Sum32()%uint32(r.numShards)) + 1
}

// GetNodeForKey returns the home node of the key's shard.
func (r *ShardRegistry) GetNodeForKey(key string) (string, error) {
	id := r.GetShardForKey(key)

	r.mu.RLock()
	a := r.assignments[id]
	r.mu.RUnlock()

	if a == nil || a.Home == "" {
		return "", fmt.Errorf("shard %d has no known home", id)
	}
	return a.Home, nil
}

// GetNodeShards returns the shards homed on node, in ID order.
func (r *ShardRegistry) GetNodeShards(node string) []meta.ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var shards []meta.ShardID
	for id, a := range r.assignments {
		if a.Home == node {
			shards = append(shards, id)
		}
	}
	slices.Sort(shards)
	return shards
}

// NumShards returns the size of the routing table.
func (r *ShardRegistry) NumShards() int { return r.numShards }

// Placement spreads every shard over nodes, replicas copies each, round
// robin. The first node of each list is the shard's preferred home, so homes
// are spread evenly as well.
func (r *ShardRegistry) Placement(nodes []string, replicas int) (map[meta.ShardID][]string, error) {
	if len(nodes) == 0 {
		return nil, errors.New("cannot place shards with no nodes")
	}
	if replicas < 1 || replicas > len(nodes) {
		return nil, fmt.Errorf("replica count %d must be in range [1, %d]", replicas, len(nodes))
	}
	out := make(map[meta.ShardID][]string, r.numShards)
	for i := 0; i < r.numShards; i++ {
		set := make([]string, replicas)
		for j := range set {
			set[j] = nodes[(i+j)%len(nodes)]
		}
		out[meta.ShardID(i+1)] = set
	}
	return out, nil
}
