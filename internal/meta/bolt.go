package meta

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"golang.org/x/exp/slices"
)

var (
	shardsBucket  = []byte("shards")
	versionBucket = []byte("version")
)

// BoltBackend stores shard records in a bolt database, one JSON entry per
// shard keyed by big-endian shard ID. Change versions come from the version
// bucket's sequence.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(shardsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(versionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init meta db: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func shardKey(id ShardID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (b *BoltBackend) Load(id ShardID) (*ShardMeta, error) {
	var e entry
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(shardsBucket).Get(shardKey(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	return e.Meta, nil
}

func (b *BoltBackend) Store(m *ShardMeta) (uint64, error) {
	var version uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		version, err = tx.Bucket(versionBucket).NextSequence()
		if err != nil {
			return err
		}
		v, err := json.Marshal(entry{Version: version, Meta: m})
		if err != nil {
			return err
		}
		return tx.Bucket(shardsBucket).Put(shardKey(m.ShardID), v)
	})
	return version, err
}

func (b *BoltBackend) Changes(since uint64) ([]*ShardMeta, uint64, error) {
	var out []*ShardMeta
	var latest uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		latest = tx.Bucket(versionBucket).Sequence()
		return tx.Bucket(shardsBucket).ForEach(func(_, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Version > since {
				out = append(out, e.Meta)
			}
			return nil
		})
	})
	return out, latest, err
}

func (b *BoltBackend) Close() error { return b.db.Close() }

func sortByID(ms []*ShardMeta) {
	slices.SortFunc(ms, func(a, b *ShardMeta) int {
		switch {
		case a.ShardID < b.ShardID:
			return -1
		case a.ShardID > b.ShardID:
			return 1
		}
		return 0
	})
}
