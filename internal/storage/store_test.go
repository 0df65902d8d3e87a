package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID ContainerID = 7

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.CreateContainer(testID))
	return s
}

func put(t *testing.T, s *MemoryStore, key string, seqno uint64, val string) {
	t.Helper()
	ok, err := s.Write(testID, Record{Key: key, Seqno: seqno, Data: []byte(val)}, WriteNormal)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestContainers(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.CreateContainer(1))
	assert.ErrorIs(t, s.CreateContainer(1), ErrContainerExists)
	assert.True(t, s.HasContainer(1))
	assert.Equal(t, []ContainerID{1}, s.Containers())

	_, err := s.Get(2, "k")
	assert.ErrorIs(t, err, ErrContainerUnknown)

	require.NoError(t, s.DeleteContainer(1))
	assert.ErrorIs(t, s.DeleteContainer(1), ErrContainerUnknown)
	assert.False(t, s.HasContainer(1))
}

func TestMemoryStore(t *testing.T) {
	t.Run("put and get values", func(t *testing.T) {
		s := newTestStore(t)
		put(t, s, "key1", 1, "value1")

		rec, err := s.Get(testID, "key1")
		require.NoError(t, err)
		assert.Equal(t, []byte("value1"), rec.Data)
		assert.Equal(t, uint64(1), rec.Seqno)
		assert.False(t, rec.Tombstone)
	})

	t.Run("missing key", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Get(testID, "nope")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("returned data is a copy", func(t *testing.T) {
		s := newTestStore(t)
		put(t, s, "k", 1, "abc")
		rec, _ := s.Get(testID, "k")
		rec.Data[0] = 'z'
		again, _ := s.Get(testID, "k")
		assert.Equal(t, "abc", string(again.Data))
	})

	t.Run("delete leaves tombstone", func(t *testing.T) {
		s := newTestStore(t)
		put(t, s, "k", 1, "v")
		ok, err := s.Write(testID, Record{Key: "k", Seqno: 2, Tombstone: true, Data: []byte("ignored")}, WriteNormal)
		require.NoError(t, err)
		require.True(t, ok)

		rec, err := s.Get(testID, "k")
		require.NoError(t, err)
		assert.True(t, rec.Tombstone)
		assert.Nil(t, rec.Data)

		st, _ := s.Stats(testID)
		assert.Equal(t, 0, st.Keys)
		assert.Equal(t, 1, st.Tombstones)
	})

	t.Run("remove drops tombstone too", func(t *testing.T) {
		s := newTestStore(t)
		put(t, s, "k", 1, "v")
		require.NoError(t, s.Remove(testID, "k"))
		_, err := s.Get(testID, "k")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		cursors, _ := s.Cursors(testID, 0, 100, nil, 0)
		assert.Empty(t, cursors)
	})

	t.Run("empty value", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Write(testID, Record{Key: "e", Seqno: 1}, WriteNormal)
		require.NoError(t, err)
		rec, err := s.Get(testID, "e")
		require.NoError(t, err)
		assert.NotNil(t, rec.Data)
		assert.Len(t, rec.Data, 0)
	})
}

func TestWriteModes(t *testing.T) {
	tests := []struct {
		name      string
		mode      WriteMode
		incoming  uint64
		wantApply bool
		wantSeqno uint64
	}{
		{"normal older", WriteNormal, 3, true, 3},
		{"if-newer older", WriteIfNewer, 3, false, 5},
		{"if-newer equal", WriteIfNewer, 5, false, 5},
		{"if-newer newer", WriteIfNewer, 9, true, 9},
		{"force older", WriteForce, 2, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			put(t, s, "k", 5, "old")

			ok, err := s.Write(testID, Record{Key: "k", Seqno: tt.incoming, Data: []byte("new")}, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.wantApply, ok)

			rec, _ := s.Get(testID, "k")
			assert.Equal(t, tt.wantSeqno, rec.Seqno)
		})
	}

	t.Run("if-newer on absent key applies", func(t *testing.T) {
		s := newTestStore(t)
		ok, err := s.Write(testID, Record{Key: "k", Seqno: 1}, WriteIfNewer)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLastSeqno(t *testing.T) {
	s := newTestStore(t)
	last, err := s.LastSeqno(testID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	put(t, s, "a", 10, "x")
	put(t, s, "b", 4, "x")
	// forcing an older version does not lower the high-water mark
	_, err = s.Write(testID, Record{Key: "a", Seqno: 2}, WriteForce)
	require.NoError(t, err)

	last, _ = s.LastSeqno(testID)
	assert.Equal(t, uint64(10), last)
}

func TestCursors(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 10; i++ {
		put(t, s, fmt.Sprintf("k%02d", i), uint64(i*10), "v")
	}

	t.Run("bounded by start and max inclusive", func(t *testing.T) {
		cursors, err := s.Cursors(testID, 30, 60, nil, 0)
		require.NoError(t, err)
		require.Len(t, cursors, 4)
		assert.Equal(t, uint64(30), cursors[0].Seqno)
		assert.Equal(t, uint64(60), cursors[3].Seqno)
	})

	t.Run("pages continue strictly after resume point", func(t *testing.T) {
		var all []Cursor
		var after *Cursor
		pages := 0
		for {
			page, err := s.Cursors(testID, 15, 100, after, 3)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			pages++
			if after != nil {
				assert.True(t, after.Less(page[0]))
			}
			all = append(all, page...)
			last := page[len(page)-1]
			after = &last
		}
		assert.Equal(t, 3, pages)
		require.Len(t, all, 9)
		assert.Equal(t, uint64(20), all[0].Seqno)
		assert.Equal(t, uint64(100), all[8].Seqno)
	})

	t.Run("resume point before start", func(t *testing.T) {
		after := Cursor{Seqno: 5, Key: "zz"}
		cursors, err := s.Cursors(testID, 50, 60, &after, 0)
		require.NoError(t, err)
		assert.Len(t, cursors, 2)
	})

	t.Run("rewritten key moves its cursor", func(t *testing.T) {
		s := newTestStore(t)
		put(t, s, "k", 1, "v1")
		old := Cursor{Seqno: 1, Key: "k"}
		put(t, s, "k", 8, "v2")

		_, err := s.GetByCursor(testID, old)
		assert.ErrorIs(t, err, ErrKeyNotFound)

		cursors, _ := s.Cursors(testID, 0, 100, nil, 0)
		require.Len(t, cursors, 1)
		rec, err := s.GetByCursor(testID, cursors[0])
		require.NoError(t, err)
		assert.Equal(t, "v2", string(rec.Data))
	})
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				_, _ = s.Write(testID, Record{Key: key, Seqno: uint64(g*1000 + i + 1)}, WriteIfNewer)
				_, _ = s.Get(testID, key)
				_, _ = s.Cursors(testID, 0, 1<<20, nil, 10)
			}
		}(g)
	}
	wg.Wait()

	st, err := s.Stats(testID)
	require.NoError(t, err)
	assert.Equal(t, 800, st.Keys)
}
