package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replikv/internal/sched"
)

func newTestContainer() (*Container, *sched.Manual) {
	m := sched.NewManual(time.Unix(0, 0))
	return New(m), m
}

func TestGrantIsAsynchronous(t *testing.T) {
	c, m := newTestContainer()
	granted := false
	h := c.Lock("k", Exclusive, func(*Handle) { granted = true })

	assert.False(t, granted, "grant must not run inside Lock")
	assert.True(t, h.Granted())
	m.RunUntilIdle()
	assert.True(t, granted)
}

// Op1 (exclusive, write) then Op2 (exclusive, read) on the same key: Op2's
// grant never fires before Op1 unlocks.
func TestExclusiveOrdering(t *testing.T) {
	c, m := newTestContainer()
	var events []string

	var h1 *Handle
	h1 = c.Lock("key", Exclusive, func(*Handle) { events = append(events, "op1 granted") })
	c.Lock("key", Exclusive, func(*Handle) { events = append(events, "op2 granted") })
	m.RunUntilIdle()

	assert.Equal(t, []string{"op1 granted"}, events)
	assert.Equal(t, 1, c.Waiting("key"))

	events = append(events, "op1 unlock")
	c.Unlock(h1)
	m.RunUntilIdle()

	assert.Equal(t, []string{"op1 granted", "op1 unlock", "op2 granted"}, events)
}

func TestSharedLocks(t *testing.T) {
	t.Run("shared holders coexist", func(t *testing.T) {
		c, m := newTestContainer()
		grants := 0
		a := c.Lock("k", Shared, func(*Handle) { grants++ })
		b := c.Lock("k", Shared, func(*Handle) { grants++ })
		m.RunUntilIdle()

		assert.Equal(t, 2, grants)
		holders, excl := c.Held("k")
		assert.Equal(t, 2, holders)
		assert.False(t, excl)

		c.Unlock(a)
		c.Unlock(b)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("shared waits behind queued exclusive", func(t *testing.T) {
		c, m := newTestContainer()
		var events []string
		s1 := c.Lock("k", Shared, func(*Handle) { events = append(events, "s1") })
		x := c.Lock("k", Exclusive, func(*Handle) { events = append(events, "x") })
		c.Lock("k", Shared, func(*Handle) { events = append(events, "s2") })
		m.RunUntilIdle()
		assert.Equal(t, []string{"s1"}, events)

		c.Unlock(s1)
		m.RunUntilIdle()
		assert.Equal(t, []string{"s1", "x"}, events)

		c.Unlock(x)
		m.RunUntilIdle()
		assert.Equal(t, []string{"s1", "x", "s2"}, events)
	})

	t.Run("batch of shared granted together", func(t *testing.T) {
		c, m := newTestContainer()
		x := c.Lock("k", Exclusive, nil)
		grants := 0
		for i := 0; i < 3; i++ {
			c.Lock("k", Shared, func(*Handle) { grants++ })
		}
		c.Unlock(x)
		m.RunUntilIdle()
		assert.Equal(t, 3, grants)
	})
}

func TestWithdrawWaitingRequest(t *testing.T) {
	c, m := newTestContainer()
	x := c.Lock("k", Exclusive, nil)
	called := false
	w := c.Lock("k", Exclusive, func(*Handle) { called = true })
	require.False(t, w.Granted())

	c.Unlock(w)
	assert.Equal(t, 0, c.Waiting("k"))
	c.Unlock(x)
	m.RunUntilIdle()
	assert.False(t, called)
	assert.Equal(t, 0, c.Len())
}

func TestKeysAreIndependent(t *testing.T) {
	c, m := newTestContainer()
	grants := map[string]bool{}
	c.Lock("a", Exclusive, func(h *Handle) { grants[h.Key()] = true })
	c.Lock("b", Exclusive, func(h *Handle) { grants[h.Key()] = true })
	m.RunUntilIdle()
	assert.True(t, grants["a"])
	assert.True(t, grants["b"])
}

func TestDoubleUnlockPanics(t *testing.T) {
	c, _ := newTestContainer()
	h := c.Lock("k", Shared, nil)
	c.Unlock(h)
	assert.Panics(t, func() { c.Unlock(h) })
}
