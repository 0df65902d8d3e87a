package sched

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop(t *testing.T) {
	t.Run("call runs inside the loop", func(t *testing.T) {
		l := NewLoop(zerolog.Nop())
		l.Start()
		defer l.Stop()

		var order []int
		for i := 0; i < 5; i++ {
			i := i
			l.Post(func() { order = append(order, i) })
		}
		require.NoError(t, l.Call(func() { order = append(order, 99) }))
		assert.Equal(t, []int{0, 1, 2, 3, 4, 99}, order)
	})

	t.Run("timer posts to the loop", func(t *testing.T) {
		l := NewLoop(zerolog.Nop())
		l.Start()
		defer l.Stop()

		fired := make(chan string, 1)
		require.NoError(t, l.Call(func() {
			l.AfterFunc("t", 10*time.Millisecond, func(tm *Timer) { fired <- tm.Name() })
		}))

		select {
		case name := <-fired:
			assert.Equal(t, "t", name)
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	})

	t.Run("cancel suppresses callback", func(t *testing.T) {
		l := NewLoop(zerolog.Nop())
		l.Start()
		defer l.Stop()

		fired := make(chan struct{}, 1)
		cancelled := make(chan struct{})
		require.NoError(t, l.Call(func() {
			tm := l.AfterFunc("t", 20*time.Millisecond, func(*Timer) { fired <- struct{}{} })
			l.Cancel(tm, func() { close(cancelled) })
		}))
		<-cancelled

		select {
		case <-fired:
			t.Fatal("cancelled timer fired")
		case <-time.After(60 * time.Millisecond):
		}
	})

	t.Run("call after stop", func(t *testing.T) {
		l := NewLoop(zerolog.Nop())
		l.Start()
		l.Stop()
		assert.ErrorIs(t, l.Call(func() {}), ErrStopped)
		// stopping twice is harmless
		l.Stop()
	})
}
