// Package sched provides the serialized execution context the replication
// core runs in. Every state mutation of a coordinator, its shards, replicas,
// operations and key locks happens inside a task posted to one Scheduler, so
// none of that state needs its own mutex. Work suspends only at asynchronous
// call sites (messages, timers, meta-data puts) and resumes in a later task.
package sched

import (
	"errors"
	"time"
)

// ErrStopped is returned by Loop.Call once the loop has been stopped.
var ErrStopped = errors.New("scheduler stopped")

// Scheduler serializes tasks and dispatches named timers onto the same
// execution context.
type Scheduler interface {
	// Post queues fn to run after every task already queued.
	Post(fn func())
	// Now returns the scheduler clock.
	Now() time.Time
	// AfterFunc runs fn in the serialized context once d has elapsed. The
	// timer is passed back so the owner can check it is still the one it
	// is waiting for.
	AfterFunc(name string, d time.Duration, fn func(*Timer)) *Timer
	// Cancel stops t; fn is never invoked afterwards. done, if non-nil, is
	// posted once the cancellation has taken effect.
	Cancel(t *Timer, done func())
}

// Timer is a handle for a pending AfterFunc callback.
type Timer struct {
	name     string
	deadline time.Time
	fn       func(*Timer)
	stopped  bool
	fired    bool

	// Loop
	rt *time.Timer
	// Manual
	seq   uint64
	index int
}

// Name returns the name the timer was scheduled under.
func (t *Timer) Name() string { return t.name }

// Deadline returns the time the timer is due.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Active reports whether the timer has neither fired nor been cancelled.
func (t *Timer) Active() bool { return t != nil && !t.stopped && !t.fired }

func (t *Timer) fire() {
	if t.stopped || t.fired {
		return
	}
	t.fired = true
	t.fn(t)
}
