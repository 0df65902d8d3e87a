package sched

import (
	"container/heap"
	"time"
)

// Manual is a deterministic Scheduler for tests and simulations. Tasks only
// run when the caller drives the scheduler with RunUntilIdle or Advance, and
// the clock only moves through Advance. It is not safe for concurrent use.
type Manual struct {
	now    time.Time
	queue  []func()
	timers timerHeap
	seq    uint64
}

// NewManual returns a scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Post implements Scheduler.
func (m *Manual) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

// Now implements Scheduler.
func (m *Manual) Now() time.Time { return m.now }

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(name string, d time.Duration, fn func(*Timer)) *Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &Timer{name: name, deadline: m.now.Add(d), fn: fn, seq: m.seq}
	heap.Push(&m.timers, t)
	return t
}

// Cancel implements Scheduler.
func (m *Manual) Cancel(t *Timer, done func()) {
	if t != nil && !t.stopped {
		t.stopped = true
		if t.index >= 0 && t.index < len(m.timers) && m.timers[t.index] == t {
			heap.Remove(&m.timers, t.index)
		}
	}
	if done != nil {
		m.Post(done)
	}
}

// RunUntilIdle runs queued tasks, including ones they post, until the queue
// is empty. It returns the number of tasks run.
func (m *Manual) RunUntilIdle() int {
	n := 0
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		fn()
		n++
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining the task queue after each one.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.RunUntilIdle()
	for len(m.timers) > 0 && !m.timers[0].deadline.After(target) {
		t := heap.Pop(&m.timers).(*Timer)
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		t.fire()
		m.RunUntilIdle()
	}
	m.now = target
}

// Pending returns the number of queued tasks.
func (m *Manual) Pending() int { return len(m.queue) }

// PendingTimers returns the number of timers that have not fired or been
// cancelled.
func (m *Manual) PendingTimers() int { return len(m.timers) }

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
