// Package lockmgr implements the per-key lock container that serializes
// recovery compensations against client writes touching the same key.
//
// Locks are shared or exclusive and granted strictly in request order: a
// shared request queued behind an exclusive one waits even if the key is
// currently held shared. Grants are delivered asynchronously by posting the
// callback to the owning scheduler, never from inside Lock or Unlock.
//
// A Container is not safe for concurrent use; every call must come from the
// scheduler it was built with.
package lockmgr

import "fmt"

// Mode is the access mode of a lock request.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Poster queues work on the serialized execution context.
type Poster interface {
	Post(fn func())
}

// Handle is one lock request. It is returned by Lock immediately and passed to
// the grant callback once the lock is held.
type Handle struct {
	key      string
	mode     Mode
	cb       func(*Handle)
	granted  bool
	released bool
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

// Mode returns the requested mode.
func (h *Handle) Mode() Mode { return h.mode }

// Granted reports whether the lock is currently held.
func (h *Handle) Granted() bool { return h.granted && !h.released }

type entry struct {
	holders   int
	exclusive bool
	waiters   []*Handle
}

// Container holds the lock state for every key with a holder or waiter.
type Container struct {
	poster Poster
	locks  map[string]*entry
}

// New returns an empty container delivering grants through p.
func New(p Poster) *Container {
	return &Container{poster: p, locks: make(map[string]*entry)}
}

// Lock requests key in mode. cb runs once, in a later task, when the lock is
// granted.
func (c *Container) Lock(key string, mode Mode, cb func(*Handle)) *Handle {
	h := &Handle{key: key, mode: mode, cb: cb}
	e := c.locks[key]
	if e == nil {
		e = &entry{}
		c.locks[key] = e
	}
	if len(e.waiters) == 0 && e.compatible(mode) {
		c.grant(e, h)
		return h
	}
	e.waiters = append(e.waiters, h)
	return h
}

// Unlock releases a granted lock, or withdraws a request that has not been
// granted yet. Releasing the same handle twice is a programming error.
func (c *Container) Unlock(h *Handle) {
	if h.released {
		panic(fmt.Sprintf("lockmgr: double unlock of %q", h.key))
	}
	h.released = true
	e := c.locks[h.key]
	if e == nil {
		panic(fmt.Sprintf("lockmgr: unlock of unknown key %q", h.key))
	}

	if !h.granted {
		for i, w := range e.waiters {
			if w == h {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
	} else {
		e.holders--
		if e.holders == 0 {
			e.exclusive = false
		}
	}

	for len(e.waiters) > 0 && e.compatible(e.waiters[0].mode) {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		c.grant(e, next)
	}
	if e.holders == 0 && len(e.waiters) == 0 {
		delete(c.locks, h.key)
	}
}

// Held returns the number of holders of key and whether it is held exclusively.
func (c *Container) Held(key string) (int, bool) {
	e := c.locks[key]
	if e == nil {
		return 0, false
	}
	return e.holders, e.exclusive
}

// Waiting returns the number of queued requests for key.
func (c *Container) Waiting(key string) int {
	if e := c.locks[key]; e != nil {
		return len(e.waiters)
	}
	return 0
}

// Len returns the number of keys with holders or waiters.
func (c *Container) Len() int { return len(c.locks) }

func (e *entry) compatible(mode Mode) bool {
	if e.holders == 0 {
		return true
	}
	return mode == Shared && !e.exclusive
}

func (c *Container) grant(e *entry, h *Handle) {
	e.holders++
	if h.mode == Exclusive {
		e.exclusive = true
	}
	h.granted = true
	if h.cb != nil {
		c.poster.Post(func() {
			if !h.released {
				h.cb(h)
			}
		})
	}
}
