package sched

import (
	"time"

	"github.com/rs/zerolog"
	sync "github.com/sasha-s/go-deadlock"
)

// Loop is a Scheduler backed by a single goroutine draining a FIFO queue.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
	log     zerolog.Logger
}

// NewLoop returns a loop that is not yet running; call Start.
func NewLoop(log zerolog.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  log.With().Str("component", "loop").Logger(),
	}
}

// Start runs the loop in its own goroutine.
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.stop:
			return
		}
	}
}

// Stop halts the loop after the task currently running and waits for it.
// Queued tasks that have not started are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stop)
	<-l.done
	l.log.Debug().Msg("loop stopped")
}

// Post implements Scheduler.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn inside the loop and waits for it to return. It must not be
// called from a loop task.
func (l *Loop) Call(fn func()) error {
	ran := make(chan struct{})
	l.Post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time { return time.Now() }

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(name string, d time.Duration, fn func(*Timer)) *Timer {
	t := &Timer{name: name, deadline: time.Now().Add(d), fn: fn}
	t.rt = time.AfterFunc(d, func() {
		l.Post(t.fire)
	})
	return t
}

// Cancel implements Scheduler. It must be called from a loop task.
func (l *Loop) Cancel(t *Timer, done func()) {
	if t != nil {
		t.stopped = true
		if t.rt != nil {
			t.rt.Stop()
		}
	}
	if done != nil {
		l.Post(done)
	}
}
