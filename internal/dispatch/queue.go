// Package dispatch provides a serial execution queue. Work posted to a
// Queue runs one item at a time, in submission order, on a goroutine owned
// by the queue, so state touched only from queued work needs no locking.
package dispatch

import (
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed queue.
var ErrClosed = errors.New("dispatch queue closed")

// Queue is an unbounded FIFO of functions executed by a single goroutine.
type Queue struct {
	label string

	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue starts a queue. Close must be called to stop its goroutine.
func NewQueue(label string) *Queue {
	q := &Queue{
		label: label,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

// Label returns the name given at construction.
func (q *Queue) Label() string { return q.label }

// Async schedules fn and returns immediately. It never blocks, so it is safe
// to call from render callbacks.
func (q *Queue) Async(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sync schedules fn and waits for it to finish. Calling Sync from work
// already running on the queue deadlocks.
func (q *Queue) Sync(fn func()) error {
	finished := make(chan struct{})
	if err := q.Async(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Close stops accepting work, runs what is already queued and waits for the
// queue goroutine to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
