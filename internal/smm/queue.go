package smm

import (
	"sync"

	"github.com/roach88/cordial/internal/flow"
)

// runQueue is a thread-safe FIFO of runnable flow ids feeding the worker
// pool.
//
// The queue is unbounded - backpressure is enforced upstream by the
// runnable-admission cap, not here. A buffered signal channel (size 1,
// coalescing) lets workers wait without spinning and still honor context
// cancellation.
type runQueue struct {
	mu     sync.Mutex
	ids    []flow.ID
	closed bool
	signal chan struct{}
}

func newRunQueue() *runQueue {
	return &runQueue{
		ids:    make([]flow.ID, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a flow id to the back of the queue.
// Returns false if the queue is closed.
func (q *runQueue) Enqueue(id flow.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ids = append(q.ids, id)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue attempts to dequeue without blocking.
func (q *runQueue) TryDequeue() (flow.ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids[0] = ""
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}
	return id, true
}

// Wait returns the signal channel. It fires when an id may be available and
// when the queue closes.
func (q *runQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued ids.
func (q *runQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Close marks the queue closed and wakes all waiters. Enqueues after Close
// are rejected.
func (q *runQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether the queue is closed.
func (q *runQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
