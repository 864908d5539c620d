package transport

import (
	"sync"
	"time"
)

// queue is an unbounded FIFO with a blocking Pop.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. It reports false once the queue is closed.
func (q *queue[T]) Push(v T) bool {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return false
	}

	q.items = append(q.items, v)
	q.mu.Unlock()

	q.wake()

	return true
}

// Pop removes the oldest item, blocking until one is available. It returns
// false when stop is closed, or when the queue is closed and empty.
func (q *queue[T]) Pop(stop <-chan struct{}) (T, bool) {
	for {
		q.mu.Lock()

		if len(q.items) > 0 {
			v := q.items[0]

			var zero T

			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()

			return v, true
		}

		if q.closed {
			q.mu.Unlock()

			var zero T

			return zero, false
		}

		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-stop:
			var zero T

			return zero, false
		}
	}
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wake()
}

// Drain removes and returns every queued item.
func (q *queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

// Len returns the number of queued items.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// waitTimeout waits for done to close, giving up after timeout.
func waitTimeout(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
