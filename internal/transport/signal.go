package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maniartech/signals"
)

type keyedListener[T any] struct {
	key      string
	listener signals.SignalListener[T]
}

// snapshot is an immutable signal built from one listener set.
type snapshot[T any] struct {
	signal signals.Signal[T]
}

// lockedSignal is a signals.Signal that may be subscribed to and unsubscribed
// from while it is emitting.
//
// Every listener change builds a fresh inner signal and swaps it in, so Emit
// always ranges over a listener set no other goroutine writes. Listeners may
// add or remove listeners, including themselves, from inside Emit.
type lockedSignal[T any] struct {
	mu        sync.Mutex
	listeners []keyedListener[T]
	current   atomic.Pointer[snapshot[T]]
}

// Compile-time verification that lockedSignal is a drop-in signal.
var _ signals.Signal[int] = (*lockedSignal[int])(nil)

// NewSignal creates an asynchronous signal that is safe to subscribe to from
// any goroutine, including while events are being emitted.
func NewSignal[T any]() signals.Signal[T] {
	s := &lockedSignal[T]{}
	s.current.Store(&snapshot[T]{signal: signals.New[T]()})

	return s
}

// Emit calls every listener registered when Emit began and waits for them.
func (s *lockedSignal[T]) Emit(ctx context.Context, payload T) {
	s.current.Load().signal.Emit(ctx, payload)
}

// AddListener registers listener. It returns -1 if key is already taken.
func (s *lockedSignal[T]) AddListener(listener signals.SignalListener[T], key ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := keyedListener[T]{listener: listener}

	if len(key) > 0 {
		for _, l := range s.listeners {
			if l.key == key[0] {
				return -1
			}
		}

		entry.key = key[0]
	}

	s.listeners = append(s.listeners, entry)
	s.publish()

	return len(s.listeners)
}

// RemoveListener unregisters the listener added under key. It returns -1 if
// there is none.
func (s *lockedSignal[T]) RemoveListener(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.listeners {
		if l.key == key {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			s.publish()

			return len(s.listeners)
		}
	}

	return -1
}

// Reset removes every listener.
func (s *lockedSignal[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = nil
	s.publish()
}

// Len returns the number of registered listeners.
func (s *lockedSignal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.listeners)
}

// IsEmpty reports whether no listener is registered.
func (s *lockedSignal[T]) IsEmpty() bool {
	return s.Len() == 0
}

// publish rebuilds the inner signal from listeners. Callers hold mu.
func (s *lockedSignal[T]) publish() {
	next := signals.New[T]()

	for _, l := range s.listeners {
		if l.key != "" {
			next.AddListener(l.listener, l.key)
		} else {
			next.AddListener(l.listener)
		}
	}

	s.current.Store(&snapshot[T]{signal: next})
}
