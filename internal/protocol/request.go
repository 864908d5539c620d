package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
	"github.com/wagiedev/stdioplugin-go/internal/message"
)

// decodeFunc turns a correlated Response into the caller's result type.
type decodeFunc func(msg *message.Message) (any, error)

// pendingRequest tracks one in-flight exchange.
//
// Outbound entries belong to a caller blocked in dispatchRequest and are
// settled by the peer's reply. Inbound entries belong to a handler goroutine
// servicing a peer's request; responded records whether the terminal reply
// has been claimed.
type pendingRequest struct {
	id        string
	method    message.Method
	inbound   bool
	keepAlive bool
	timeout   time.Duration
	decode    decodeFunc

	ctx    context.Context
	cancel context.CancelCauseFunc

	timerMu sync.Mutex
	timer   *time.Timer

	settleOnce sync.Once
	done       chan struct{}
	result     any
	err        error

	responded atomic.Bool
}

func newPendingRequest(
	parent context.Context,
	id string,
	method message.Method,
	inbound bool,
	opts RequestOptions,
	decode decodeFunc,
) *pendingRequest {
	ctx, cancel := context.WithCancelCause(parent)

	p := &pendingRequest{
		id:        id,
		method:    method,
		inbound:   inbound,
		keepAlive: opts.KeepAlive,
		timeout:   opts.Timeout,
		decode:    decode,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	if opts.Timeout > 0 {
		p.timer = time.AfterFunc(opts.Timeout, func() {
			cancel(errors.ErrRequestTimeout)
		})
	}

	return p
}

// settle stores the terminal outcome. Only the first call has any effect.
func (p *pendingRequest) settle(result any, err error) bool {
	settled := false

	p.settleOnce.Do(func() {
		p.result = result
		p.err = err
		settled = true

		close(p.done)
	})

	return settled
}

// outcome returns the stored result. It must only be called after done closes
// or after settle returned.
func (p *pendingRequest) outcome() (any, error) {
	<-p.done

	return p.result, p.err
}

// extend restarts the timeout window. It has no effect once the entry's
// context has ended.
func (p *pendingRequest) extend() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	if p.timer == nil || p.ctx.Err() != nil {
		return
	}

	p.timer.Reset(p.timeout)
}

// release stops the timer and cancels the entry context.
func (p *pendingRequest) release() {
	p.timerMu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerMu.Unlock()

	p.cancel(nil)
}

// requestTable is the correlation table, keyed by request id.
type requestTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest

	// abandoned holds ids of outbound requests this side cancelled, so the
	// peer's acknowledgment or a late reply can be consumed quietly. Each id
	// expires on its own timer.
	abandoned map[string]*time.Timer
	closed    bool
}

func newRequestTable() *requestTable {
	return &requestTable{
		entries:   make(map[string]*pendingRequest, 10),
		abandoned: make(map[string]*time.Timer),
	}
}

func (t *requestTable) add(p *pendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.ErrConnectionClosed
	}

	if _, exists := t.entries[p.id]; exists {
		return fmt.Errorf("request id %s already in flight", p.id)
	}

	t.entries[p.id] = p

	return nil
}

func (t *requestTable) get(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[id]

	return p, ok
}

// remove deletes the entry for id if it is still p.
func (t *requestTable) remove(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.entries[p.id]; ok && current == p {
		delete(t.entries, p.id)

		return true
	}

	return false
}

// abandon records id as cancelled by this side for ttl.
func (t *requestTable) abandon(id string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	if previous, ok := t.abandoned[id]; ok {
		previous.Stop()
	}

	var timer *time.Timer

	timer = time.AfterFunc(ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.abandoned[id] == timer {
			delete(t.abandoned, id)
		}
	})

	t.abandoned[id] = timer
}

// forget reports whether id belonged to an abandoned request, and clears it.
func (t *requestTable) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.abandoned[id]; ok {
		timer.Stop()
		delete(t.abandoned, id)

		return true
	}

	return false
}

func (t *requestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

func (t *requestTable) abandonedLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.abandoned)
}

// close rejects further entries and returns the ones still in flight.
func (t *requestTable) close() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true

	remaining := make([]*pendingRequest, 0, len(t.entries))
	for _, p := range t.entries {
		remaining = append(remaining, p)
	}

	clear(t.entries)

	for _, timer := range t.abandoned {
		timer.Stop()
	}

	clear(t.abandoned)

	return remaining
}
