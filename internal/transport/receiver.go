package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/maniartech/signals"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
	"github.com/wagiedev/stdioplugin-go/internal/message"
)

// event is one inbound occurrence waiting to be published.
type event struct {
	msg *message.Message
	err error
}

// Receiver reads messages from a stream and publishes them in arrival order.
//
// Consecutive root-level JSON documents are accepted with or without
// separating whitespace. The first read or validation failure is published
// once on Faulted and stops the read loop.
type Receiver struct {
	log    *slog.Logger
	r      io.ReadCloser
	events *queue[event]
	stop   chan struct{}

	messageReceived signals.Signal[*message.Message]
	faulted         signals.Signal[error]

	started  atomic.Bool
	closing  atomic.Bool
	readDone chan struct{}
	pumpDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewReceiver creates a receiver reading from r.
func NewReceiver(log *slog.Logger, r io.ReadCloser) *Receiver {
	return &Receiver{
		log:             log.With("component", "receiver"),
		r:               r,
		events:          newQueue[event](),
		stop:            make(chan struct{}),
		messageReceived: NewSignal[*message.Message](),
		faulted:         NewSignal[error](),
		readDone:        make(chan struct{}),
		pumpDone:        make(chan struct{}),
	}
}

// MessageReceived is emitted once per decoded message, in arrival order.
func (r *Receiver) MessageReceived() signals.Signal[*message.Message] {
	return r.messageReceived
}

// Faulted is emitted at most once, with a *errors.ProtocolError, when the
// stream fails or carries an invalid message.
func (r *Receiver) Faulted() signals.Signal[error] {
	return r.faulted
}

// Connect starts the read loop and the event pump. It may be called once.
func (r *Receiver) Connect() error {
	if r.closing.Load() {
		return errors.ErrConnectionClosed
	}

	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("receiver: %w", errors.ErrAlreadyConnected)
	}

	go r.readLoop()
	go r.pump()

	r.log.Debug("Receiver read loop started")

	return nil
}

func (r *Receiver) readLoop() {
	defer close(r.readDone)
	defer r.events.Close()
	defer r.log.Debug("Receiver read loop stopped")

	dec := json.NewDecoder(r.r)
	messageCount := 0

	for {
		var raw json.RawMessage

		if err := dec.Decode(&raw); err != nil {
			r.fault(readError(err))

			return
		}

		msg, err := message.Unmarshal(raw)
		if err != nil {
			r.fault(err)

			return
		}

		messageCount++
		r.log.Debug("Received message",
			"request_id", msg.RequestID(),
			"type", msg.Type(),
			"method", msg.Method(),
			"message_count", messageCount,
		)

		r.events.Push(event{msg: msg})
	}
}

// readError classifies a decoder failure. Syntax errors mean the peer sent
// bytes that are not JSON; anything else is a stream failure.
func readError(err error) error {
	if _, ok := stderrors.AsType[*json.SyntaxError](err); ok {
		return &errors.MalformedMessageError{Reason: "invalid JSON", Err: err}
	}

	return err
}

func (r *Receiver) fault(cause error) {
	if r.closing.Load() {
		r.log.Debug("Suppressed read error during close", "error", cause)

		return
	}

	r.log.Error("Receiver faulted", "error", cause)

	r.events.Push(event{err: &errors.ProtocolError{Err: cause}})
}

// pump publishes queued events one at a time, preserving order.
func (r *Receiver) pump() {
	defer close(r.pumpDone)

	for {
		ev, ok := r.events.Pop(r.stop)
		if !ok || r.closing.Load() {
			return
		}

		if ev.err != nil {
			r.faulted.Emit(context.Background(), ev.err)

			continue
		}

		r.messageReceived.Emit(context.Background(), ev.msg)
	}
}

// Close stops reading, closes the stream and waits for the read loop and the
// event pump. Failures after Close begins are not published. It is safe to
// call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		close(r.stop)

		r.closeErr = r.r.Close()
		if r.closeErr != nil && isClosedErr(r.closeErr) {
			r.closeErr = nil
		}

		if r.started.Load() {
			if !waitTimeout(r.readDone, closeWaitTimeout) {
				r.log.Warn("Read loop did not exit after stream close, potential leak")
			}

			if !waitTimeout(r.pumpDone, closeWaitTimeout) {
				r.log.Warn("Event pump did not exit, a subscriber may be blocked")
			}
		}

		r.log.Debug("Receiver closed")
	})

	return r.closeErr
}
