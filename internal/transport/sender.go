package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
	"github.com/wagiedev/stdioplugin-go/internal/message"
)

// closeWaitTimeout bounds how long Close waits for an I/O goroutine.
const closeWaitTimeout = time.Second

const (
	outboundQueued int32 = iota
	outboundWriting
	outboundCancelled
)

// outbound is one queued message and the channel its result is delivered on.
type outbound struct {
	msg   *message.Message
	state atomic.Int32
	done  chan error
}

// Sender writes messages to a stream in FIFO order.
//
// Send may be called from any goroutine. Messages are written by a single
// write loop started by Connect; each message is written as one JSON
// document followed by a newline and flushed immediately.
type Sender struct {
	log    *slog.Logger
	w      io.WriteCloser
	buf    *bufio.Writer
	queue  *queue[*outbound]
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex // protects failure
	failure error
}

// NewSender creates a sender writing to w.
func NewSender(log *slog.Logger, w io.WriteCloser) *Sender {
	return &Sender{
		log:   log.With("component", "sender"),
		w:     w,
		buf:   bufio.NewWriter(w),
		queue: newQueue[*outbound](),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Connect starts the write loop. It may be called once.
func (s *Sender) Connect() error {
	if s.closed.Load() {
		return errors.ErrSenderClosed
	}

	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("sender: %w", errors.ErrAlreadyConnected)
	}

	go s.writeLoop()

	s.log.Debug("Sender write loop started")

	return nil
}

// Send queues msg and blocks until it has been written and flushed, ctx
// ends, or the sender closes.
//
// If ctx ends before the write begins the message is never written. If the
// write has already begun it completes, but Send still reports the
// cancellation.
func (s *Sender) Send(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return &errors.MalformedMessageError{Reason: "nil message"}
	}

	if s.closed.Load() {
		return errors.ErrSenderClosed
	}

	if err := s.loadFailure(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return errors.Cancelled(context.Cause(ctx))
	}

	item := &outbound{msg: msg, done: make(chan error, 1)}

	if !s.queue.Push(item) {
		return errors.ErrSenderClosed
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		if item.state.CompareAndSwap(outboundQueued, outboundCancelled) {
			s.log.Debug("Send cancelled before write",
				"request_id", msg.RequestID(), "type", msg.Type(), "method", msg.Method())
		}

		return errors.Cancelled(context.Cause(ctx))
	}
}

func (s *Sender) writeLoop() {
	defer close(s.done)
	defer s.log.Debug("Sender write loop stopped")

	for {
		item, ok := s.queue.Pop(s.stop)
		if !ok {
			return
		}

		if !item.state.CompareAndSwap(outboundQueued, outboundWriting) {
			continue
		}

		item.done <- s.write(item.msg)
	}
}

func (s *Sender) write(msg *message.Message) error {
	if err := s.loadFailure(); err != nil {
		return err
	}

	data, err := message.Marshal(msg)
	if err != nil {
		s.log.Warn("Failed to encode message", "request_id", msg.RequestID(), "error", err)

		return err
	}

	if _, err := s.buf.Write(data); err != nil {
		return s.fail(err)
	}

	if err := s.buf.WriteByte('\n'); err != nil {
		return s.fail(err)
	}

	if err := s.buf.Flush(); err != nil {
		return s.fail(err)
	}

	s.log.Debug("Sent message",
		"request_id", msg.RequestID(), "type", msg.Type(), "method", msg.Method())

	return nil
}

// fail records a stream failure. All later sends fail fast with it.
func (s *Sender) fail(err error) error {
	transportErr := &errors.TransportError{Op: "write", Err: err}

	s.mu.Lock()
	if s.failure == nil {
		s.failure = transportErr
	}
	s.mu.Unlock()

	if !s.closed.Load() {
		s.log.Error("Failed to write message", "error", err)
	}

	return transportErr
}

func (s *Sender) loadFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failure
}

// Close stops accepting messages, fails every queued message that has not
// started writing, waits for the write loop and closes the stream.
// It is safe to call more than once.
func (s *Sender) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.queue.Close()

		cancelled := 0

		for _, item := range s.queue.Drain() {
			if item.state.CompareAndSwap(outboundQueued, outboundCancelled) {
				item.done <- errors.ErrSenderClosed
				cancelled++
			}
		}

		close(s.stop)

		if cancelled > 0 {
			s.log.Debug("Cancelled queued messages on close", "count", cancelled)
		}

		var streamClosed bool

		if s.started.Load() && !waitTimeout(s.done, closeWaitTimeout) {
			// A blocked write only returns once the stream is closed.
			s.closeErr = s.w.Close()
			streamClosed = true

			if !waitTimeout(s.done, closeWaitTimeout) {
				s.log.Warn("Write loop did not exit after stream close, potential leak")
			}
		}

		if !streamClosed {
			s.closeErr = s.w.Close()
		}

		if s.closeErr != nil && isClosedErr(s.closeErr) {
			s.closeErr = nil
		}

		s.log.Debug("Sender closed")
	})

	return s.closeErr
}

// isClosedErr reports whether err only says the stream was already closed.
func isClosedErr(err error) bool {
	return stderrors.Is(err, io.ErrClosedPipe) || stderrors.Is(err, os.ErrClosed)
}
