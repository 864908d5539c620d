package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
	"github.com/wagiedev/stdioplugin-go/internal/message"
)

//go:generate mockgen -source=dispatcher.go -destination=mocks/mock_sender.go -package=mocks MessageSender

// handlerDrainTimeout bounds how long Close waits for running handlers.
const handlerDrainTimeout = 5 * time.Second

// MessageSender delivers one message to the peer.
//
// The dispatcher never stores a sender; every operation that writes takes
// one as an argument. *Connection implements MessageSender.
type MessageSender interface {
	Send(ctx context.Context, msg *message.Message) error
}

// RequestOptions controls a single outbound request.
type RequestOptions struct {
	// Timeout bounds the exchange. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// KeepAlive restarts the timeout window whenever the peer reports
	// progress on the exchange.
	KeepAlive bool
}

// Dispatcher multiplexes concurrent request/response exchanges over one
// connection.
//
// It owns the correlation table, routes inbound messages to waiting callers
// or to registered handlers, and tracks every goroutine it spawns so Close can
// guarantee no handler outlives the connection.
type Dispatcher struct {
	log            *slog.Logger
	handlers       *RequestHandlers
	requests       *requestTable
	handlerTimeout time.Duration
	newID          func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex // protects closed and wg.Add
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher serving handlers.
//
// handlerTimeout bounds each inbound request; a handler extends its window by
// sending progress.
func NewDispatcher(log *slog.Logger, handlers *RequestHandlers, handlerTimeout time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		log:            log.With("component", "dispatcher"),
		handlers:       handlers,
		requests:       newRequestTable(),
		handlerTimeout: handlerTimeout,
		newID:          func() string { return ulid.Make().String() },
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Handlers returns the handler registry.
func (d *Dispatcher) Handlers() *RequestHandlers {
	return d.handlers
}

// Pending returns the number of exchanges currently in flight.
func (d *Dispatcher) Pending() int {
	return d.requests.len()
}

// Request sends a request to the peer and waits for its reply, decoding the
// Response payload into TIn.
//
// A nil sender makes the call a no-op that returns (nil, nil). A Fault reply
// is returned as *errors.FaultError. Cancellation and timeout are returned as
// errors matching errors.ErrOperationCancelled together with the cause. If the
// dispatcher closes first the error is errors.ErrConnectionClosed.
func Request[TIn any](
	ctx context.Context,
	d *Dispatcher,
	sender MessageSender,
	method message.Method,
	payload any,
	opts RequestOptions,
) (*TIn, error) {
	result, err := d.dispatchRequest(ctx, sender, method, payload, opts, func(msg *message.Message) (any, error) {
		return message.DecodePayload[TIn](msg)
	})
	if err != nil {
		return nil, err
	}

	typed, _ := result.(*TIn)

	return typed, nil
}

func (d *Dispatcher) dispatchRequest(
	ctx context.Context,
	sender MessageSender,
	method message.Method,
	payload any,
	opts RequestOptions,
	decode decodeFunc,
) (any, error) {
	if sender == nil {
		d.log.Debug("No sender bound, request is a no-op", "method", method)

		return nil, nil
	}

	if opts.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative request timeout %s", errors.ErrInvalidOptions, opts.Timeout)
	}

	requestID := d.newID()

	msg, err := message.New(requestID, message.TypeRequest, method, payload)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}

	p := newPendingRequest(ctx, requestID, method, false, opts, decode)
	defer p.release()

	if err := d.requests.add(p); err != nil {
		return nil, err
	}
	defer d.requests.remove(p)

	d.log.Debug("Sending request", "request_id", requestID, "method", method,
		"timeout", opts.Timeout, "keep_alive", opts.KeepAlive)

	if err := sender.Send(p.ctx, msg); err != nil {
		if p.ctx.Err() != nil {
			// The request may have reached the peer before the write gave up.
			if p.settle(nil, errors.Cancelled(context.Cause(p.ctx))) {
				d.notifyCancel(sender, p)
			}
		} else {
			p.settle(nil, fmt.Errorf("send %s request: %w", method, err))
		}

		return p.outcome()
	}

	select {
	case <-p.done:
	case <-p.ctx.Done():
		cause := context.Cause(p.ctx)

		if p.settle(nil, errors.Cancelled(cause)) {
			if stderrors.Is(cause, errors.ErrRequestTimeout) {
				d.log.Warn("Request timed out", "request_id", requestID, "method", method, "timeout", opts.Timeout)
			} else {
				d.log.Debug("Request cancelled", "request_id", requestID, "method", method, "cause", cause)
			}

			d.notifyCancel(sender, p)
		}
	}

	result, err := p.outcome()
	if err == nil {
		d.log.Debug("Request completed", "request_id", requestID, "method", method)
	}

	return result, err
}

// notifyCancel tells the peer that this side gave up on p.
func (d *Dispatcher) notifyCancel(sender MessageSender, p *pendingRequest) {
	d.requests.abandon(p.id, d.handlerTimeout)

	d.spawn(func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.handlerTimeout)
		defer cancel()

		if err := d.send(ctx, sender, p.id, message.TypeCancel, p.method, nil); err != nil {
			d.log.Debug("Could not notify peer of cancellation", "request_id", p.id, "error", err)
		}
	})
}

// DispatchResponse sends the terminal Response for an inbound request and
// removes its correlation entry.
func (d *Dispatcher) DispatchResponse(ctx context.Context, sender MessageSender, requestID string, payload any) error {
	p, err := d.inboundEntry(requestID)
	if err != nil {
		return err
	}

	msg, err := message.New(requestID, message.TypeResponse, p.method, payload)
	if err != nil {
		return fmt.Errorf("build %s response: %w", p.method, err)
	}

	return d.sendTerminal(ctx, sender, p, msg)
}

// DispatchFault sends a Fault.
//
// With a request id it is the terminal reply for that inbound request and
// removes its correlation entry. With an empty request id it is an
// envelope-level fault not tied to any exchange, sent with a fresh id and
// Method None.
func (d *Dispatcher) DispatchFault(ctx context.Context, sender MessageSender, requestID, text string) error {
	fault, err := message.NewFault(text)
	if err != nil {
		return fmt.Errorf("build fault: %w", err)
	}

	if requestID == "" {
		return d.send(ctx, sender, d.newID(), message.TypeFault, message.MethodNone, fault)
	}

	p, err := d.inboundEntry(requestID)
	if err != nil {
		return err
	}

	msg, err := message.New(requestID, message.TypeFault, p.method, fault)
	if err != nil {
		return fmt.Errorf("build %s fault: %w", p.method, err)
	}

	return d.sendTerminal(ctx, sender, p, msg)
}

// DispatchProgress reports progress on an inbound request and restarts its
// timeout window. The entry stays open.
func (d *Dispatcher) DispatchProgress(ctx context.Context, sender MessageSender, requestID string, percent float64) error {
	p, err := d.inboundEntry(requestID)
	if err != nil {
		return err
	}

	if p.responded.Load() {
		return errors.ErrResponseAlreadySent
	}

	progress, err := message.NewProgress(percent)
	if err != nil {
		return fmt.Errorf("build progress: %w", err)
	}

	p.extend()

	return d.send(ctx, sender, requestID, message.TypeProgress, p.method, progress)
}

// DispatchCancel sends a Cancel for an exchange that is still in flight. The
// entry stays open until the peer acknowledges or replies.
func (d *Dispatcher) DispatchCancel(ctx context.Context, sender MessageSender, requestID string) error {
	p, ok := d.requests.get(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrNoRequestContext, requestID)
	}

	return d.send(ctx, sender, requestID, message.TypeCancel, p.method, nil)
}

func (d *Dispatcher) inboundEntry(requestID string) (*pendingRequest, error) {
	p, ok := d.requests.get(requestID)
	if !ok || !p.inbound {
		return nil, fmt.Errorf("%w: %s", errors.ErrNoRequestContext, requestID)
	}

	return p, nil
}

// sendTerminal claims p's terminal reply, sends msg and removes p.
func (d *Dispatcher) sendTerminal(ctx context.Context, sender MessageSender, p *pendingRequest, msg *message.Message) error {
	if !p.responded.CompareAndSwap(false, true) {
		return errors.ErrResponseAlreadySent
	}

	defer d.requests.remove(p)

	return d.sendMessage(ctx, sender, msg)
}

func (d *Dispatcher) send(
	ctx context.Context,
	sender MessageSender,
	requestID string,
	typ message.Type,
	method message.Method,
	payload any,
) error {
	msg, err := message.New(requestID, typ, method, payload)
	if err != nil {
		return err
	}

	return d.sendMessage(ctx, sender, msg)
}

func (d *Dispatcher) sendMessage(ctx context.Context, sender MessageSender, msg *message.Message) error {
	if sender == nil {
		return nil
	}

	if err := sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s %s: %w", msg.Method(), msg.Type(), err)
	}

	return nil
}

// HandleMessage routes one inbound message.
//
// Replies to outbound requests settle the waiting caller. Requests are
// handed to the registered handler on a new goroutine. Messages that match
// neither are reported as *errors.UnroutableMessageError, except Progress
// with no handler to receive it, which is dropped.
//
// ctx bounds only the routing step. Handlers run under the dispatcher's own
// lifetime and the handler timeout.
func (d *Dispatcher) HandleMessage(ctx context.Context, sender MessageSender, msg *message.Message) error {
	if ctx.Err() != nil {
		return errors.Cancelled(context.Cause(ctx))
	}

	if p, ok := d.requests.get(msg.RequestID()); ok {
		if p.inbound {
			return d.handleForInbound(sender, p, msg)
		}

		return d.handleForOutbound(p, msg)
	}

	switch msg.Type() {
	case message.TypeRequest:
		return d.handleRequest(sender, msg)
	case message.TypeProgress:
		d.handleProgress(msg)

		return nil
	default:
		if d.requests.forget(msg.RequestID()) {
			d.log.Debug("Consumed reply to abandoned request",
				"request_id", msg.RequestID(), "type", msg.Type(), "method", msg.Method())

			return nil
		}

		return unroutable(msg, "no request in flight with this id")
	}
}

// handleForOutbound applies a peer reply to a request this side sent.
func (d *Dispatcher) handleForOutbound(p *pendingRequest, msg *message.Message) error {
	switch msg.Type() {
	case message.TypeResponse:
		result, err := p.decode(msg)
		if err != nil {
			d.log.Warn("Failed to decode response", "request_id", p.id, "method", p.method, "error", err)
		}

		p.settle(result, err)

	case message.TypeProgress:
		if _, err := message.DecodePayload[message.Progress](msg); err != nil {
			d.log.Warn("Ignoring invalid progress", "request_id", p.id, "error", err)

			return err
		}

		if p.keepAlive {
			p.extend()
		}

	case message.TypeFault:
		text := "peer reported a fault without a message"

		fault, err := message.DecodePayload[message.Fault](msg)
		if err != nil {
			d.log.Warn("Failed to decode fault", "request_id", p.id, "error", err)
		} else if fault != nil {
			text = fault.Message
		}

		p.settle(nil, &errors.FaultError{RequestID: p.id, Message: text})

	case message.TypeCancel:
		p.settle(nil, errors.Cancelled(errors.ErrCancelledByPeer))

	default:
		return unroutable(msg, "request id already in flight")
	}

	return nil
}

// handleForInbound applies a peer message to a request this side is servicing.
func (d *Dispatcher) handleForInbound(sender MessageSender, p *pendingRequest, msg *message.Message) error {
	switch msg.Type() {
	case message.TypeCancel:
		if !p.responded.CompareAndSwap(false, true) {
			d.log.Debug("Cancel arrived after reply", "request_id", p.id)

			return nil
		}

		d.log.Debug("Peer cancelled request", "request_id", p.id, "method", p.method)

		p.cancel(errors.ErrCancelledByPeer)
		d.requests.remove(p)

		d.spawn(func() {
			ctx, cancel := context.WithTimeout(d.ctx, d.handlerTimeout)
			defer cancel()

			if err := d.send(ctx, sender, p.id, message.TypeCancel, p.method, nil); err != nil {
				d.log.Debug("Failed to acknowledge cancellation", "request_id", p.id, "error", err)
			}
		})

		return nil

	case message.TypeProgress:
		return nil

	default:
		return unroutable(msg, "request id already being serviced")
	}
}

// handleRequest starts servicing a new inbound request.
func (d *Dispatcher) handleRequest(sender MessageSender, msg *message.Message) error {
	handler, ok := d.handlers.TryGet(msg.Method())
	if !ok {
		d.log.Warn("No handler registered", "request_id", msg.RequestID(), "method", msg.Method())

		d.spawn(func() {
			sendCtx, cancel := context.WithTimeout(d.ctx, d.handlerTimeout)
			defer cancel()

			fault := &message.Fault{Message: fmt.Sprintf("no handler registered for method %s", msg.Method())}
			if err := d.send(sendCtx, sender, msg.RequestID(), message.TypeFault, msg.Method(), fault); err != nil {
				d.log.Debug("Failed to send fault for unhandled request", "request_id", msg.RequestID(), "error", err)
			}
		})

		return unroutable(msg, "no handler registered")
	}

	p := newPendingRequest(d.ctx, msg.RequestID(), msg.Method(), true,
		RequestOptions{Timeout: d.handlerTimeout}, nil)

	if err := d.requests.add(p); err != nil {
		p.release()

		return err
	}

	d.log.Debug("Dispatching request to handler", "request_id", p.id, "method", p.method)

	responder := &responder{dispatcher: d, sender: sender, request: p}

	if !d.spawn(func() { d.runHandler(handler, p, responder, msg) }) {
		d.requests.remove(p)
		p.release()

		return errors.ErrConnectionClosed
	}

	return nil
}

func (d *Dispatcher) runHandler(
	handler RequestHandler,
	p *pendingRequest,
	responder *responder,
	msg *message.Message,
) {
	defer p.release()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("Request handler panicked", "request_id", p.id, "method", p.method, "panic", r)

				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()

		return handler.HandleRequest(p.ctx, msg, responder)
	}()

	if p.responded.Load() {
		if err != nil {
			d.log.Debug("Handler returned error after replying", "request_id", p.id, "error", err)
		}

		return
	}

	if err == nil {
		err = stderrors.New("handler returned without sending a response")
	} else if p.ctx.Err() != nil && stderrors.Is(context.Cause(p.ctx), errors.ErrRequestTimeout) {
		err = fmt.Errorf("%w: %w", errors.ErrRequestTimeout, err)
	}

	d.log.Warn("Handler did not reply, sending fault", "request_id", p.id, "method", p.method, "error", err)

	sendCtx, cancel := context.WithTimeout(d.ctx, d.handlerTimeout)
	defer cancel()

	if sendErr := d.DispatchFault(sendCtx, responder.sender, p.id, err.Error()); sendErr != nil &&
		!stderrors.Is(sendErr, errors.ErrResponseAlreadySent) {
		d.log.Debug("Failed to send handler fault", "request_id", p.id, "error", sendErr)
	}
}

// handleProgress delivers Progress for an unknown request to the handler
// for its method, if that handler accepts progress.
func (d *Dispatcher) handleProgress(msg *message.Message) {
	handler, ok := d.handlers.TryGet(msg.Method())
	if !ok {
		d.log.Debug("Dropping progress with no handler", "request_id", msg.RequestID(), "method", msg.Method())

		return
	}

	progressHandler, ok := handler.(ProgressHandler)
	if !ok {
		d.log.Debug("Dropping progress, handler does not accept it", "request_id", msg.RequestID(), "method", msg.Method())

		return
	}

	d.spawn(func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.handlerTimeout)
		defer cancel()

		if err := progressHandler.HandleProgress(ctx, msg); err != nil {
			d.log.Warn("Progress handler failed", "request_id", msg.RequestID(), "error", err)
		}
	})
}

// spawn runs fn on a tracked goroutine. It reports false once the dispatcher
// is closed.
func (d *Dispatcher) spawn(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	d.wg.Go(fn)

	return true
}

// Close fails every outbound request with errors.ErrConnectionClosed,
// cancels every running handler and waits for them to return. It is safe to
// call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		remaining := d.requests.close()
		for _, p := range remaining {
			if p.inbound {
				p.cancel(errors.ErrConnectionClosed)
			} else {
				p.settle(nil, errors.ErrConnectionClosed)
			}
		}

		d.cancel()

		done := make(chan struct{})

		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(handlerDrainTimeout):
			d.log.Warn("Handlers still running after close", "timeout", handlerDrainTimeout)
		}

		d.log.Debug("Dispatcher closed", "abandoned_requests", len(remaining))
	})
}

func unroutable(msg *message.Message, reason string) error {
	return &errors.UnroutableMessageError{
		RequestID: msg.RequestID(),
		Type:      msg.Type().String(),
		Method:    msg.Method().String(),
		Reason:    reason,
	}
}

// responder is the Responder handed to a handler for one inbound request.
type responder struct {
	dispatcher *Dispatcher
	sender     MessageSender
	request    *pendingRequest
}

func (r *responder) SendResponse(ctx context.Context, payload any) error {
	if r.request.responded.Load() {
		return errors.ErrResponseAlreadySent
	}

	return r.dispatcher.DispatchResponse(ctx, r.sender, r.request.id, payload)
}

func (r *responder) SendFault(ctx context.Context, text string) error {
	if r.request.responded.Load() {
		return errors.ErrResponseAlreadySent
	}

	return r.dispatcher.DispatchFault(ctx, r.sender, r.request.id, text)
}

func (r *responder) SendProgress(ctx context.Context, percent float64) error {
	return r.dispatcher.DispatchProgress(ctx, r.sender, r.request.id, percent)
}
