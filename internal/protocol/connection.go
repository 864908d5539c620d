package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blang/semver/v4"
	"github.com/maniartech/signals"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/stdioplugin-go/internal/config"
	"github.com/wagiedev/stdioplugin-go/internal/errors"
	"github.com/wagiedev/stdioplugin-go/internal/message"
	"github.com/wagiedev/stdioplugin-go/internal/transport"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	// StateReadyToConnect is the initial state.
	StateReadyToConnect State = iota
	// StateConnecting means the sender and receiver are starting.
	StateConnecting
	// StateHandshaking means the protocol version is being negotiated.
	StateHandshaking
	// StateConnected means the handshake succeeded.
	StateConnected
	// StateFailedToHandshake means no protocol version was agreed.
	StateFailedToHandshake
	// StateClosing means Close is tearing the connection down.
	StateClosing
	// StateClosed is the final state.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReadyToConnect:
		return "ReadyToConnect"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateFailedToHandshake:
		return "FailedToHandshake"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Connection is one end of a plugin protocol channel.
//
// A Connection owns a Sender, a Receiver and a Dispatcher. Connect starts the
// I/O loops and runs the symmetric handshake; Close tears everything down
// exactly once no matter how many goroutines call it.
type Connection struct {
	log        *slog.Logger
	options    *config.Options
	sender     *transport.Sender
	receiver   *transport.Receiver
	dispatcher *Dispatcher

	state   atomic.Int32
	version atomic.Pointer[semver.Version]

	startOnce sync.Once
	started   chan struct{}
	closing   chan struct{}
	closed    chan struct{}
	closeErr  error

	listenerKey     string
	faulted         signals.Signal[error]
	unroutable      signals.Signal[error]
	messageReceived signals.Signal[*message.Message]
}

// Compile-time verification that Connection can carry dispatcher traffic.
var _ MessageSender = (*Connection)(nil)

// NewConnection creates a connection over sender and receiver.
//
// handlers may be nil, in which case an empty registry is created. The
// options are resolved (defaults, environment) and validated.
func NewConnection(
	log *slog.Logger,
	sender *transport.Sender,
	receiver *transport.Receiver,
	handlers *RequestHandlers,
	options *config.Options,
) (*Connection, error) {
	resolved, err := options.Resolve()
	if err != nil {
		return nil, err
	}

	if handlers == nil {
		handlers = NewRequestHandlers()
	}

	c := &Connection{
		log:             log.With("component", "connection"),
		options:         resolved,
		sender:          sender,
		receiver:        receiver,
		dispatcher:      NewDispatcher(log, handlers, resolved.HandshakeTimeout),
		started:         make(chan struct{}),
		closing:         make(chan struct{}),
		closed:          make(chan struct{}),
		listenerKey:     "connection-" + ulid.Make().String(),
		faulted:         transport.NewSignal[error](),
		unroutable:      transport.NewSignal[error](),
		messageReceived: transport.NewSignal[*message.Message](),
	}

	receiver.MessageReceived().AddListener(c.onMessage, c.listenerKey)
	receiver.Faulted().AddListener(c.onFaulted, c.listenerKey)

	return c, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// ProtocolVersion returns the negotiated protocol version, or nil before the
// handshake succeeds.
func (c *Connection) ProtocolVersion() *semver.Version {
	return c.version.Load()
}

// Options returns the resolved connection options.
func (c *Connection) Options() *config.Options {
	return c.options
}

// Handlers returns the registry consulted for inbound requests.
func (c *Connection) Handlers() *RequestHandlers {
	return c.dispatcher.Handlers()
}

// Dispatcher returns the connection's dispatcher.
func (c *Connection) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Done is closed once Close has finished.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Faulted is emitted with a *errors.ProtocolError when the inbound stream
// fails. The connection closes itself right after.
func (c *Connection) Faulted() signals.Signal[error] {
	return c.faulted
}

// Unroutable is emitted with a *errors.UnroutableMessageError for every
// inbound message that matched no exchange and no handler.
func (c *Connection) Unroutable() signals.Signal[error] {
	return c.unroutable
}

// MessageReceived is emitted for every inbound message before it is routed.
func (c *Connection) MessageReceived() signals.Signal[*message.Message] {
	return c.messageReceived
}

// Connect starts the sender and receiver and negotiates a protocol version.
//
// It fails with errors.ErrInvalidState unless the connection is
// ReadyToConnect, with *errors.ConnectionError if the transport cannot
// start, with *errors.HandshakeFailedError if no version is agreed in time,
// and with an error matching errors.ErrOperationCancelled if ctx ends first.
// After a failed Connect the caller should Close the connection.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateReadyToConnect), int32(StateConnecting)) {
		return fmt.Errorf("%w: connect requires %s, connection is %s",
			errors.ErrInvalidState, StateReadyToConnect, c.State())
	}

	c.log.Info("Connecting")
	c.startOnce.Do(func() { close(c.started) })

	handshake := newSymmetricHandshake(c.log, c.dispatcher, c,
		c.options.ProtocolVersion, c.options.MinimumProtocolVersion)

	handlers := c.dispatcher.Handlers()
	if !handlers.TryAdd(message.MethodHandshake, handshake) {
		return fmt.Errorf("%w: %s", errors.ErrDuplicateHandler, message.MethodHandshake)
	}
	defer handlers.TryRemove(message.MethodHandshake)

	var g errgroup.Group

	g.Go(c.sender.Connect)
	g.Go(c.receiver.Connect)

	if err := g.Wait(); err != nil {
		c.log.Error("Failed to start transport", "error", err)

		return &errors.ConnectionError{Err: err}
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateHandshaking)) {
		return errors.ErrConnectionClosed
	}

	hsCtx, cancel := context.WithTimeoutCause(ctx, c.options.HandshakeTimeout, errors.ErrRequestTimeout)
	defer cancel()

	version, err := handshake.run(hsCtx, ctx)
	if err != nil {
		c.state.CompareAndSwap(int32(StateHandshaking), int32(StateFailedToHandshake))

		if stderrors.Is(err, errors.ErrOperationCancelled) && ctx.Err() != nil {
			c.log.Debug("Connect cancelled during handshake", "error", err)
		} else {
			c.log.Warn("Handshake failed", "error", err)
		}

		return err
	}

	c.version.CompareAndSwap(nil, &version)

	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateConnected)) {
		return errors.ErrConnectionClosed
	}

	c.log.Info("Connected", "protocol_version", version.String())

	return nil
}

// Send writes msg to the peer.
//
// Before Connect has been called Send waits for it, for Close, or for ctx.
func (c *Connection) Send(ctx context.Context, msg *message.Message) error {
	select {
	case <-c.started:
	case <-c.closing:
		return errors.ErrConnectionClosed
	case <-ctx.Done():
		return errors.Cancelled(context.Cause(ctx))
	}

	select {
	case <-c.closing:
		return errors.ErrConnectionClosed
	default:
	}

	return c.sender.Send(ctx, msg)
}

// Call sends a request to the peer over c and waits for the reply, decoding
// the Response payload into TIn. Error semantics are those of Request.
func Call[TIn any](
	ctx context.Context,
	c *Connection,
	method message.Method,
	payload any,
	opts RequestOptions,
) (*TIn, error) {
	return Request[TIn](ctx, c.dispatcher, c, method, payload, opts)
}

// Close tears the connection down: it stops the sender and receiver, fails
// every pending request, cancels every running handler and waits for them.
// Concurrent and repeated calls all wait for the same teardown and return
// the same result.
func (c *Connection) Close() error {
	for {
		current := c.state.Load()

		if current == int32(StateClosing) || current == int32(StateClosed) {
			<-c.closed

			return c.closeErr
		}

		if c.state.CompareAndSwap(current, int32(StateClosing)) {
			break
		}
	}

	c.log.Debug("Closing connection")
	close(c.closing)

	var g errgroup.Group

	g.Go(c.sender.Close)
	g.Go(c.receiver.Close)

	c.closeErr = g.Wait()

	// The event pump has stopped, nothing emits on these any more.
	c.receiver.MessageReceived().RemoveListener(c.listenerKey)
	c.receiver.Faulted().RemoveListener(c.listenerKey)

	c.dispatcher.Close()

	c.state.CompareAndSwap(int32(StateClosing), int32(StateClosed))
	close(c.closed)

	c.log.Info("Connection closed")

	return c.closeErr
}

func (c *Connection) onMessage(ctx context.Context, msg *message.Message) {
	c.messageReceived.Emit(ctx, msg)

	err := c.dispatcher.HandleMessage(ctx, c, msg)
	if err == nil {
		return
	}

	if _, ok := stderrors.AsType[*errors.UnroutableMessageError](err); ok {
		c.log.Warn("Unroutable message", "error", err)
		c.unroutable.Emit(ctx, err)

		return
	}

	c.log.Debug("Failed to route message", "request_id", msg.RequestID(), "error", err)
}

func (c *Connection) onFaulted(ctx context.Context, err error) {
	c.log.Error("Connection faulted", "error", err)
	c.faulted.Emit(ctx, err)

	go func() {
		if closeErr := c.Close(); closeErr != nil {
			c.log.Debug("Close after fault failed", "error", closeErr)
		}
	}()
}
