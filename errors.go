package stdioplugin

import "github.com/wagiedev/stdioplugin-go/internal/errors"

// Re-export error types from internal package

// PluginError is the base interface for all plugin protocol errors.
type PluginError = errors.PluginError

// MalformedMessageError indicates an envelope or payload failed validation.
type MalformedMessageError = errors.MalformedMessageError

// ProtocolError indicates the inbound stream failed. It is fatal to the connection.
type ProtocolError = errors.ProtocolError

// HandshakeFailedError indicates no protocol version was agreed.
type HandshakeFailedError = errors.HandshakeFailedError

// UnroutableMessageError indicates an inbound message matched no exchange and no handler.
type UnroutableMessageError = errors.UnroutableMessageError

// FaultError indicates the peer answered a request with a Fault.
type FaultError = errors.FaultError

// ConnectionError indicates the transport or plugin process could not be started.
type ConnectionError = errors.ConnectionError

// TransportError indicates an I/O failure on one of the streams.
type TransportError = errors.TransportError

// ProcessError indicates the plugin process exited with an error.
type ProcessError = errors.ProcessError

// Re-export sentinel errors from internal package.
var (
	// ErrOperationCancelled indicates an exchange was cancelled or timed out.
	ErrOperationCancelled = errors.ErrOperationCancelled

	// ErrRequestTimeout indicates an exchange did not complete within its timeout window.
	ErrRequestTimeout = errors.ErrRequestTimeout

	// ErrCancelledByPeer indicates the peer cancelled the exchange.
	ErrCancelledByPeer = errors.ErrCancelledByPeer

	// ErrConnectionClosed indicates the connection closed before the operation completed.
	ErrConnectionClosed = errors.ErrConnectionClosed

	// ErrInvalidState indicates an operation was attempted in the wrong connection state.
	ErrInvalidState = errors.ErrInvalidState

	// ErrAlreadyConnected indicates a sender or receiver was started twice.
	ErrAlreadyConnected = errors.ErrAlreadyConnected

	// ErrSenderClosed indicates the sender no longer accepts messages.
	ErrSenderClosed = errors.ErrSenderClosed

	// ErrNoRequestContext indicates a reply targeted a request id that is not in flight.
	ErrNoRequestContext = errors.ErrNoRequestContext

	// ErrResponseAlreadySent indicates a handler attempted a second terminal reply.
	ErrResponseAlreadySent = errors.ErrResponseAlreadySent

	// ErrDuplicateHandler indicates a handler is already registered for a method.
	ErrDuplicateHandler = errors.ErrDuplicateHandler

	// ErrInvalidOptions indicates connection options failed validation.
	ErrInvalidOptions = errors.ErrInvalidOptions
)
