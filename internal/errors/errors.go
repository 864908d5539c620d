package errors

import (
	"errors"
	"fmt"
)

// PluginError is the base interface for all plugin protocol errors.
type PluginError interface {
	error
	IsPluginError() bool
}

// Compile-time verification that all error types implement PluginError.
var (
	_ PluginError = (*MalformedMessageError)(nil)
	_ PluginError = (*ProtocolError)(nil)
	_ PluginError = (*HandshakeFailedError)(nil)
	_ PluginError = (*UnroutableMessageError)(nil)
	_ PluginError = (*FaultError)(nil)
	_ PluginError = (*ConnectionError)(nil)
	_ PluginError = (*TransportError)(nil)
	_ PluginError = (*ProcessError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrOperationCancelled indicates an exchange was cancelled or timed out.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrRequestTimeout indicates an exchange did not complete within its timeout window.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrCancelledByPeer indicates the peer cancelled the exchange.
	ErrCancelledByPeer = errors.New("cancelled by peer")

	// ErrConnectionClosed indicates the connection closed before the operation completed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidState indicates an operation was attempted in the wrong connection state.
	ErrInvalidState = errors.New("invalid connection state")

	// ErrAlreadyConnected indicates a sender or receiver loop was already started.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrSenderClosed indicates the sender no longer accepts messages.
	ErrSenderClosed = errors.New("sender closed")

	// ErrNoRequestContext indicates a reply targeted a request id that is not in flight.
	ErrNoRequestContext = errors.New("no request context for request id")

	// ErrResponseAlreadySent indicates a handler attempted a second terminal reply.
	ErrResponseAlreadySent = errors.New("response already sent")

	// ErrDuplicateHandler indicates a handler is already registered for a method.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrInvalidOptions indicates connection options failed validation.
	ErrInvalidOptions = errors.New("invalid connection options")
)

// MalformedMessageError indicates an envelope or payload failed schema invariants.
type MalformedMessageError struct {
	Reason string
	Err    error
	Data   []byte
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}

	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// IsPluginError implements PluginError.
func (e *MalformedMessageError) IsPluginError() bool { return true }

// ProtocolError wraps any failure raised while reading or parsing the inbound stream.
// It is fatal to the receiver that raised it.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsPluginError implements PluginError.
func (e *ProtocolError) IsPluginError() bool { return true }

// HandshakeFailedError indicates no compatible protocol version was negotiated.
type HandshakeFailedError struct {
	Reason string
	Err    error
}

func (e *HandshakeFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}

	return "handshake failed: " + e.Reason
}

func (e *HandshakeFailedError) Unwrap() error {
	return e.Err
}

// IsPluginError implements PluginError.
func (e *HandshakeFailedError) IsPluginError() bool { return true }

// UnroutableMessageError indicates an inbound message matched neither a pending
// exchange nor a registered handler.
type UnroutableMessageError struct {
	RequestID string
	Type      string
	Method    string
	Reason    string
}

func (e *UnroutableMessageError) Error() string {
	return fmt.Sprintf("unroutable %s message for %s (request %s): %s",
		e.Type, e.Method, e.RequestID, e.Reason)
}

// IsPluginError implements PluginError.
func (e *UnroutableMessageError) IsPluginError() bool { return true }

// FaultError indicates the peer answered a request with a Fault.
type FaultError struct {
	RequestID string
	Message   string
}

func (e *FaultError) Error() string {
	return "peer fault: " + e.Message
}

// IsPluginError implements PluginError.
func (e *FaultError) IsPluginError() bool { return true }

// ConnectionError indicates the transport could not be started.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to start connection: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsPluginError implements PluginError.
func (e *ConnectionError) IsPluginError() bool { return true }

// TransportError indicates an I/O failure on one of the streams.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsPluginError implements PluginError.
func (e *TransportError) IsPluginError() bool { return true }

// ProcessError indicates the plugin process failed.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("plugin process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsPluginError implements PluginError.
func (e *ProcessError) IsPluginError() bool { return true }

// Cancelled builds the error returned for a cancelled exchange. The result
// matches ErrOperationCancelled as well as the given cause.
func Cancelled(cause error) error {
	if cause == nil || errors.Is(cause, ErrOperationCancelled) {
		return ErrOperationCancelled
	}

	return fmt.Errorf("%w: %w", ErrOperationCancelled, cause)
}
