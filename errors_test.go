package stdioplugin

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestProcessError_WithExitCodeAndStderr tests ProcessError with exit code and stderr.
func TestProcessError_WithExitCodeAndStderr(t *testing.T) {
	err := &ProcessError{
		ExitCode: 1,
		Stderr:   "Error: feed unreachable",
	}

	require.Error(t, err)
	require.Contains(t, err.Error(), "plugin process failed")
	require.Contains(t, err.Error(), "exit 1")
	require.Contains(t, err.Error(), "feed unreachable")
}

// TestHandshakeFailedError_Unwrap tests that the cause survives wrapping.
func TestHandshakeFailedError_Unwrap(t *testing.T) {
	err := fmt.Errorf("connect: %w", &HandshakeFailedError{
		Reason: "timed out: handshake request failed",
		Err:    fmt.Errorf("%w: %w", ErrOperationCancelled, ErrRequestTimeout),
	})

	require.ErrorIs(t, err, ErrRequestTimeout)
	require.ErrorIs(t, err, ErrOperationCancelled)

	var handshakeErr *HandshakeFailedError
	require.ErrorAs(t, err, &handshakeErr)
	require.Contains(t, handshakeErr.Error(), "handshake failed: timed out")
}

// TestFaultError_Creation tests FaultError formatting.
func TestFaultError_Creation(t *testing.T) {
	err := &FaultError{RequestID: "01J", Message: "package not found"}

	require.Equal(t, "peer fault: package not found", err.Error())
}

// TestUnroutableMessageError_Creation tests UnroutableMessageError formatting.
func TestUnroutableMessageError_Creation(t *testing.T) {
	err := &UnroutableMessageError{
		RequestID: "abc",
		Type:      "Response",
		Method:    "GetPackageHash",
		Reason:    "no request in flight with this id",
	}

	require.Contains(t, err.Error(), "unroutable Response message for GetPackageHash")
	require.Contains(t, err.Error(), "(request abc)")
}

// TestErrorTypes_ImplementPluginError tests the marker interface on every error type.
func TestErrorTypes_ImplementPluginError(t *testing.T) {
	cause := errors.New("cause")

	for _, err := range []error{
		&MalformedMessageError{Reason: "bad", Err: cause},
		&ProtocolError{Err: cause},
		&HandshakeFailedError{Reason: "x"},
		&UnroutableMessageError{},
		&FaultError{Message: "x"},
		&ConnectionError{Err: cause},
		&TransportError{Op: "write", Err: cause},
		&ProcessError{Err: cause},
	} {
		var pluginErr PluginError
		require.ErrorAs(t, err, &pluginErr, "%T", err)
		require.True(t, pluginErr.IsPluginError())
	}
}

// TestTransportError_Unwrap tests that the underlying error can be unwrapped.
func TestTransportError_Unwrap(t *testing.T) {
	innerErr := fmt.Errorf("broken pipe")
	err := &TransportError{Op: "write", Err: innerErr}

	require.ErrorIs(t, err, innerErr)
	require.Equal(t, "transport write: broken pipe", err.Error())
}
