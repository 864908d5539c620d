package stdioplugin

import (
	"context"
	"slices"

	"github.com/wagiedev/stdioplugin-go/internal/config"
	"github.com/wagiedev/stdioplugin-go/internal/message"
	"github.com/wagiedev/stdioplugin-go/internal/protocol"
)

// Re-export types from internal packages

// ===== Options =====

// Options configures a plugin connection.
type Options = config.Options

// ===== Messages =====

// Message is the immutable protocol envelope.
type Message = message.Message

// Type classifies a message within an exchange.
type Type = message.Type

const (
	// TypeRequest opens an exchange.
	TypeRequest = message.TypeRequest
	// TypeResponse terminates an exchange successfully.
	TypeResponse = message.TypeResponse
	// TypeProgress reports progress on an open exchange.
	TypeProgress = message.TypeProgress
	// TypeFault terminates an exchange with an error.
	TypeFault = message.TypeFault
	// TypeCancel cancels an exchange, or acknowledges a cancellation.
	TypeCancel = message.TypeCancel
)

// Method names the operation an exchange carries.
type Method = message.Method

const (
	MethodNone                    = message.MethodNone
	MethodClose                   = message.MethodClose
	MethodCopyFilesInPackage      = message.MethodCopyFilesInPackage
	MethodCopyNupkgFile           = message.MethodCopyNupkgFile
	MethodGetCredentials          = message.MethodGetCredentials
	MethodGetFilesInPackage       = message.MethodGetFilesInPackage
	MethodGetOperationClaims      = message.MethodGetOperationClaims
	MethodGetPackageHash          = message.MethodGetPackageHash
	MethodGetPackageVersions      = message.MethodGetPackageVersions
	MethodGetServiceIndex         = message.MethodGetServiceIndex
	MethodHandshake               = message.MethodHandshake
	MethodInitialize              = message.MethodInitialize
	MethodLog                     = message.MethodLog
	MethodMonitorNuGetProcessExit = message.MethodMonitorNuGetProcessExit
	MethodPrefetchPackage         = message.MethodPrefetchPackage
	MethodSetCredentials          = message.MethodSetCredentials
	MethodSetLogLevel             = message.MethodSetLogLevel
)

// Methods returns every method the protocol defines.
func Methods() []Method {
	return slices.Clone(message.Methods)
}

// ResponseCode is the outcome reported in a handshake response.
type ResponseCode = message.ResponseCode

const (
	ResponseCodeSuccess  = message.ResponseCodeSuccess
	ResponseCodeError    = message.ResponseCodeError
	ResponseCodeNotFound = message.ResponseCodeNotFound
)

// HandshakeRequest is the payload of a Handshake request.
type HandshakeRequest = message.HandshakeRequest

// HandshakeResponse is the payload of a Handshake response.
type HandshakeResponse = message.HandshakeResponse

// Progress is the payload of a Progress message.
type Progress = message.Progress

// Fault is the payload of a Fault message.
type Fault = message.Fault

// NewMessage constructs a validated message.
func NewMessage(requestID string, typ Type, method Method, payload any) (*Message, error) {
	return message.New(requestID, typ, method, payload)
}

// DecodePayload decodes msg's payload into T. An absent payload yields (nil, nil).
func DecodePayload[T any](msg *Message) (*T, error) {
	return message.DecodePayload[T](msg)
}

// ===== Connection =====

// Connection is one end of a plugin protocol channel.
type Connection = protocol.Connection

// State is the lifecycle state of a Connection.
type State = protocol.State

const (
	StateReadyToConnect    = protocol.StateReadyToConnect
	StateConnecting        = protocol.StateConnecting
	StateHandshaking       = protocol.StateHandshaking
	StateConnected         = protocol.StateConnected
	StateFailedToHandshake = protocol.StateFailedToHandshake
	StateClosing           = protocol.StateClosing
	StateClosed            = protocol.StateClosed
)

// RequestOptions controls a single outbound request.
type RequestOptions = protocol.RequestOptions

// Call sends a request over conn and waits for the reply, decoding the
// Response payload into TIn.
//
// A Fault reply is returned as *FaultError. Cancellation and timeout match
// ErrOperationCancelled together with their cause (ErrRequestTimeout,
// ErrCancelledByPeer or the context error).
func Call[TIn any](ctx context.Context, conn *Connection, method Method, payload any, opts RequestOptions) (*TIn, error) {
	return protocol.Call[TIn](ctx, conn, method, payload, opts)
}

// ===== Handlers =====

// Responder sends the reply for one inbound request.
type Responder = protocol.Responder

// RequestHandler services inbound requests for one method.
type RequestHandler = protocol.RequestHandler

// ProgressHandler is implemented by handlers that want Progress messages
// addressed to requests they are no longer servicing.
type ProgressHandler = protocol.ProgressHandler

// HandlerFunc adapts a function returning a response payload to a RequestHandler.
type HandlerFunc = protocol.HandlerFunc

// RequestHandlers maps methods to the handlers that service them.
type RequestHandlers = protocol.RequestHandlers

// NewRequestHandlers creates an empty handler registry.
func NewRequestHandlers() *RequestHandlers {
	return protocol.NewRequestHandlers()
}
