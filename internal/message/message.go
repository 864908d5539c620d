package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
)

// Type classifies a message within an exchange.
type Type string

const (
	// TypeRequest opens an exchange.
	TypeRequest Type = "Request"
	// TypeResponse terminates an exchange successfully.
	TypeResponse Type = "Response"
	// TypeProgress reports progress on an open exchange.
	TypeProgress Type = "Progress"
	// TypeFault terminates an exchange with an error.
	TypeFault Type = "Fault"
	// TypeCancel cancels an exchange, or acknowledges a cancellation.
	TypeCancel Type = "Cancel"
)

// Types lists every recognized message type.
var Types = []Type{TypeRequest, TypeResponse, TypeProgress, TypeFault, TypeCancel}

// Valid reports whether t is a recognized message type.
func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeProgress, TypeFault, TypeCancel:
		return true
	default:
		return false
	}
}

func (t Type) String() string { return string(t) }

// Method names the operation an exchange carries.
type Method string

const (
	// MethodNone is the sentinel for envelope-only faults not tied to a request.
	MethodNone                    Method = "None"
	MethodClose                   Method = "Close"
	MethodCopyFilesInPackage      Method = "CopyFilesInPackage"
	MethodCopyNupkgFile           Method = "CopyNupkgFile"
	MethodGetCredentials          Method = "GetCredentials"
	MethodGetFilesInPackage       Method = "GetFilesInPackage"
	MethodGetOperationClaims      Method = "GetOperationClaims"
	MethodGetPackageHash          Method = "GetPackageHash"
	MethodGetPackageVersions      Method = "GetPackageVersions"
	MethodGetServiceIndex         Method = "GetServiceIndex"
	MethodHandshake               Method = "Handshake"
	MethodInitialize              Method = "Initialize"
	MethodLog                     Method = "Log"
	MethodMonitorNuGetProcessExit Method = "MonitorNuGetProcessExit"
	MethodPrefetchPackage         Method = "PrefetchPackage"
	MethodSetCredentials          Method = "SetCredentials"
	MethodSetLogLevel             Method = "SetLogLevel"
)

// Methods lists every recognized method. New operations are added here.
var Methods = []Method{
	MethodNone,
	MethodClose,
	MethodCopyFilesInPackage,
	MethodCopyNupkgFile,
	MethodGetCredentials,
	MethodGetFilesInPackage,
	MethodGetOperationClaims,
	MethodGetPackageHash,
	MethodGetPackageVersions,
	MethodGetServiceIndex,
	MethodHandshake,
	MethodInitialize,
	MethodLog,
	MethodMonitorNuGetProcessExit,
	MethodPrefetchPackage,
	MethodSetCredentials,
	MethodSetLogLevel,
}

var knownMethods = func() map[Method]struct{} {
	m := make(map[Method]struct{}, len(Methods))
	for _, method := range Methods {
		m[method] = struct{}{}
	}

	return m
}()

// Valid reports whether m is a recognized method.
func (m Method) Valid() bool {
	_, ok := knownMethods[m]

	return ok
}

func (m Method) String() string { return string(m) }

// Message is the immutable protocol envelope.
type Message struct {
	requestID string
	typ       Type
	method    Method
	payload   json.RawMessage
}

// wireMessage is the JSON shape of a Message.
type wireMessage struct {
	RequestID string          `json:"RequestId"` //nolint:tagliatelle // protocol uses PascalCase
	Type      Type            `json:"Type"`
	Method    Method          `json:"Method"`
	Payload   json.RawMessage `json:"Payload,omitempty"`
}

// New constructs a validated message.
//
// The payload may be nil (absent), a json.RawMessage holding a JSON object, or
// any value that marshals to a JSON object. Values implementing Validate() are
// validated before encoding.
func New(requestID string, typ Type, method Method, payload any) (*Message, error) {
	if requestID == "" {
		return nil, &errors.MalformedMessageError{Reason: "RequestId must not be empty"}
	}

	if !typ.Valid() {
		return nil, &errors.MalformedMessageError{Reason: fmt.Sprintf("invalid message type %q", typ)}
	}

	if !method.Valid() {
		return nil, &errors.MalformedMessageError{Reason: fmt.Sprintf("invalid message method %q", method)}
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		requestID: requestID,
		typ:       typ,
		method:    method,
		payload:   raw,
	}, nil
}

// RequestID returns the exchange identifier.
func (m *Message) RequestID() string { return m.requestID }

// Type returns the message type.
func (m *Message) Type() Type { return m.typ }

// Method returns the operation name.
func (m *Message) Method() Method { return m.method }

// HasPayload reports whether the message carries a payload.
func (m *Message) HasPayload() bool { return len(m.payload) > 0 }

// Payload returns a copy of the raw payload, or nil when absent.
func (m *Message) Payload() json.RawMessage {
	if len(m.payload) == 0 {
		return nil
	}

	return bytes.Clone(m.payload)
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		RequestID: m.requestID,
		Type:      m.typ,
		Method:    m.method,
		Payload:   m.payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler with full envelope validation.
func (m *Message) UnmarshalJSON(data []byte) error {
	decoded, err := Unmarshal(data)
	if err != nil {
		return err
	}

	*m = *decoded

	return nil
}

// encodePayload converts a payload value into a raw JSON object.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return checkObject(bytes.Clone(p))
	case []byte:
		return checkObject(bytes.Clone(p))
	}

	if v, ok := payload.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, &errors.MalformedMessageError{Reason: "invalid payload", Err: err}
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &errors.MalformedMessageError{Reason: "encode payload", Err: err}
	}

	return checkObject(data)
}

// checkObject normalizes an absent payload and rejects non-object payloads.
func checkObject(data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] != '{' {
		return nil, &errors.MalformedMessageError{Reason: "payload must be a JSON object", Data: data}
	}

	return json.RawMessage(trimmed), nil
}
