package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
)

// envelopeSchema describes the JSON shape of every protocol message.
func envelopeSchema() *jsonschema.Schema {
	typeNames := make([]any, 0, len(Types))
	for _, t := range Types {
		typeNames = append(typeNames, string(t))
	}

	methodNames := make([]any, 0, len(Methods))
	for _, m := range Methods {
		methodNames = append(methodNames, string(m))
	}

	minLength := 1

	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"RequestId", "Type", "Method"},
		Properties: map[string]*jsonschema.Schema{
			"RequestId": {Type: "string", MinLength: &minLength},
			"Type":      {Type: "string", Enum: typeNames},
			"Method":    {Type: "string", Enum: methodNames},
			"Payload":   {Types: []string{"object", "null"}},
		},
	}
}

var resolvedEnvelope = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	return envelopeSchema().Resolve(nil)
})

// Marshal encodes a message as a single-line JSON document.
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, &errors.MalformedMessageError{Reason: "nil message"}
	}

	return json.Marshal(m)
}

// Unmarshal decodes and validates one JSON document into a Message.
func Unmarshal(data []byte) (*Message, error) {
	var instance any

	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, &errors.MalformedMessageError{Reason: "invalid JSON", Err: err, Data: data}
	}

	if _, ok := instance.(map[string]any); !ok {
		return nil, &errors.MalformedMessageError{Reason: "message must be a JSON object", Data: data}
	}

	schema, err := resolvedEnvelope()
	if err != nil {
		return nil, fmt.Errorf("resolve envelope schema: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return nil, &errors.MalformedMessageError{Reason: "invalid envelope", Err: err, Data: data}
	}

	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &errors.MalformedMessageError{Reason: "decode envelope", Err: err, Data: data}
	}

	return New(wire.RequestID, wire.Type, wire.Method, wire.Payload)
}

// DecodePayload decodes the message payload into T.
//
// An absent payload yields (nil, nil). When *T implements Validate() the
// decoded value is validated, and a failure is reported as a
// *errors.MalformedMessageError.
func DecodePayload[T any](m *Message) (*T, error) {
	if m == nil || len(m.payload) == 0 {
		return nil, nil
	}

	out := new(T)

	dec := json.NewDecoder(bytes.NewReader(m.payload))
	if err := dec.Decode(out); err != nil {
		return nil, &errors.MalformedMessageError{
			Reason: fmt.Sprintf("decode %s payload", m.method),
			Err:    err,
			Data:   m.Payload(),
		}
	}

	if v, ok := any(out).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, &errors.MalformedMessageError{
				Reason: fmt.Sprintf("invalid %s payload", m.method),
				Err:    err,
				Data:   m.Payload(),
			}
		}
	}

	return out, nil
}
