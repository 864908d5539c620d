// Package message defines the wire envelope of the plugin protocol and the
// typed payloads the protocol engine itself understands.
//
// Every message on the wire is a single JSON object:
//
//	{"RequestId":"01J...","Type":"Request","Method":"Handshake","Payload":{...}}
//
// The envelope is validated against a JSON Schema on every decode, and each
// typed payload (HandshakeRequest, HandshakeResponse, Progress, Fault) checks
// its own invariants. Any violation surfaces as *errors.MalformedMessageError.
//
// Absent fields are omitted on encode. Enumerations are encoded by name and
// semantic versions as canonical dotted strings ("1.0.0").
package message
