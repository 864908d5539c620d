// Package errors defines error types for the stdio plugin protocol.
//
// This package provides structured error types that wrap the different failure
// scenarios of a plugin connection: malformed wire data, transport faults,
// handshake failures, unroutable messages and faults reported by the peer.
// All error types support error unwrapping and can be checked using errors.Is,
// errors.As, and errors.AsType.
package errors
