// Package transport owns the physical I/O of a plugin connection.
//
// A Sender serializes outbound messages onto a write stream, one JSON
// document per line, in the order Send was called. A Receiver decodes
// consecutive JSON documents from a read stream and publishes them, in
// arrival order, on its MessageReceived signal. A read or parse failure is
// published exactly once on the Faulted signal and stops the Receiver.
//
// Neither type calls back into its subscribers from the I/O goroutine:
// inbound events are queued and delivered by a separate event pump so a slow
// subscriber never stalls the read loop.
package transport
