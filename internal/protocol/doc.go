// Package protocol implements the plugin protocol engine: request
// correlation, inbound routing, the symmetric version handshake and the
// connection lifecycle.
//
// The Dispatcher multiplexes any number of concurrent exchanges over one
// stream pair. Each exchange is tracked by a correlation entry keyed by its
// request id and is settled exactly once, by a Response, a Fault, a Cancel,
// a timeout or the caller's context. Inbound requests are handed to the
// RequestHandler registered for their method on a tracked goroutine.
//
// The Connection ties a transport.Sender, a transport.Receiver and a
// Dispatcher together and walks the lifecycle
//
//	ReadyToConnect → Connecting → Handshaking → Connected
//
// with Closing → Closed reachable from any state.
//
// Example usage:
//
//	conn, err := protocol.NewConnection(log, sender, receiver, handlers, opts)
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//
//	hash, err := protocol.Call[GetPackageHashResponse](ctx, conn,
//		message.MethodGetPackageHash, req, protocol.RequestOptions{Timeout: 30 * time.Second})
package protocol
