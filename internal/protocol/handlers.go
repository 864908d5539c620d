package protocol

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/wagiedev/stdioplugin-go/internal/message"
)

// Responder sends the reply for one inbound request.
//
// Exactly one of SendResponse or SendFault may succeed; later calls return
// errors.ErrResponseAlreadySent. SendProgress may be called any number of
// times before the terminal reply and extends the request's timeout window.
type Responder interface {
	SendResponse(ctx context.Context, payload any) error
	SendFault(ctx context.Context, message string) error
	SendProgress(ctx context.Context, percent float64) error
}

// RequestHandler services inbound requests for one method.
//
// HandleRequest runs on its own goroutine. ctx is cancelled when the peer
// cancels the request, when the request times out, or when the connection
// closes. If HandleRequest returns without replying, the dispatcher replies
// with a Fault carrying the returned error.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *message.Message, responder Responder) error
}

// ProgressHandler is implemented by handlers that want Progress messages
// addressed to requests they are no longer servicing.
type ProgressHandler interface {
	HandleProgress(ctx context.Context, progress *message.Message) error
}

// HandlerFunc adapts a function returning a response payload to a
// RequestHandler. A non-nil error is sent to the peer as a Fault.
type HandlerFunc func(ctx context.Context, req *message.Message) (any, error)

// HandleRequest implements RequestHandler.
func (f HandlerFunc) HandleRequest(ctx context.Context, req *message.Message, responder Responder) error {
	payload, err := f(ctx, req)
	if err != nil {
		return err
	}

	return responder.SendResponse(ctx, payload)
}

// RequestHandlers maps methods to the handlers that service them.
// It is safe for concurrent use.
type RequestHandlers struct {
	mu       sync.RWMutex
	handlers map[message.Method]RequestHandler
}

// NewRequestHandlers creates an empty registry.
func NewRequestHandlers() *RequestHandlers {
	return &RequestHandlers{handlers: make(map[message.Method]RequestHandler, 4)}
}

// TryAdd registers handler for method unless one is already registered.
func (r *RequestHandlers) TryAdd(method message.Method, handler RequestHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; exists {
		return false
	}

	r.handlers[method] = handler

	return true
}

// AddOrUpdate registers handler for method, replacing any existing handler.
func (r *RequestHandlers) AddOrUpdate(method message.Method, handler RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[method] = handler
}

// TryGet returns the handler registered for method.
func (r *RequestHandlers) TryGet(method message.Method) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[method]

	return handler, ok
}

// TryRemove unregisters the handler for method.
func (r *RequestHandlers) TryRemove(method message.Method) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; !exists {
		return false
	}

	delete(r.handlers, method)

	return true
}

// Methods returns the registered methods in sorted order.
func (r *RequestHandlers) Methods() []message.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.handlers))
}
