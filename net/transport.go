// Package net implements the kin transport core: framing, protocol
// registration, dispatch, sessions and the reconnecting client.
package net

import "github.com/benbjohnson/clock"

// Transport defines the lifecycle shared by transport components.
type Transport interface {
	// Start initializes and starts the transport service with the provided options.
	// Returns an error if initialization or startup fails.
	Start(TransportOption) error

	// StopRecv stops taking new connections while existing ones keep being served.
	StopRecv() error

	// Stop fully shuts down the transport service, closing all connections and releasing resources.
	// Writes still queued fail with ErrFlushFailed.
	Stop() error
}

// TransportOption wires application code into a transport.
type TransportOption struct {
	// Handler receives messages and connection lifecycle events.
	Handler TransportHandler
	// Registry resolves protocol ids. Nil uses DefaultRegistry.
	Registry *ProtocolRegistry
	// Filters run before the handler in registration order, after the built-in ones.
	Filters []DispatcherFilter
	// Clock drives rate limiting and reconnect timing. Nil uses the wall clock.
	Clock clock.Clock
}

func (o *TransportOption) applyDefaults() {
	if o.Handler == nil {
		o.Handler = BaseHandler{}
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// TransportHandler receives decoded messages and connection lifecycle events.
// Every method runs on the connection worker and must not block, hand slow
// work to a WorkerPool and reply through the session.
type TransportHandler interface {
	// OnMessage is called for every admitted message. A returned error is
	// logged and passed to OnException, the connection stays open.
	OnMessage(s *Session, msg any) error
	// OnActive is called once the connection is ready, before any message.
	OnActive(s *Session)
	// OnInactive is called after the connection closed and its writes were settled.
	OnInactive(s *Session)
	// OnException reports receive-path errors and handler failures.
	OnException(s *Session, err error)
	// OnRateLimited is called for a rejected message whose protocol has no reject callback.
	OnRateLimited(s *Session, msg any)
	// OnReadIdle fires once nothing was read for IdleCfg.ReadIdle.
	OnReadIdle(s *Session)
	// OnWriteIdle fires once nothing was written for IdleCfg.WriteIdle.
	OnWriteIdle(s *Session)
}

// DeliveryReceiver is an optional TransportHandler extension. A handler
// implementing it receives the whole delivery, with protocol metadata, the
// decode time and the receive span context, instead of OnMessage.
//
// Example:
//
//	func (h *GameHandler) OnRecvDispatcherPkg(dd *DispatcherDelivery) error {
//		lag := time.Since(dd.ReceivedAt)
//		...
//	}
type DeliveryReceiver interface {
	OnRecvDispatcherPkg(dd *DispatcherDelivery) error
}

// BaseHandler implements every TransportHandler method as a no-op, embed it
// and override what is needed.
type BaseHandler struct{}

func (BaseHandler) OnMessage(*Session, any) error { return nil }
func (BaseHandler) OnActive(*Session)             {}
func (BaseHandler) OnInactive(*Session)           {}
func (BaseHandler) OnException(*Session, error)   {}
func (BaseHandler) OnRateLimited(*Session, any)   {}
func (BaseHandler) OnReadIdle(*Session)           {}
func (BaseHandler) OnWriteIdle(*Session)          {}

// MessageHandlerFunc adapts a function to a TransportHandler that only handles messages.
type MessageHandlerFunc func(s *Session, msg any) error

type funcHandler struct {
	BaseHandler
	fn MessageHandlerFunc
}

func (h funcHandler) OnMessage(s *Session, msg any) error { return h.fn(s, msg) }

// HandleFunc returns a TransportHandler calling fn for every message.
func HandleFunc(fn MessageHandlerFunc) TransportHandler {
	return funcHandler{fn: fn}
}

// PayloadProcessor is the seam for layers that hold raw bodies, such as a
// replay log. Process decodes and dispatches body as if it had been received
// on s, the future completes once the handler returned.
type PayloadProcessor interface {
	Process(s *Session, body []byte) *Future
}

// FrameReceiver consumes frames produced by a connection's decoder. It owns
// the frame and must release it. Only connection-fatal errors are returned.
type FrameReceiver interface {
	OnFrame(s *Session, f *Frame) error
}
