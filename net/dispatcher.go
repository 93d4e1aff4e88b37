// This file implements the message dispatching system: every frame decoded
// on a connection is turned into a message here, passed through the filter
// chain and handed to the TransportHandler on the same connection worker.
package net

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/kin/log"
	"github.com/lcx/kin/metrics"
	"github.com/lcx/kin/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// DispatcherDelivery carries one decoded message through the filter chain.
//
// Fields:
// - Session: the session the frame arrived on
// - ProtoInfo: protocol metadata of the message
// - Msg: the decoded message
// - Frame: the frame the message was decoded from, nil for Process calls.
// Valid only until the handler returns, Retain it to keep the body longer.
// - ReceivedAt: creation time of the message, read from the dispatcher clock
// when the body was decoded. Rate limiting uses it too.
type DispatcherDelivery struct {
	Session    *Session
	ProtoInfo  *ProtocolInfo
	Msg        any
	Frame      *Frame
	ReceivedAt time.Time

	ctx context.Context
}

// Context carries the receive span.
func (dd *DispatcherDelivery) Context() context.Context {
	if dd.ctx == nil {
		return context.Background()
	}
	return dd.ctx
}

// GetProtocolID returns the protocol id of the message.
func (dd *DispatcherDelivery) GetProtocolID() uint32 {
	return dd.ProtoInfo.GetID()
}

// MsgFilterPluginCfg lists protocol ids dropped before they reach the handler.
type MsgFilterPluginCfg struct {
	MsgFilter []uint32 `mapstructure:"msgFilter"`
}

// GetName returns the configuration name for MsgFilterPluginCfg
func (c *MsgFilterPluginCfg) GetName() string {
	return "msg_filter"
}

// Validate validates the MsgFilterPluginCfg parameters
func (c *MsgFilterPluginCfg) Validate() error {
	return nil
}

// DispatcherConfig contains configuration parameters for the dispatcher.
//
// Fields:
// - RecvRateLimit: messages per second paced over the whole receive path, 0 disables pacing (hot reloadable)
// - MsgFilter: protocol ids to drop (hot reloadable)
type DispatcherConfig struct {
	RecvRateLimit int                `mapstructure:"recvRateLimit"`
	MsgFilter     MsgFilterPluginCfg `mapstructure:"msgFilter"`
}

// GetName returns the configuration name for DispatcherConfig
func (c *DispatcherConfig) GetName() string {
	return "kin_dispatcher"
}

// Validate validates the DispatcherConfig parameters
func (c *DispatcherConfig) Validate() error {
	if c.RecvRateLimit < 0 {
		return fmt.Errorf("RecvRateLimit cannot be negative")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	return c.MsgFilter.Validate()
}

// Dispatcher decodes frames into messages and runs them through the filter
// chain to the handler. It implements FrameReceiver and PayloadProcessor.
// One dispatcher is shared by every connection of a server or client.
type Dispatcher struct {
	codec   *MessageCodec
	handler TransportHandler
	clock   clock.Clock

	filters      DispatcherFilterChain
	msgFilterMap atomic.Pointer[map[uint32]struct{}]
	pacer        atomic.Pointer[FunnelRecvLimiter]

	config *DispatcherConfig
	lock   sync.RWMutex
}

// NewDispatcher creates a dispatcher.
// Parameters:
// - cfg: dispatcher settings, nil means no pacing and no filtered ids
// - mc: body codec resolving protocol ids
// - handler: receives admitted messages and error reports
// - clk: clock used for rate limiting, nil uses the wall clock
func NewDispatcher(cfg *DispatcherConfig, mc *MessageCodec, handler TransportHandler, clk clock.Clock) (*Dispatcher, error) {
	if mc == nil {
		return nil, errors.New("message codec cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if cfg == nil {
		cfg = &DispatcherConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}

	d := &Dispatcher{
		codec:   mc,
		handler: handler,
		clock:   clk,
	}
	d.Reload(cfg)

	d.filters = append(d.filters, d.msgFilter)
	d.filters = append(d.filters, d.paceFilter)
	d.filters = append(d.filters, d.rateLimitFilter)
	return d, nil
}

// Reload applies a new configuration while traffic flows.
func (d *Dispatcher) Reload(cfg *DispatcherConfig) {
	d.lock.Lock()
	d.config = cfg
	d.lock.Unlock()

	d.reloadMsgFilterCfg(&cfg.MsgFilter)
	if cfg.RecvRateLimit <= 0 {
		d.pacer.Store(nil)
		return
	}
	if p := d.pacer.Load(); p != nil {
		p.Reload(cfg.RecvRateLimit)
		return
	}
	d.pacer.Store(NewFunnelRecvLimiter(cfg.RecvRateLimit, d.clock))
}

// GetConfig returns the active configuration.
func (d *Dispatcher) GetConfig() *DispatcherConfig {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.config
}

// RegDispatcherFilter appends f to the chain. Filters must be registered before serving starts.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	if f == nil {
		return
	}
	d.filters = append(d.filters, f)
}

// OnFrame implements FrameReceiver. The frame is released before returning.
func (d *Dispatcher) OnFrame(s *Session, f *Frame) error {
	defer f.Release()
	err := d.dispatch(s, f.Body, f)
	if err != nil && isConnFatal(err) {
		return err
	}
	return nil
}

// Process implements PayloadProcessor for bodies that did not come from a frame.
func (d *Dispatcher) Process(s *Session, body []byte) *Future {
	f := newFuture()
	f.complete(d.dispatch(s, body, nil))
	return f
}

func (d *Dispatcher) dispatch(s *Session, body []byte, frame *Frame) error {
	ctx, span := tracing.StartSpanFromContext(context.Background(), "kin.dispatch",
		attribute.Int("kin.body_size", len(body)),
		attribute.Int64("kin.session", int64(s.ID())),
	)
	defer span.End()

	info, msg, err := d.codec.DecodeBody(body)
	if err != nil {
		tracing.RecordError(span, err)
		d.onDecodeError(s, info, err)
		return err
	}
	span.SetAttributes(attribute.Int64("kin.protocol", int64(info.ID)))

	dd := &DispatcherDelivery{
		Session:    s,
		ProtoInfo:  info,
		Msg:        msg,
		Frame:      frame,
		ReceivedAt: d.clock.Now(),
		ctx:        ctx,
	}
	if err = d.filters.Handle(dd, d.handleMsgImpl); err != nil && !errors.Is(err, ErrRateLimited) {
		tracing.RecordError(span, err)
	}
	return err
}

func (d *Dispatcher) onDecodeError(s *Session, info *ProtocolInfo, err error) {
	switch {
	case isConnFatal(err):
		metrics.IncrCounterWithDimGroup("net", "decode_fatal_total", 1, metrics.Dimension{"reason": "corrupt_body"})
		log.Warn().Uint64("session", s.ID()).Err(err).Msg("corrupt message body, closing")
		d.safeException(s, err)
	case errors.Is(err, ErrUnknownProtocolID):
		metrics.IncrCounterWithGroup("net", "unknown_protocol_total", 1)
		log.Warn().Uint64("session", s.ID()).Err(err).Msg("drop message")
	default:
		metrics.IncrCounterWithDimGroup("net", "decode_error_total", 1, metrics.Dimension{"protocol": strconv.FormatUint(uint64(info.GetID()), 10)})
		log.Warn().Uint64("session", s.ID()).Err(err).Msg("decode message failed, drop")
	}
}

// handleMsgImpl is the end of the chain, it calls the handler and recovers its panics.
func (d *Dispatcher) handleMsgImpl(dd *DispatcherDelivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on protocol %d: %v", dd.GetProtocolID(), r)
			log.Error().Uint64("session", dd.Session.ID()).Err(err).Msg("handler panic")
			d.safeException(dd.Session, err)
		}
	}()

	metrics.IncrCounterWithDimGroup("net", "message_in_total", 1, metrics.Dimension{"protocol": dd.ProtoInfo.GetName()})
	if dr, ok := d.handler.(DeliveryReceiver); ok {
		err = dr.OnRecvDispatcherPkg(dd)
	} else {
		err = d.handler.OnMessage(dd.Session, dd.Msg)
	}
	if err != nil {
		log.Warn().Uint64("session", dd.Session.ID()).Uint32("protocol", dd.GetProtocolID()).Err(err).Msg("handler failed")
		d.safeException(dd.Session, err)
	}
	return err
}

func (d *Dispatcher) safeException(s *Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint64("session", s.ID()).Any("panic", r).Msg("OnException panic")
		}
	}()
	d.handler.OnException(s, err)
}
