package net

import (
	"fmt"
	"time"

	"github.com/lcx/kin/log"
	"github.com/lcx/kin/metrics"
)

// DispatcherFilterHandleFunc defines the function signature for filter chain handlers.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter defines a filter (interceptor) inserted in front of the
// handler. It either calls f to continue or returns to stop the message.
type DispatcherFilter func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain represents a chain of filters that process messages
// sequentially in a pipeline pattern.
type DispatcherFilterChain []DispatcherFilter

// Handle processes a message through the entire filter chain using recursion.
// If the chain is empty, it directly calls the provided final handler function.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// reloadMsgFilterCfg publishes a fresh set of filtered protocol ids.
func (d *Dispatcher) reloadMsgFilterCfg(cfg *MsgFilterPluginCfg) {
	m := make(map[uint32]struct{}, len(cfg.MsgFilter))
	for _, id := range cfg.MsgFilter {
		m[id] = struct{}{}
	}
	d.msgFilterMap.Store(&m)
}

// msgFilter drops messages whose protocol id is configured as filtered.
func (d *Dispatcher) msgFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if m := d.msgFilterMap.Load(); m != nil {
		if _, ok := (*m)[dd.GetProtocolID()]; ok {
			log.Debug().Uint32("protocol", dd.GetProtocolID()).Msg("filtered message dropped")
			return nil
		}
	}
	return f(dd)
}

// paceFilter blocks the connection worker until the global pacer grants a slot.
func (d *Dispatcher) paceFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if p := d.pacer.Load(); p != nil {
		p.Take()
	}
	return f(dd)
}

// rateLimitFilter applies the per-protocol admission policy. A rejected
// message goes to the reject callback, or OnRateLimited when there is none,
// and never reaches OnMessage.
func (d *Dispatcher) rateLimitFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	pi := dd.ProtoInfo
	if !pi.HasRateLimit() || pi.RateLimit.Allow(dd.ReceivedAt) {
		return f(dd)
	}

	metrics.IncrCounterWithDimGroup("net", "rate_limited_total", 1, metrics.Dimension{"protocol": pi.GetName()})
	log.Debug().Uint64("session", dd.Session.ID()).Uint32("protocol", pi.ID).Msg("message rate limited")
	if pi.OnReject != nil {
		pi.OnReject(dd.Session, dd.Msg)
	} else {
		d.handler.OnRateLimited(dd.Session, dd.Msg)
	}
	return fmt.Errorf("%w: protocol %d at %s", ErrRateLimited, pi.ID, dd.ReceivedAt.Format(time.RFC3339Nano))
}
