package net

import "github.com/benbjohnson/clock"

// ClientOption defines a functional option for configuring a Client.
//
// Usage example:
// c, err := NewClient(cfg, opt, WithResolver(r), WithObserver(o))
type ClientOption func(*Client)

// WithResolver resolves the address before every connection attempt,
// replacing ClientCfg.Addr.
//
// Parameters:
// - r: the resolver, for example a discovery.ConsulResolver
func WithResolver(r Resolver) ClientOption {
	return func(c *Client) {
		c.resolver = r
	}
}

// WithDialer replaces the default net.Dialer, typically with a TLS dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithScheduler runs reconnect timers on s instead of DefaultScheduler.
func WithScheduler(s *Scheduler) ClientOption {
	return func(c *Client) {
		c.scheduler = s
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o ClientObserver) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// WithClock overrides TransportOption.Clock for this client.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}
