package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/lcx/kin/config"
	"github.com/lcx/kin/log"
	"github.com/lcx/kin/metrics"
)

// ClientState is the connection state of a Client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	// StateDisposed is terminal.
	StateDisposed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisposed:
		return "disposed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// ClientObserver is notified of client lifecycle changes. Callbacks may run
// on any goroutine and must not block.
type ClientObserver interface {
	OnStateChange(c *Client, from, to ClientState)
	// OnReconnectExhausted fires once MaxReconnectAttempts failures happened in a row.
	OnReconnectExhausted(c *Client, err error)
}

// Resolver picks the address to dial for each connection attempt.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Dialer opens connections, *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ReconnectDelay is the wait before reconnect attempt retries+1:
// min(maxDelay, retries*unit). The first retry after a disconnect is immediate.
func ReconnectDelay(retries int, unit, maxDelay time.Duration) time.Duration {
	if retries <= 0 || unit <= 0 {
		return 0
	}
	if time.Duration(retries) > maxDelay/unit {
		return maxDelay
	}
	return min(maxDelay, time.Duration(retries)*unit)
}

// Client keeps one Session connected to a server, reconnecting with a short
// linear backoff. Frames whose flush failed are replayed in order on the next
// connection before any new write.
type Client struct {
	*ClientCfg
	cfgLock sync.RWMutex

	sess       *Session
	dispatcher *Dispatcher
	handler    TransportHandler
	replay     *ReplayQueue
	idle       atomic.Pointer[IdleCfg]

	resolver  Resolver
	dialer    Dialer
	scheduler *Scheduler
	observer  ClientObserver
	clock     clock.Clock

	state    atomic.Int32
	disposed atomic.Bool

	mu      sync.Mutex
	cur     *conn
	retries int
	task    *ScheduledTask
}

// NewClientWithConfigManager creates a Client from the kin_client section
// and registers it for hot reload.
func NewClientWithConfigManager(configManager config.ConfigManager, opt TransportOption, opts ...ClientOption) (*Client, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &ClientCfg{}
	if err := configManager.LoadConfig("kin_client", cfg); err != nil {
		return nil, fmt.Errorf("failed to load kin_client config: %w", err)
	}
	c, err := NewClient(cfg, opt, opts...)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(c)
	return c, nil
}

// NewClient creates a disconnected client, call Connect to start it.
func NewClient(cfg *ClientCfg, opt TransportOption, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("ClientCfg cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cp := *cfg
	cp.applyDefaults()
	opt.applyDefaults()

	c := &Client{
		ClientCfg: &cp,
		handler:   opt.Handler,
		replay:    NewReplayQueue(cp.ReplayQueueSize),
		dialer:    &net.Dialer{},
		clock:     opt.Clock,
	}
	for _, o := range opts {
		o(c)
	}
	if c.scheduler == nil {
		c.scheduler = DefaultScheduler()
	}
	if c.resolver == nil && cp.Addr == "" {
		return nil, errors.New("Addr cannot be empty without a resolver")
	}

	mc, err := NewMessageCodec(opt.Registry, cp.Frame)
	if err != nil {
		return nil, err
	}
	c.dispatcher, err = NewDispatcher(&cp.Dispatcher, mc, opt.Handler, c.clock)
	if err != nil {
		return nil, err
	}
	for _, f := range opt.Filters {
		c.dispatcher.RegDispatcherFilter(f)
	}

	c.sess = newSession(mc, NewFrameEncoder(cp.Frame, Upstream), cp.CloseGrace, c.clock)
	c.sess.setFlushFailHook(c.requeue)
	idle := cp.Idle
	c.idle.Store(&idle)
	return c, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Idle timeouts,
// backoff, pacing and filtered ids apply to the next use.
func (c *Client) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != c.GetConfigName() {
		return nil
	}
	newCfg, ok := newConfig.(*ClientCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Client")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid kin client configuration: %w", err)
	}
	cp := *newCfg
	cp.applyDefaults()
	c.cfgLock.Lock()
	c.ClientCfg = &cp
	c.cfgLock.Unlock()

	idle := cp.Idle
	c.idle.Store(&idle)
	c.dispatcher.Reload(&cp.Dispatcher)
	log.Info().Str("configName", configName).Msg("kin client configuration updated successfully")
	return nil
}

// GetConfigName returns the configuration name this listener is interested in.
func (c *Client) GetConfigName() string {
	return "kin_client"
}

func (c *Client) config() *ClientCfg {
	c.cfgLock.RLock()
	defer c.cfgLock.RUnlock()
	return c.ClientCfg
}

// Session returns the session, stable across reconnects.
func (c *Client) Session() *Session { return c.sess }

// Dispatcher returns the dispatcher serving inbound frames.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// ReplayQueue exposes the pending replay frames.
func (c *Client) ReplayQueue() *ReplayQueue { return c.replay }

// State returns the current state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Write sends msg through the session.
func (c *Client) Write(msg any) *Future {
	return c.sess.Write(msg)
}

// Connect makes one connection attempt. On failure a reconnect is scheduled
// and the error returned, on success the connection is served in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.disposed.Load() {
		return ErrClientDisposed
	}
	if !c.transition(StateDisconnected, StateConnecting) {
		if c.State() == StateDisposed {
			return ErrClientDisposed
		}
		return nil
	}
	if err := c.dial(ctx); err != nil {
		c.onConnectFailed(err)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	cfg := c.config()
	addr := cfg.Addr
	if c.resolver != nil {
		var err error
		if addr, err = c.resolver.Resolve(ctx); err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	raw, err := c.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return err
	}
	return c.attach(raw)
}

// attach binds a fresh socket. Replayed frames enter the new send queue
// before the session can see the connection, so they precede new writes.
func (c *Client) attach(raw net.Conn) error {
	cfg := c.config()

	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		_ = raw.Close()
		return ErrClientDisposed
	}
	pending := c.replay.drain()
	cn := newConn(connParams{
		side:     "client",
		raw:      raw,
		sess:     c.sess,
		decoder:  NewFrameDecoder(cfg.Frame, Downstream),
		receiver: c.dispatcher,
		handler:  c.handler,
		idle:     &c.idle,
		sendSize: cfg.SendChannelSize + len(pending),
		onClosed: c.onConnClosed,
	})
	for _, item := range pending {
		if err := cn.enqueue(item); err != nil {
			item.future.complete(err)
		}
	}
	c.cur = cn
	c.retries = 0
	c.task = nil
	c.sess.rebind(cn)
	c.mu.Unlock()

	if len(pending) > 0 {
		metrics.IncrCounterWithGroup("net", "replay_frames_total", metrics.Value(len(pending)))
		log.Info().Uint64("session", c.sess.ID()).Int("frames", len(pending)).Msg("replaying failed writes")
	}
	log.Info().Uint64("session", c.sess.ID()).Str("remote", raw.RemoteAddr().String()).Msg("client connected")
	c.transition(StateConnecting, StateConnected)
	cn.serve()
	return nil
}

func (c *Client) onConnClosed(cn *conn) {
	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.mu.Unlock()
	c.sess.unbind(cn)

	if c.disposed.Load() {
		return
	}
	log.Info().Uint64("session", c.sess.ID()).Msg("client disconnected")
	c.transition(StateConnected, StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) onConnectFailed(err error) {
	log.Warn().Uint64("session", c.sess.ID()).Err(err).Msg("client connect failed")
	metrics.IncrCounterWithGroup("net", "connect_failure_total", 1)
	c.transition(StateConnecting, StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	cfg := c.config()

	c.mu.Lock()
	if c.disposed.Load() || c.task != nil {
		c.mu.Unlock()
		return
	}
	if cfg.MaxReconnectAttempts > 0 && c.retries >= cfg.MaxReconnectAttempts {
		retries := c.retries
		c.mu.Unlock()
		err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, retries)
		log.Error().Uint64("session", c.sess.ID()).Err(err).Msg("client gave up reconnecting")
		metrics.IncrCounterWithGroup("net", "reconnect_exhausted_total", 1)
		if c.observer != nil {
			c.observer.OnReconnectExhausted(c, err)
		}
		return
	}
	delay := ReconnectDelay(c.retries, cfg.ReconnectUnit, cfg.MaxReconnectDelay)
	c.retries++
	attempt := c.retries
	var task *ScheduledTask
	task = c.scheduler.Schedule(delay, func() {
		c.mu.Lock()
		if c.task == task {
			c.task = nil
		}
		c.mu.Unlock()
		go c.reconnect(attempt)
	})
	c.task = task
	c.mu.Unlock()

	log.Info().Uint64("session", c.sess.ID()).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Client) reconnect(attempt int) {
	if c.disposed.Load() || !c.transition(StateDisconnected, StateConnecting) {
		return
	}
	metrics.IncrCounterWithGroup("net", "reconnect_attempt_total", 1)
	log.Debug().Uint64("session", c.sess.ID()).Int("attempt", attempt).Msg("reconnecting")
	if err := c.dial(context.Background()); err != nil {
		c.onConnectFailed(err)
	}
}

// requeue is the session's flush failure hook.
func (c *Client) requeue(item *outbound, cause error) error {
	if c.disposed.Load() {
		return ErrClientDisposed
	}
	if err := c.replay.Push(item); err != nil {
		log.Warn().Uint64("session", c.sess.ID()).Err(cause).Msg("replay queue full, drop frame")
		return fmt.Errorf("%w: %w", err, cause)
	}
	return nil
}

// transition moves from -> to, never out of StateDisposed.
func (c *Client) transition(from, to ClientState) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if c.observer != nil {
		c.observer.OnStateChange(c, from, to)
	}
	return true
}

// Dispose stops the client for good: the pending reconnect is cancelled, the
// session disposed and queued replay frames failed. It is idempotent.
func (c *Client) Dispose() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}
	from := ClientState(c.state.Swap(int32(StateDisposed)))
	if c.observer != nil && from != StateDisposed {
		c.observer.OnStateChange(c, from, StateDisposed)
	}

	c.mu.Lock()
	task := c.task
	c.task = nil
	cn := c.cur
	c.cur = nil
	c.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	c.sess.Dispose()
	if cn != nil {
		cn.close()
	}
	c.replay.failAll(ErrClientDisposed)

	var result *multierror.Error
	if cn != nil {
		select {
		case <-cn.sendDone:
		case <-c.clock.After(c.config().CloseGrace):
			result = multierror.Append(result, errors.New("send loop did not stop within close grace"))
		}
	}
	log.Info().Uint64("session", c.sess.ID()).Msg("client disposed")
	return result.ErrorOrNil()
}
