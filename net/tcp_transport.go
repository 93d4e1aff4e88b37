package net

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/lcx/kin/codec"
	"github.com/lcx/kin/config"
	"github.com/lcx/kin/log"
	"github.com/lcx/kin/metrics"
)

// Server accepts kin connections. Every connection gets its own Session and
// a pair of goroutines, frames arrive upstream and leave downstream.
type Server struct {
	*ServerCfg
	lock     sync.RWMutex
	sessions map[uint64]*Session

	handler    TransportHandler
	mc         *MessageCodec
	encoder    *FrameEncoder
	dispatcher *Dispatcher
	clock      clock.Clock
	idle       atomic.Pointer[IdleCfg]

	listener    net.Listener
	started     atomic.Bool
	recvStopped atomic.Bool
	wg          sync.WaitGroup
	connWg      sync.WaitGroup
}

// NewServerWithConfigManager creates a Server that supports configuration hot-reload.
// It loads the kin_server section and registers itself as a change listener.
func NewServerWithConfigManager(configManager config.ConfigManager) (*Server, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &ServerCfg{}
	if err := configManager.LoadConfig("kin_server", cfg); err != nil {
		return nil, fmt.Errorf("failed to load kin_server config: %w", err)
	}

	s := NewServerWithConfig(cfg)
	configManager.AddChangeListener(s)
	return s, nil
}

// NewServerWithConfig creates a Server with the provided configuration.
func NewServerWithConfig(cfg *ServerCfg) *Server {
	cp := *cfg
	cp.applyDefaults()
	s := &Server{
		ServerCfg: &cp,
		sessions:  make(map[uint64]*Session),
	}
	idle := cp.Idle
	s.idle.Store(&idle)
	return s
}

// OnConfigChanged implements config.ConfigChangeListener. Idle timeouts,
// pacing and filtered ids take effect on live connections, the rest on restart.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != s.GetConfigName() {
		return nil
	}
	newCfg, ok := newConfig.(*ServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Server")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid kin server configuration: %w", err)
	}

	cp := *newCfg
	cp.applyDefaults()
	s.lock.Lock()
	s.ServerCfg = &cp
	d := s.dispatcher
	s.lock.Unlock()

	idle := cp.Idle
	s.idle.Store(&idle)
	if d != nil {
		d.Reload(&cp.Dispatcher)
	}
	log.Info().Str("configName", configName).Msg("kin server configuration updated successfully")
	return nil
}

// GetConfigName returns the configuration name this listener is interested in.
func (s *Server) GetConfigName() string {
	return "kin_server"
}

func (s *Server) config() *ServerCfg {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.ServerCfg
}

// Start listens on Addr and serves connections in the background.
func (s *Server) Start(opt TransportOption) error {
	metrics.IncrCounterWithGroup("net", "transport_start_total", 1)
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	cfg := s.config()
	if err := cfg.Validate(); err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "config"})
		return err
	}

	opt.applyDefaults()
	mc, err := NewMessageCodec(opt.Registry, cfg.Frame)
	if err != nil {
		return err
	}
	d, err := NewDispatcher(&cfg.Dispatcher, mc, opt.Handler, opt.Clock)
	if err != nil {
		return err
	}
	for _, f := range opt.Filters {
		d.RegDispatcherFilter(f)
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen fail: %w", err)
	}

	s.lock.Lock()
	s.handler = opt.Handler
	s.mc = mc
	s.encoder = NewFrameEncoder(cfg.Frame, Downstream)
	s.dispatcher = d
	s.clock = opt.Clock
	s.listener = listener
	s.lock.Unlock()

	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": "tcp"})
	log.Info().Str("addr", listener.Addr().String()).Str("tag", cfg.Tag).Msg("kin server listening")

	s.wg.Add(1)
	go s.serve(listener)
	return nil
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Dispatcher returns the dispatcher created by Start.
func (s *Server) Dispatcher() *Dispatcher {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.dispatcher
}

// StopRecv stops accepting connections, established ones keep being served.
func (s *Server) StopRecv() error {
	if !s.recvStopped.CompareAndSwap(false, true) {
		return nil
	}
	s.lock.RLock()
	l := s.listener
	s.lock.RUnlock()
	if l == nil {
		return nil
	}
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Stop closes the listener and every session, then waits until every
// connection finished. It must not be called from a handler callback.
func (s *Server) Stop() error {
	var result *multierror.Error
	if err := s.StopRecv(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}
	s.wg.Wait()
	for _, sess := range s.Sessions() {
		sess.Dispose()
	}
	s.connWg.Wait()
	log.Info().Msg("kin server stopped")
	return result.ErrorOrNil()
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := listener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		s.accept(raw)
	}
}

func (s *Server) accept(raw net.Conn) {
	cfg := s.config()
	if cfg.MaxConnections > 0 && s.getCurrentConnCount() >= cfg.MaxConnections {
		metrics.IncrCounterWithDimGroup("net", "connection_reject_total", 1, metrics.Dimension{"reason": "max_connections"})
		log.Warn().Str("remote", raw.RemoteAddr().String()).Int("max", cfg.MaxConnections).Msg("too many connections")
		_ = raw.Close()
		return
	}
	if tc, ok := raw.(*net.TCPConn); ok && cfg.MaxBufferSize > 0 {
		if err := tc.SetReadBuffer(cfg.MaxBufferSize); err != nil {
			log.Error().Int("BufSize", cfg.MaxBufferSize).Err(err).Msg("Set read buffer err")
		}
		if err := tc.SetWriteBuffer(cfg.MaxBufferSize); err != nil {
			log.Error().Int("BufSize", cfg.MaxBufferSize).Err(err).Msg("Set write buffer err")
		}
	}

	s.lock.RLock()
	mc, enc, d, handler, clk := s.mc, s.encoder, s.dispatcher, s.handler, s.clock
	s.lock.RUnlock()

	sess := newSession(mc, enc, cfg.CloseGrace, clk)
	c := newConn(connParams{
		side:     "server",
		raw:      raw,
		sess:     sess,
		decoder:  NewFrameDecoder(cfg.Frame, Upstream),
		receiver: d,
		handler:  handler,
		idle:     &s.idle,
		sendSize: cfg.SendChannelSize,
		onClosed: func(*conn) {
			s.removeSession(sess.ID())
			s.connWg.Done()
		},
	})
	s.connWg.Add(1)
	sess.rebind(c)
	s.addSession(sess)

	metrics.IncrCounterWithGroup("net", "connection_success_total", 1)
	log.Info().Uint64("session", sess.ID()).Str("remote", raw.RemoteAddr().String()).Msg("connection accepted")
	c.serve()
}

// Session looks up a live session by id.
func (s *Server) Session(id uint64) (*Session, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot of the live sessions ordered by id.
func (s *Server) Sessions() []*Session {
	s.lock.RLock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.lock.RUnlock()
	slices.SortFunc(list, func(a, b *Session) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return list
}

// Broadcast encodes msg once and queues it on every live session. It returns
// the encode error, or the aggregated enqueue failures.
func (s *Server) Broadcast(msg any) error {
	s.lock.RLock()
	mc, enc := s.mc, s.encoder
	s.lock.RUnlock()
	if mc == nil {
		return errors.New("server not started")
	}

	w := codec.NewWriter(256)
	off := enc.Begin(w)
	if _, err := mc.EncodeBody(w, msg); err != nil {
		return err
	}
	if err := enc.Finish(w, off); err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailure, err)
	}

	var result *multierror.Error
	for _, sess := range s.Sessions() {
		f := sess.writeFrame(w.Bytes())
		if f.IsDone() && f.Err() != nil {
			result = multierror.Append(result, fmt.Errorf("session %d: %w", sess.ID(), f.Err()))
		}
	}
	return result.ErrorOrNil()
}

// CloseConn closes the connection of session id.
func (s *Server) CloseConn(id uint64) error {
	sess, ok := s.Session(id)
	if !ok {
		return fmt.Errorf("kin server CloseConn not found session: %d", id)
	}
	sess.Dispose()
	return nil
}

func (s *Server) addSession(sess *Session) {
	s.lock.Lock()
	s.sessions[sess.ID()] = sess
	n := len(s.sessions)
	s.lock.Unlock()
	metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(n))
}

func (s *Server) removeSession(id uint64) {
	s.lock.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.lock.Unlock()
	metrics.IncrCounterWithGroup("net", "connection_close_total", 1)
	metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(n))
}

// getCurrentConnCount returns the current number of connections
func (s *Server) getCurrentConnCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sessions)
}
