package net

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/kin/codec"
	"github.com/lcx/kin/log"
)

var sessionSeq atomic.Uint64

// outbound is one encoded frame waiting for the socket.
type outbound struct {
	data   []byte
	future *Future
}

// flushFailFunc decides what happens to a frame that could not be written.
// A nil result means the frame was taken over, for example by a replay queue.
type flushFailFunc func(item *outbound, cause error) error

// Session is the stable handle for writing to one peer. It wraps at most one
// live connection, the client swaps that connection on reconnect while the
// session identity stays the same.
type Session struct {
	id         uint64
	mc         *MessageCodec
	enc        *FrameEncoder
	closeGrace time.Duration
	clock      clock.Clock

	mu          sync.RWMutex
	conn        *conn
	onFlushFail flushFailFunc

	disposed atomic.Bool
	alloc    AdaptiveAllocator
	attrs    sync.Map
}

func newSession(mc *MessageCodec, enc *FrameEncoder, closeGrace time.Duration, clk clock.Clock) *Session {
	return &Session{
		id:         sessionSeq.Add(1),
		mc:         mc,
		enc:        enc,
		closeGrace: closeGrace,
		clock:      clk,
	}
}

// ID is unique within the process and survives reconnects.
func (s *Session) ID() uint64 { return s.id }

func (s *Session) currentConn() *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// RemoteAddr returns the peer address of the current connection, nil when detached.
func (s *Session) RemoteAddr() net.Addr {
	if c := s.currentConn(); c != nil {
		return c.raw.RemoteAddr()
	}
	return nil
}

// LocalAddr returns the local address of the current connection, nil when detached.
func (s *Session) LocalAddr() net.Addr {
	if c := s.currentConn(); c != nil {
		return c.raw.LocalAddr()
	}
	return nil
}

// IsActive reports whether writes can currently reach a connection.
func (s *Session) IsActive() bool {
	if s.disposed.Load() {
		return false
	}
	c := s.currentConn()
	return c != nil && !c.isClosed()
}

// IsDisposed reports whether Dispose was called.
func (s *Session) IsDisposed() bool {
	return s.disposed.Load()
}

// NewOutboundBuffer returns a writer sized from the previous frames.
func (s *Session) NewOutboundBuffer() *codec.Writer {
	return codec.NewWriter(s.alloc.Guess())
}

// Attr returns a value stored with SetAttr.
func (s *Session) Attr(key any) (any, bool) {
	return s.attrs.Load(key)
}

// SetAttr stores per-session state for handlers, it survives reconnects.
func (s *Session) SetAttr(key, val any) {
	s.attrs.Store(key, val)
}

// Write encodes msg and queues it on the current connection. Encode errors
// and writes on a disposed or detached session complete the future at once.
func (s *Session) Write(msg any) *Future {
	if s.disposed.Load() {
		return failedFuture(ErrSessionDisposed)
	}
	data, err := s.encode(msg)
	if err != nil {
		log.Error().Uint64("session", s.id).Err(err).Msg("encode message failed")
		return failedFuture(err)
	}
	return s.writeFrame(data)
}

// WritePayload frames an already encoded message body.
func (s *Session) WritePayload(body []byte) *Future {
	if s.disposed.Load() {
		return failedFuture(ErrSessionDisposed)
	}
	w := s.NewOutboundBuffer()
	if err := s.enc.Encode(w, body); err != nil {
		return failedFuture(fmt.Errorf("%w: %w", ErrEncodeFailure, err))
	}
	s.alloc.Record(w.Len())
	return s.writeFrame(w.Bytes())
}

// WriteAndClose writes msg and closes the connection once the write settled,
// or after the close grace period if it stalls.
func (s *Session) WriteAndClose(msg any) *Future {
	c := s.currentConn()
	f := s.Write(msg)
	if c == nil {
		return f
	}
	timer := s.clock.AfterFunc(s.closeGrace, func() {
		log.Warn().Uint64("session", s.id).Dur("grace", s.closeGrace).Msg("write stalled, force close")
		c.close()
	})
	f.OnComplete(func(error) {
		timer.Stop()
		c.close()
	})
	return f
}

func (s *Session) encode(msg any) ([]byte, error) {
	w := s.NewOutboundBuffer()
	off := s.enc.Begin(w)
	if _, err := s.mc.EncodeBody(w, msg); err != nil {
		return nil, err
	}
	if err := s.enc.Finish(w, off); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailure, err)
	}
	s.alloc.Record(w.Len())
	return w.Bytes(), nil
}

func (s *Session) writeFrame(data []byte) *Future {
	c := s.currentConn()
	if c == nil {
		return failedFuture(ErrSessionInactive)
	}
	item := &outbound{data: data, future: newFuture()}
	if err := c.enqueue(item); err != nil {
		item.future.complete(err)
	}
	return item.future
}

// flushFailed settles a frame the connection could not write.
func (s *Session) flushFailed(item *outbound, cause error) {
	s.mu.RLock()
	hook := s.onFlushFail
	s.mu.RUnlock()

	err := fmt.Errorf("%w: %w", ErrFlushFailed, cause)
	if hook != nil && !s.disposed.Load() {
		if err = hook(item, cause); err == nil {
			return
		}
	}
	item.future.complete(err)
}

func (s *Session) setFlushFailHook(fn flushFailFunc) {
	s.mu.Lock()
	s.onFlushFail = fn
	s.mu.Unlock()
}

// rebind attaches c, a disposed session closes it right away.
func (s *Session) rebind(c *conn) bool {
	s.mu.Lock()
	if s.disposed.Load() {
		s.mu.Unlock()
		c.close()
		return false
	}
	s.conn = c
	s.mu.Unlock()
	return true
}

// unbind detaches c if it is still the current connection.
func (s *Session) unbind(c *conn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
}

// Close closes the current connection but keeps the session usable. A
// client session reconnects afterwards.
func (s *Session) Close() {
	if c := s.currentConn(); c != nil {
		c.close()
	}
}

// Dispose permanently closes the session, it is idempotent. Later writes
// fail with ErrSessionDisposed.
func (s *Session) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c != nil {
		c.close()
	}
}
