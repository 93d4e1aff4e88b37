package net

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/kin/log"
	"github.com/lcx/kin/metrics"
)

const maxWriteBatch = 64

var connSeq atomic.Uint64

// conn drives one socket with a receive goroutine owning the decoder and a
// send goroutine owning writes. Handler callbacks run on the receive goroutine.
type conn struct {
	id       uint64
	side     string
	raw      net.Conn
	sess     *Session
	decoder  *FrameDecoder
	receiver FrameReceiver
	handler  TransportHandler
	idle     *atomic.Pointer[IdleCfg]
	onClosed func(*conn)

	sendCh   chan *outbound
	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	sendDone chan struct{}
	once     sync.Once

	lastRead       atomic.Int64
	lastWrite      atomic.Int64
	readIdleFired  bool
	writeIdleMark  int64
	writeIdleFired bool
	// receiverFailed is set when the receiver returned the error that stops
	// the read loop, the receiver has already reported it.
	receiverFailed bool
}

type connParams struct {
	side     string
	raw      net.Conn
	sess     *Session
	decoder  *FrameDecoder
	receiver FrameReceiver
	handler  TransportHandler
	idle     *atomic.Pointer[IdleCfg]
	sendSize int
	onClosed func(*conn)
}

func newConn(p connParams) *conn {
	c := &conn{
		id:       connSeq.Add(1),
		side:     p.side,
		raw:      p.raw,
		sess:     p.sess,
		decoder:  p.decoder,
		receiver: p.receiver,
		handler:  p.handler,
		idle:     p.idle,
		onClosed: p.onClosed,
		sendCh:   make(chan *outbound, p.sendSize),
		done:     make(chan struct{}),
		sendDone: make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	return c
}

func (c *conn) serve() {
	metrics.AddGaugeWithGroup("net", c.side+"_connections", 1)
	go c.serveSend()
	go c.serveRecv()
}

func (c *conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// enqueue hands a frame to the send goroutine without blocking.
func (c *conn) enqueue(item *outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSessionInactive
	}
	select {
	case c.sendCh <- item:
		return nil
	default:
		metrics.IncrCounterWithGroup("net", "send_queue_full_total", 1)
		return ErrSendQueueFull
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.raw.Close()
	})
}

func (c *conn) serveRecv() {
	defer c.finish()

	if !c.safeCall("OnActive", func() { c.handler.OnActive(c.sess) }) {
		return
	}
	for {
		c.setReadDeadline()
		n, err := c.decoder.ReadFrom(c.raw, c.onFrame)
		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())
			c.readIdleFired = false
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if c.checkIdle() {
				return
			}
			continue
		}
		c.onRecvError(err)
		return
	}
}

func (c *conn) onFrame(f *Frame) error {
	metrics.IncrCounterWithGroup("net", c.side+"_frames_in_total", 1)
	err := c.receiver.OnFrame(c.sess, f)
	if err != nil {
		c.receiverFailed = true
	}
	return err
}

func (c *conn) onRecvError(err error) {
	switch {
	case c.receiverFailed:
		log.Debug().Uint64("session", c.sess.ID()).Err(err).Msg("receiver rejected frame, closing")
	case isConnFatal(err):
		metrics.IncrCounterWithGroup("net", "framing_violation_total", 1)
		log.Warn().Uint64("session", c.sess.ID()).Str("remote", c.raw.RemoteAddr().String()).Err(err).Msg("framing violation, closing")
		c.safeCall("OnException", func() { c.handler.OnException(c.sess, err) })
	case c.isClosed(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Debug().Uint64("session", c.sess.ID()).Err(err).Msg("connection closed")
	default:
		log.Info().Uint64("session", c.sess.ID()).Err(err).Msg("read failed")
		c.safeCall("OnException", func() { c.handler.OnException(c.sess, err) })
	}
}

// checkIdle fires idle callbacks and reports whether the idle timeout expired.
func (c *conn) checkIdle() bool {
	cfg := c.idleCfg()
	now := time.Now()
	sinceRead := now.Sub(time.Unix(0, c.lastRead.Load()))
	lastWrite := c.lastWrite.Load()
	sinceWrite := now.Sub(time.Unix(0, lastWrite))

	if cfg.IdleTimeout > 0 && sinceRead >= cfg.IdleTimeout && sinceWrite >= cfg.IdleTimeout {
		log.Info().Uint64("session", c.sess.ID()).Dur("idle", cfg.IdleTimeout).Msg("idle timeout, closing")
		metrics.IncrCounterWithGroup("net", "idle_timeout_total", 1)
		return true
	}
	if cfg.ReadIdle > 0 && sinceRead >= cfg.ReadIdle && !c.readIdleFired {
		c.readIdleFired = true
		c.safeCall("OnReadIdle", func() { c.handler.OnReadIdle(c.sess) })
	}
	if lastWrite != c.writeIdleMark {
		c.writeIdleFired = false
	}
	if cfg.WriteIdle > 0 && sinceWrite >= cfg.WriteIdle && !c.writeIdleFired {
		c.writeIdleFired = true
		c.writeIdleMark = lastWrite
		c.safeCall("OnWriteIdle", func() { c.handler.OnWriteIdle(c.sess) })
	}
	return false
}

func (c *conn) idleCfg() IdleCfg {
	if c.idle == nil {
		return IdleCfg{}
	}
	if p := c.idle.Load(); p != nil {
		return *p
	}
	return IdleCfg{}
}

func (c *conn) setReadDeadline() {
	if tick := c.idleCfg().tick(); tick > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(tick))
		return
	}
	_ = c.raw.SetReadDeadline(time.Time{})
}

func (c *conn) serveSend() {
	defer close(c.sendDone)

	batch := make([]*outbound, 0, maxWriteBatch)
	for {
		select {
		case <-c.done:
			c.drainPending(net.ErrClosed)
			return
		case item := <-c.sendCh:
			batch = append(batch[:0], item)
			batch = c.collect(batch)
			if err := c.write(batch); err != nil {
				log.Info().Uint64("session", c.sess.ID()).Int("frames", len(batch)).Err(err).Msg("flush failed")
				for _, it := range batch {
					c.sess.flushFailed(it, err)
				}
				c.close()
				c.drainPending(err)
				return
			}
			for _, it := range batch {
				it.future.complete(nil)
			}
		}
	}
}

// collect adds frames already waiting, without blocking.
func (c *conn) collect(batch []*outbound) []*outbound {
	for len(batch) < maxWriteBatch {
		select {
		case item := <-c.sendCh:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

func (c *conn) write(batch []*outbound) error {
	bufs := make(net.Buffers, 0, len(batch))
	size := 0
	for _, it := range batch {
		bufs = append(bufs, it.data)
		size += len(it.data)
	}
	if cfg := c.idleCfg(); cfg.IdleTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(cfg.IdleTimeout))
	}
	if _, err := bufs.WriteTo(c.raw); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	metrics.IncrCounterWithGroup("net", c.side+"_frames_out_total", metrics.Value(len(batch)))
	metrics.IncrCounterWithGroup("net", c.side+"_bytes_out_total", metrics.Value(size))
	return nil
}

// drainPending fails every queued frame in FIFO order. Only called after
// close, so nothing can be enqueued concurrently.
func (c *conn) drainPending(cause error) {
	for {
		select {
		case item := <-c.sendCh:
			c.sess.flushFailed(item, cause)
		default:
			return
		}
	}
}

func (c *conn) finish() {
	c.close()
	<-c.sendDone
	c.decoder.Release()
	metrics.AddGaugeWithGroup("net", c.side+"_connections", -1)
	c.safeCall("OnInactive", func() { c.handler.OnInactive(c.sess) })
	if c.onClosed != nil {
		c.onClosed(c)
	}
}

// safeCall runs a lifecycle callback, a panic is logged and closes the connection.
func (c *conn) safeCall(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint64("session", c.sess.ID()).Str("callback", name).Any("panic", r).Msg("handler panic")
			c.close()
			ok = false
		}
	}()
	fn()
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
