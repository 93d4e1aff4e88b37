package net

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lcx/kin/codec"
)

const lengthFieldLen = 4

type decodeState uint8

const (
	stateReadMagic decodeState = iota
	stateReadLength
	stateReadBody
	stateFailed
)

// FrameDecoder splits a byte stream into frames. It keeps partial fields
// across calls, so input may arrive fragmented or coalesced arbitrarily.
// A decoder belongs to one connection and is not safe for concurrent use.
type FrameDecoder struct {
	magic    []byte
	maxBody  int
	copyMode bool
	bufSize  int

	state   decodeState
	length  uint32
	bodyLen int

	cur      *chunk
	r, w     int
	consumed int64
	err      error
}

// NewFrameDecoder returns a decoder for frames travelling in direction dir.
func NewFrameDecoder(cfg FrameCfg, dir Direction) *FrameDecoder {
	cfg.applyDefaults()
	d := &FrameDecoder{
		maxBody:  cfg.MaxBodySize,
		copyMode: cfg.ReadBufferMode == ReadBufferCopy,
		bufSize:  cfg.ReadBufferSize,
	}
	if dir == Upstream {
		d.magic = []byte(cfg.Magic)
	}
	d.state = d.initialState()
	return d
}

func (d *FrameDecoder) initialState() decodeState {
	if len(d.magic) > 0 {
		return stateReadMagic
	}
	return stateReadLength
}

// Err returns the framing error that stopped the decoder, if any.
func (d *FrameDecoder) Err() error { return d.err }

// Buffered returns the number of received bytes not yet turned into frames.
func (d *FrameDecoder) Buffered() int { return d.w - d.r }

// Consumed returns the number of bytes successfully interpreted so far.
func (d *FrameDecoder) Consumed() int64 { return d.consumed }

// pending is how many more bytes the current field needs.
func (d *FrameDecoder) pending() int {
	var need int
	switch d.state {
	case stateReadMagic:
		need = len(d.magic)
	case stateReadLength:
		need = lengthFieldLen
	case stateReadBody:
		need = d.bodyLen
	}
	if n := need - d.Buffered(); n > 0 {
		return n
	}
	return 0
}

// ensure leaves room for want more bytes after the unread region. A buffer
// still referenced by frames is never rewritten, the unread tail moves to a
// fresh buffer instead.
func (d *FrameDecoder) ensure(want int) {
	if d.cur != nil && len(d.cur.buf)-d.w >= want {
		return
	}
	unread := d.w - d.r
	need := unread + want
	if d.cur != nil && d.cur.refs.Load() == 1 && len(d.cur.buf) >= need {
		copy(d.cur.buf, d.cur.buf[d.r:d.w])
		d.r, d.w = 0, unread
		return
	}
	c := newChunk(max(d.bufSize, need))
	if d.cur != nil {
		copy(c.buf, d.cur.buf[d.r:d.w])
		d.cur.release()
	}
	d.cur = c
	d.r, d.w = 0, unread
}

// Feed appends data and emits every complete frame. It returns the first
// framing error, or the first error returned by emit.
func (d *FrameDecoder) Feed(data []byte, emit func(*Frame) error) error {
	if d.err != nil {
		return d.err
	}
	if len(data) == 0 {
		return nil
	}
	d.ensure(max(len(data), d.pending()))
	d.w += copy(d.cur.buf[d.w:], data)
	return d.decode(emit)
}

// ReadFrom performs one Read from r straight into the receive buffer and
// emits the frames it completes. Read errors are returned as is.
func (d *FrameDecoder) ReadFrom(r io.Reader, emit func(*Frame) error) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.ensure(max(d.pending(), d.bufSize/4, 1))
	n, err := r.Read(d.cur.buf[d.w:])
	if n > 0 {
		d.w += n
		if derr := d.decode(emit); derr != nil {
			return n, derr
		}
	}
	return n, err
}

func (d *FrameDecoder) advance(n int) {
	d.r += n
	d.consumed += int64(n)
}

func (d *FrameDecoder) fail(err error) error {
	d.err = err
	d.state = stateFailed
	// residual bytes are unusable once framing is lost
	d.r = d.w
	return err
}

func (d *FrameDecoder) decode(emit func(*Frame) error) error {
	for {
		avail := d.w - d.r
		switch d.state {
		case stateReadMagic:
			if avail < len(d.magic) {
				return nil
			}
			if !bytes.Equal(d.cur.buf[d.r:d.r+len(d.magic)], d.magic) {
				return d.fail(framingErrorf("magic mismatch"))
			}
			d.advance(len(d.magic))
			d.state = stateReadLength

		case stateReadLength:
			if avail < lengthFieldLen {
				return nil
			}
			length := binary.BigEndian.Uint32(d.cur.buf[d.r : d.r+lengthFieldLen])
			bodyLen := int64(length) - int64(len(d.magic))
			if bodyLen < 0 {
				return d.fail(framingErrorf("length %d shorter than magic", length))
			}
			if bodyLen > int64(d.maxBody) {
				return d.fail(framingErrorf("body of %d bytes exceeds limit %d", bodyLen, d.maxBody))
			}
			d.advance(lengthFieldLen)
			d.length = length
			d.bodyLen = int(bodyLen)
			d.state = stateReadBody

		case stateReadBody:
			if avail < d.bodyLen {
				return nil
			}
			f := d.frame()
			d.advance(d.bodyLen)
			d.state = d.initialState()
			if err := emit(f); err != nil {
				return err
			}

		default:
			return d.err
		}
	}
}

func (d *FrameDecoder) frame() *Frame {
	end := d.r + d.bodyLen
	if d.copyMode {
		body := make([]byte, d.bodyLen)
		copy(body, d.cur.buf[d.r:end])
		return newFrame(d.length, body, nil)
	}
	d.cur.retain()
	return newFrame(d.length, d.cur.buf[d.r:end:end], d.cur)
}

// Release drops the decoder's hold on its receive buffer. Frames already
// emitted stay valid until they are released.
func (d *FrameDecoder) Release() {
	if d.cur != nil {
		d.cur.release()
		d.cur = nil
	}
	d.r, d.w = 0, 0
}

// FrameEncoder writes frame headers around bodies produced in place.
type FrameEncoder struct {
	magic   []byte
	maxBody int
}

// NewFrameEncoder returns an encoder for frames travelling in direction dir.
func NewFrameEncoder(cfg FrameCfg, dir Direction) *FrameEncoder {
	cfg.applyDefaults()
	e := &FrameEncoder{maxBody: cfg.MaxBodySize}
	if dir == Upstream {
		e.magic = []byte(cfg.Magic)
	}
	return e
}

// HeaderLen is the number of bytes written by Begin.
func (e *FrameEncoder) HeaderLen() int {
	return len(e.magic) + lengthFieldLen
}

// Begin writes the magic and a length placeholder, returning the placeholder offset.
func (e *FrameEncoder) Begin(w *codec.Writer) int {
	w.WriteBytes(e.magic)
	return w.Reserve(lengthFieldLen)
}

// Finish patches the length field once the body has been written after Begin.
func (e *FrameEncoder) Finish(w *codec.Writer, lengthOff int) error {
	body := w.Len() - lengthOff - lengthFieldLen
	if body > e.maxBody {
		return framingErrorf("body of %d bytes exceeds limit %d", body, e.maxBody)
	}
	w.PutUint32At(lengthOff, uint32(len(e.magic)+body))
	return nil
}

// Encode writes a complete frame carrying body.
func (e *FrameEncoder) Encode(w *codec.Writer, body []byte) error {
	start := w.Len()
	off := e.Begin(w)
	w.WriteBytes(body)
	if err := e.Finish(w, off); err != nil {
		w.Truncate(start)
		return err
	}
	return nil
}
