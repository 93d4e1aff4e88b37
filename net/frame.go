package net

import (
	"sync"
	"sync/atomic"
)

// Direction tells which way frames travel, it decides whether they carry the magic.
type Direction uint8

const (
	// Upstream frames go from client to server: magic ++ u32(len(magic)+len(body)) ++ body.
	Upstream Direction = iota
	// Downstream frames go from server to client: u32(len(body)) ++ body.
	Downstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// chunk is a receive buffer shared by the decoder and the frames sliced out of it.
type chunk struct {
	buf  []byte
	refs atomic.Int32
}

var chunkPool = sync.Pool{
	New: func() any { return &chunk{buf: make([]byte, defaultReadBufferSize)} },
}

func newChunk(size int) *chunk {
	var c *chunk
	if size <= defaultReadBufferSize {
		c = chunkPool.Get().(*chunk)
	} else {
		c = &chunk{buf: make([]byte, size)}
	}
	c.refs.Store(1)
	return c
}

func (c *chunk) retain() {
	c.refs.Add(1)
}

func (c *chunk) release() {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("net: receive buffer released too many times")
	}
	if n == 0 && len(c.buf) == defaultReadBufferSize {
		chunkPool.Put(c)
	}
}

// Frame is one decoded frame. In composite read mode Body aliases the shared
// receive buffer, whoever holds the frame must call Release exactly once per
// Retain plus once for the initial reference.
type Frame struct {
	// Length is the value carried in the length field.
	Length uint32
	Body   []byte

	chunk *chunk
	refs  atomic.Int32
}

func newFrame(length uint32, body []byte, c *chunk) *Frame {
	f := &Frame{Length: length, Body: body, chunk: c}
	f.refs.Store(1)
	return f
}

// Retain adds a reference, typically before handing the frame to another goroutine.
func (f *Frame) Retain() *Frame {
	if f.refs.Add(1) <= 1 {
		panic("net: retain of released frame")
	}
	return f
}

// Release drops a reference. The body must not be touched after the last release.
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	if n < 0 {
		panic("net: frame released too many times")
	}
	if n == 0 {
		if f.chunk != nil {
			f.chunk.release()
			f.chunk = nil
		}
		f.Body = nil
	}
}

// RefCount returns the current number of references.
func (f *Frame) RefCount() int32 {
	return f.refs.Load()
}
