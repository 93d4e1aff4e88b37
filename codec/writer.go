package codec

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxStringLen is the largest payload a signed 16-bit prefix can describe.
	MaxStringLen = math.MaxInt16
	// MaxBigStringLen is the largest payload an unsigned 16-bit prefix can describe.
	MaxBigStringLen = math.MaxUint16
	// MaxCount is the largest element count of a collection or map.
	MaxCount = math.MaxUint16
)

// Writer is a write-only cursor over a growable byte buffer.
// Fixed-width values are big-endian, signed integers default to zigzag varints.
type Writer struct {
	buf []byte
}

// NewWriter 创建初始容量为 capacity 的写游标.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// WrapWriter reuses b[:0] as backing storage.
func WrapWriter(b []byte) *Writer {
	return &Writer{buf: b[:0]}
}

// Bytes returns the written bytes. The slice aliases the writer's storage.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Cap returns the capacity of the backing storage.
func (w *Writer) Cap() int { return cap(w.buf) }

// Reset discards the written bytes but keeps the storage.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// Truncate shrinks the written region to n bytes.
func (w *Writer) Truncate(n int) {
	if n >= 0 && n <= len(w.buf) {
		w.buf = w.buf[:n]
	}
}

// Reserve appends n zero bytes and returns their offset, for fields patched later.
func (w *Writer) Reserve(n int) int {
	off := len(w.buf)
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
	return off
}

// PutUint32At overwrites 4 bytes at off with v in big-endian order.
func (w *Writer) PutUint32At(off int, v uint32) {
	binary.BigEndian.PutUint32(w.buf[off:off+4], v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteInt8(v int8)   { w.buf = append(w.buf, byte(v)) }
func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteInt16(v int16)   { w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v)) }
func (w *Writer) WriteUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) WriteInt32(v int32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *Writer) WriteUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *Writer) WriteInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }
func (w *Writer) WriteUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *Writer) WriteFloat32(v float32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// WriteVarint32 writes v zigzag-encoded as a base-128 varint.
func (w *Writer) WriteVarint32(v int32) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(int64(v)))
}

// WriteVarint64 writes v zigzag-encoded as a base-128 varint.
func (w *Writer) WriteVarint64(v int64) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
}

// WriteUvarint32 writes v as a plain base-128 varint.
func (w *Writer) WriteUvarint32(v uint32) {
	w.buf = protowire.AppendVarint(w.buf, uint64(v))
}

func (w *Writer) WriteUvarint64(v uint64) {
	w.buf = protowire.AppendVarint(w.buf, v)
}

// WriteString writes s with a signed 16-bit length prefix.
func (w *Writer) WriteString(s string) error {
	if len(s) > MaxStringLen {
		return ErrStringTooLong
	}
	w.WriteInt16(int16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// WriteBigString writes s with an unsigned 16-bit length prefix.
func (w *Writer) WriteBigString(s string) error {
	if len(s) > MaxBigStringLen {
		return ErrStringTooLong
	}
	w.WriteUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// WriteCount writes a collection or map element count.
func (w *Writer) WriteCount(n int) error {
	if n < 0 || n > MaxCount {
		return ErrCollectionTooLarge
	}
	w.WriteUint16(uint16(n))
	return nil
}

// WriteBytes appends raw bytes without a prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}
