package codec

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Reader is a read-only cursor over a byte slice.
// A failed read leaves the position where it was before the call.
type Reader struct {
	buf []byte
	pos int
}

// NewReader 创建读游标, 不拷贝 b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Reset points the reader at b from the start.
func (r *Reader) Reset(b []byte) {
	r.buf = b
	r.pos = 0
}

// Position returns the read offset.
func (r *Reader) Position() int { return r.pos }

// Rewind moves the read offset back to pos, as returned by Position.
func (r *Reader) Rewind(pos int) {
	if pos >= 0 && pos <= len(r.buf) {
		r.pos = pos
	}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrBufferUnderflow
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func (r *Reader) readUvarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.pos:])
	if n < 0 {
		// a short buffer has every remaining byte flagged as a continuation
		for i := r.pos; i < len(r.buf); i++ {
			if r.buf[i] < 0x80 {
				return 0, ErrVarintOverflow
			}
		}
		if r.Remaining() < binary.MaxVarintLen64 {
			return 0, ErrBufferUnderflow
		}
		return 0, ErrVarintOverflow
	}
	r.pos += n
	return v, nil
}

// ReadVarint32 reads a zigzag varint and checks it fits in 32 bits.
func (r *Reader) ReadVarint32() (int32, error) {
	start := r.pos
	u, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	v := protowire.DecodeZigZag(u)
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.pos = start
		return 0, ErrVarintOverflow
	}
	return int32(v), nil
}

func (r *Reader) ReadVarint64() (int64, error) {
	u, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(u), nil
}

func (r *Reader) ReadUvarint32() (uint32, error) {
	start := r.pos
	u, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	if u > math.MaxUint32 {
		r.pos = start
		return 0, ErrVarintOverflow
	}
	return uint32(u), nil
}

func (r *Reader) ReadUvarint64() (uint64, error) {
	return r.readUvarint()
}

// ReadString reads a string with a signed 16-bit length prefix.
func (r *Reader) ReadString() (string, error) {
	start := r.pos
	n, err := r.ReadInt16()
	if err != nil {
		return "", err
	}
	if n < 0 {
		r.pos = start
		return "", ErrStringTooLong
	}
	b, err := r.take(int(n))
	if err != nil {
		r.pos = start
		return "", err
	}
	return string(b), nil
}

// ReadBigString reads a string with an unsigned 16-bit length prefix.
func (r *Reader) ReadBigString() (string, error) {
	start := r.pos
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		r.pos = start
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadCount() (int, error) {
	n, err := r.ReadUint16()
	return int(n), err
}

// ReadBytes returns the next n bytes without copying.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.take(n)
}

// ReadRemaining returns every unread byte without copying.
func (r *Reader) ReadRemaining() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}
