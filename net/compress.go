package net

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// CompressionType is the one-byte tag written in front of a compressed body.
type CompressionType uint8

const (
	CompressNone CompressionType = iota
	CompressS2
	CompressZstd
)

func (t CompressionType) String() string {
	switch t {
	case CompressNone:
		return "none"
	case CompressS2:
		return "s2"
	case CompressZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(t))
}

// ParseCompressionType maps a configuration value to its tag. The empty string is none.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressNone, nil
	case "s2":
		return CompressS2, nil
	case "zstd":
		return CompressZstd, nil
	}
	return CompressNone, fmt.Errorf("unknown compression %q", s)
}

// Compressor is one compression algorithm usable behind the body tag.
type Compressor interface {
	Type() CompressionType
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the plain form of src to dst, refusing output longer than limit.
	Decompress(dst, src []byte, limit int) ([]byte, error)
}

type s2Compressor struct{}

func (s2Compressor) Type() CompressionType { return CompressS2 }

func (s2Compressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, s2.Encode(nil, src)...), nil
}

func (s2Compressor) Decompress(dst, src []byte, limit int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return dst, err
	}
	if n > limit {
		return dst, fmt.Errorf("s2 body of %d bytes exceeds limit %d", n, limit)
	}
	out, err := s2.Decode(nil, src)
	if err != nil {
		return dst, err
	}
	return append(dst, out...), nil
}

// zstdMaxWindow bounds the history a frame may ask the decoder to keep.
const zstdMaxWindow = 32 << 20

type zstdCompressor struct {
	enc *zstd.Encoder
	// decoders holds streaming decoders, each used by one call at a time.
	decoders sync.Pool
}

var zstdShared = sync.OnceValues(func() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{enc: enc}, nil
})

func (*zstdCompressor) Type() CompressionType { return CompressZstd }

func (z *zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, dst), nil
}

func (z *zstdCompressor) decoder() (*zstd.Decoder, error) {
	if dec, ok := z.decoders.Get().(*zstd.Decoder); ok {
		return dec, nil
	}
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxWindow(zstdMaxWindow),
	)
}

// Decompress never produces more than limit+1 bytes: a declared content size
// above limit is refused up front, otherwise output is read through a limit.
func (z *zstdCompressor) Decompress(dst, src []byte, limit int) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(src); err == nil && h.HasFCS && h.FrameContentSize > uint64(limit) {
		return dst, fmt.Errorf("zstd body of %d bytes exceeds limit %d", h.FrameContentSize, limit)
	}

	dec, err := z.decoder()
	if err != nil {
		return dst, err
	}
	defer z.decoders.Put(dec)
	if err = dec.Reset(bytes.NewReader(src)); err != nil {
		return dst, err
	}

	start := len(dst)
	buf := bytes.NewBuffer(dst)
	n, err := buf.ReadFrom(io.LimitReader(dec, int64(limit)+1))
	if err != nil {
		return dst[:start], err
	}
	if n > int64(limit) {
		return dst[:start], fmt.Errorf("zstd body exceeds limit %d", limit)
	}
	return buf.Bytes(), nil
}

// CompressorFor returns the compressor behind tag t, nil for none.
func CompressorFor(t CompressionType) (Compressor, error) {
	switch t {
	case CompressNone:
		return nil, nil
	case CompressS2:
		return s2Compressor{}, nil
	case CompressZstd:
		return zstdShared()
	}
	return nil, fmt.Errorf("unknown compression tag %d", uint8(t))
}
