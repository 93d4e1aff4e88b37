package net

import (
	"errors"
	"fmt"

	"github.com/lcx/kin/codec"
)

// MessageCodec turns messages into frame bodies and back:
// [compression tag] ++ uvarint32(protocol id) ++ fields.
// The tag byte is present only when FrameCfg.Compression is set, both peers
// must agree on that.
type MessageCodec struct {
	registry   *ProtocolRegistry
	tagged     bool
	compressor Compressor
	threshold  int
	maxBody    int
}

// NewMessageCodec builds the body codec for one side of a link.
func NewMessageCodec(registry *ProtocolRegistry, cfg FrameCfg) (*MessageCodec, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	cfg.applyDefaults()
	ct, err := ParseCompressionType(cfg.Compression)
	if err != nil {
		return nil, err
	}
	comp, err := CompressorFor(ct)
	if err != nil {
		return nil, err
	}
	return &MessageCodec{
		registry:   registry,
		tagged:     cfg.Compression != "",
		compressor: comp,
		threshold:  cfg.CompressionThreshold,
		maxBody:    cfg.MaxBodySize,
	}, nil
}

// Registry returns the registry used to resolve protocol ids.
func (c *MessageCodec) Registry() *ProtocolRegistry {
	return c.registry
}

// EncodeBody appends the body of msg to w. Errors leave w unchanged and wrap
// ErrUnregisteredMessage or ErrEncodeFailure.
func (c *MessageCodec) EncodeBody(w *codec.Writer, msg any) (*ProtocolInfo, error) {
	info, ok := c.registry.InfoOf(msg)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregisteredMessage, msg)
	}

	start := w.Len()
	if c.tagged {
		w.WriteUint8(uint8(CompressNone))
	}
	bodyStart := w.Len()
	w.WriteUvarint32(info.ID)
	if err := info.encode(w, c.registry.BodyCodec, msg); err != nil {
		w.Truncate(start)
		return nil, fmt.Errorf("%w: protocol %d: %w", ErrEncodeFailure, info.ID, err)
	}

	if c.compressor == nil || w.Len()-bodyStart < c.threshold {
		return info, nil
	}
	plain := append([]byte(nil), w.Bytes()[bodyStart:]...)
	packed, err := c.compressor.Compress(nil, plain)
	if err != nil {
		w.Truncate(start)
		return nil, fmt.Errorf("%w: protocol %d: %w", ErrEncodeFailure, info.ID, err)
	}
	if len(packed) >= len(plain) {
		return info, nil
	}
	w.Truncate(bodyStart)
	w.WriteBytes(packed)
	w.Bytes()[start] = uint8(c.compressor.Type())
	return info, nil
}

// DecodeBody parses one frame body. An unknown protocol id returns
// ErrUnknownProtocolID, a corrupt compressed body returns a FramingError.
func (c *MessageCodec) DecodeBody(body []byte) (*ProtocolInfo, any, error) {
	r := codec.NewReader(body)
	if c.tagged {
		tag, err := r.ReadUint8()
		if err != nil {
			return nil, nil, err
		}
		if ct := CompressionType(tag); ct != CompressNone {
			comp, err := CompressorFor(ct)
			if err != nil {
				return nil, nil, framingErrorf("%v", err)
			}
			plain, err := comp.Decompress(nil, r.ReadRemaining(), c.maxBody)
			if err != nil {
				return nil, nil, framingErrorf("decompress %s: %v", ct, err)
			}
			r = codec.NewReader(plain)
		}
	}

	id, err := r.ReadUvarint32()
	if err != nil {
		return nil, nil, err
	}
	info, ok := c.registry.GetProtoInfo(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownProtocolID, id)
	}
	msg, err := info.decode(r, c.registry.BodyCodec)
	if err != nil {
		return info, nil, fmt.Errorf("protocol %d: %w", id, err)
	}
	if n := r.Remaining(); n > 0 {
		return info, nil, fmt.Errorf("protocol %d: %d trailing bytes", id, n)
	}
	return info, msg, nil
}

// isConnFatal reports whether a receive-path error must close the connection.
func isConnFatal(err error) bool {
	return errors.Is(err, ErrFramingViolation) || errors.Is(err, codec.ErrBufferUnderflow)
}
