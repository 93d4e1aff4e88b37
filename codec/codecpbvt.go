package codec

import (
	"reflect"

	"google.golang.org/protobuf/proto"
)

// DefaultCodec routes protobuf messages to ProtoCodec and everything else
// to the derived field plan.
type DefaultCodec struct {
	Proto ProtoCodec
}

// Encode ...
func (c *DefaultCodec) Encode(w *Writer, m any) error {
	if pm, ok := m.(proto.Message); ok {
		return c.Proto.Encode(w, pm)
	}
	tc, err := CodecOf(reflect.TypeOf(m))
	if err != nil {
		return err
	}
	return tc.Encode(w, m)
}

// Decode ...
func (c *DefaultCodec) Decode(r *Reader, m any) error {
	if pm, ok := m.(proto.Message); ok {
		return c.Proto.Decode(r, pm)
	}
	tc, err := CodecOf(reflect.TypeOf(m))
	if err != nil {
		return err
	}
	return tc.DecodeInto(r, m)
}

// ProtoCodec carries protobuf messages. The message occupies the rest of
// the body, the frame length already delimits it.
type ProtoCodec struct {
	MarshalOptions   proto.MarshalOptions
	UnmarshalOptions proto.UnmarshalOptions
}

// Encode ...
func (c ProtoCodec) Encode(w *Writer, m proto.Message) error {
	b, err := c.MarshalOptions.MarshalAppend(w.buf, m)
	if err != nil {
		return err
	}
	w.buf = b
	return nil
}

// Decode ...
func (c ProtoCodec) Decode(r *Reader, m proto.Message) error {
	start := r.Position()
	if err := c.UnmarshalOptions.Unmarshal(r.ReadRemaining(), m); err != nil {
		r.Rewind(start)
		return err
	}
	return nil
}
