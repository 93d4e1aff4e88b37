// Package codec implements the binary cursor and the field-plan serializer
// used for message bodies.
package codec

var _codec Codec = &DefaultCodec{}

// Codec 消息体编解码器.
type Codec interface {
	Encode(w *Writer, m any) error
	Decode(r *Reader, m any) error
}

// Encode 打包.
func Encode(w *Writer, m any) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Encode(w, m)
}

// Decode 解包.
func Decode(r *Reader, m any) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Decode(r, m)
}

// SetCodec 设置解码器. 需在收发开始前调用.
func SetCodec(c Codec) {
	_codec = c
}

// GetCodec 返回当前解码器.
func GetCodec() Codec {
	return _codec
}
