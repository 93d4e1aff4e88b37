package codec

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrBufferUnderflow 读取越界, 剩余字节不足.
	ErrBufferUnderflow = errors.New("codec: buffer underflow")
	// ErrVarintOverflow 变长整数超过目标位宽.
	ErrVarintOverflow = errors.New("codec: varint overflow")
	// ErrStringTooLong 字符串长度超过前缀可表示范围.
	ErrStringTooLong = errors.New("codec: string too long")
	// ErrCollectionTooLarge 集合元素个数超过 uint16.
	ErrCollectionTooLarge = errors.New("codec: collection too large")
	// ErrUnsupportedFieldKind 字段类型无法派生编解码.
	ErrUnsupportedFieldKind = errors.New("codec: unsupported field kind")
	// ErrTypeMismatch 传入值与编解码器类型不一致.
	ErrTypeMismatch = errors.New("codec: type mismatch")
	// ErrLengthMismatch 定长数组长度与报文中的计数不符.
	ErrLengthMismatch = errors.New("codec: array length mismatch")

	errCodecNotInit = errors.New("codec not init")
)

// FieldError reports a field whose declared type cannot be serialized.
type FieldError struct {
	Owner reflect.Type
	Field string
	Type  reflect.Type
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s.%s (%s)", e.Err, e.Owner, e.Field, e.Type)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
