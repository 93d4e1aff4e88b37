package codec

import (
	"reflect"
	"strings"
)

// Kind is the wire representation chosen for a field.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindVarint32
	KindVarint64
	KindString
	KindBigString
	KindBytes
	KindTime
	KindStruct
	KindMarshaler
	KindSlice
	KindArray
	KindMap
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindBool:      "bool",
	KindInt8:      "int8",
	KindUint8:     "uint8",
	KindInt16:     "int16",
	KindUint16:    "uint16",
	KindInt32:     "int32",
	KindUint32:    "uint32",
	KindInt64:     "int64",
	KindUint64:    "uint64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindVarint32:  "varint32",
	KindVarint64:  "varint64",
	KindString:    "string",
	KindBigString: "bigstring",
	KindBytes:     "bytes",
	KindTime:      "time",
	KindStruct:    "struct",
	KindMarshaler: "marshaler",
	KindSlice:     "slice",
	KindArray:     "array",
	KindMap:       "map",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// FieldDescriptor describes one serialized field in declaration order.
// Offset is relative to the start of the outermost struct, so fields
// promoted from embedded structs carry the embedding offset.
type FieldDescriptor struct {
	Name   string
	Offset uintptr
	Type   reflect.Type
	Kind   Kind
}

// TypeDescriptor is the ordered field plan derived once per message type.
type TypeDescriptor struct {
	Type   reflect.Type
	Fields []FieldDescriptor
	// Custom is set when the type serializes itself through Marshaler/Unmarshaler.
	Custom bool
}

// FieldNames returns the serialized field names in wire order.
func (d *TypeDescriptor) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		names = append(names, f.Name)
	}
	return names
}

// tagOptions are parsed from the `kin` struct tag.
//
//	kin:"-"          field is not serialized
//	kin:"fixed"      signed integers use fixed width instead of zigzag varint
//	kin:"bigstring"  strings use an unsigned 16-bit length prefix
type tagOptions struct {
	skip      bool
	fixed     bool
	bigString bool
}

func parseTag(tag string) tagOptions {
	var o tagOptions
	if tag == "-" {
		o.skip = true
		return o
	}
	for _, part := range strings.Split(tag, ",") {
		switch strings.TrimSpace(part) {
		case "fixed":
			o.fixed = true
		case "bigstring":
			o.bigString = true
		}
	}
	return o
}
