package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// Marshaler is implemented by message types that write their own fields.
// Types implementing both Marshaler and Unmarshaler on the pointer receiver
// skip field derivation entirely.
type Marshaler interface {
	MarshalKin(w *Writer) error
}

// Unmarshaler is the decoding counterpart of Marshaler.
type Unmarshaler interface {
	UnmarshalKin(r *Reader) error
}

// TypeCodec serializes one struct type using the field plan derived at registration.
type TypeCodec struct {
	typ  reflect.Type
	ptr  reflect.Type
	desc *TypeDescriptor
	sc   *structCoder
}

// Type returns the struct type handled by c.
func (c *TypeCodec) Type() reflect.Type { return c.typ }

// Descriptor returns the derived field plan.
func (c *TypeCodec) Descriptor() *TypeDescriptor { return c.desc }

// New allocates a zero value and returns a pointer to it.
func (c *TypeCodec) New() any {
	return reflect.New(c.typ).Interface()
}

// Encode appends the fields of msg, which must be a non-nil pointer to the codec's type.
// On failure the writer is rolled back to where it was.
func (c *TypeCodec) Encode(w *Writer, msg any) error {
	if reflect.TypeOf(msg) != c.ptr {
		return fmt.Errorf("%w: want %s, got %T", ErrTypeMismatch, c.ptr, msg)
	}
	if c.desc.Custom {
		start := w.Len()
		if err := msg.(Marshaler).MarshalKin(w); err != nil {
			w.Truncate(start)
			return err
		}
		return nil
	}
	v := reflect.ValueOf(msg)
	if v.IsNil() {
		return fmt.Errorf("%w: nil %s", ErrTypeMismatch, c.ptr)
	}
	start := w.Len()
	if err := c.sc.encode(w, v.UnsafePointer()); err != nil {
		w.Truncate(start)
		return err
	}
	return nil
}

// DecodeInto reads fields into msg. On failure the reader position is restored.
func (c *TypeCodec) DecodeInto(r *Reader, msg any) error {
	if reflect.TypeOf(msg) != c.ptr {
		return fmt.Errorf("%w: want %s, got %T", ErrTypeMismatch, c.ptr, msg)
	}
	start := r.Position()
	var err error
	if c.desc.Custom {
		err = msg.(Unmarshaler).UnmarshalKin(r)
	} else {
		v := reflect.ValueOf(msg)
		if v.IsNil() {
			return fmt.Errorf("%w: nil %s", ErrTypeMismatch, c.ptr)
		}
		err = c.sc.decode(r, v.UnsafePointer())
	}
	if err != nil {
		r.Rewind(start)
		return err
	}
	return nil
}

// Decode allocates a new message and reads its fields.
func (c *TypeCodec) Decode(r *Reader) (any, error) {
	msg := c.New()
	if err := c.DecodeInto(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

var (
	codecs   sync.Map // reflect.Type -> *TypeCodec
	deriveMu sync.Mutex
)

// CodecOf returns the cached codec for t, deriving it on first use.
// t may be a struct type or a pointer to one. Derivation is serialized,
// lookups after that are lock-free.
func CodecOf(t reflect.Type) (*TypeCodec, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil type", ErrUnsupportedFieldKind)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if c, ok := codecs.Load(t); ok {
		return c.(*TypeCodec), nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrUnsupportedFieldKind, t)
	}

	deriveMu.Lock()
	defer deriveMu.Unlock()
	if c, ok := codecs.Load(t); ok {
		return c.(*TypeCodec), nil
	}

	d := &deriver{pending: make(map[reflect.Type]*TypeCodec)}
	c, err := d.typeCodec(t)
	if err != nil {
		return nil, err
	}
	// nested types derived along the way become visible only once the whole plan is valid
	for pt, pc := range d.pending {
		codecs.Store(pt, pc)
	}
	return c, nil
}

// Register derives and caches the codec for the type of prototype.
func Register(prototype any) (*TypeCodec, error) {
	return CodecOf(reflect.TypeOf(prototype))
}

// MustRegister is like Register but panics on error.
func MustRegister(prototype any) *TypeCodec {
	c, err := Register(prototype)
	if err != nil {
		panic(err)
	}
	return c
}

type deriver struct {
	pending map[reflect.Type]*TypeCodec
}

func (d *deriver) typeCodec(t reflect.Type) (*TypeCodec, error) {
	if c, ok := codecs.Load(t); ok {
		return c.(*TypeCodec), nil
	}
	if c, ok := d.pending[t]; ok {
		// self reference through a collection, fields are filled in by the outer call
		return c, nil
	}

	c := &TypeCodec{
		typ:  t,
		ptr:  reflect.PointerTo(t),
		desc: &TypeDescriptor{Type: t},
		sc:   &structCoder{},
	}
	d.pending[t] = c
	if isCustom(t) {
		c.desc.Custom = true
		return c, nil
	}

	fields, err := d.collect(t, t, 0)
	if err != nil {
		return nil, err
	}
	c.sc.fields = fields
	c.desc.Fields = make([]FieldDescriptor, 0, len(fields))
	for _, f := range fields {
		c.desc.Fields = append(c.desc.Fields, FieldDescriptor{
			Name:   f.name,
			Offset: f.offset,
			Type:   f.typ,
			Kind:   f.kind,
		})
	}
	return c, nil
}

// collect walks t in declaration order. Embedded structs are flattened in place,
// so inherited fields precede the fields declared after them.
func (d *deriver) collect(owner, t reflect.Type, base uintptr) ([]fieldCoder, error) {
	fields := make([]fieldCoder, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		opts := parseTag(sf.Tag.Get("kin"))
		if opts.skip {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Type != timeType && !isCustom(sf.Type) {
			sub, err := d.collect(owner, sf.Type, base+sf.Offset)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		vc, err := d.valueCoder(sf.Type, opts)
		if err != nil {
			return nil, &FieldError{Owner: owner, Field: sf.Name, Type: sf.Type, Err: err}
		}
		fields = append(fields, fieldCoder{
			name:       sf.Name,
			offset:     base + sf.Offset,
			typ:        sf.Type,
			valueCoder: vc,
		})
	}
	return fields, nil
}

func (d *deriver) valueCoder(t reflect.Type, opts tagOptions) (valueCoder, error) {
	switch t.Kind() {
	case reflect.Bool:
		return boolCoder(), nil
	case reflect.Int8:
		return int8Coder(opts.fixed), nil
	case reflect.Int16:
		return int16Coder(opts.fixed), nil
	case reflect.Int32:
		return int32Coder(opts.fixed), nil
	case reflect.Int64:
		return int64Coder(opts.fixed), nil
	case reflect.Int:
		return intCoder(opts.fixed), nil
	case reflect.Uint8:
		return uint8Coder(), nil
	case reflect.Uint16:
		return uint16Coder(), nil
	case reflect.Uint32:
		return uint32Coder(), nil
	case reflect.Uint64:
		return uint64Coder(), nil
	case reflect.Uint:
		return uintCoder(), nil
	case reflect.Float32:
		return float32Coder(), nil
	case reflect.Float64:
		return float64Coder(), nil
	case reflect.String:
		return stringCoder(opts.bigString), nil
	case reflect.Struct:
		if t == timeType {
			return timeCoder(), nil
		}
		if isCustom(t) {
			return marshalerCoder(t), nil
		}
		c, err := d.typeCodec(t)
		if err != nil {
			return valueCoder{}, err
		}
		return nestedCoder(c.sc), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return bytesCoder(), nil
		}
		if isContainer(t.Elem().Kind()) {
			return valueCoder{}, ErrUnsupportedFieldKind
		}
		elem, err := d.valueCoder(t.Elem(), opts)
		if err != nil {
			return valueCoder{}, err
		}
		return sliceCoder(t, elem), nil
	case reflect.Array:
		if isContainer(t.Elem().Kind()) {
			return valueCoder{}, ErrUnsupportedFieldKind
		}
		elem, err := d.valueCoder(t.Elem(), opts)
		if err != nil {
			return valueCoder{}, err
		}
		return arrayCoder(t, elem), nil
	case reflect.Map:
		if isContainer(t.Key().Kind()) || isContainer(t.Elem().Kind()) {
			return valueCoder{}, ErrUnsupportedFieldKind
		}
		key, err := d.valueCoder(t.Key(), opts)
		if err != nil {
			return valueCoder{}, err
		}
		val, err := d.valueCoder(t.Elem(), opts)
		if err != nil {
			return valueCoder{}, err
		}
		return mapCoder(t, key, val), nil
	default:
		// pointers, interfaces, channels, funcs, complex numbers and uintptr
		return valueCoder{}, ErrUnsupportedFieldKind
	}
}
