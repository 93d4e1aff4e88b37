package codec

import (
	"math"
	"reflect"
	"time"
	"unsafe"
)

type (
	encodeFunc func(w *Writer, p unsafe.Pointer) error
	decodeFunc func(r *Reader, p unsafe.Pointer) error
)

type valueCoder struct {
	kind Kind
	enc  encodeFunc
	dec  decodeFunc
}

type fieldCoder struct {
	name   string
	offset uintptr
	typ    reflect.Type
	valueCoder
}

type structCoder struct {
	fields []fieldCoder
}

func (sc *structCoder) encode(w *Writer, p unsafe.Pointer) error {
	for i := range sc.fields {
		f := &sc.fields[i]
		if err := f.enc(w, unsafe.Add(p, f.offset)); err != nil {
			return err
		}
	}
	return nil
}

func (sc *structCoder) decode(r *Reader, p unsafe.Pointer) error {
	for i := range sc.fields {
		f := &sc.fields[i]
		if err := f.dec(r, unsafe.Add(p, f.offset)); err != nil {
			return err
		}
	}
	return nil
}

var (
	timeType        = reflect.TypeOf(time.Time{})
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
)

func isCustom(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return pt.Implements(marshalerType) && pt.Implements(unmarshalerType)
}

func isContainer(k reflect.Kind) bool {
	return k == reflect.Slice || k == reflect.Array || k == reflect.Map
}

func boolCoder() valueCoder {
	return valueCoder{
		kind: KindBool,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteBool(*(*bool)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadBool()
			*(*bool)(p) = v
			return err
		},
	}
}

// narrowVarint decodes a 32-bit zigzag varint and rejects values outside [lo, hi].
func narrowVarint(r *Reader, lo, hi int32) (int32, error) {
	start := r.Position()
	v, err := r.ReadVarint32()
	if err != nil {
		return 0, err
	}
	if v < lo || v > hi {
		r.Rewind(start)
		return 0, ErrVarintOverflow
	}
	return v, nil
}

func int8Coder(fixed bool) valueCoder {
	if fixed {
		return valueCoder{
			kind: KindInt8,
			enc: func(w *Writer, p unsafe.Pointer) error {
				w.WriteInt8(*(*int8)(p))
				return nil
			},
			dec: func(r *Reader, p unsafe.Pointer) error {
				v, err := r.ReadInt8()
				*(*int8)(p) = v
				return err
			},
		}
	}
	return valueCoder{
		kind: KindVarint32,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteVarint32(int32(*(*int8)(p)))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := narrowVarint(r, math.MinInt8, math.MaxInt8)
			*(*int8)(p) = int8(v)
			return err
		},
	}
}

func int16Coder(fixed bool) valueCoder {
	if fixed {
		return valueCoder{
			kind: KindInt16,
			enc: func(w *Writer, p unsafe.Pointer) error {
				w.WriteInt16(*(*int16)(p))
				return nil
			},
			dec: func(r *Reader, p unsafe.Pointer) error {
				v, err := r.ReadInt16()
				*(*int16)(p) = v
				return err
			},
		}
	}
	return valueCoder{
		kind: KindVarint32,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteVarint32(int32(*(*int16)(p)))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := narrowVarint(r, math.MinInt16, math.MaxInt16)
			*(*int16)(p) = int16(v)
			return err
		},
	}
}

func int32Coder(fixed bool) valueCoder {
	if fixed {
		return valueCoder{
			kind: KindInt32,
			enc: func(w *Writer, p unsafe.Pointer) error {
				w.WriteInt32(*(*int32)(p))
				return nil
			},
			dec: func(r *Reader, p unsafe.Pointer) error {
				v, err := r.ReadInt32()
				*(*int32)(p) = v
				return err
			},
		}
	}
	return valueCoder{
		kind: KindVarint32,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteVarint32(*(*int32)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadVarint32()
			*(*int32)(p) = v
			return err
		},
	}
}

func int64Coder(fixed bool) valueCoder {
	if fixed {
		return valueCoder{
			kind: KindInt64,
			enc: func(w *Writer, p unsafe.Pointer) error {
				w.WriteInt64(*(*int64)(p))
				return nil
			},
			dec: func(r *Reader, p unsafe.Pointer) error {
				v, err := r.ReadInt64()
				*(*int64)(p) = v
				return err
			},
		}
	}
	return valueCoder{
		kind: KindVarint64,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteVarint64(*(*int64)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadVarint64()
			*(*int64)(p) = v
			return err
		},
	}
}

// intCoder handles the platform int as a 64-bit value.
func intCoder(fixed bool) valueCoder {
	c := valueCoder{
		kind: KindVarint64,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteVarint64(int64(*(*int)(p)))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadVarint64()
			*(*int)(p) = int(v)
			return err
		},
	}
	if fixed {
		c.kind = KindInt64
		c.enc = func(w *Writer, p unsafe.Pointer) error {
			w.WriteInt64(int64(*(*int)(p)))
			return nil
		}
		c.dec = func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadInt64()
			*(*int)(p) = int(v)
			return err
		}
	}
	return c
}

func uint8Coder() valueCoder {
	return valueCoder{
		kind: KindUint8,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteUint8(*(*uint8)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadUint8()
			*(*uint8)(p) = v
			return err
		},
	}
}

func uint16Coder() valueCoder {
	return valueCoder{
		kind: KindUint16,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteUint16(*(*uint16)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadUint16()
			*(*uint16)(p) = v
			return err
		},
	}
}

func uint32Coder() valueCoder {
	return valueCoder{
		kind: KindUint32,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteUint32(*(*uint32)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadUint32()
			*(*uint32)(p) = v
			return err
		},
	}
}

func uint64Coder() valueCoder {
	return valueCoder{
		kind: KindUint64,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteUint64(*(*uint64)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadUint64()
			*(*uint64)(p) = v
			return err
		},
	}
}

func uintCoder() valueCoder {
	return valueCoder{
		kind: KindUint64,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteUint64(uint64(*(*uint)(p)))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadUint64()
			*(*uint)(p) = uint(v)
			return err
		},
	}
}

func float32Coder() valueCoder {
	return valueCoder{
		kind: KindFloat32,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteFloat32(*(*float32)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadFloat32()
			*(*float32)(p) = v
			return err
		},
	}
}

func float64Coder() valueCoder {
	return valueCoder{
		kind: KindFloat64,
		enc: func(w *Writer, p unsafe.Pointer) error {
			w.WriteFloat64(*(*float64)(p))
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadFloat64()
			*(*float64)(p) = v
			return err
		},
	}
}

func stringCoder(big bool) valueCoder {
	if big {
		return valueCoder{
			kind: KindBigString,
			enc: func(w *Writer, p unsafe.Pointer) error {
				return w.WriteBigString(*(*string)(p))
			},
			dec: func(r *Reader, p unsafe.Pointer) error {
				v, err := r.ReadBigString()
				*(*string)(p) = v
				return err
			},
		}
	}
	return valueCoder{
		kind: KindString,
		enc: func(w *Writer, p unsafe.Pointer) error {
			return w.WriteString(*(*string)(p))
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadString()
			*(*string)(p) = v
			return err
		},
	}
}

// bytesCoder writes a byte slice as a counted run. Decoding copies, the
// source buffer belongs to a frame that is released after dispatch.
func bytesCoder() valueCoder {
	return valueCoder{
		kind: KindBytes,
		enc: func(w *Writer, p unsafe.Pointer) error {
			b := *(*[]byte)(p)
			if err := w.WriteCount(len(b)); err != nil {
				return err
			}
			w.WriteBytes(b)
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			start := r.Position()
			n, err := r.ReadCount()
			if err != nil {
				return err
			}
			b, err := r.ReadBytes(n)
			if err != nil {
				r.Rewind(start)
				return err
			}
			if n == 0 {
				*(*[]byte)(p) = nil
				return nil
			}
			*(*[]byte)(p) = append([]byte(nil), b...)
			return nil
		},
	}
}

// timeCoder stores wall-clock time as Unix nanoseconds; the zero time maps to 0.
func timeCoder() valueCoder {
	return valueCoder{
		kind: KindTime,
		enc: func(w *Writer, p unsafe.Pointer) error {
			t := (*time.Time)(p)
			if t.IsZero() {
				w.WriteVarint64(0)
				return nil
			}
			w.WriteVarint64(t.UnixNano())
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			v, err := r.ReadVarint64()
			if err != nil {
				return err
			}
			if v == 0 {
				*(*time.Time)(p) = time.Time{}
				return nil
			}
			*(*time.Time)(p) = time.Unix(0, v).UTC()
			return nil
		},
	}
}

func marshalerCoder(t reflect.Type) valueCoder {
	return valueCoder{
		kind: KindMarshaler,
		enc: func(w *Writer, p unsafe.Pointer) error {
			return reflect.NewAt(t, p).Interface().(Marshaler).MarshalKin(w)
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			return reflect.NewAt(t, p).Interface().(Unmarshaler).UnmarshalKin(r)
		},
	}
}

func nestedCoder(sc *structCoder) valueCoder {
	return valueCoder{
		kind: KindStruct,
		enc:  sc.encode,
		dec:  sc.decode,
	}
}

func sliceCoder(t reflect.Type, elem valueCoder) valueCoder {
	size := t.Elem().Size()
	return valueCoder{
		kind: KindSlice,
		enc: func(w *Writer, p unsafe.Pointer) error {
			s := reflect.NewAt(t, p).Elem()
			n := s.Len()
			if err := w.WriteCount(n); err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			base := s.UnsafePointer()
			for i := 0; i < n; i++ {
				if err := elem.enc(w, unsafe.Add(base, uintptr(i)*size)); err != nil {
					return err
				}
			}
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			n, err := r.ReadCount()
			if err != nil {
				return err
			}
			dst := reflect.NewAt(t, p).Elem()
			if n == 0 {
				dst.SetZero()
				return nil
			}
			s := reflect.MakeSlice(t, n, n)
			base := s.UnsafePointer()
			for i := 0; i < n; i++ {
				if err := elem.dec(r, unsafe.Add(base, uintptr(i)*size)); err != nil {
					return err
				}
			}
			dst.Set(s)
			return nil
		},
	}
}

func arrayCoder(t reflect.Type, elem valueCoder) valueCoder {
	size := t.Elem().Size()
	length := t.Len()
	return valueCoder{
		kind: KindArray,
		enc: func(w *Writer, p unsafe.Pointer) error {
			if err := w.WriteCount(length); err != nil {
				return err
			}
			for i := 0; i < length; i++ {
				if err := elem.enc(w, unsafe.Add(p, uintptr(i)*size)); err != nil {
					return err
				}
			}
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			n, err := r.ReadCount()
			if err != nil {
				return err
			}
			if n != length {
				return ErrLengthMismatch
			}
			for i := 0; i < length; i++ {
				if err := elem.dec(r, unsafe.Add(p, uintptr(i)*size)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func mapCoder(t reflect.Type, key, val valueCoder) valueCoder {
	kt, vt := t.Key(), t.Elem()
	return valueCoder{
		kind: KindMap,
		enc: func(w *Writer, p unsafe.Pointer) error {
			m := reflect.NewAt(t, p).Elem()
			if err := w.WriteCount(m.Len()); err != nil {
				return err
			}
			if m.Len() == 0 {
				return nil
			}
			k := reflect.New(kt)
			v := reflect.New(vt)
			iter := m.MapRange()
			for iter.Next() {
				k.Elem().SetIterKey(iter)
				v.Elem().SetIterValue(iter)
				if err := key.enc(w, k.UnsafePointer()); err != nil {
					return err
				}
				if err := val.enc(w, v.UnsafePointer()); err != nil {
					return err
				}
			}
			return nil
		},
		dec: func(r *Reader, p unsafe.Pointer) error {
			n, err := r.ReadCount()
			if err != nil {
				return err
			}
			dst := reflect.NewAt(t, p).Elem()
			if n == 0 {
				dst.SetZero()
				return nil
			}
			m := reflect.MakeMapWithSize(t, n)
			for i := 0; i < n; i++ {
				k := reflect.New(kt)
				v := reflect.New(vt)
				if err := key.dec(r, k.UnsafePointer()); err != nil {
					return err
				}
				if err := val.dec(r, v.UnsafePointer()); err != nil {
					return err
				}
				m.SetMapIndex(k.Elem(), v.Elem())
			}
			dst.Set(m)
			return nil
		},
	}
}
