package attr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	log "github.com/sirupsen/logrus"
)

// codingVersion is the only blob version this codec reads or writes.
const codingVersion = 1

// ErrCodingVersion is returned when a blob carries an unrecognized version.
// The caller must treat the whole record as having no attributes.
var ErrCodingVersion = errors.New("unsupported attribute coding version")

// Encode serializes the set, resolving (and creating, if needed) schema specs
// through r. A value whose runtime type disagrees with its resolved spec is a
// caller bug; it is written as the spec type's zero value with a logged
// warning so bulk inserts keep making progress.
func Encode(s *Set, r Resolver) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeSet(&buf, s, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeSet(buf *bytes.Buffer, s *Set, r Resolver) error {
	writeInt32(buf, codingVersion)
	writeInt32(buf, int32(s.Len()))

	for _, key := range s.Names() {
		v, _ := s.Get(key)
		spec, err := r.Resolve(key, v.Type())
		if err != nil {
			return fmt.Errorf("resolve attribute %q: %w", key, err)
		}
		writeInt32(buf, int32(spec.ID))

		if spec.Coding == TypeSet {
			nested := v.Nested()
			if v.Type() != TypeSet || nested == nil {
				if v.Type() != TypeSet {
					warnMismatch(key, spec.Coding, v.Type())
				}
				nested = NewSet()
			}
			if err := encodeSet(buf, nested, r); err != nil {
				return err
			}
			continue
		}

		encodeValue(buf, spec.Coding, key, v)
	}
	return nil
}

func warnMismatch(key string, want, got Type) {
	log.WithFields(log.Fields{
		"attribute": key,
		"expected":  want.String(),
		"actual":    got.String(),
	}).Warning("attribute type mismatch; coding zero value")
}

func encodeValue(buf *bytes.Buffer, coding Type, key string, v Value) {
	if v.Type() != coding {
		warnMismatch(key, coding, v.Type())
		v = zeroValue(coding)
	}

	switch coding {
	case TypeInt:
		writeInt32(buf, v.Int())
	case TypeLong:
		writeInt64(buf, v.Long())
	case TypeDouble:
		writeFloat64(buf, v.Double())
	case TypeString:
		writeString(buf, v.String())
	case TypeBinary:
		b := v.Binary()
		if b == nil {
			writeInt32(buf, -1)
			return
		}
		writeInt32(buf, int32(len(b)))
		buf.Write(b)
	case TypeIntArray:
		arr := v.Ints()
		if arr == nil {
			writeInt32(buf, -1)
			return
		}
		writeInt32(buf, int32(len(arr)))
		for _, e := range arr {
			writeInt32(buf, e)
		}
	case TypeLongArray:
		arr := v.Longs()
		if arr == nil {
			writeInt32(buf, -1)
			return
		}
		writeInt32(buf, int32(len(arr)))
		for _, e := range arr {
			writeInt64(buf, e)
		}
	case TypeDoubleArray:
		arr := v.Doubles()
		if arr == nil {
			writeInt32(buf, -1)
			return
		}
		writeInt32(buf, int32(len(arr)))
		for _, e := range arr {
			writeFloat64(buf, e)
		}
	case TypeStringArray:
		arr := v.Strings()
		if arr == nil {
			writeInt32(buf, -1)
			return
		}
		writeInt32(buf, int32(len(arr)))
		for _, e := range arr {
			writeString(buf, e)
		}
	case TypeBinaryArray:
		arr := v.Binaries()
		if arr == nil {
			writeInt32(buf, -1)
			return
		}
		writeInt32(buf, int32(len(arr)))
		for _, e := range arr {
			if e == nil {
				writeInt32(buf, -1)
				continue
			}
			writeInt32(buf, int32(len(e)))
			buf.Write(e)
		}
	}
}

// Decode reconstructs an attribute set from blob using the id-to-spec schema
// index. Secondary specs resolve exactly like primaries here; the schema map
// holds every spec by id.
func Decode(blob []byte, schema map[int64]*Spec) (*Set, error) {
	r := bytes.NewReader(blob)
	s, err := decodeSet(r, schema)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeSet(r *bytes.Reader, schema map[int64]*Spec) (*Set, error) {
	version, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if version != codingVersion {
		return nil, fmt.Errorf("%w: %d", ErrCodingVersion, version)
	}

	count, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	s := NewSet()
	for i := int32(0); i < count; i++ {
		id, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		spec, ok := schema[int64(id)]
		if !ok {
			return nil, fmt.Errorf("unknown attribute schema id %d", id)
		}

		if spec.Coding == TypeSet {
			nested, err := decodeSet(r, schema)
			if err != nil {
				return nil, err
			}
			s.Put(spec.Key, Nested(nested))
			continue
		}

		v, err := decodeValue(r, spec.Coding)
		if err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", spec.Key, err)
		}
		s.Put(spec.Key, v)
	}
	return s, nil
}

func decodeValue(r *bytes.Reader, coding Type) (Value, error) {
	switch coding {
	case TypeInt:
		v, err := readInt32(r)
		return Int(v), err
	case TypeLong:
		v, err := readInt64(r)
		return Long(v), err
	case TypeDouble:
		v, err := readFloat64(r)
		return Double(v), err
	case TypeString:
		v, err := readString(r)
		return String(v), err
	case TypeBinary:
		n, err := readInt32(r)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Binary(nil), nil
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return Value{}, err
		}
		return Binary(b), nil
	case TypeIntArray:
		n, err := readInt32(r)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Ints(nil), nil
		}
		arr := make([]int32, n)
		for i := range arr {
			if arr[i], err = readInt32(r); err != nil {
				return Value{}, err
			}
		}
		return Ints(arr), nil
	case TypeLongArray:
		n, err := readInt32(r)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Longs(nil), nil
		}
		arr := make([]int64, n)
		for i := range arr {
			if arr[i], err = readInt64(r); err != nil {
				return Value{}, err
			}
		}
		return Longs(arr), nil
	case TypeDoubleArray:
		n, err := readInt32(r)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Doubles(nil), nil
		}
		arr := make([]float64, n)
		for i := range arr {
			if arr[i], err = readFloat64(r); err != nil {
				return Value{}, err
			}
		}
		return Doubles(arr), nil
	case TypeStringArray:
		n, err := readInt32(r)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Strings(nil), nil
		}
		arr := make([]string, n)
		for i := range arr {
			if arr[i], err = readString(r); err != nil {
				return Value{}, err
			}
		}
		return Strings(arr), nil
	case TypeBinaryArray:
		n, err := readInt32(r)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Binaries(nil), nil
		}
		arr := make([][]byte, n)
		for i := range arr {
			m, err := readInt32(r)
			if err != nil {
				return Value{}, err
			}
			if m < 0 {
				arr[i] = nil
				continue
			}
			arr[i] = make([]byte, m)
			if _, err := io.ReadFull(r, arr[i]); err != nil {
				return Value{}, err
			}
		}
		return Binaries(arr), nil
	default:
		return Value{}, fmt.Errorf("unsupported attribute coding %d", coding)
	}
}

func zeroValue(coding Type) Value {
	switch coding {
	case TypeInt:
		return Int(0)
	case TypeLong:
		return Long(0)
	case TypeDouble:
		return Double(0)
	case TypeString:
		return String("")
	case TypeBinary:
		return Binary(nil)
	case TypeIntArray:
		return Ints(nil)
	case TypeLongArray:
		return Longs(nil)
	case TypeDoubleArray:
		return Doubles(nil)
	case TypeStringArray:
		return Strings(nil)
	case TypeBinaryArray:
		return Binaries(nil)
	default:
		return Value{}
	}
}

// Wire helpers. All multi-byte values are big-endian.

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeInt32(buf, int32(len(s)))
	buf.WriteString(s)
}

func readInt32(r *bytes.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func readFloat64(r *bytes.Reader) (float64, error) {
	v, err := readInt64(r)
	return math.Float64frombits(uint64(v)), err
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readInt32(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("negative string length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
