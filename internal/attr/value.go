// Package attr provides the dynamically-typed attribute bags attached to
// features, and the compact binary coding used to persist them.
package attr

import "bytes"

// Type discriminates the supported attribute codings. The numeric values are
// persisted in the schema table and in encoded blobs and must never change.
type Type int

const (
	TypeInt Type = iota
	TypeLong
	TypeDouble
	TypeString
	TypeBinary
	TypeSet
	TypeIntArray
	TypeLongArray
	TypeDoubleArray
	TypeStringArray
	TypeBinaryArray
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	case TypeSet:
		return "set"
	case TypeIntArray:
		return "int[]"
	case TypeLongArray:
		return "long[]"
	case TypeDoubleArray:
		return "double[]"
	case TypeStringArray:
		return "string[]"
	case TypeBinaryArray:
		return "binary[]"
	default:
		return "unknown"
	}
}

// Value is a closed tagged variant over the supported attribute codings.
// The zero Value is an int with value 0.
type Value struct {
	typ Type

	num   int64
	real  float64
	str   string
	bin   []byte
	set   *Set
	ints  []int32
	longs []int64
	reals []float64
	strs  []string
	bins  [][]byte
}

func Int(v int32) Value       { return Value{typ: TypeInt, num: int64(v)} }
func Long(v int64) Value      { return Value{typ: TypeLong, num: v} }
func Double(v float64) Value  { return Value{typ: TypeDouble, real: v} }
func String(v string) Value   { return Value{typ: TypeString, str: v} }
func Binary(v []byte) Value   { return Value{typ: TypeBinary, bin: v} }
func Nested(v *Set) Value     { return Value{typ: TypeSet, set: v} }
func Ints(v []int32) Value    { return Value{typ: TypeIntArray, ints: v} }
func Longs(v []int64) Value   { return Value{typ: TypeLongArray, longs: v} }
func Doubles(v []float64) Value {
	return Value{typ: TypeDoubleArray, reals: v}
}
func Strings(v []string) Value { return Value{typ: TypeStringArray, strs: v} }
func Binaries(v [][]byte) Value {
	return Value{typ: TypeBinaryArray, bins: v}
}

// Type returns the coding discriminator for the value.
func (v Value) Type() Type { return v.typ }

func (v Value) Int() int32         { return int32(v.num) }
func (v Value) Long() int64        { return v.num }
func (v Value) Double() float64    { return v.real }
func (v Value) String() string     { return v.str }
func (v Value) Binary() []byte     { return v.bin }
func (v Value) Nested() *Set       { return v.set }
func (v Value) Ints() []int32      { return v.ints }
func (v Value) Longs() []int64     { return v.longs }
func (v Value) Doubles() []float64 { return v.reals }
func (v Value) Strings() []string  { return v.strs }
func (v Value) Binaries() [][]byte { return v.bins }

// Equal reports deep equality, distinguishing nil from empty arrays.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeInt, TypeLong:
		return v.num == o.num
	case TypeDouble:
		return v.real == o.real
	case TypeString:
		return v.str == o.str
	case TypeBinary:
		return bytesEqual(v.bin, o.bin)
	case TypeSet:
		if v.set == nil || o.set == nil {
			return v.set == o.set
		}
		return v.set.Equal(o.set)
	case TypeIntArray:
		if (v.ints == nil) != (o.ints == nil) || len(v.ints) != len(o.ints) {
			return false
		}
		for i := range v.ints {
			if v.ints[i] != o.ints[i] {
				return false
			}
		}
		return true
	case TypeLongArray:
		if (v.longs == nil) != (o.longs == nil) || len(v.longs) != len(o.longs) {
			return false
		}
		for i := range v.longs {
			if v.longs[i] != o.longs[i] {
				return false
			}
		}
		return true
	case TypeDoubleArray:
		if (v.reals == nil) != (o.reals == nil) || len(v.reals) != len(o.reals) {
			return false
		}
		for i := range v.reals {
			if v.reals[i] != o.reals[i] {
				return false
			}
		}
		return true
	case TypeStringArray:
		if (v.strs == nil) != (o.strs == nil) || len(v.strs) != len(o.strs) {
			return false
		}
		for i := range v.strs {
			if v.strs[i] != o.strs[i] {
				return false
			}
		}
		return true
	case TypeBinaryArray:
		if (v.bins == nil) != (o.bins == nil) || len(v.bins) != len(o.bins) {
			return false
		}
		for i := range v.bins {
			if !bytesEqual(v.bins[i], o.bins[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}
