package attr

import (
	"bytes"
	"errors"
	"testing"
)

// memResolver is an in-memory schema registry for codec tests, mirroring the
// primary/secondary chaining of the persistent one.
type memResolver struct {
	nextID int64
	byKey  map[string]*Spec
	byID   map[int64]*Spec
}

func newMemResolver() *memResolver {
	return &memResolver{
		byKey: make(map[string]*Spec),
		byID:  make(map[int64]*Spec),
	}
}

func (r *memResolver) Resolve(key string, coding Type) (*Spec, error) {
	primary, ok := r.byKey[key]
	if !ok {
		spec := r.create(key, coding)
		r.byKey[key] = spec
		return spec, nil
	}
	if primary.Coding == coding {
		return primary, nil
	}
	if sec, ok := primary.Secondary[coding]; ok {
		return sec, nil
	}
	sec := r.create(key, coding)
	primary.Secondary[coding] = sec
	return sec, nil
}

func (r *memResolver) create(key string, coding Type) *Spec {
	r.nextID++
	spec := NewSpec(key, r.nextID, coding)
	r.byID[r.nextID] = spec
	return spec
}

func fullSet() *Set {
	nested := NewSet()
	nested.Put("inner_string", String("nested value"))
	nested.Put("inner_int", Int(-7))

	s := NewSet()
	s.Put("int", Int(42))
	s.Put("int_min", Int(-2147483648))
	s.Put("long", Long(1<<40))
	s.Put("double", Double(3.14159))
	s.Put("string", String("hello"))
	s.Put("empty_string", String(""))
	s.Put("binary", Binary([]byte{0x00, 0xFF, 0x7F}))
	s.Put("binary_nil", Binary(nil))
	s.Put("binary_empty", Binary([]byte{}))
	s.Put("nested", Nested(nested))
	s.Put("ints", Ints([]int32{1, -2, 3}))
	s.Put("ints_nil", Ints(nil))
	s.Put("ints_empty", Ints([]int32{}))
	s.Put("longs", Longs([]int64{1 << 33, -5}))
	s.Put("doubles", Doubles([]float64{0.5, -0.25}))
	s.Put("strings", Strings([]string{"a", "", "c"}))
	s.Put("binaries", Binaries([][]byte{{1, 2}, nil, {}}))
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := newMemResolver()
	want := fullSet()

	blob, err := Encode(want, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := Decode(blob, r.byID)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !want.Equal(got) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	r := newMemResolver()
	s := fullSet()

	first, err := Encode(s, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, err := Encode(s, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("encoding the same set twice produced different blobs")
	}
}

func TestDecodeUnknownVersion(t *testing.T) {
	// version 99, zero keys
	blob := []byte{0, 0, 0, 99, 0, 0, 0, 0}
	if _, err := Decode(blob, nil); !errors.Is(err, ErrCodingVersion) {
		t.Errorf("expected ErrCodingVersion, got %v", err)
	}
}

func TestDecodeUnknownSchemaID(t *testing.T) {
	r := newMemResolver()
	s := NewSet()
	s.Put("key", Int(1))

	blob, err := Encode(s, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if _, err := Decode(blob, map[int64]*Spec{}); err == nil {
		t.Error("expected an error decoding against an empty schema")
	}
}

func TestDecodeTruncated(t *testing.T) {
	r := newMemResolver()
	s := NewSet()
	s.Put("key", String("payload"))

	blob, err := Encode(s, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for cut := 1; cut < len(blob); cut++ {
		if _, err := Decode(blob[:cut], r.byID); err == nil {
			t.Errorf("decode of %d-byte prefix succeeded", cut)
		}
	}
}

func TestSecondarySpecRouting(t *testing.T) {
	r := newMemResolver()

	first, err := r.Resolve("speed", TypeString)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	again, err := r.Resolve("speed", TypeString)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first.ID != again.ID {
		t.Errorf("same (key,type) resolved to different ids: %d vs %d", first.ID, again.ID)
	}

	second, err := r.Resolve("speed", TypeDouble)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if second.ID == first.ID {
		t.Error("different types under one key shared an id")
	}

	// Both codings of the same key must round-trip through their own spec.
	s := NewSet()
	s.Put("speed", Double(99.5))
	blob, err := Encode(s, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := Decode(blob, r.byID)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	v, ok := got.Get("speed")
	if !ok || v.Type() != TypeDouble || v.Double() != 99.5 {
		t.Errorf("secondary spec did not round trip: %+v", v)
	}
}

// badResolver always resolves to a string spec regardless of the runtime
// type, simulating a stale schema.
type badResolver struct {
	spec *Spec
}

func (r *badResolver) Resolve(key string, coding Type) (*Spec, error) {
	return r.spec, nil
}

func TestEncodeTypeMismatchDegrades(t *testing.T) {
	spec := NewSpec("key", 1, TypeString)
	r := &badResolver{spec: spec}

	s := NewSet()
	s.Put("key", Int(42))

	blob, err := Encode(s, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := Decode(blob, map[int64]*Spec{1: spec})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	v, ok := got.Get("key")
	if !ok || v.Type() != TypeString || v.String() != "" {
		t.Errorf("mismatched field should decode as the zero string, got %+v", v)
	}
}

func TestNestedSetsRecurse(t *testing.T) {
	r := newMemResolver()

	inner := NewSet()
	inner.Put("depth", Int(2))
	mid := NewSet()
	mid.Put("child", Nested(inner))
	outer := NewSet()
	outer.Put("child", Nested(mid))

	blob, err := Encode(outer, r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := Decode(blob, r.byID)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !outer.Equal(got) {
		t.Errorf("nested round trip mismatch:\nwant %+v\ngot  %+v", outer, got)
	}
}
