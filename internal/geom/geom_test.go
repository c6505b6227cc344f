package geom

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

func TestNormalizeFromNative(t *testing.T) {
	p := orb.Point{30, 10}
	blob, bound, err := Raw{Geometry: p}.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	got, err := DecodeWKB(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !orb.Equal(got, p) {
		t.Errorf("round trip mismatch: %v", got)
	}
	if bound.Min != p || bound.Max != p {
		t.Errorf("point envelope = %v", bound)
	}
}

func TestNormalizeFromWKT(t *testing.T) {
	blob, bound, err := Raw{WKT: "LINESTRING (0 0, 10 5)"}.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	got, err := DecodeWKB(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := orb.LineString{{0, 0}, {10, 5}}
	if !orb.Equal(got, want) {
		t.Errorf("round trip mismatch: %v", got)
	}
	if bound.Min != (orb.Point{0, 0}) || bound.Max != (orb.Point{10, 5}) {
		t.Errorf("envelope = %v", bound)
	}
}

func TestNormalizeFromWKB(t *testing.T) {
	want := orb.Polygon{{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}}
	in, err := wkb.Marshal(want)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	blob, _, err := Raw{WKB: in}.Normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	got, err := DecodeWKB(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !orb.Equal(got, want) {
		t.Errorf("round trip mismatch: %v", got)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	if _, _, err := (Raw{}).Normalize(); !errors.Is(err, ErrNoCoding) {
		t.Errorf("expected ErrNoCoding, got %v", err)
	}
}

func TestDecodeBadWKT(t *testing.T) {
	if _, err := (Raw{WKT: "NOT A GEOMETRY"}).Decode(); err == nil {
		t.Error("expected an error for malformed WKT")
	}
}

func TestIsZero(t *testing.T) {
	if !(Raw{}).IsZero() {
		t.Error("empty Raw should be zero")
	}
	if (Raw{WKT: "POINT (1 1)"}).IsZero() {
		t.Error("Raw with WKT should not be zero")
	}
}
