// Package geom normalizes the accepted geometry input codings (WKB, WKT, or
// a native orb geometry) to the single on-disk representation: standard WKB
// plus the geometry's bounding envelope.
package geom

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
)

// ErrNoCoding is returned when a Raw carries no geometry input.
var ErrNoCoding = errors.New("no geometry coding supplied")

// Raw is a geometry in one of the accepted input codings. Exactly one field
// may be set; WKB wins over WKT, WKT over Geometry, when multiple are set.
type Raw struct {
	WKB      []byte
	WKT      string
	Geometry orb.Geometry
}

// IsZero reports whether no coding is present.
func (r Raw) IsZero() bool {
	return r.WKB == nil && r.WKT == "" && r.Geometry == nil
}

// Normalize decodes the input and re-encodes it as on-disk WKB, returning the
// blob and the geometry's envelope.
func (r Raw) Normalize() ([]byte, orb.Bound, error) {
	g, err := r.Decode()
	if err != nil {
		return nil, orb.Bound{}, err
	}
	blob, err := wkb.Marshal(g)
	if err != nil {
		return nil, orb.Bound{}, fmt.Errorf("encode wkb: %w", err)
	}
	return blob, g.Bound(), nil
}

// Decode returns the input as a native geometry.
func (r Raw) Decode() (orb.Geometry, error) {
	switch {
	case r.WKB != nil:
		g, err := wkb.Unmarshal(r.WKB)
		if err != nil {
			return nil, fmt.Errorf("decode wkb: %w", err)
		}
		return g, nil
	case r.WKT != "":
		g, err := wkt.Unmarshal(r.WKT)
		if err != nil {
			return nil, fmt.Errorf("decode wkt: %w", err)
		}
		return g, nil
	case r.Geometry != nil:
		return r.Geometry, nil
	default:
		return nil, ErrNoCoding
	}
}

// DecodeWKB decodes an on-disk geometry blob.
func DecodeWKB(blob []byte) (orb.Geometry, error) {
	g, err := wkb.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("decode stored geometry: %w", err)
	}
	return g, nil
}
