// Package feature defines the records stored by the feature datastore:
// feature sets and the styled, attributed geometries they contain.
package feature

import (
	"github.com/paulmach/orb"

	"featuredb/internal/attr"
	"featuredb/internal/style"
)

// Sentinel identifiers. IDNone is returned by inserts that were silently
// dropped (unknown owning set); VersionNone requests the default version.
const (
	IDNone      int64 = 0
	SetIDNone   int64 = 0
	VersionNone int64 = 0
)

// AltitudeMode describes how a feature's altitude values are interpreted.
type AltitudeMode int

const (
	ClampToGround AltitudeMode = iota
	Relative
	Absolute
)

// AltitudeModeFrom maps a persisted discriminator back to an AltitudeMode,
// defaulting to ClampToGround for unknown values.
func AltitudeModeFrom(v int) AltitudeMode {
	switch AltitudeMode(v) {
	case Relative:
		return Relative
	case Absolute:
		return Absolute
	default:
		return ClampToGround
	}
}

func (m AltitudeMode) String() string {
	switch m {
	case Relative:
		return "relative"
	case Absolute:
		return "absolute"
	default:
		return "clamp-to-ground"
	}
}

// Feature is a single geometric entity. Geometry, Style, and Attributes are
// all optional.
type Feature struct {
	ID           int64
	SetID        int64
	Name         string
	Geometry     orb.Geometry
	Style        *style.Style
	Attributes   *attr.Set
	AltitudeMode AltitudeMode
	Extrude      float64
	Timestamp    int64
	Version      int64
}

// Set is a named collection of features sharing default visibility, level of
// detail thresholds, and provenance. Version is the sum of the set's
// name/visible/LOD counters, useful only for change detection.
type Set struct {
	ID            int64
	Provider      string
	Type          string
	Name          string
	MinResolution float64
	MaxResolution float64
	Visible       bool
	Version       int64
}
