package store

import (
	"strings"

	"github.com/paulmach/orb"
)

// SetQuery filters feature sets, either standalone (QueryFeatureSets) or as
// the feature-set sub-filter of a FeatureQuery. Name, type, and provider
// values may use '%' as a multi-character wildcard. Resolution bounds are
// ground sample distances; zero means unset.
type SetQuery struct {
	IDs       []int64
	Names     []string
	Types     []string
	Providers []string

	VisibleOnly   bool
	MinResolution float64
	MaxResolution float64
}

// OrderBy selects a feature ordering.
type OrderBy int

const (
	OrderByID OrderBy = iota
	OrderByName
	OrderByDistance
)

// Ordering is one sort key. Point applies to OrderByDistance only; distance
// is measured between the query point and the feature envelope's centroid.
type Ordering struct {
	By    OrderBy
	Point orb.Point
}

// FeatureQuery filters and orders features. Nil slice and zero fields are
// unset. Name values may use the '%' wildcard.
type FeatureQuery struct {
	IDs      []int64
	Names    []string
	Envelope *orb.Bound

	VisibleOnly bool
	SetFilter   *SetQuery

	Order  []Ordering
	Limit  int
	Offset int
}

// matchesAny reports whether value matches one of the patterns, treating '%'
// as a multi-character wildcard. An empty pattern list matches nothing.
func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if globMatch(p, value) {
			return true
		}
	}
	return false
}

func globMatch(pattern, value string) bool {
	if !strings.ContainsRune(pattern, '%') {
		return pattern == value
	}

	segs := strings.Split(pattern, "%")
	if !strings.HasPrefix(value, segs[0]) {
		return false
	}
	value = value[len(segs[0]):]
	for i, seg := range segs[1:] {
		if i == len(segs)-2 {
			return strings.HasSuffix(value, seg)
		}
		idx := strings.Index(value, seg)
		if idx < 0 {
			return false
		}
		value = value[idx+len(seg):]
	}
	return true
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
