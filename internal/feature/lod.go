package feature

import "math"

// Resolutions are expressed as ground sample distance in meters per pixel and
// discretized to the integer level of the standard web-mercator tile pyramid,
// where level 0 covers the globe at baseResolution and each level halves it.
const baseResolution = 156543.034

// Level bounds for persisted levels of detail.
const (
	MinLevel = 0
	MaxLevel = 32
)

// LevelOfDetail discretizes a resolution to its tile level, clamped to
// [MinLevel, MaxLevel]. A non-positive resolution means "no limit" and maps
// to the finest level.
func LevelOfDetail(resolution float64) int {
	if resolution <= 0 {
		return MaxLevel
	}
	return ClampLevel(int(math.Ceil(math.Log2(baseResolution / resolution))))
}

// LevelResolution returns the resolution of a tile level.
func LevelResolution(level int) float64 {
	return baseResolution / float64(uint64(1)<<uint(ClampLevel(level)))
}

// ClampLevel clamps a level to the persistable range.
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
