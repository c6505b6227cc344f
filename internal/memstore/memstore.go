// Package memstore is a transient, in-memory feature datastore for runtime
// overlays that never touch disk. It mirrors the persistent store's observable
// visibility semantics but trades durability and versioning for speed, using
// an R-tree for envelope queries.
package memstore

import (
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"

	"featuredb/internal/feature"
)

// Query filters a memstore scan. Zero fields are unset.
type Query struct {
	IDs         []int64
	SetIDs      []int64
	Names       []string
	Envelope    *orb.Bound
	VisibleOnly bool
}

type entry struct {
	f    *feature.Feature
	rect rtreego.Rect

	// override is a per-feature visibility override; nil inherits the
	// owning set's default. A set-level rewrite clears every override.
	override *bool

	indexed bool
}

// Bounds implements rtreego.Spatial. Point features get a small epsilon
// extent; the R-tree rejects zero-area rectangles.
func (e *entry) Bounds() rtreego.Rect {
	return e.rect
}

const epsilon = 0.0001

func boundsRect(b orb.Bound) rtreego.Rect {
	lengths := []float64{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1]}
	for i := range lengths {
		if lengths[i] < epsilon {
			lengths[i] = epsilon
		}
	}
	rect, _ := rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, lengths)
	return rect
}

// Store is a runtime feature datastore. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	nextSetID     int64
	nextFeatureID int64

	sets     map[int64]*feature.Set
	features map[int64]*entry
	bySet    map[int64]map[int64]*entry
	rtree    *rtreego.Rtree
}

// New returns an empty runtime store.
func New() *Store {
	return &Store{
		sets:     make(map[int64]*feature.Set),
		features: make(map[int64]*entry),
		bySet:    make(map[int64]map[int64]*entry),
		rtree:    rtreego.NewTree(2, 25, 50),
	}
}

// InsertFeatureSet creates a feature set, visible by default.
func (s *Store) InsertFeatureSet(provider, typ, name string, minResolution, maxResolution float64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSetID++
	fsid := s.nextSetID
	s.sets[fsid] = &feature.Set{
		ID:            fsid,
		Provider:      provider,
		Type:          typ,
		Name:          name,
		MinResolution: minResolution,
		MaxResolution: maxResolution,
		Visible:       true,
		Version:       1,
	}
	s.bySet[fsid] = make(map[int64]*entry)
	return fsid
}

// InsertFeature stores a copy of f under a new id. An unknown fsid drops the
// insert and returns the none id, matching the persistent store.
func (s *Store) InsertFeature(fsid int64, f *feature.Feature) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sets[fsid]; !ok {
		return feature.IDNone
	}

	s.nextFeatureID++
	fid := s.nextFeatureID

	stored := *f
	stored.ID = fid
	stored.SetID = fsid
	if stored.Version == feature.VersionNone {
		stored.Version = 1
	}

	e := &entry{f: &stored}
	if stored.Geometry != nil {
		e.rect = boundsRect(stored.Geometry.Bound())
		e.indexed = true
		s.rtree.Insert(e)
	}
	s.features[fid] = e
	s.bySet[fsid][fid] = e
	return fid
}

// GetFeature returns the feature with the given id, or nil.
func (s *Store) GetFeature(fid int64) *feature.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.features[fid]
	if !ok {
		return nil
	}
	return e.f
}

// DeleteFeature removes one feature. Unknown ids are a no-op.
func (s *Store) DeleteFeature(fid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(fid)
}

func (s *Store) deleteLocked(fid int64) {
	e, ok := s.features[fid]
	if !ok {
		return
	}
	if e.indexed {
		s.rtree.Delete(e)
	}
	delete(s.features, fid)
	delete(s.bySet[e.f.SetID], fid)
}

// DeleteFeatureSet removes a set and all its features.
func (s *Store) DeleteFeatureSet(fsid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fid := range s.bySet[fsid] {
		s.deleteLocked(fid)
	}
	delete(s.bySet, fsid)
	delete(s.sets, fsid)
}

// SetFeatureVisible overrides one feature's visibility away from its set's
// default.
func (s *Store) SetFeatureVisible(fid int64, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.features[fid]; ok {
		e.override = &visible
	}
}

// SetFeatureSetVisible rewrites a set's default visibility, discarding every
// per-feature override in the set.
func (s *Store) SetFeatureSetVisible(fsid int64, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[fsid]
	if !ok {
		return
	}
	set.Visible = visible
	set.Version++
	for _, e := range s.bySet[fsid] {
		e.override = nil
	}
}

func (s *Store) effectivelyVisible(e *entry) bool {
	if e.override != nil {
		return *e.override
	}
	set, ok := s.sets[e.f.SetID]
	return ok && set.Visible
}

// QueryFeatures returns matching features ordered by id. Envelope queries use
// the R-tree; features without geometry never match an envelope.
func (s *Store) QueryFeatures(q *Query) []*feature.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q == nil {
		q = &Query{}
	}

	var candidates []*entry
	if q.Envelope != nil {
		for _, sp := range s.rtree.SearchIntersect(boundsRect(*q.Envelope)) {
			candidates = append(candidates, sp.(*entry))
		}
	} else {
		for _, e := range s.features {
			candidates = append(candidates, e)
		}
	}

	var out []*feature.Feature
	for _, e := range candidates {
		if !s.matches(q, e) {
			continue
		}
		out = append(out, e.f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueryFeaturesCount returns the number of matching features.
func (s *Store) QueryFeaturesCount(q *Query) int {
	return len(s.QueryFeatures(q))
}

func (s *Store) matches(q *Query, e *entry) bool {
	if len(q.IDs) > 0 && !containsID(q.IDs, e.f.ID) {
		return false
	}
	if len(q.SetIDs) > 0 && !containsID(q.SetIDs, e.f.SetID) {
		return false
	}
	if len(q.Names) > 0 {
		found := false
		for _, n := range q.Names {
			if n == e.f.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.VisibleOnly && !s.effectivelyVisible(e) {
		return false
	}
	return true
}

// FeatureSets returns all sets ordered by name.
func (s *Store) FeatureSets() []*feature.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*feature.Set, 0, len(s.sets))
	for _, set := range s.sets {
		out = append(out, set)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
