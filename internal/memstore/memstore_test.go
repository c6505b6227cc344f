package memstore

import (
	"testing"

	"github.com/paulmach/orb"

	"featuredb/internal/feature"
)

func TestInsertAndGet(t *testing.T) {
	s := New()
	fsid := s.InsertFeatureSet("runtime", "overlay", "scratch", 0, 0)

	in := &feature.Feature{Name: "marker", Geometry: orb.Point{1, 2}}
	fid := s.InsertFeature(fsid, in)
	if fid == feature.IDNone {
		t.Fatal("insert was dropped")
	}

	got := s.GetFeature(fid)
	if got == nil || got.Name != "marker" || got.SetID != fsid {
		t.Errorf("got %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	// The stored feature is a copy; mutating the input must not leak in.
	in.Name = "mutated"
	if s.GetFeature(fid).Name != "marker" {
		t.Error("store shares memory with the caller")
	}
}

func TestInsertUnknownSet(t *testing.T) {
	s := New()
	if fid := s.InsertFeature(12345, &feature.Feature{Name: "orphan"}); fid != feature.IDNone {
		t.Errorf("fid = %d, want the none id", fid)
	}
	if n := s.QueryFeaturesCount(nil); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestEnvelopeQuery(t *testing.T) {
	s := New()
	fsid := s.InsertFeatureSet("runtime", "overlay", "places", 0, 0)

	near := s.InsertFeature(fsid, &feature.Feature{Name: "near", Geometry: orb.Point{0.5, 0.5}})
	s.InsertFeature(fsid, &feature.Feature{Name: "far", Geometry: orb.Point{50, 50}})
	crossing := s.InsertFeature(fsid, &feature.Feature{
		Name:     "crossing",
		Geometry: orb.LineString{{-5, 0}, {5, 0}},
	})
	s.InsertFeature(fsid, &feature.Feature{Name: "no geometry"})

	env := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	got := s.QueryFeatures(&Query{Envelope: &env})
	if len(got) != 2 || got[0].ID != near || got[1].ID != crossing {
		t.Errorf("envelope query returned %d features", len(got))
	}
}

func TestVisibilityOverrideAndRewrite(t *testing.T) {
	s := New()
	fsid := s.InsertFeatureSet("runtime", "overlay", "marks", 0, 0)
	f1 := s.InsertFeature(fsid, &feature.Feature{Name: "one"})
	f2 := s.InsertFeature(fsid, &feature.Feature{Name: "two"})

	s.SetFeatureVisible(f1, false)
	got := s.QueryFeatures(&Query{VisibleOnly: true})
	if len(got) != 1 || got[0].ID != f2 {
		t.Errorf("after override: %d features", len(got))
	}

	// A set-level rewrite discards the override.
	s.SetFeatureSetVisible(fsid, true)
	got = s.QueryFeatures(&Query{VisibleOnly: true})
	if len(got) != 2 {
		t.Errorf("after rewrite: %d features, want 2", len(got))
	}
}

func TestHiddenSet(t *testing.T) {
	s := New()
	fsid := s.InsertFeatureSet("runtime", "overlay", "hidden", 0, 0)
	fid := s.InsertFeature(fsid, &feature.Feature{Name: "member"})

	s.SetFeatureSetVisible(fsid, false)
	if got := s.QueryFeatures(&Query{VisibleOnly: true}); len(got) != 0 {
		t.Errorf("hidden set returned %d features", len(got))
	}

	// An override still wins over the set default.
	s.SetFeatureVisible(fid, true)
	got := s.QueryFeatures(&Query{VisibleOnly: true})
	if len(got) != 1 || got[0].ID != fid {
		t.Errorf("override under hidden set: %d features", len(got))
	}
}

func TestDeleteFeatureSetCascades(t *testing.T) {
	s := New()
	keep := s.InsertFeatureSet("runtime", "overlay", "keep", 0, 0)
	doomed := s.InsertFeatureSet("runtime", "overlay", "doomed", 0, 0)

	kept := s.InsertFeature(keep, &feature.Feature{Name: "kept", Geometry: orb.Point{1, 1}})
	s.InsertFeature(doomed, &feature.Feature{Name: "lost", Geometry: orb.Point{2, 2}})

	s.DeleteFeatureSet(doomed)

	got := s.QueryFeatures(nil)
	if len(got) != 1 || got[0].ID != kept {
		t.Errorf("after cascade: %d features", len(got))
	}

	// The deleted feature must also be out of the spatial index.
	env := orb.Bound{Min: orb.Point{1.5, 1.5}, Max: orb.Point{2.5, 2.5}}
	if got := s.QueryFeatures(&Query{Envelope: &env}); len(got) != 0 {
		t.Errorf("deleted feature still indexed: %d hits", len(got))
	}

	sets := s.FeatureSets()
	if len(sets) != 1 || sets[0].ID != keep {
		t.Errorf("sets = %d", len(sets))
	}
}

func TestQueryFilters(t *testing.T) {
	s := New()
	a := s.InsertFeatureSet("runtime", "overlay", "a", 0, 0)
	b := s.InsertFeatureSet("runtime", "overlay", "b", 0, 0)
	f1 := s.InsertFeature(a, &feature.Feature{Name: "alpha"})
	f2 := s.InsertFeature(b, &feature.Feature{Name: "beta"})

	if got := s.QueryFeatures(&Query{SetIDs: []int64{b}}); len(got) != 1 || got[0].ID != f2 {
		t.Errorf("set filter: %v", got)
	}
	if got := s.QueryFeatures(&Query{Names: []string{"alpha"}}); len(got) != 1 || got[0].ID != f1 {
		t.Errorf("name filter: %v", got)
	}
	if got := s.QueryFeatures(&Query{IDs: []int64{f1, f2}}); len(got) != 2 {
		t.Errorf("id filter: %v", got)
	}
}
