package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"featuredb/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.db")
	st, err := store.Open(path, store.Options{SpatialIndex: true})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewServer(st, nil, Config{Port: 0}), st
}

func doJSON(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createFeatureSet(t *testing.T, srv *Server, name string) int64 {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/featuresets", InsertFeatureSetRequest{
		Name:     name,
		Type:     "overlay",
		Provider: "test",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create featureset: status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int64
	decodeBody(t, rec, &resp)
	return resp["id"]
}

func createFeature(t *testing.T, srv *Server, fsid int64, req InsertFeatureRequest) int64 {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/featuresets/%d/features", fsid), req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create feature: status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int64
	decodeBody(t, rec, &resp)
	return resp["id"]
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status field = %q", resp["status"])
	}
}

func TestFeatureSetLifecycle(t *testing.T) {
	srv, _ := testServer(t)
	fsid := createFeatureSet(t, srv, "roads")

	rec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/featuresets/%d", fsid), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	var fs FeatureSetResponse
	decodeBody(t, rec, &fs)
	if fs.ID != fsid || fs.Name != "roads" || !fs.Visible {
		t.Errorf("set = %+v", fs)
	}

	rec = doJSON(t, srv, http.MethodPut, fmt.Sprintf("/featuresets/%d/name", fsid),
		RenameRequest{Name: "highways"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("rename: status %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/featuresets?name=highways", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var sets []FeatureSetResponse
	decodeBody(t, rec, &sets)
	if len(sets) != 1 || sets[0].Name != "highways" {
		t.Errorf("list after rename = %+v", sets)
	}

	rec = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/featuresets/%d", fsid), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/featuresets/%d", fsid), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d", rec.Code)
	}
}

func TestInsertAndGetFeature(t *testing.T) {
	srv, _ := testServer(t)
	fsid := createFeatureSet(t, srv, "pins")

	fid := createFeature(t, srv, fsid, InsertFeatureRequest{
		Name:     "checkpoint",
		Geometry: "POINT (30 10)",
		Style:    &StyleJSON{StrokeColor: "#FFFF0000", StrokeWidth: 2},
		Attributes: map[string]any{
			"callsign": "alpha",
			"speed":    12.5,
		},
		AltitudeMode: "relative",
		Extrude:      4,
	})

	rec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/features/%d", fid), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d, body %s", rec.Code, rec.Body.String())
	}
	var f FeatureResponse
	decodeBody(t, rec, &f)

	if f.ID != fid || f.SetID != fsid || f.Name != "checkpoint" {
		t.Errorf("identity = %+v", f)
	}
	if f.Geometry != "POINT(30 10)" {
		t.Errorf("geometry = %q", f.Geometry)
	}
	if f.Style == nil || f.Style.StrokeColor != "#FFFF0000" {
		t.Errorf("style = %+v", f.Style)
	}
	if f.Attributes["callsign"] != "alpha" || f.Attributes["speed"] != 12.5 {
		t.Errorf("attributes = %+v", f.Attributes)
	}
	if f.AltitudeMode != "relative" || f.Extrude != 4 {
		t.Errorf("scalars = %+v", f)
	}
}

func TestInsertFeatureUnknownSet(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/featuresets/9999/features",
		InsertFeatureRequest{Name: "orphan"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQueryFeatures(t *testing.T) {
	srv, _ := testServer(t)
	roads := createFeatureSet(t, srv, "roads")
	rivers := createFeatureSet(t, srv, "rivers")

	createFeature(t, srv, roads, InsertFeatureRequest{Name: "m1", Geometry: "POINT (0 0)"})
	createFeature(t, srv, roads, InsertFeatureRequest{Name: "m2", Geometry: "POINT (50 50)"})
	createFeature(t, srv, rivers, InsertFeatureRequest{Name: "thames", Geometry: "POINT (0.5 0.5)"})

	query := func(target string) []FeatureResponse {
		t.Helper()
		rec := doJSON(t, srv, http.MethodGet, target, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("query %s: status %d, body %s", target, rec.Code, rec.Body.String())
		}
		var out []FeatureResponse
		decodeBody(t, rec, &out)
		return out
	}

	if got := query(fmt.Sprintf("/features?fsid=%d", roads)); len(got) != 2 {
		t.Errorf("fsid filter returned %d features", len(got))
	}
	if got := query("/features?bbox=-1,-1,1,1"); len(got) != 2 {
		t.Errorf("bbox filter returned %d features", len(got))
	}
	if got := query("/features?name=thames"); len(got) != 1 || got[0].Name != "thames" {
		t.Errorf("name filter = %+v", got)
	}
	if got := query("/features?limit=1&offset=1"); len(got) != 1 {
		t.Errorf("window returned %d features", len(got))
	}

	rec := doJSON(t, srv, http.MethodGet, "/features?bbox=garbage", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad bbox: status %d", rec.Code)
	}
}

func TestVisibilityEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	fsid := createFeatureSet(t, srv, "marks")
	f1 := createFeature(t, srv, fsid, InsertFeatureRequest{Name: "one"})
	createFeature(t, srv, fsid, InsertFeatureRequest{Name: "two"})

	rec := doJSON(t, srv, http.MethodPut, fmt.Sprintf("/features/%d/visibility", f1),
		VisibilityRequest{Visible: false})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("feature visibility: status %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/features?visible_only=true", nil)
	var visible []FeatureResponse
	decodeBody(t, rec, &visible)
	if len(visible) != 1 || visible[0].Name != "two" {
		t.Errorf("visible features = %+v", visible)
	}

	rec = doJSON(t, srv, http.MethodPut, fmt.Sprintf("/featuresets/%d/visibility", fsid),
		VisibilityRequest{Visible: false})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set visibility: status %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/features?visible_only=true", nil)
	visible = nil
	decodeBody(t, rec, &visible)
	if len(visible) != 0 {
		t.Errorf("hidden set still returned %+v", visible)
	}
}

func TestDeleteFeature(t *testing.T) {
	srv, _ := testServer(t)
	fsid := createFeatureSet(t, srv, "temp")
	fid := createFeature(t, srv, fsid, InsertFeatureRequest{Name: "gone"})

	rec := doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/features/%d", fid), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/features/%d", fid), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d", rec.Code)
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/featuresets", InsertFeatureSetRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/featuresets", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d", w.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/features/abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id: status %d", rec.Code)
	}
}

func TestReadOnlyStoreForbidsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.db")
	st, err := store.Open(path, store.Options{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	ro, err := store.Open(path, store.Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open failed: %v", err)
	}
	defer ro.Close()
	srv := NewServer(ro, nil, Config{})

	rec := doJSON(t, srv, http.MethodPost, "/featuresets", InsertFeatureSetRequest{Name: "x"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
