// Package api provides REST API access to a feature store for map clients
// and ingest tooling.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	log "github.com/sirupsen/logrus"

	"featuredb/internal/attr"
	"featuredb/internal/feature"
	"featuredb/internal/geom"
	"featuredb/internal/notify"
	"featuredb/internal/store"
	"featuredb/internal/style"
)

// Server exposes a feature store over HTTP.
type Server struct {
	store  *store.Store
	events *notify.Publisher // nil disables event publication
	port   int
}

// Config holds configuration for the API server.
type Config struct {
	Port int
}

// NewServer creates an API server over the given store. events may be nil.
func NewServer(st *store.Store, events *notify.Publisher, cfg Config) *Server {
	return &Server{
		store:  st,
		events: events,
		port:   cfg.Port,
	}
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", s.Router())
	})

	addr := ":" + strconv.Itoa(s.port)
	log.WithField("addr", addr).Info("feature API starting")
	return http.ListenAndServe(addr, r)
}

// Router returns the configured chi router for embedding in other servers.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Get("/featuresets", s.handleListFeatureSets)
	r.Post("/featuresets", s.handleInsertFeatureSet)
	r.Get("/featuresets/{fsid}", s.handleGetFeatureSet)
	r.Delete("/featuresets/{fsid}", s.handleDeleteFeatureSet)
	r.Put("/featuresets/{fsid}/visibility", s.handleSetFeatureSetVisible)
	r.Put("/featuresets/{fsid}/name", s.handleRenameFeatureSet)
	r.Post("/featuresets/{fsid}/features", s.handleInsertFeature)

	r.Get("/features", s.handleQueryFeatures)
	r.Get("/features/{fid}", s.handleGetFeature)
	r.Delete("/features/{fid}", s.handleDeleteFeature)
	r.Put("/features/{fid}/visibility", s.handleSetFeatureVisible)

	return r
}

func (s *Server) publish(ev notify.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ev); err != nil {
		log.WithError(err).Warning("failed to publish change event")
	}
}

// FeatureSetResponse is the JSON shape of a feature set.
type FeatureSetResponse struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	MinResolution float64 `json:"min_resolution,omitempty"`
	MaxResolution float64 `json:"max_resolution,omitempty"`
	Visible       bool    `json:"visible"`
	Version       int64   `json:"version"`
}

func setToResponse(fs *feature.Set) FeatureSetResponse {
	return FeatureSetResponse{
		ID:            fs.ID,
		Name:          fs.Name,
		Type:          fs.Type,
		Provider:      fs.Provider,
		MinResolution: fs.MinResolution,
		MaxResolution: fs.MaxResolution,
		Visible:       fs.Visible,
		Version:       fs.Version,
	}
}

// StyleJSON is the JSON shape of a feature style. Colors are "#AARRGGBB".
type StyleJSON struct {
	StrokeColor string  `json:"stroke_color,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
	FillColor   string  `json:"fill_color,omitempty"`
	Label       string  `json:"label,omitempty"`
}

func styleToJSON(st *style.Style) *StyleJSON {
	if st == nil {
		return nil
	}
	out := &StyleJSON{
		StrokeWidth: st.StrokeWidth,
		Label:       st.Label,
	}
	if st.StrokeColor != 0 {
		out.StrokeColor = fmt.Sprintf("#%08X", st.StrokeColor)
	}
	if st.FillColor != 0 {
		out.FillColor = fmt.Sprintf("#%08X", st.FillColor)
	}
	return out
}

func jsonToStyle(in *StyleJSON) (*style.Style, error) {
	if in == nil {
		return nil, nil
	}
	st := &style.Style{
		StrokeWidth: in.StrokeWidth,
		Label:       in.Label,
	}
	var err error
	if st.StrokeColor, err = parseColor(in.StrokeColor); err != nil {
		return nil, err
	}
	if st.FillColor, err = parseColor(in.FillColor); err != nil {
		return nil, err
	}
	return st, nil
}

func parseColor(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	c, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q", s)
	}
	return uint32(c), nil
}

// FeatureResponse is the JSON shape of a feature. Geometry is WKT.
type FeatureResponse struct {
	ID           int64          `json:"id"`
	SetID        int64          `json:"fsid"`
	Name         string         `json:"name"`
	Geometry     string         `json:"geometry,omitempty"`
	Style        *StyleJSON     `json:"style,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	AltitudeMode string         `json:"altitude_mode"`
	Extrude      float64        `json:"extrude,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Version      int64          `json:"version"`
}

func featureToResponse(f *feature.Feature) FeatureResponse {
	resp := FeatureResponse{
		ID:           f.ID,
		SetID:        f.SetID,
		Name:         f.Name,
		Style:        styleToJSON(f.Style),
		Attributes:   attrsToJSON(f.Attributes),
		AltitudeMode: f.AltitudeMode.String(),
		Extrude:      f.Extrude,
		Timestamp:    f.Timestamp,
		Version:      f.Version,
	}
	if f.Geometry != nil {
		resp.Geometry = wkt.MarshalString(f.Geometry)
	}
	return resp
}

// attrsToJSON flattens an attribute bag into JSON-friendly values. Binary
// payloads ride as base64 through encoding/json's []byte handling.
func attrsToJSON(set *attr.Set) map[string]any {
	if set == nil {
		return nil
	}
	out := make(map[string]any, set.Len())
	for _, key := range set.Names() {
		v, _ := set.Get(key)
		switch v.Type() {
		case attr.TypeInt:
			out[key] = v.Int()
		case attr.TypeLong:
			out[key] = v.Long()
		case attr.TypeDouble:
			out[key] = v.Double()
		case attr.TypeString:
			out[key] = v.String()
		case attr.TypeBinary:
			out[key] = v.Binary()
		case attr.TypeSet:
			out[key] = attrsToJSON(v.Nested())
		case attr.TypeIntArray:
			out[key] = v.Ints()
		case attr.TypeLongArray:
			out[key] = v.Longs()
		case attr.TypeDoubleArray:
			out[key] = v.Doubles()
		case attr.TypeStringArray:
			out[key] = v.Strings()
		case attr.TypeBinaryArray:
			out[key] = v.Binaries()
		}
	}
	return out
}

// jsonToAttrs maps a JSON object to an attribute bag. Numbers become doubles,
// homogeneous arrays become the matching array coding, and nested objects
// recurse. Unsupported shapes are rejected.
func jsonToAttrs(in map[string]any) (*attr.Set, error) {
	if in == nil {
		return nil, nil
	}
	set := attr.NewSet()
	for key, raw := range in {
		v, err := jsonToValue(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", key, err)
		}
		set.Put(key, v)
	}
	return set, nil
}

func jsonToValue(raw any) (attr.Value, error) {
	switch t := raw.(type) {
	case string:
		return attr.String(t), nil
	case float64:
		return attr.Double(t), nil
	case map[string]any:
		nested, err := jsonToAttrs(t)
		if err != nil {
			return attr.Value{}, err
		}
		return attr.Nested(nested), nil
	case []any:
		return jsonToArray(t)
	default:
		return attr.Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

func jsonToArray(in []any) (attr.Value, error) {
	if len(in) == 0 {
		return attr.Strings([]string{}), nil
	}
	switch in[0].(type) {
	case string:
		out := make([]string, len(in))
		for i, e := range in {
			s, ok := e.(string)
			if !ok {
				return attr.Value{}, errors.New("mixed-type arrays are not supported")
			}
			out[i] = s
		}
		return attr.Strings(out), nil
	case float64:
		out := make([]float64, len(in))
		for i, e := range in {
			f, ok := e.(float64)
			if !ok {
				return attr.Value{}, errors.New("mixed-type arrays are not supported")
			}
			out[i] = f
		}
		return attr.Doubles(out), nil
	default:
		return attr.Value{}, fmt.Errorf("unsupported array element type %T", in[0])
	}
}

func parseAltitudeMode(s string) feature.AltitudeMode {
	switch s {
	case "relative":
		return feature.Relative
	case "absolute":
		return feature.Absolute
	default:
		return feature.ClampToGround
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListFeatureSets(w http.ResponseWriter, r *http.Request) {
	q := &store.SetQuery{
		VisibleOnly: r.URL.Query().Get("visible_only") == "true",
	}
	if name := r.URL.Query().Get("name"); name != "" {
		q.Names = []string{name}
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		q.Types = []string{typ}
	}
	if provider := r.URL.Query().Get("provider"); provider != "" {
		q.Providers = []string{provider}
	}

	cur, err := s.store.QueryFeatureSets(q)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer cur.Close()

	results := make([]FeatureSetResponse, 0, cur.Count())
	for cur.Next() {
		results = append(results, setToResponse(cur.Set()))
	}
	writeJSON(w, http.StatusOK, results)
}

// InsertFeatureSetRequest is the request body for creating a feature set.
type InsertFeatureSetRequest struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Provider      string  `json:"provider"`
	MinResolution float64 `json:"min_resolution"`
	MaxResolution float64 `json:"max_resolution"`
}

func (s *Server) handleInsertFeatureSet(w http.ResponseWriter, r *http.Request) {
	var req InsertFeatureSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	fsid, err := s.store.InsertFeatureSet(req.Provider, req.Type, req.Name,
		req.MinResolution, req.MaxResolution)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.publish(notify.Event{Kind: notify.KindFeatureSet, Action: notify.ActionInsert, SetID: fsid})
	writeJSON(w, http.StatusCreated, map[string]int64{"id": fsid})
}

func (s *Server) handleGetFeatureSet(w http.ResponseWriter, r *http.Request) {
	fsid, ok := pathID(w, r, "fsid")
	if !ok {
		return
	}

	cur, err := s.store.QueryFeatureSets(&store.SetQuery{IDs: []int64{fsid}})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer cur.Close()

	if !cur.Next() {
		writeError(w, http.StatusNotFound, "feature set not found")
		return
	}
	writeJSON(w, http.StatusOK, setToResponse(cur.Set()))
}

func (s *Server) handleDeleteFeatureSet(w http.ResponseWriter, r *http.Request) {
	fsid, ok := pathID(w, r, "fsid")
	if !ok {
		return
	}
	if err := s.store.DeleteFeatureSet(fsid); err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(notify.Event{Kind: notify.KindFeatureSet, Action: notify.ActionDelete, SetID: fsid})
	w.WriteHeader(http.StatusNoContent)
}

// VisibilityRequest toggles visibility.
type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) handleSetFeatureSetVisible(w http.ResponseWriter, r *http.Request) {
	fsid, ok := pathID(w, r, "fsid")
	if !ok {
		return
	}
	var req VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := s.store.SetFeatureSetVisible(fsid, req.Visible); err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(notify.Event{Kind: notify.KindFeatureSet, Action: notify.ActionVisibility, SetID: fsid})
	w.WriteHeader(http.StatusNoContent)
}

// RenameRequest renames a feature set.
type RenameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameFeatureSet(w http.ResponseWriter, r *http.Request) {
	fsid, ok := pathID(w, r, "fsid")
	if !ok {
		return
	}
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.store.UpdateFeatureSetName(fsid, req.Name); err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(notify.Event{Kind: notify.KindFeatureSet, Action: notify.ActionUpdate, SetID: fsid})
	w.WriteHeader(http.StatusNoContent)
}

// InsertFeatureRequest is the request body for inserting a feature. Geometry
// is WKT.
type InsertFeatureRequest struct {
	Name         string         `json:"name"`
	Geometry     string         `json:"geometry,omitempty"`
	Style        *StyleJSON     `json:"style,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	AltitudeMode string         `json:"altitude_mode,omitempty"`
	Extrude      float64        `json:"extrude,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
}

func (s *Server) handleInsertFeature(w http.ResponseWriter, r *http.Request) {
	fsid, ok := pathID(w, r, "fsid")
	if !ok {
		return
	}

	var req InsertFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	st, err := jsonToStyle(req.Style)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attrs, err := jsonToAttrs(req.Attributes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	def := store.FeatureDef{
		Name:         req.Name,
		Geometry:     geom.Raw{WKT: req.Geometry},
		Style:        st,
		Attributes:   attrs,
		AltitudeMode: parseAltitudeMode(req.AltitudeMode),
		Extrude:      req.Extrude,
		Timestamp:    req.Timestamp,
	}

	fid, err := s.store.InsertFeature(fsid, def)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if fid == feature.IDNone {
		writeError(w, http.StatusNotFound, "feature set not found")
		return
	}

	s.publish(notify.Event{Kind: notify.KindFeature, Action: notify.ActionInsert, ID: fid, SetID: fsid})
	writeJSON(w, http.StatusCreated, map[string]int64{"id": fid})
}

func (s *Server) handleQueryFeatures(w http.ResponseWriter, r *http.Request) {
	q := &store.FeatureQuery{
		VisibleOnly: r.URL.Query().Get("visible_only") == "true",
	}

	if fsidStr := r.URL.Query().Get("fsid"); fsidStr != "" {
		fsid, err := strconv.ParseInt(fsidStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fsid")
			return
		}
		q.SetFilter = &store.SetQuery{IDs: []int64{fsid}}
	}
	if name := r.URL.Query().Get("name"); name != "" {
		q.Names = []string{name}
	}
	if bbox := r.URL.Query().Get("bbox"); bbox != "" {
		env, err := parseBBox(bbox)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q.Envelope = env
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		q.Offset = offset
	}

	cur, err := s.store.QueryFeatures(q)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer cur.Close()

	results := []FeatureResponse{}
	for cur.Next() {
		f, err := cur.Feature()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		results = append(results, featureToResponse(f))
	}
	if err := cur.Err(); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	fid, ok := pathID(w, r, "fid")
	if !ok {
		return
	}

	cur, err := s.store.QueryFeatures(&store.FeatureQuery{IDs: []int64{fid}})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer cur.Close()

	if !cur.Next() {
		writeError(w, http.StatusNotFound, "feature not found")
		return
	}
	f, err := cur.Feature()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, featureToResponse(f))
}

func (s *Server) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	fid, ok := pathID(w, r, "fid")
	if !ok {
		return
	}
	if err := s.store.DeleteFeature(fid); err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(notify.Event{Kind: notify.KindFeature, Action: notify.ActionDelete, ID: fid})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetFeatureVisible(w http.ResponseWriter, r *http.Request) {
	fid, ok := pathID(w, r, "fid")
	if !ok {
		return
	}
	var req VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := s.store.SetFeatureVisible(fid, req.Visible); err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(notify.Event{Kind: notify.KindFeature, Action: notify.ActionVisibility, ID: fid})
	w.WriteHeader(http.StatusNoContent)
}

// Helper functions.

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func parseBBox(s string) (*orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, errors.New("bbox must be minx,miny,maxx,maxy")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q", p)
		}
		vals[i] = v
	}
	return &orb.Bound{
		Min: orb.Point{vals[0], vals[1]},
		Max: orb.Point{vals[2], vals[3]},
	}, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrReadOnly):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrFeatureSetExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
