package store

import (
	"database/sql"
	"math"

	"featuredb/internal/attr"
	"featuredb/internal/feature"
	"featuredb/internal/geom"
	"featuredb/internal/style"
)

// FeatureDef is the input to a feature insert. ID may carry an explicit
// feature id; zero lets the store assign one. Version defaults to 1.
type FeatureDef struct {
	ID           int64
	Name         string
	Geometry     geom.Raw
	Style        *style.Style
	Attributes   *attr.Set
	AltitudeMode feature.AltitudeMode
	Extrude      float64
	Timestamp    int64
	Version      int64
}

// insertCtx carries the prepared statements and the style dedup map shared
// across the inserts of one logical batch.
type insertCtx struct {
	insertFeature *sql.Stmt
	insertStyle   *sql.Stmt
	insertAttrs   *sql.Stmt
	insertIndex   *sql.Stmt

	// styleIDs dedups identical packed styles within the batch.
	styleIDs map[string]int64
}

func (s *Store) newInsertCtx(db execer) (*insertCtx, error) {
	ctx := &insertCtx{styleIDs: make(map[string]int64)}

	var err error
	ctx.insertFeature, err = db.Prepare(`
		INSERT INTO features (
			fid, fsid, name, style_id, attribs_id, version,
			visible, visible_version, min_lod, max_lod, lod_version,
			altitude_mode, extrude, timestamp, geometry, min_x, min_y, max_x, max_y
		) VALUES (?, ?, ?, ?, ?, ?, 1, 0, 0, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		ctx.close()
		return nil, err
	}
	ctx.insertStyle, err = db.Prepare(`INSERT INTO styles (coding, value) VALUES ('packed', ?)`)
	if err != nil {
		ctx.close()
		return nil, err
	}
	ctx.insertAttrs, err = db.Prepare(`INSERT INTO attributes (value) VALUES (?)`)
	if err != nil {
		ctx.close()
		return nil, err
	}
	if s.spatialIndex {
		ctx.insertIndex, err = db.Prepare(`
			INSERT INTO idx_features_geometry (id, min_x, max_x, min_y, max_y)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			ctx.close()
			return nil, err
		}
	}
	return ctx, nil
}

func (ctx *insertCtx) close() {
	for _, stmt := range []*sql.Stmt{ctx.insertFeature, ctx.insertStyle, ctx.insertAttrs, ctx.insertIndex} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// InsertFeatureSet creates a feature set and returns its assigned id. The
// resolution bounds are discretized to levels of detail; zero means
// unconstrained on that side.
func (s *Store) InsertFeatureSet(provider, typ, name string, minResolution, maxResolution float64) (int64, error) {
	s.mu.Lock()
	fsid, err := s.insertFeatureSetLocked(s.db, feature.SetIDNone, provider, typ, name, minResolution, maxResolution)
	s.mu.Unlock()
	if err != nil {
		return feature.SetIDNone, err
	}
	s.notifyChanged()
	return fsid, nil
}

// InsertFeatureSetWithID creates a feature set under a caller-chosen id, for
// mirroring content between stores. Returns ErrFeatureSetExists when the id
// is taken.
func (s *Store) InsertFeatureSetWithID(fsid int64, provider, typ, name string, minResolution, maxResolution float64) error {
	s.mu.Lock()
	_, err := s.insertFeatureSetLocked(s.db, fsid, provider, typ, name, minResolution, maxResolution)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}

func (s *Store) insertFeatureSetLocked(db execer, fsid int64, provider, typ, name string, minResolution, maxResolution float64) (int64, error) {
	if err := s.writable(); err != nil {
		return feature.SetIDNone, err
	}
	if fsid != feature.SetIDNone {
		if _, ok := s.featureSets[fsid]; ok {
			return feature.SetIDNone, ErrFeatureSetExists
		}
	}

	// A coarse max resolution bounds the level range from below and a fine
	// min resolution bounds it from above.
	minLod := feature.MinLevel
	maxLod := feature.MaxLevel
	if maxResolution > 0 {
		minLod = feature.LevelOfDetail(maxResolution)
	}
	if minResolution > 0 {
		maxLod = feature.LevelOfDetail(minResolution)
	}

	var idArg any
	if fsid != feature.SetIDNone {
		idArg = fsid
	}
	res, err := db.Exec(`
		INSERT INTO featuresets (
			id, name, name_version, visible, visible_version, visible_check,
			min_lod, max_lod, lod_version, lod_check, type, provider
		) VALUES (?, ?, 1, 1, 1, 0, ?, ?, 1, 0, ?, ?)`,
		idArg, name, minLod, maxLod, typ, provider)
	if err != nil {
		return feature.SetIDNone, storeErr("insert featureset", err)
	}
	if fsid == feature.SetIDNone {
		fsid, err = res.LastInsertId()
		if err != nil {
			return feature.SetIDNone, storeErr("insert featureset", err)
		}
	}

	s.featureSets[fsid] = &setDefn{
		fsid:           fsid,
		name:           name,
		typ:            typ,
		provider:       provider,
		nameVersion:    1,
		visible:        true,
		visibleVersion: 1,
		minLod:         minLod,
		maxLod:         maxLod,
		lodVersion:     1,
	}
	return fsid, nil
}

// InsertFeature inserts one feature into the given set and returns its id.
// An unknown fsid is not an error: the insert is dropped and IDNone returned,
// so racing bulk loaders and deleters do not fault each other.
func (s *Store) InsertFeature(fsid int64, def FeatureDef) (int64, error) {
	s.mu.Lock()
	fid, err := func() (int64, error) {
		if err := s.writable(); err != nil {
			return feature.IDNone, err
		}
		ctx, err := s.newInsertCtx(s.db)
		if err != nil {
			return feature.IDNone, storeErr("insert feature", err)
		}
		defer ctx.close()
		return s.insertFeatureLocked(s.db, ctx, fsid, def)
	}()
	s.mu.Unlock()
	if err != nil || fid == feature.IDNone {
		return fid, err
	}
	s.notifyChanged()
	return fid, nil
}

// InsertFeatures inserts a batch into one set inside a single transaction.
// Returned ids are parallel to defs; dropped inserts hold IDNone.
func (s *Store) InsertFeatures(fsid int64, defs []FeatureDef) ([]int64, error) {
	s.mu.Lock()
	fids, err := func() ([]int64, error) {
		if err := s.writable(); err != nil {
			return nil, err
		}
		tx, err := s.db.Begin()
		if err != nil {
			return nil, storeErr("insert features", err)
		}
		defer tx.Rollback()

		ctx, err := s.newInsertCtx(tx)
		if err != nil {
			return nil, storeErr("insert features", err)
		}
		defer ctx.close()

		fids := make([]int64, len(defs))
		for i, def := range defs {
			fids[i], err = s.insertFeatureLocked(tx, ctx, fsid, def)
			if err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, storeErr("insert features", err)
		}
		return fids, nil
	}()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notifyChanged()
	return fids, nil
}

func (s *Store) insertFeatureLocked(db execer, ctx *insertCtx, fsid int64, def FeatureDef) (int64, error) {
	if _, ok := s.featureSets[fsid]; !ok {
		return feature.IDNone, nil
	}

	styleID, err := s.insertStyleLocked(ctx, def.Style)
	if err != nil {
		return feature.IDNone, err
	}
	attribsID, err := s.insertAttributesLocked(db, ctx, def.Attributes)
	if err != nil {
		return feature.IDNone, err
	}

	var geomArg, minX, minY, maxX, maxY any
	if !def.Geometry.IsZero() {
		blob, bound, err := def.Geometry.Normalize()
		if err != nil {
			return feature.IDNone, storeErr("insert feature", err)
		}
		geomArg = blob
		minX, minY = bound.Min[0], bound.Min[1]
		maxX, maxY = bound.Max[0], bound.Max[1]
	}

	version := def.Version
	if version == feature.VersionNone {
		version = 1
	}

	var idArg any
	if def.ID != feature.IDNone {
		idArg = def.ID
	}
	res, err := ctx.insertFeature.Exec(
		idArg, fsid, def.Name, styleID, attribsID, version,
		math.MaxInt32, int(def.AltitudeMode), def.Extrude, def.Timestamp,
		geomArg, minX, minY, maxX, maxY)
	if err != nil {
		return feature.IDNone, storeErr("insert feature", err)
	}
	fid, err := res.LastInsertId()
	if err != nil {
		return feature.IDNone, storeErr("insert feature", err)
	}

	if ctx.insertIndex != nil && geomArg != nil {
		if _, err := ctx.insertIndex.Exec(fid, minX, maxX, minY, maxY); err != nil {
			return feature.IDNone, storeErr("insert feature index", err)
		}
	}
	return fid, nil
}

// insertStyleLocked writes a new styles row, reusing the id of an identical
// packed style already written by this batch. A nil style stores no row.
func (s *Store) insertStyleLocked(ctx *insertCtx, st *style.Style) (any, error) {
	if st == nil {
		return nil, nil
	}
	packed := style.Pack(st)
	if id, ok := ctx.styleIDs[packed]; ok {
		return id, nil
	}
	res, err := ctx.insertStyle.Exec([]byte(packed))
	if err != nil {
		return nil, storeErr("insert style", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("insert style", err)
	}
	ctx.styleIDs[packed] = id
	return id, nil
}

func (s *Store) insertAttributesLocked(db execer, ctx *insertCtx, set *attr.Set) (any, error) {
	if set == nil {
		return nil, nil
	}
	if err := s.schema.validate(db); err != nil {
		return nil, storeErr("insert attributes", err)
	}
	blob, err := attr.Encode(set, schemaResolver{reg: s.schema, db: db})
	if err != nil {
		return nil, storeErr("insert attributes", err)
	}
	res, err := ctx.insertAttrs.Exec(blob)
	if err != nil {
		return nil, storeErr("insert attributes", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("insert attributes", err)
	}
	return id, nil
}
