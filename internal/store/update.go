package store

import (
	"database/sql"
	"errors"
	"math"
	"strings"

	"featuredb/internal/attr"
	"featuredb/internal/feature"
	"featuredb/internal/geom"
	"featuredb/internal/style"
)

// FeatureUpdate is a partial feature update. Each Has flag gates its field:
// unset fields are left alone, never cleared. HasStyle with a nil Style and
// HasGeometry with a zero Geometry clear those properties.
type FeatureUpdate struct {
	Name    string
	HasName bool

	Geometry    geom.Raw
	HasGeometry bool

	Style    *style.Style
	HasStyle bool

	Attributes    *attr.Set
	HasAttributes bool

	AltitudeMode    feature.AltitudeMode
	HasAltitudeMode bool

	Extrude    float64
	HasExtrude bool
}

// UpdateFeature applies a partial update to one feature inside a single
// transaction and bumps the feature's version. New style and attribute rows
// are inserted rather than rewritten in place, so cursors already holding the
// old row references keep reading consistent values. Updating an unknown id
// is a no-op.
func (s *Store) UpdateFeature(fid int64, upd FeatureUpdate) error {
	s.mu.Lock()
	changed, err := func() (bool, error) {
		if err := s.writable(); err != nil {
			return false, err
		}

		tx, err := s.db.Begin()
		if err != nil {
			return false, storeErr("update feature", err)
		}
		defer tx.Rollback()

		// Resolve existence before the style/attribute side writes, so a
		// missing feature never creates orphan rows or schema entries.
		var one int
		err = tx.QueryRow(`SELECT 1 FROM features WHERE fid = ?`, fid).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, storeErr("update feature", err)
		}

		sets := []string{"version = version + 1"}
		var args []any

		if upd.HasName {
			sets = append(sets, "name = ?")
			args = append(args, upd.Name)
		}
		if upd.HasStyle {
			var styleID any
			if upd.Style != nil {
				res, err := tx.Exec(`INSERT INTO styles (coding, value) VALUES ('packed', ?)`,
					[]byte(style.Pack(upd.Style)))
				if err != nil {
					return false, storeErr("update feature style", err)
				}
				if styleID, err = res.LastInsertId(); err != nil {
					return false, storeErr("update feature style", err)
				}
			}
			sets = append(sets, "style_id = ?")
			args = append(args, styleID)
		}
		if upd.HasAttributes {
			var attribsID any
			if upd.Attributes != nil {
				if err := s.schema.validate(tx); err != nil {
					return false, storeErr("update feature attributes", err)
				}
				blob, err := attr.Encode(upd.Attributes, schemaResolver{reg: s.schema, db: tx})
				if err != nil {
					return false, storeErr("update feature attributes", err)
				}
				res, err := tx.Exec(`INSERT INTO attributes (value) VALUES (?)`, blob)
				if err != nil {
					return false, storeErr("update feature attributes", err)
				}
				if attribsID, err = res.LastInsertId(); err != nil {
					return false, storeErr("update feature attributes", err)
				}
			}
			sets = append(sets, "attribs_id = ?")
			args = append(args, attribsID)
		}
		if upd.HasAltitudeMode {
			sets = append(sets, "altitude_mode = ?")
			args = append(args, int(upd.AltitudeMode))
		}
		if upd.HasExtrude {
			sets = append(sets, "extrude = ?")
			args = append(args, upd.Extrude)
		}

		var geomArgs []any
		if upd.HasGeometry {
			sets = append(sets, "geometry = ?", "min_x = ?", "min_y = ?", "max_x = ?", "max_y = ?")
			if upd.Geometry.IsZero() {
				geomArgs = []any{nil, nil, nil, nil, nil}
			} else {
				blob, bound, err := upd.Geometry.Normalize()
				if err != nil {
					return false, storeErr("update feature geometry", err)
				}
				geomArgs = []any{blob, bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
			}
			args = append(args, geomArgs...)
		}

		args = append(args, fid)
		if _, err := tx.Exec(
			"UPDATE features SET "+strings.Join(sets, ", ")+" WHERE fid = ?", args...,
		); err != nil {
			return false, storeErr("update feature", err)
		}

		if upd.HasGeometry && s.spatialIndex {
			if _, err := tx.Exec(`DELETE FROM idx_features_geometry WHERE id = ?`, fid); err != nil {
				return false, storeErr("update feature index", err)
			}
			if geomArgs[0] != nil {
				if _, err := tx.Exec(
					`INSERT INTO idx_features_geometry (id, min_x, max_x, min_y, max_y) VALUES (?, ?, ?, ?, ?)`,
					fid, geomArgs[1], geomArgs[3], geomArgs[2], geomArgs[4],
				); err != nil {
					return false, storeErr("update feature index", err)
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return false, storeErr("update feature", err)
		}
		return true, nil
	}()
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}
	s.notifyChanged()
	return nil
}

// SetFeatureVisible overrides one feature's visibility away from its set's
// default. The override captures the set's current visibility version and
// marks the set dirty; a later set-level rewrite invalidates it by bumping
// that version, never by touching the row again.
func (s *Store) SetFeatureVisible(fid int64, visible bool) error {
	return s.overrideFeature(fid, func(tx *sql.Tx, fsid int64) error {
		v := 0
		if visible {
			v = 1
		}
		if _, err := tx.Exec(`
			UPDATE features
			SET visible = ?,
			    visible_version = (SELECT visible_version FROM featuresets WHERE id = ?)
			WHERE fid = ?`, v, fsid, fid); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE featuresets SET visible_check = 1 WHERE id = ?`, fsid)
		return err
	})
}

// SetFeatureResolution overrides one feature's level-of-detail range away
// from its set's default. Zero bounds are unconstrained.
func (s *Store) SetFeatureResolution(fid int64, minResolution, maxResolution float64) error {
	return s.overrideFeature(fid, func(tx *sql.Tx, fsid int64) error {
		minLod := feature.MinLevel
		maxLod := math.MaxInt32
		if maxResolution > 0 {
			minLod = feature.LevelOfDetail(maxResolution)
		}
		if minResolution > 0 {
			maxLod = feature.LevelOfDetail(minResolution)
		}
		if _, err := tx.Exec(`
			UPDATE features
			SET min_lod = ?, max_lod = ?,
			    lod_version = (SELECT lod_version FROM featuresets WHERE id = ?)
			WHERE fid = ?`, minLod, maxLod, fsid, fid); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE featuresets SET lod_check = 1 WHERE id = ?`, fsid)
		return err
	})
}

// overrideFeature runs a per-feature override transaction: resolve the owning
// set, apply, and mark the cached definitions stale. A missing feature is a
// no-op.
func (s *Store) overrideFeature(fid int64, apply func(tx *sql.Tx, fsid int64) error) error {
	s.mu.Lock()
	changed, err := func() (bool, error) {
		if err := s.writable(); err != nil {
			return false, err
		}

		tx, err := s.db.Begin()
		if err != nil {
			return false, storeErr("override feature", err)
		}
		defer tx.Rollback()

		var fsid int64
		err = tx.QueryRow(`SELECT fsid FROM features WHERE fid = ?`, fid).Scan(&fsid)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, storeErr("override feature", err)
		}

		if err := apply(tx, fsid); err != nil {
			return false, storeErr("override feature", err)
		}
		if err := tx.Commit(); err != nil {
			return false, storeErr("override feature", err)
		}
		s.infoDirty = true
		return true, nil
	}()
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}
	s.notifyChanged()
	return nil
}

// SetFeaturesVisible applies a visibility override to every feature matched
// by the query, in one transaction.
func (s *Store) SetFeaturesVisible(q *FeatureQuery, visible bool) error {
	s.mu.Lock()
	err := func() error {
		if err := s.writable(); err != nil {
			return err
		}
		if q == nil {
			q = &FeatureQuery{}
		}
		if err := s.validateInfo(); err != nil {
			return err
		}

		noCheck, check := s.splitSets(q)
		if len(noCheck) == 0 && len(check) == 0 {
			return nil
		}

		v := 0
		if visible {
			v = 1
		}
		const stmt = `
			UPDATE features
			SET visible = ?,
			    visible_version = (SELECT visible_version FROM featuresets WHERE id = features.fsid)
			WHERE `

		tx, err := s.db.Begin()
		if err != nil {
			return storeErr("set features visible", err)
		}
		defer tx.Rollback()

		touched := make([]int64, 0, len(noCheck)+len(check))
		if len(noCheck) > 0 {
			c := &condSet{}
			s.addSetMembership(c, noCheck)
			s.addCommonFeatureConds(c, q)
			if len(c.conds) == 0 {
				c.add("1 = 1")
			}
			args := append([]any{v}, c.args...)
			if _, err := tx.Exec(stmt+strings.Join(c.conds, " AND "), args...); err != nil {
				return storeErr("set features visible", err)
			}
			touched = append(touched, noCheck...)
		}
		for _, d := range check {
			c, ok := s.checkSetConds(q, d)
			if !ok {
				continue
			}
			s.addCommonFeatureConds(c, q)
			args := append([]any{v}, c.args...)
			if _, err := tx.Exec(stmt+strings.Join(c.conds, " AND "), args...); err != nil {
				return storeErr("set features visible", err)
			}
			touched = append(touched, d.fsid)
		}

		for _, fsid := range touched {
			if _, err := tx.Exec(`UPDATE featuresets SET visible_check = 1 WHERE id = ?`, fsid); err != nil {
				return storeErr("set features visible", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return storeErr("set features visible", err)
		}
		s.infoDirty = true
		return nil
	}()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}

// SetFeatureSetVisible rewrites a set's default visibility. Bumping the
// visibility version and clearing the dirty flag retires every outstanding
// per-feature override without rewriting any feature rows.
func (s *Store) SetFeatureSetVisible(fsid int64, visible bool) error {
	return s.updateSet(fsid, func(d *setDefn) (string, []any) {
		v := 0
		if visible {
			v = 1
		}
		d.visible = visible
		d.visibleVersion++
		d.visibleCheck = false
		return `UPDATE featuresets
			SET visible = ?, visible_version = visible_version + 1, visible_check = 0
			WHERE id = ?`, []any{v, fsid}
	})
}

// UpdateFeatureSetName renames a set and bumps its name version.
func (s *Store) UpdateFeatureSetName(fsid int64, name string) error {
	return s.updateSet(fsid, func(d *setDefn) (string, []any) {
		d.name = name
		d.nameVersion++
		return `UPDATE featuresets SET name = ?, name_version = name_version + 1 WHERE id = ?`,
			[]any{name, fsid}
	})
}

// UpdateFeatureSetResolution rewrites a set's level-of-detail range,
// retiring per-feature overrides the same way a visibility rewrite does.
func (s *Store) UpdateFeatureSetResolution(fsid int64, minResolution, maxResolution float64) error {
	return s.updateSet(fsid, func(d *setDefn) (string, []any) {
		minLod := feature.MinLevel
		maxLod := feature.MaxLevel
		if maxResolution > 0 {
			minLod = feature.LevelOfDetail(maxResolution)
		}
		if minResolution > 0 {
			maxLod = feature.LevelOfDetail(minResolution)
		}
		d.minLod = minLod
		d.maxLod = maxLod
		d.lodVersion++
		d.lodCheck = false
		return `UPDATE featuresets
			SET min_lod = ?, max_lod = ?, lod_version = lod_version + 1, lod_check = 0
			WHERE id = ?`, []any{minLod, maxLod, fsid}
	})
}

// updateSet runs one set-level rewrite. Unknown sets are a no-op. mutate
// adjusts the cached definition and returns the matching statement; the cache
// is only touched after the statement succeeds.
func (s *Store) updateSet(fsid int64, mutate func(d *setDefn) (string, []any)) error {
	s.mu.Lock()
	changed, err := func() (bool, error) {
		if err := s.writable(); err != nil {
			return false, err
		}
		d, ok := s.featureSets[fsid]
		if !ok {
			return false, nil
		}
		if err := s.validateInfo(); err != nil {
			return false, err
		}

		copied := *d
		stmt, args := mutate(&copied)
		if _, err := s.db.Exec(stmt, args...); err != nil {
			return false, storeErr("update featureset", err)
		}
		*d = copied
		return true, nil
	}()
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}
	s.notifyChanged()
	return nil
}

// DeleteFeature removes one feature. Deleting an unknown id is a no-op.
func (s *Store) DeleteFeature(fid int64) error {
	s.mu.Lock()
	changed, err := func() (bool, error) {
		if err := s.writable(); err != nil {
			return false, err
		}

		tx, err := s.db.Begin()
		if err != nil {
			return false, storeErr("delete feature", err)
		}
		defer tx.Rollback()

		if s.spatialIndex {
			if _, err := tx.Exec(`DELETE FROM idx_features_geometry WHERE id = ?`, fid); err != nil {
				return false, storeErr("delete feature", err)
			}
		}
		res, err := tx.Exec(`DELETE FROM features WHERE fid = ?`, fid)
		if err != nil {
			return false, storeErr("delete feature", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, storeErr("delete feature", err)
		}
		if err := tx.Commit(); err != nil {
			return false, storeErr("delete feature", err)
		}
		return n > 0, nil
	}()
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}
	s.notifyChanged()
	return nil
}

// DeleteFeatureSet removes a set and cascades to its features in the same
// transaction. Deleting an unknown set is a no-op.
func (s *Store) DeleteFeatureSet(fsid int64) error {
	s.mu.Lock()
	changed, err := func() (bool, error) {
		if err := s.writable(); err != nil {
			return false, err
		}
		if _, ok := s.featureSets[fsid]; !ok {
			return false, nil
		}

		tx, err := s.db.Begin()
		if err != nil {
			return false, storeErr("delete featureset", err)
		}
		defer tx.Rollback()

		if s.spatialIndex {
			if _, err := tx.Exec(
				`DELETE FROM idx_features_geometry WHERE id IN (SELECT fid FROM features WHERE fsid = ?)`,
				fsid,
			); err != nil {
				return false, storeErr("delete featureset", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM features WHERE fsid = ?`, fsid); err != nil {
			return false, storeErr("delete featureset", err)
		}
		if _, err := tx.Exec(`DELETE FROM featuresets WHERE id = ?`, fsid); err != nil {
			return false, storeErr("delete featureset", err)
		}
		if err := tx.Commit(); err != nil {
			return false, storeErr("delete featureset", err)
		}

		delete(s.featureSets, fsid)
		return true, nil
	}()
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}
	s.notifyChanged()
	return nil
}

// DeleteAllFeatureSets empties the store.
func (s *Store) DeleteAllFeatureSets() error {
	s.mu.Lock()
	err := func() error {
		if err := s.writable(); err != nil {
			return err
		}

		tx, err := s.db.Begin()
		if err != nil {
			return storeErr("delete all featuresets", err)
		}
		defer tx.Rollback()

		if s.spatialIndex {
			if _, err := tx.Exec(`DELETE FROM idx_features_geometry`); err != nil {
				return storeErr("delete all featuresets", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM features`); err != nil {
			return storeErr("delete all featuresets", err)
		}
		if _, err := tx.Exec(`DELETE FROM featuresets`); err != nil {
			return storeErr("delete all featuresets", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("delete all featuresets", err)
		}

		s.featureSets = make(map[int64]*setDefn)
		return nil
	}()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}
