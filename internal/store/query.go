package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"featuredb/internal/feature"
)

// featureSelect is the row shape every feature sub-query produces. Style and
// attribute payloads ride along so cursors never issue follow-up lookups.
const featureSelect = `
	SELECT features.fid, features.fsid, features.name, features.version,
	       styles.value, attributes.value,
	       features.altitude_mode, features.extrude, features.timestamp,
	       features.geometry,
	       features.min_x, features.min_y, features.max_x, features.max_y
	FROM features
	LEFT JOIN styles ON features.style_id = styles.id
	LEFT JOIN attributes ON features.attribs_id = attributes.id`

type condSet struct {
	conds []string
	args  []any
}

func (c *condSet) add(cond string, args ...any) {
	c.conds = append(c.conds, cond)
	c.args = append(c.args, args...)
}

func (c *condSet) where() string {
	if len(c.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.conds, " AND ")
}

// QueryFeatures runs a feature query and returns a lazy forward-only cursor.
// The cursor must be closed; it becomes invalid once the store is closed.
func (s *Store) QueryFeatures(q *FeatureQuery) (*FeatureCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryFeaturesLocked(q)
}

func (s *Store) queryFeaturesLocked(q *FeatureQuery) (*FeatureCursor, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if q == nil {
		q = &FeatureQuery{}
	}
	if err := s.validateInfo(); err != nil {
		return nil, err
	}
	if err := s.schema.validate(s.db); err != nil {
		return nil, storeErr("query features", err)
	}
	schema := s.schema.snapshot()

	noCheck, check := s.splitSets(q)
	if len(noCheck) == 0 && len(check) == 0 {
		return newFeatureCursor(schema, nil, nil, 0, 0, false), nil
	}

	// The planner emits one physical sub-query spanning every no-check set
	// plus one per check set. With a single sub-query the window is pushed
	// into SQL; otherwise rows are merged and the window applied last.
	subCount := len(check)
	if len(noCheck) > 0 {
		subCount++
	}
	multi := subCount > 1

	orderClause, orderArgs := orderSQL(q.Order)
	tail := func(c *condSet) (string, []any) {
		sql := featureSelect + c.where() + orderClause
		args := append(append([]any{}, c.args...), orderArgs...)
		if q.Limit > 0 {
			if multi {
				sql += fmt.Sprintf(" LIMIT %d", q.Limit+q.Offset)
			} else {
				sql += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
			}
		}
		return sql, args
	}

	var subs []subCursor
	fail := func(err error) (*FeatureCursor, error) {
		for _, sub := range subs {
			sub.close()
		}
		return nil, storeErr("query features", err)
	}

	if len(noCheck) > 0 {
		c := &condSet{}
		s.addSetMembership(c, noCheck)
		s.addCommonFeatureConds(c, q)
		sql, args := tail(c)
		sub, err := s.runSub(sql, args)
		if err != nil {
			return fail(err)
		}
		subs = append(subs, sub)
	}
	for _, d := range check {
		c, ok := s.checkSetConds(q, d)
		if !ok {
			continue
		}
		s.addCommonFeatureConds(c, q)
		sql, args := tail(c)
		sub, err := s.runSub(sql, args)
		if err != nil {
			return fail(err)
		}
		subs = append(subs, sub)
	}

	window := multi && q.Limit > 0
	return newFeatureCursor(schema, subs, rowLess(q.Order), q.Offset, q.Limit, window), nil
}

// QueryFeaturesCount returns the number of rows the matching QueryFeatures
// would produce.
func (s *Store) QueryFeaturesCount(q *FeatureQuery) (int, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if q == nil {
		q = &FeatureQuery{}
	}
	if err := s.validateInfo(); err != nil {
		s.mu.Unlock()
		return 0, err
	}

	noCheck, check := s.splitSets(q)
	if len(noCheck) == 0 && len(check) == 0 {
		s.mu.Unlock()
		return 0, nil
	}

	subCount := len(check)
	if len(noCheck) > 0 {
		subCount++
	}

	// A window spanning several sub-queries cannot be counted in SQL; fall
	// back to draining a cursor.
	if subCount > 1 && q.Limit > 0 && q.Offset > 0 {
		cur, err := s.queryFeaturesLocked(q)
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		defer cur.Close()
		n := 0
		for cur.Next() {
			n++
		}
		return n, cur.Err()
	}
	defer s.mu.Unlock()

	count := func(c *condSet) (int, error) {
		// Counting never needs the style/attribute joins.
		sql := "SELECT COUNT(1) FROM features" + c.where()
		if q.Limit > 0 {
			sql = "SELECT COUNT(1) FROM (SELECT 1 FROM features" + c.where() +
				fmt.Sprintf(" LIMIT %d)", q.Limit+q.Offset)
		}
		var n int
		if err := s.db.QueryRow(sql, c.args...).Scan(&n); err != nil {
			return 0, storeErr("count features", err)
		}
		return n, nil
	}

	total := 0
	if len(noCheck) > 0 {
		c := &condSet{}
		s.addSetMembership(c, noCheck)
		s.addCommonFeatureConds(c, q)
		n, err := count(c)
		if err != nil {
			return 0, err
		}
		total += n
	}
	for _, d := range check {
		c, ok := s.checkSetConds(q, d)
		if !ok {
			continue
		}
		s.addCommonFeatureConds(c, q)
		n, err := count(c)
		if err != nil {
			return 0, err
		}
		total += n
	}

	if q.Limit > 0 {
		total -= q.Offset
		if total < 0 {
			total = 0
		}
		if total > q.Limit {
			total = q.Limit
		}
	}
	return total, nil
}

// splitSets returns the candidate feature sets partitioned into those whose
// cached summary is authoritative for this query (no-check, by id) and those
// requiring a per-row version-guarded predicate. Must be called with mu held
// and info validated.
func (s *Store) splitSets(q *FeatureQuery) (noCheck []int64, check []*setDefn) {
	visibleOnly := q.VisibleOnly || (q.SetFilter != nil && q.SetFilter.VisibleOnly)
	for _, d := range s.featureSets {
		if !s.setCompatible(q.SetFilter, d) {
			continue
		}
		needsCheck := false
		if visibleOnly {
			if d.visibleCheck {
				needsCheck = true
			} else if !d.visible {
				continue
			}
		}
		if q.SetFilter != nil {
			if q.SetFilter.MinResolution > 0 {
				qMinLod := feature.LevelOfDetail(q.SetFilter.MinResolution)
				if d.lodCheck {
					needsCheck = true
				} else if d.maxLod < qMinLod {
					continue
				}
			}
			if q.SetFilter.MaxResolution > 0 {
				qMaxLod := feature.LevelOfDetail(q.SetFilter.MaxResolution)
				if d.lodCheck {
					needsCheck = true
				} else if d.minLod > qMaxLod {
					continue
				}
			}
		}
		if needsCheck {
			check = append(check, d)
		} else {
			noCheck = append(noCheck, d.fsid)
		}
	}
	sort.Slice(noCheck, func(i, j int) bool { return noCheck[i] < noCheck[j] })
	sort.Slice(check, func(i, j int) bool { return check[i].fsid < check[j].fsid })
	return noCheck, check
}

// setCompatible applies the id/name/type/provider parts of the feature-set
// sub-filter in memory against the cache.
func (s *Store) setCompatible(f *SetQuery, d *setDefn) bool {
	if f == nil {
		return true
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, d.fsid) {
		return false
	}
	if len(f.Names) > 0 && !matchesAny(f.Names, d.name) {
		return false
	}
	if len(f.Types) > 0 && !matchesAny(f.Types, d.typ) {
		return false
	}
	if len(f.Providers) > 0 && !matchesAny(f.Providers, d.provider) {
		return false
	}
	return true
}

// addSetMembership restricts a sub-query to the given no-check sets. The
// clause is omitted when every set in the store qualifies.
func (s *Store) addSetMembership(c *condSet, fsids []int64) {
	if len(fsids) == len(s.featureSets) {
		return
	}
	parts := make([]string, len(fsids))
	for i, fsid := range fsids {
		parts[i] = "?"
		c.args = append(c.args, fsid)
	}
	c.conds = append(c.conds, "features.fsid IN ("+strings.Join(parts, ", ")+")")
}

// checkSetConds builds the version-guarded predicate for one check set. ok is
// false when the set's cached state already excludes every feature.
func (s *Store) checkSetConds(q *FeatureQuery, d *setDefn) (*condSet, bool) {
	c := &condSet{}
	c.add("features.fsid = ?", d.fsid)

	visibleOnly := q.VisibleOnly || (q.SetFilter != nil && q.SetFilter.VisibleOnly)
	if visibleOnly {
		if d.visibleCheck {
			// An override is only meaningful at the set's current version;
			// stale rows inherit the set default.
			if d.visible {
				c.add("(features.visible_version != ? OR (features.visible_version = ? AND features.visible = 1))",
					d.visibleVersion, d.visibleVersion)
			} else {
				c.add("(features.visible_version = ? AND features.visible = 1)",
					d.visibleVersion)
			}
		} else if !d.visible {
			return nil, false
		}
	}

	if q.SetFilter != nil {
		if q.SetFilter.MinResolution > 0 {
			qMinLod := feature.LevelOfDetail(q.SetFilter.MinResolution)
			if d.lodCheck {
				if d.maxLod >= qMinLod {
					c.add("(features.lod_version != ? OR (features.lod_version = ? AND features.max_lod >= ?))",
						d.lodVersion, d.lodVersion, qMinLod)
				} else {
					c.add("(features.lod_version = ? AND features.max_lod >= ?)",
						d.lodVersion, qMinLod)
				}
			} else if d.maxLod < qMinLod {
				return nil, false
			}
		}
		if q.SetFilter.MaxResolution > 0 {
			qMaxLod := feature.LevelOfDetail(q.SetFilter.MaxResolution)
			if d.lodCheck {
				if d.minLod <= qMaxLod {
					c.add("(features.lod_version != ? OR (features.lod_version = ? AND features.min_lod <= ?))",
						d.lodVersion, d.lodVersion, qMaxLod)
				} else {
					c.add("(features.lod_version = ? AND features.min_lod <= ?)",
						d.lodVersion, qMaxLod)
				}
			} else if d.minLod > qMaxLod {
				return nil, false
			}
		}
	}
	return c, true
}

// addCommonFeatureConds appends the filters shared by every sub-query: ids,
// name globs, and the spatial envelope.
func (s *Store) addCommonFeatureConds(c *condSet, q *FeatureQuery) {
	if len(q.IDs) > 0 {
		parts := make([]string, len(q.IDs))
		for i, fid := range q.IDs {
			parts[i] = "?"
			c.args = append(c.args, fid)
		}
		c.conds = append(c.conds, "features.fid IN ("+strings.Join(parts, ", ")+")")
	}

	if len(q.Names) > 0 {
		parts := make([]string, len(q.Names))
		for i, name := range q.Names {
			if strings.ContainsRune(name, '%') {
				parts[i] = "features.name LIKE ?"
			} else {
				parts[i] = "features.name = ?"
			}
			c.args = append(c.args, name)
		}
		c.conds = append(c.conds, "("+strings.Join(parts, " OR ")+")")
	}

	if q.Envelope != nil {
		b := *q.Envelope
		if s.spatialIndex {
			c.add(`features.fid IN (
				SELECT id FROM idx_features_geometry
				WHERE max_x >= ? AND min_x <= ? AND max_y >= ? AND min_y <= ?)`,
				b.Min[0], b.Max[0], b.Min[1], b.Max[1])
		} else {
			c.add("(features.max_x >= ? AND features.min_x <= ? AND features.max_y >= ? AND features.min_y <= ?)",
				b.Min[0], b.Max[0], b.Min[1], b.Max[1])
		}
	}
}

func orderSQL(order []Ordering) (string, []any) {
	if len(order) == 0 {
		return "", nil
	}
	var parts []string
	var args []any
	byID := false
	for _, o := range order {
		switch o.By {
		case OrderByName:
			parts = append(parts, "features.name ASC")
		case OrderByDistance:
			expr := "((features.min_x + features.max_x) / 2.0 - ?) * ((features.min_x + features.max_x) / 2.0 - ?)" +
				" + ((features.min_y + features.max_y) / 2.0 - ?) * ((features.min_y + features.max_y) / 2.0 - ?)"
			parts = append(parts, expr+" ASC")
			args = append(args, o.Point[0], o.Point[0], o.Point[1], o.Point[1])
		default:
			parts = append(parts, "features.fid ASC")
			byID = true
		}
	}
	// The merge comparator tie-breaks on fid; the SQL ordering must agree so
	// merged and single-query plans produce identical sequences.
	if !byID {
		parts = append(parts, "features.fid ASC")
	}
	return " ORDER BY " + strings.Join(parts, ", "), args
}

// runSub executes one physical sub-query. In-memory stores run on a single
// connection, so results are buffered eagerly there to keep several open
// sub-cursors from starving each other.
func (s *Store) runSub(query string, args []any) (subCursor, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	sub := &sqlSub{rows: rows}
	if !s.singleConn {
		return sub, nil
	}
	return drainSub(sub)
}

// QueryFeatureSets returns the matching feature sets ordered by name.
func (s *Store) QueryFeatureSets(f *SetQuery) (*SetCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sets, err := s.matchFeatureSets(f)
	if err != nil {
		return nil, err
	}
	return &SetCursor{sets: sets, idx: -1}, nil
}

// QueryFeatureSetsCount returns the number of matching feature sets.
func (s *Store) QueryFeatureSetsCount(f *SetQuery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sets, err := s.matchFeatureSets(f)
	if err != nil {
		return 0, err
	}
	return len(sets), nil
}

func (s *Store) matchFeatureSets(f *SetQuery) ([]*feature.Set, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.validateInfo(); err != nil {
		return nil, err
	}

	var sets []*feature.Set
	for _, d := range s.featureSets {
		if !s.setCompatible(f, d) {
			continue
		}
		if f != nil {
			if f.MinResolution > 0 && d.maxLod < feature.LevelOfDetail(f.MinResolution) {
				continue
			}
			if f.MaxResolution > 0 && d.minLod > feature.LevelOfDetail(f.MaxResolution) {
				continue
			}
			if f.VisibleOnly {
				visible, err := s.setEffectivelyVisible(d)
				if err != nil {
					return nil, err
				}
				if !visible {
					continue
				}
			}
		}
		sets = append(sets, defnToSet(d))
	}

	sort.Slice(sets, func(i, j int) bool {
		a, b := strings.ToLower(sets[i].Name), strings.ToLower(sets[j].Name)
		if a != b {
			return a < b
		}
		return sets[i].ID < sets[j].ID
	})
	return sets, nil
}

// setEffectivelyVisible resolves a set's visibility, probing for a surviving
// per-feature override when the set is marked dirty.
func (s *Store) setEffectivelyVisible(d *setDefn) (bool, error) {
	if !d.visibleCheck {
		return d.visible, nil
	}

	var pred string
	if d.visible {
		pred = "(visible_version != ? OR (visible_version = ? AND visible = 1))"
	} else {
		pred = "(visible_version = ? AND visible = 1)"
	}
	args := []any{d.fsid, d.visibleVersion}
	if d.visible {
		args = append(args, d.visibleVersion)
	}

	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM features WHERE fsid = ? AND "+pred+" LIMIT 1", args...,
	).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, storeErr("query featuresets", err)
	}
}

func defnToSet(d *setDefn) *feature.Set {
	set := &feature.Set{
		ID:       d.fsid,
		Provider: d.provider,
		Type:     d.typ,
		Name:     d.name,
		Visible:  d.visible,
		Version:  d.nameVersion + d.visibleVersion + d.lodVersion,
	}
	if d.maxLod < feature.MaxLevel {
		set.MinResolution = feature.LevelResolution(d.maxLod)
	}
	if d.minLod > feature.MinLevel {
		set.MaxResolution = feature.LevelResolution(d.minLod)
	}
	return set
}
