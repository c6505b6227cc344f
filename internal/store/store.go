// Package store implements the SQLite-backed feature datastore: feature set
// and feature persistence, versioned visibility and level-of-detail state,
// attribute schema management, and the feature query planner.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Options configures Open.
type Options struct {
	// ReadOnly rejects every mutating operation with ErrReadOnly. The store
	// must already exist with a current schema; a read-only open never
	// creates or migrates.
	ReadOnly bool

	// SpatialIndex builds an R*Tree over feature envelopes in new stores.
	// Ignored when opening an existing store; the index's presence on disk
	// decides.
	SpatialIndex bool
}

// Store is a single-file feature datastore. All mutating operations are
// serialized by an internal mutex; queries may run concurrently with each
// other and return lazy cursors over the underlying rows.
type Store struct {
	mu sync.Mutex

	db           *sql.DB
	path         string
	readOnly     bool
	spatialIndex bool
	closed       bool

	// featureSets mirrors the featuresets table. infoDirty marks the cached
	// version counters stale after a per-feature override touched them.
	featureSets map[int64]*setDefn
	infoDirty   bool

	schema *schemaRegistry

	// singleConn is set for in-memory stores, where every connection would
	// otherwise see its own empty database. Multi-statement results are
	// buffered eagerly in that mode.
	singleConn bool

	onChange []func()
}

// setDefn is the cached image of a featuresets row.
type setDefn struct {
	fsid     int64
	name     string
	typ      string
	provider string

	nameVersion    int64
	visible        bool
	visibleVersion int64
	visibleCheck   bool
	minLod         int
	maxLod         int
	lodVersion     int64
	lodCheck       bool
}

// Open opens the store at path, creating it if absent. An empty path opens a
// private in-memory store.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:           db,
		path:         path,
		readOnly:     opts.ReadOnly,
		featureSets:  make(map[int64]*setDefn),
		schema:       newSchemaRegistry(),
		singleConn:   strings.HasPrefix(path, ":memory:"),
	}
	if s.singleConn {
		db.SetMaxOpenConns(1)
	}

	exists, err := tableExists(db, "featuresets")
	if err != nil {
		db.Close()
		return nil, err
	}
	if exists {
		// A read-only open must not write to the file, not even to migrate.
		if opts.ReadOnly {
			current, err := currentSchema(db)
			if err != nil {
				db.Close()
				return nil, err
			}
			if !current {
				db.Close()
				return nil, fmt.Errorf("read-only open of %s: schema is out of date, open writable once to migrate", path)
			}
		} else if err := migrateSchema(db); err != nil {
			db.Close()
			return nil, err
		}
		s.spatialIndex, err = tableExists(db, spatialIndexTable)
		if err != nil {
			db.Close()
			return nil, err
		}
	} else {
		if opts.ReadOnly {
			db.Close()
			return nil, fmt.Errorf("read-only open of %s: store does not exist", path)
		}
		if err := createSchema(db, opts.SpatialIndex); err != nil {
			db.Close()
			return nil, err
		}
		s.spatialIndex = opts.SpatialIndex
	}

	if err := s.refresh(); err != nil {
		db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"path":          path,
		"read_only":     s.readOnly,
		"spatial_index": s.spatialIndex,
		"feature_sets":  len(s.featureSets),
	}).Info("feature store opened")
	return s, nil
}

// Close releases the underlying database. Cursors still open become invalid.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return storeErr("close", err)
	}
	return nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether mutations are rejected.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// SpatialIndexed reports whether the store carries the envelope R*Tree.
func (s *Store) SpatialIndexed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spatialIndex
}

// OnChange registers a callback invoked after every successful content
// mutation. Callbacks run outside the store's lock and may issue queries.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) notifyChanged() {
	s.mu.Lock()
	callbacks := make([]func(), len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// usable must be called with mu held.
func (s *Store) usable() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// writable must be called with mu held.
func (s *Store) writable() error {
	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

// refresh reloads the full featuresets cache. Called with mu held (or before
// the store is shared).
func (s *Store) refresh() error {
	rows, err := s.db.Query(`
		SELECT id, name, name_version, visible, visible_version, visible_check,
		       min_lod, max_lod, lod_version, lod_check, type, provider
		FROM featuresets`)
	if err != nil {
		return storeErr("refresh", err)
	}
	defer rows.Close()

	sets := make(map[int64]*setDefn)
	for rows.Next() {
		d := &setDefn{}
		var visible, visibleCheck, lodCheck int
		err := rows.Scan(&d.fsid, &d.name, &d.nameVersion, &visible,
			&d.visibleVersion, &visibleCheck, &d.minLod, &d.maxLod,
			&d.lodVersion, &lodCheck, &d.typ, &d.provider)
		if err != nil {
			return storeErr("refresh", err)
		}
		d.visible = visible != 0
		d.visibleCheck = visibleCheck != 0
		d.lodCheck = lodCheck != 0
		sets[d.fsid] = d
	}
	if err := rows.Err(); err != nil {
		return storeErr("refresh", err)
	}

	s.featureSets = sets
	s.infoDirty = false
	return nil
}

// validateInfo refreshes the version counters and check flags of cached
// definitions if a mutation marked them dirty. Called with mu held.
func (s *Store) validateInfo() error {
	if !s.infoDirty {
		return nil
	}

	rows, err := s.db.Query(`
		SELECT id, name_version, visible, visible_version, visible_check,
		       min_lod, max_lod, lod_version, lod_check
		FROM featuresets`)
	if err != nil {
		return storeErr("validate", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fsid, nameVersion, visibleVersion, lodVersion int64
		var visible, visibleCheck, lodCheck, minLod, maxLod int
		err := rows.Scan(&fsid, &nameVersion, &visible, &visibleVersion,
			&visibleCheck, &minLod, &maxLod, &lodVersion, &lodCheck)
		if err != nil {
			return storeErr("validate", err)
		}
		d, ok := s.featureSets[fsid]
		if !ok {
			continue
		}
		d.nameVersion = nameVersion
		d.visible = visible != 0
		d.visibleVersion = visibleVersion
		d.visibleCheck = visibleCheck != 0
		d.minLod = minLod
		d.maxLod = maxLod
		d.lodVersion = lodVersion
		d.lodCheck = lodCheck != 0
	}
	if err := rows.Err(); err != nil {
		return storeErr("validate", err)
	}

	s.infoDirty = false
	return nil
}

// Stats summarizes store contents.
type Stats struct {
	FeatureSets   int
	Features      int
	FeaturesBySet map[string]int
}

// GetStats returns row counts per feature set.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	stats := &Stats{
		FeatureSets:   len(s.featureSets),
		FeaturesBySet: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT fsid, COUNT(1) FROM features GROUP BY fsid`)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fsid int64
		var count int
		if err := rows.Scan(&fsid, &count); err != nil {
			return nil, storeErr("stats", err)
		}
		stats.Features += count
		name := fmt.Sprintf("featureset %d", fsid)
		if d, ok := s.featureSets[fsid]; ok {
			name = d.name
		}
		stats.FeaturesBySet[name] += count
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats", err)
	}
	return stats, nil
}

// execer abstracts *sql.DB and *sql.Tx for helpers that run both inside and
// outside bulk transactions.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Prepare(query string) (*sql.Stmt, error)
}
