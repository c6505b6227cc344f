package store

import (
	"database/sql"
	"fmt"
)

// databaseVersion tracks the persisted layout. Version 1 predates the
// altitude_mode and extrude columns on features; opening a version 1 store
// adds them in place.
const databaseVersion = 2

const schemaDDL = `
CREATE TABLE IF NOT EXISTS featuresets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT,
	name_version INTEGER,
	visible INTEGER,
	visible_version INTEGER,
	visible_check INTEGER,
	min_lod INTEGER,
	max_lod INTEGER,
	lod_version INTEGER,
	lod_check INTEGER,
	type TEXT,
	provider TEXT
);

CREATE TABLE IF NOT EXISTS features (
	fid INTEGER PRIMARY KEY AUTOINCREMENT,
	fsid INTEGER,
	name TEXT COLLATE NOCASE,
	style_id INTEGER,
	attribs_id INTEGER,
	version INTEGER,
	visible INTEGER,
	visible_version INTEGER,
	min_lod INTEGER,
	max_lod INTEGER,
	lod_version INTEGER,
	altitude_mode INTEGER DEFAULT 0,
	extrude REAL DEFAULT 0.0,
	timestamp INTEGER DEFAULT 0,
	geometry BLOB,
	min_x REAL,
	min_y REAL,
	max_x REAL,
	max_y REAL
);

CREATE TABLE IF NOT EXISTS styles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	coding TEXT,
	value BLOB
);

CREATE TABLE IF NOT EXISTS attributes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	value BLOB
);

CREATE TABLE IF NOT EXISTS attribs_schema (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT,
	coding INTEGER
);

CREATE INDEX IF NOT EXISTS idx_features_fsid ON features(fsid);
CREATE INDEX IF NOT EXISTS idx_features_name ON features(name);
CREATE INDEX IF NOT EXISTS idx_features_lod ON features(min_lod, max_lod);
`

// spatialIndexTable is an R*Tree over feature envelopes, maintained alongside
// the features table inside the same transactions.
const spatialIndexTable = "idx_features_geometry"

const spatialIndexDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS idx_features_geometry USING rtree(
	id,
	min_x, max_x,
	min_y, max_y
);
`

func createSchema(db *sql.DB, spatialIndex bool) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if spatialIndex {
		if _, err := db.Exec(spatialIndexDDL); err != nil {
			return fmt.Errorf("creating spatial index: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", databaseVersion)); err != nil {
		return fmt.Errorf("setting schema version: %w", err)
	}
	return nil
}

// migrationColumns maps each features column added after version 1 to the
// statement that backfills it.
var migrationColumns = map[string]string{
	"altitude_mode": `ALTER TABLE features ADD COLUMN altitude_mode INTEGER DEFAULT 0`,
	"extrude":       `ALTER TABLE features ADD COLUMN extrude REAL DEFAULT 0.0`,
	"timestamp":     `ALTER TABLE features ADD COLUMN timestamp INTEGER DEFAULT 0`,
}

// migrateSchema brings an existing store up to the current layout. Column
// presence is probed directly so stores with a stale user_version still
// migrate correctly.
func migrateSchema(db *sql.DB) error {
	for column, stmt := range migrationColumns {
		ok, err := hasColumn(db, "features", column)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migrating schema: %w", err)
			}
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", databaseVersion)); err != nil {
		return fmt.Errorf("setting schema version: %w", err)
	}
	return nil
}

// currentSchema reports whether the features table already carries every
// column the current layout expects.
func currentSchema(db *sql.DB) (bool, error) {
	for column := range migrationColumns {
		ok, err := hasColumn(db, "features", column)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking schema: %w", err)
	}
	return n > 0, nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking for table %s: %w", name, err)
	}
	return n > 0, nil
}
