package store

import (
	"fmt"

	"featuredb/internal/attr"
)

// schemaRegistry caches the attribs_schema table. Entries are append-only for
// the life of the store, so once loaded the cache is authoritative; new specs
// are written through it.
type schemaRegistry struct {
	keyToSpec map[string]*attr.Spec
	idToSpec  map[int64]*attr.Spec
	dirty     bool
}

func newSchemaRegistry() *schemaRegistry {
	return &schemaRegistry{
		keyToSpec: make(map[string]*attr.Spec),
		idToSpec:  make(map[int64]*attr.Spec),
		dirty:     true,
	}
}

// validate lazily loads the full table on first use.
func (r *schemaRegistry) validate(db execer) error {
	if !r.dirty {
		return nil
	}

	rows, err := db.Query(`SELECT id, name, coding FROM attribs_schema`)
	if err != nil {
		return fmt.Errorf("loading attribute schema: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		var coding int
		if err := rows.Scan(&id, &name, &coding); err != nil {
			return fmt.Errorf("loading attribute schema: %w", err)
		}
		spec := attr.NewSpec(name, id, attr.Type(coding))
		r.idToSpec[id] = spec
		if primary, ok := r.keyToSpec[name]; ok {
			primary.Secondary[spec.Coding] = spec
		} else {
			r.keyToSpec[name] = spec
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading attribute schema: %w", err)
	}

	r.dirty = false
	return nil
}

func (r *schemaRegistry) insert(db execer, key string, coding attr.Type) (*attr.Spec, error) {
	res, err := db.Exec(`INSERT INTO attribs_schema (name, coding) VALUES (?, ?)`,
		key, int(coding))
	if err != nil {
		return nil, fmt.Errorf("inserting attribute schema %q: %w", key, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting attribute schema %q: %w", key, err)
	}
	return attr.NewSpec(key, id, coding), nil
}

// snapshot returns the id index for use by cursors after the store's lock is
// released. Specs are immutable once created, so sharing them is safe; only
// the map itself is copied.
func (r *schemaRegistry) snapshot() map[int64]*attr.Spec {
	out := make(map[int64]*attr.Spec, len(r.idToSpec))
	for id, spec := range r.idToSpec {
		out[id] = spec
	}
	return out
}

// schemaResolver binds the registry to the statement executor of the current
// insert, so schema rows created mid-encode land in the same transaction.
type schemaResolver struct {
	reg *schemaRegistry
	db  execer
}

func (rs schemaResolver) Resolve(key string, coding attr.Type) (*attr.Spec, error) {
	primary, ok := rs.reg.keyToSpec[key]
	if !ok {
		spec, err := rs.reg.insert(rs.db, key, coding)
		if err != nil {
			return nil, err
		}
		rs.reg.keyToSpec[key] = spec
		rs.reg.idToSpec[spec.ID] = spec
		return spec, nil
	}
	if primary.Coding == coding {
		return primary, nil
	}
	if sec, ok := primary.Secondary[coding]; ok {
		return sec, nil
	}

	sec, err := rs.reg.insert(rs.db, key, coding)
	if err != nil {
		return nil, err
	}
	primary.Secondary[coding] = sec
	rs.reg.idToSpec[sec.ID] = sec
	return sec, nil
}
