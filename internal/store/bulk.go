package store

import (
	"database/sql"

	"featuredb/internal/feature"
)

// Bulk is a transactional bulk-insertion bracket. It holds the store's write
// lock from BeginBulk until Commit or Rollback, so nothing else observes a
// partially-loaded store, and every insert inside it commits atomically.
type Bulk struct {
	s   *Store
	tx  *sql.Tx
	ctx *insertCtx

	addedSets []int64
	inserted  bool
	done      bool
}

// BeginBulk opens a bulk-insertion transaction. The returned Bulk must be
// finished with Commit or Rollback; until then every other store call blocks.
func (s *Store) BeginBulk() (*Bulk, error) {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, storeErr("begin bulk", err)
	}
	ctx, err := s.newInsertCtx(tx)
	if err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return nil, storeErr("begin bulk", err)
	}
	return &Bulk{s: s, tx: tx, ctx: ctx}, nil
}

// InsertFeatureSet creates a feature set inside the bulk transaction.
func (b *Bulk) InsertFeatureSet(provider, typ, name string, minResolution, maxResolution float64) (int64, error) {
	if b.done {
		return feature.SetIDNone, ErrClosed
	}
	fsid, err := b.s.insertFeatureSetLocked(b.tx, feature.SetIDNone, provider, typ, name, minResolution, maxResolution)
	if err != nil {
		return fsid, err
	}
	b.addedSets = append(b.addedSets, fsid)
	b.inserted = true
	return fsid, nil
}

// InsertFeature inserts one feature inside the bulk transaction. As with the
// direct path, an unknown fsid drops the insert and returns the none id.
func (b *Bulk) InsertFeature(fsid int64, def FeatureDef) (int64, error) {
	if b.done {
		return feature.IDNone, ErrClosed
	}
	fid, err := b.s.insertFeatureLocked(b.tx, b.ctx, fsid, def)
	if err == nil && fid != feature.IDNone {
		b.inserted = true
	}
	return fid, err
}

// Commit makes every insert in the bracket durable at once.
func (b *Bulk) Commit() error {
	if b.done {
		return ErrClosed
	}
	b.done = true
	b.ctx.close()
	err := b.tx.Commit()
	if err != nil {
		for _, fsid := range b.addedSets {
			delete(b.s.featureSets, fsid)
		}
		b.s.schema = newSchemaRegistry()
		b.s.mu.Unlock()
		return storeErr("commit bulk", err)
	}
	b.s.mu.Unlock()
	if b.inserted {
		b.s.notifyChanged()
	}
	return nil
}

// Rollback discards the bracket entirely. Cached state derived from the
// discarded inserts is dropped with it.
func (b *Bulk) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	b.ctx.close()
	err := b.tx.Rollback()

	for _, fsid := range b.addedSets {
		delete(b.s.featureSets, fsid)
	}
	// Attribute schema rows created inside the transaction are gone too;
	// force a reload before the cache is trusted again.
	b.s.schema = newSchemaRegistry()

	b.s.mu.Unlock()
	if err != nil {
		return storeErr("rollback bulk", err)
	}
	return nil
}
