package store

import (
	"database/sql"
	"errors"
	"math"
	"strings"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"

	"featuredb/internal/attr"
	"featuredb/internal/feature"
	"featuredb/internal/geom"
	"featuredb/internal/style"
)

// rawRow is one feature row as selected by featureSelect, before
// materialization into a feature.Feature.
type rawRow struct {
	fid       int64
	fsid      int64
	version   int64
	name      string
	styleBlob []byte
	attrBlob  []byte
	altMode   int
	extrude   float64
	timestamp int64
	geomBlob  []byte

	minX, minY, maxX, maxY sql.NullFloat64
}

func scanRow(rows *sql.Rows) (*rawRow, error) {
	r := &rawRow{}
	var name sql.NullString
	var altMode, timestamp sql.NullInt64
	var extrude sql.NullFloat64
	err := rows.Scan(&r.fid, &r.fsid, &name, &r.version,
		&r.styleBlob, &r.attrBlob, &altMode, &extrude, &timestamp,
		&r.geomBlob, &r.minX, &r.minY, &r.maxX, &r.maxY)
	if err != nil {
		return nil, err
	}
	r.name = name.String
	r.altMode = int(altMode.Int64)
	r.extrude = extrude.Float64
	r.timestamp = timestamp.Int64
	return r, nil
}

// subCursor is one physical sub-query's result stream. next returns nil, nil
// when exhausted.
type subCursor interface {
	next() (*rawRow, error)
	close() error
}

type sqlSub struct {
	rows *sql.Rows
}

func (s *sqlSub) next() (*rawRow, error) {
	if !s.rows.Next() {
		return nil, s.rows.Err()
	}
	return scanRow(s.rows)
}

func (s *sqlSub) close() error {
	return s.rows.Close()
}

type bufSub struct {
	rows []*rawRow
	idx  int
}

func (b *bufSub) next() (*rawRow, error) {
	if b.idx >= len(b.rows) {
		return nil, nil
	}
	r := b.rows[b.idx]
	b.idx++
	return r, nil
}

func (b *bufSub) close() error {
	b.idx = len(b.rows)
	return nil
}

// drainSub buffers a live sub-cursor in full and releases its connection.
func drainSub(sub subCursor) (subCursor, error) {
	defer sub.close()
	var rows []*rawRow
	for {
		r, err := sub.next()
		if err != nil {
			return nil, err
		}
		if r == nil {
			return &bufSub{rows: rows}, nil
		}
		rows = append(rows, r)
	}
}

// FeatureCursor is a lazy, finite, forward-only sequence of features. It
// multiplexes the planner's physical sub-queries, merging when an ordering
// was requested and concatenating otherwise. Cursors are not restartable and
// become invalid when their store is closed.
type FeatureCursor struct {
	schema map[int64]*attr.Spec
	subs   []subCursor
	less   func(a, b *rawRow) bool

	// merge lookahead, one slot per sub. Unused when less is nil.
	peek   []*rawRow
	primed bool

	// concatenation position. Unused when merging.
	active int

	// window applied after the merge when more than one sub-query
	// contributed rows.
	window   bool
	offset   int
	limit    int
	skipped  int
	returned int

	cur  *rawRow
	feat *feature.Feature
	err  error
}

func newFeatureCursor(schema map[int64]*attr.Spec, subs []subCursor, less func(a, b *rawRow) bool, offset, limit int, window bool) *FeatureCursor {
	if len(subs) < 2 {
		less = nil
	}
	return &FeatureCursor{
		schema: schema,
		subs:   subs,
		less:   less,
		window: window,
		offset: offset,
		limit:  limit,
	}
}

// Next advances to the next feature, returning false at the end of the
// sequence or on error.
func (c *FeatureCursor) Next() bool {
	if c.err != nil {
		return false
	}
	for {
		r, err := c.advance()
		if err != nil {
			c.err = err
			return false
		}
		if r == nil {
			return false
		}
		if c.window {
			if c.skipped < c.offset {
				c.skipped++
				continue
			}
			if c.limit > 0 && c.returned >= c.limit {
				return false
			}
		}
		c.cur = r
		c.feat = nil
		c.returned++
		return true
	}
}

func (c *FeatureCursor) advance() (*rawRow, error) {
	if c.less == nil {
		for c.active < len(c.subs) {
			r, err := c.subs[c.active].next()
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}
			c.active++
		}
		return nil, nil
	}

	if !c.primed {
		c.peek = make([]*rawRow, len(c.subs))
		for i, sub := range c.subs {
			r, err := sub.next()
			if err != nil {
				return nil, err
			}
			c.peek[i] = r
		}
		c.primed = true
	}

	best := -1
	for i, r := range c.peek {
		if r == nil {
			continue
		}
		if best < 0 || c.less(r, c.peek[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}

	r := c.peek[best]
	refill, err := c.subs[best].next()
	if err != nil {
		return nil, err
	}
	c.peek[best] = refill
	return r, nil
}

// ID returns the current feature's id without materializing it.
func (c *FeatureCursor) ID() int64 {
	if c.cur == nil {
		return feature.IDNone
	}
	return c.cur.fid
}

// SetID returns the current feature's owning set id.
func (c *FeatureCursor) SetID() int64 {
	if c.cur == nil {
		return feature.SetIDNone
	}
	return c.cur.fsid
}

// Version returns the current feature's version counter.
func (c *FeatureCursor) Version() int64 {
	if c.cur == nil {
		return feature.VersionNone
	}
	return c.cur.version
}

// Feature materializes the current row. Geometry and style decode failures
// are errors; an undecodable attribute blob degrades to no attributes, so one
// bad record cannot abort a whole scan.
func (c *FeatureCursor) Feature() (*feature.Feature, error) {
	if c.cur == nil {
		return nil, errors.New("cursor has no current row")
	}
	if c.feat != nil {
		return c.feat, nil
	}

	f := &feature.Feature{
		ID:           c.cur.fid,
		SetID:        c.cur.fsid,
		Name:         c.cur.name,
		AltitudeMode: feature.AltitudeModeFrom(c.cur.altMode),
		Extrude:      c.cur.extrude,
		Timestamp:    c.cur.timestamp,
		Version:      c.cur.version,
	}

	if c.cur.geomBlob != nil {
		g, err := geom.DecodeWKB(c.cur.geomBlob)
		if err != nil {
			return nil, err
		}
		f.Geometry = g
	}
	if len(c.cur.styleBlob) > 0 {
		st, err := style.Parse(string(c.cur.styleBlob))
		if err != nil {
			return nil, err
		}
		f.Style = st
	}
	if len(c.cur.attrBlob) > 0 {
		set, err := attr.Decode(c.cur.attrBlob, c.schema)
		if err != nil {
			log.WithFields(log.Fields{
				"fid":   c.cur.fid,
				"error": err,
			}).Warning("undecodable attribute blob; returning feature without attributes")
		} else {
			f.Attributes = set
		}
	}

	c.feat = f
	return f, nil
}

// Err returns the first error encountered while iterating.
func (c *FeatureCursor) Err() error {
	return c.err
}

// Close releases all underlying result sets.
func (c *FeatureCursor) Close() error {
	var first error
	for _, sub := range c.subs {
		if err := sub.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// rowLess builds the merge comparator matching the SQL ordering, so merged
// sub-queries interleave exactly as a single ordered query would.
func rowLess(order []Ordering) func(a, b *rawRow) bool {
	if len(order) == 0 {
		return nil
	}
	return func(a, b *rawRow) bool {
		for _, o := range order {
			switch o.By {
			case OrderByName:
				an, bn := strings.ToLower(a.name), strings.ToLower(b.name)
				if an != bn {
					return an < bn
				}
			case OrderByDistance:
				da, db := centroidDist2(a, o.Point), centroidDist2(b, o.Point)
				if da != db {
					return da < db
				}
			default:
				if a.fid != b.fid {
					return a.fid < b.fid
				}
			}
		}
		return a.fid < b.fid
	}
}

// centroidDist2 is the squared distance from the query point to the feature
// envelope's centroid, mirroring the SQL distance ordering expression.
// Features without geometry sort first, matching NULL ordering in SQL.
func centroidDist2(r *rawRow, p orb.Point) float64 {
	if !r.minX.Valid || !r.maxX.Valid || !r.minY.Valid || !r.maxY.Valid {
		return math.Inf(-1)
	}
	cx := (r.minX.Float64 + r.maxX.Float64) / 2
	cy := (r.minY.Float64 + r.maxY.Float64) / 2
	dx := cx - p[0]
	dy := cy - p[1]
	return dx*dx + dy*dy
}

// SetCursor iterates feature sets. Results are fully materialized at query
// time; Close exists for symmetry with FeatureCursor.
type SetCursor struct {
	sets []*feature.Set
	idx  int
}

// Next advances to the next feature set.
func (c *SetCursor) Next() bool {
	if c.idx+1 >= len(c.sets) {
		return false
	}
	c.idx++
	return true
}

// Set returns the current feature set.
func (c *SetCursor) Set() *feature.Set {
	if c.idx < 0 || c.idx >= len(c.sets) {
		return nil
	}
	return c.sets[c.idx]
}

// Count returns the total number of matching sets regardless of position.
func (c *SetCursor) Count() int {
	return len(c.sets)
}

func (c *SetCursor) Close() error {
	return nil
}
