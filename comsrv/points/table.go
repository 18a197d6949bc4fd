package points

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/voltgrid/voltgrid/rtdb"
)

// Table is the immutable per-channel mapping of (kind, point_id) to point
// records. A channel replaces its table wholesale on load_points; in-flight
// decodes complete against the table that issued them.
type Table struct {
	byKind map[rtdb.PointKind]map[uint32]*Point
	sorted map[rtdb.PointKind][]*Point
}

// NewTable builds a table from the given points. Duplicate
// (kind, point_id) pairs are a configuration error.
func NewTable(pts []*Point) (*Table, error) {
	t := &Table{
		byKind: make(map[rtdb.PointKind]map[uint32]*Point),
		sorted: make(map[rtdb.PointKind][]*Point),
	}
	for _, p := range pts {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		m, ok := t.byKind[p.Kind]
		if !ok {
			m = make(map[uint32]*Point)
			t.byKind[p.Kind] = m
		}
		if _, dup := m[p.ID]; dup {
			return nil, fmt.Errorf("points: duplicate point %d in kind %s", p.ID, p.Kind)
		}
		m[p.ID] = p
		t.sorted[p.Kind] = append(t.sorted[p.Kind], p)
	}
	for kind := range t.sorted {
		sort.Slice(t.sorted[kind], func(i, j int) bool {
			return t.sorted[kind][i].ID < t.sorted[kind][j].ID
		})
	}
	return t, nil
}

// Lookup finds a point by kind and id.
func (t *Table) Lookup(kind rtdb.PointKind, id uint32) (*Point, bool) {
	p, ok := t.byKind[kind][id]
	return p, ok
}

// ByKind returns the points of one kind sorted by id. Callers must not
// mutate the returned slice.
func (t *Table) ByKind(kind rtdb.PointKind) []*Point {
	return t.sorted[kind]
}

// Len reports the total number of points.
func (t *Table) Len() int {
	n := 0
	for _, m := range t.byKind {
		n += len(m)
	}
	return n
}

// Signature returns a deterministic digest of the table contents. Reload
// uses it to tell a genuine point-table change from a no-op re-read.
func (t *Table) Signature() string {
	h := fnv.New64a()
	for _, kind := range []rtdb.PointKind{rtdb.Telemetry, rtdb.Signal, rtdb.Control, rtdb.Adjustment} {
		for _, p := range t.sorted[kind] {
			addr, _ := p.Address.Encode()
			fmt.Fprintf(h, "%s|%d|%s|%s|%s|%g|%g|%s|%v|%v;",
				kind, p.ID, addr, p.DataType, p.ByteOrder, p.Scale, p.Offset, p.Unit, p.Min != nil, p.Max != nil)
			if p.Min != nil {
				fmt.Fprintf(h, "%g;", *p.Min)
			}
			if p.Max != nil {
				fmt.Fprintf(h, "%g;", *p.Max)
			}
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Empty is a table with no points; a channel with an empty table connects
// but performs no polls.
func Empty() *Table {
	t, _ := NewTable(nil)
	return t
}
