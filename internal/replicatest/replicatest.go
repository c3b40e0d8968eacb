// Package replicatest provides an in-memory ReplicaSnapshotter and
// SchemaCatalog for integration tests. It is explicitly not a production
// upstream adapter — real deployments connect pipeline.Driver to the
// actual replicated database — this exists purely so viewsyncer and
// pipeline tests can exercise hydrate/advance/reset against a controlled,
// deterministic changelog, the same role the teacher's in-memory
// internal/storage fixtures play in its own _test.go files.
package replicatest

import (
	"sync"

	"github.com/zerocache/viewsyncer/internal/ivm"
)

// Replica is an in-memory, versioned table store plus a pending changelog.
type Replica struct {
	mu      sync.Mutex
	tables  map[string][]ivm.Row
	schemas map[string]ivm.Schema
	version int
	pending []ivm.Change
}

func New() *Replica {
	return &Replica{tables: map[string][]ivm.Row{}, schemas: map[string]ivm.Schema{}, version: 1}
}

func (r *Replica) DefineTable(schema ivm.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Table] = schema
	if _, ok := r.tables[schema.Table]; !ok {
		r.tables[schema.Table] = nil
	}
}

func (r *Replica) Schema(table string) (ivm.Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[table]
	return s, ok
}

// Seed inserts rows directly without generating changelog entries, for
// setting up a pipeline's initial hydration state.
func (r *Replica) Seed(table string, rows ...ivm.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table] = append(r.tables[table], rows...)
}

// Apply records a change to be surfaced by the next ChangesSince call and
// mutates the live table so subsequent Fetch calls see it too.
func (r *Replica) Apply(table string, c ivm.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Table = table
	switch c.Type {
	case ivm.Add:
		r.tables[table] = append(r.tables[table], c.Row)
	case ivm.Remove:
		r.tables[table] = removeMatching(r.tables[table], c.Row, r.schemas[table].PrimaryKey)
	case ivm.Edit:
		r.tables[table] = removeMatching(r.tables[table], c.OldRow, r.schemas[table].PrimaryKey)
		r.tables[table] = append(r.tables[table], c.Row)
	}
	r.pending = append(r.pending, c)
	r.version++
}

func removeMatching(rows []ivm.Row, target ivm.Row, pk []string) []ivm.Row {
	out := rows[:0:0]
	for _, row := range rows {
		match := true
		for _, k := range pk {
			if row.Get(k) != target.Get(k) {
				match = false
				break
			}
		}
		if !match {
			out = append(out, row)
		}
	}
	return out
}

func (r *Replica) Fetch(table string, c ivm.Constraint, atVersion string) (ivm.RowIterator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ivm.Row
	for _, row := range r.tables[table] {
		if c.Column == "" || row.Get(c.Column) == c.Value {
			out = append(out, row)
		}
	}
	return &iter{rows: out}, nil
}

func (r *Replica) ChangesSince(sinceVersion string) ([]ivm.Change, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changes := r.pending
	r.pending = nil
	return changes, versionString(r.version), nil
}

func versionString(v int) string {
	digits := [20]byte{}
	i := len(digits)
	if v == 0 {
		return "0"
	}
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

type iter struct {
	rows []ivm.Row
	pos  int
}

func (it *iter) Next() (ivm.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return ivm.Row{}, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

func (it *iter) Close() {}
