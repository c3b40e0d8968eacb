package pipeline

import (
	"testing"
	"time"

	"github.com/zerocache/viewsyncer/internal/ast"
	"github.com/zerocache/viewsyncer/internal/ivm"
	"github.com/zerocache/viewsyncer/internal/replicatest"
)

type fakeReplica struct {
	rows    map[string][]ivm.Row
	version string
}

func (f *fakeReplica) Fetch(table string, c ivm.Constraint, atVersion string) (ivm.RowIterator, error) {
	rows := f.rows[table]
	var out []ivm.Row
	for _, r := range rows {
		if c.Column == "" || r.Get(c.Column) == c.Value {
			out = append(out, r)
		}
	}
	return &staticIterator{rows: out}, nil
}

func (f *fakeReplica) ChangesSince(sinceVersion string) ([]ivm.Change, string, error) {
	return nil, f.version, nil
}

type staticIterator struct {
	rows []ivm.Row
	pos  int
}

func (s *staticIterator) Next() (ivm.Row, bool, error) {
	if s.pos >= len(s.rows) {
		return ivm.Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}
func (s *staticIterator) Close() {}

type fakeCatalog struct{ schemas map[string]ivm.Schema }

func (c *fakeCatalog) Schema(table string) (ivm.Schema, bool) {
	s, ok := c.schemas[table]
	return s, ok
}

func TestDriver_AddQueryHydrates(t *testing.T) {
	replica := &fakeReplica{
		rows: map[string][]ivm.Row{
			"issue": {
				{Columns: map[string]any{"id": "1", "ownerID": "u1"}},
				{Columns: map[string]any{"id": "2", "ownerID": "u2"}},
			},
		},
		version: "v1",
	}
	catalog := &fakeCatalog{schemas: map[string]ivm.Schema{
		"issue": {Table: "issue", PrimaryKey: []string{"id"}},
	}}
	d := NewDriver(replica, catalog, "v0")

	q := &ast.Query{Table: "issue", Where: &ast.Condition{Op: ast.OpEq, Column: "ownerID", Value: "u1"}}
	rows, err := d.AddQuery("hash1", q)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Get("id") != "1" {
		t.Fatalf("expected single matching row, got %+v", rows)
	}
}

func TestDriver_RemoveQueryForgetsPipeline(t *testing.T) {
	replica := &fakeReplica{rows: map[string][]ivm.Row{"issue": {}}, version: "v1"}
	catalog := &fakeCatalog{schemas: map[string]ivm.Schema{"issue": {Table: "issue", PrimaryKey: []string{"id"}}}}
	d := NewDriver(replica, catalog, "v0")
	if _, err := d.AddQuery("hash1", &ast.Query{Table: "issue"}); err != nil {
		t.Fatal(err)
	}
	d.RemoveQuery("hash1")
	if _, ok := d.pipelines["hash1"]; ok {
		t.Fatal("expected pipeline to be removed")
	}
}

func TestDriver_AdvanceWithoutDiffMovesVersion(t *testing.T) {
	replica := &fakeReplica{rows: map[string][]ivm.Row{}, version: "v2"}
	catalog := &fakeCatalog{}
	d := NewDriver(replica, catalog, "v1")
	if err := d.AdvanceWithoutDiff(); err != nil {
		t.Fatal(err)
	}
	if d.Version() != "v2" {
		t.Fatalf("expected version v2, got %s", d.Version())
	}
}

// TestDriver_AdvancePushesIntoMatchingLeaf exercises a real upstream diff
// flowing through a compiled pipeline: the pushed change must reach the
// root sink (routed by table name to the correct leaf) and come back out
// tagged with the query's table.
func TestDriver_AdvancePushesIntoMatchingLeaf(t *testing.T) {
	replica := replicatest.New()
	replica.DefineTable(ivm.Schema{Table: "issue", PrimaryKey: []string{"id"}})
	replica.Seed("issue", ivm.Row{Columns: map[string]any{"id": "1", "ownerID": "u1"}})

	d := NewDriver(replica, replica, "1")
	rows, err := d.AddQuery("hash1", &ast.Query{Table: "issue"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one hydrated row, got %d", len(rows))
	}

	replica.Apply("issue", ivm.Change{Type: ivm.Add, Row: ivm.Row{Columns: map[string]any{"id": "2", "ownerID": "u2"}}})

	results, err := d.Advance(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one pipeline to report a diff, got %d", len(results))
	}
	if results[0].QueryHash != "hash1" || results[0].Table != "issue" {
		t.Fatalf("unexpected result: %+v", results[0])
	}
	if len(results[0].Changes) != 1 || results[0].Changes[0].Type != ivm.Add {
		t.Fatalf("expected one Add change, got %+v", results[0].Changes)
	}
}

// TestDriver_AdvanceFansOutToMultiplePipelinesOnSameTable ensures two
// distinct pipelines over the same table each independently observe a
// pushed change, proving the shared replicaSource really fans out rather
// than routing to only the first-compiled pipeline.
func TestDriver_AdvanceFansOutToMultiplePipelinesOnSameTable(t *testing.T) {
	replica := replicatest.New()
	replica.DefineTable(ivm.Schema{Table: "issue", PrimaryKey: []string{"id"}})

	d := NewDriver(replica, replica, "1")
	if _, err := d.AddQuery("hashA", &ast.Query{Table: "issue"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddQuery("hashB", &ast.Query{Table: "issue"}); err != nil {
		t.Fatal(err)
	}

	replica.Apply("issue", ivm.Change{Type: ivm.Add, Row: ivm.Row{Columns: map[string]any{"id": "1"}}})

	results, err := d.Advance(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both pipelines to report the diff, got %d", len(results))
	}
}

func TestDriver_AdvanceWithNoChangesSucceeds(t *testing.T) {
	replica := &fakeReplica{rows: map[string][]ivm.Row{}, version: "v1"}
	catalog := &fakeCatalog{}
	d := NewDriver(replica, catalog, "v1")
	if _, err := d.Advance(time.Second); err != nil {
		t.Fatal(err)
	}
}
