package ivm

import (
	"testing"

	"github.com/zerocache/viewsyncer/internal/ast"
)

func issueSchema() Schema {
	return Schema{Table: "issue", PrimaryKey: []string{"id"}, Columns: map[string]string{"id": "string", "ownerID": "string", "modified": "int"}}
}

func TestFilter_FetchAndPush(t *testing.T) {
	src := newMemSource(issueSchema(), []Row{
		{Columns: map[string]any{"id": "1", "ownerID": "u1", "modified": 10}},
		{Columns: map[string]any{"id": "2", "ownerID": "u2", "modified": 20}},
	})
	f := NewFilter(&sourceOperator{TableSource: src}, func(r Row) bool { return r.Get("ownerID") == "u1" })

	it, err := f.Fetch(Constraint{})
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := drain(it)
	if len(rows) != 1 || rows[0].Get("id") != "1" {
		t.Fatalf("expected only row 1, got %+v", rows)
	}

	var captured []Change
	f.SetOutput(outputFunc(func(c Change) error { captured = append(captured, c); return nil }))

	if err := src.Push(Change{Type: Add, Row: Row{Columns: map[string]any{"id": "3", "ownerID": "u1", "modified": 30}}}); err != nil {
		t.Fatal(err)
	}
	if len(captured) != 1 || captured[0].Type != Add {
		t.Fatalf("expected one Add to pass through filter, got %+v", captured)
	}

	captured = nil
	if err := src.Push(Change{Type: Add, Row: Row{Columns: map[string]any{"id": "4", "ownerID": "u2", "modified": 40}}}); err != nil {
		t.Fatal(err)
	}
	if len(captured) != 0 {
		t.Fatalf("expected non-matching Add to be dropped, got %+v", captured)
	}
}

func TestFilter_EditTransitionsAcrossBoundary(t *testing.T) {
	src := newMemSource(issueSchema(), nil)
	f := NewFilter(&sourceOperator{TableSource: src}, func(r Row) bool {
		m, _ := r.Get("modified").(int)
		return m >= 20
	})
	var captured []Change
	f.SetOutput(outputFunc(func(c Change) error { captured = append(captured, c); return nil }))

	old := Row{Columns: map[string]any{"id": "1", "modified": 10}}
	fresh := Row{Columns: map[string]any{"id": "1", "modified": 25}}
	if err := f.Push(Change{Type: Edit, Row: fresh, OldRow: old}); err != nil {
		t.Fatal(err)
	}
	if len(captured) != 1 || captured[0].Type != Add {
		t.Fatalf("expected edit crossing into filter to surface as Add, got %+v", captured)
	}
}

func TestTake_LimitAndStart(t *testing.T) {
	src := newMemSource(issueSchema(), []Row{
		{Columns: map[string]any{"id": "1"}},
		{Columns: map[string]any{"id": "2"}},
		{Columns: map[string]any{"id": "3"}},
		{Columns: map[string]any{"id": "4"}},
	})
	take := NewTake(&sourceOperator{TableSource: src}, 2, map[string]any{"id": "1"})
	it, err := take.Fetch(Constraint{})
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := drain(it)
	if len(rows) != 2 || rows[0].Get("id") != "2" || rows[1].Get("id") != "3" {
		t.Fatalf("expected rows [2,3] after start cursor, got %+v", rows)
	}
}

func TestOrderBy_PrimaryKeyTiebreak(t *testing.T) {
	src := newMemSource(issueSchema(), []Row{
		{Columns: map[string]any{"id": "2", "modified": 10}},
		{Columns: map[string]any{"id": "1", "modified": 10}},
	})
	ob := NewOrderBy(&sourceOperator{TableSource: src}, []ast.OrderColumn{{Column: "modified", Direction: ast.Desc}})
	it, err := ob.Fetch(Constraint{})
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := drain(it)
	if rows[0].Get("id") != "1" || rows[1].Get("id") != "2" {
		t.Fatalf("expected primary key tiebreak order [1,2], got %+v", rows)
	}
}

func TestExists_NegateInvertsMembership(t *testing.T) {
	parentSrc := newMemSource(issueSchema(), []Row{
		{Columns: map[string]any{"id": "1"}},
		{Columns: map[string]any{"id": "2"}},
	})
	childSrc := newMemSource(Schema{Table: "label", PrimaryKey: []string{"id"}}, []Row{
		{Columns: map[string]any{"id": "l1", "issueID": "1"}},
	})
	corr := ast.Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}}

	ex := NewExists(&sourceOperator{TableSource: parentSrc}, &sourceOperator{TableSource: childSrc}, corr, false)
	it, _ := ex.Fetch(Constraint{})
	rows, _ := drain(it)
	if len(rows) != 1 || rows[0].Get("id") != "1" {
		t.Fatalf("expected only issue 1 to satisfy EXISTS, got %+v", rows)
	}

	notEx := NewExists(&sourceOperator{TableSource: parentSrc}, &sourceOperator{TableSource: childSrc}, corr, true)
	it2, _ := notEx.Fetch(Constraint{})
	rows2, _ := drain(it2)
	if len(rows2) != 1 || rows2[0].Get("id") != "2" {
		t.Fatalf("expected only issue 2 to satisfy NOT EXISTS, got %+v", rows2)
	}
}

type outputFunc func(Change) error

func (f outputFunc) Push(c Change) error { return f(c) }
