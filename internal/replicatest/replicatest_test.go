package replicatest

import (
	"testing"

	"github.com/zerocache/viewsyncer/internal/ivm"
)

func TestReplica_SeedAndFetch(t *testing.T) {
	r := New()
	r.DefineTable(ivm.Schema{Table: "issue", PrimaryKey: []string{"id"}})
	r.Seed("issue", ivm.Row{Columns: map[string]any{"id": "1"}})

	it, err := r.Fetch("issue", ivm.Constraint{}, "")
	if err != nil {
		t.Fatal(err)
	}
	row, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("expected one seeded row, err=%v ok=%v", err, ok)
	}
	if row.Get("id") != "1" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestReplica_ApplyRecordsChangelog(t *testing.T) {
	r := New()
	r.DefineTable(ivm.Schema{Table: "issue", PrimaryKey: []string{"id"}})
	r.Apply("issue", ivm.Change{Type: ivm.Add, Row: ivm.Row{Columns: map[string]any{"id": "1"}}})

	changes, version, err := r.ChangesSince("")
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Type != ivm.Add {
		t.Fatalf("expected one Add change, got %+v", changes)
	}
	if version == "" {
		t.Fatal("expected non-empty version")
	}

	changes2, _, _ := r.ChangesSince(version)
	if len(changes2) != 0 {
		t.Fatalf("expected changelog to drain after read, got %+v", changes2)
	}
}
