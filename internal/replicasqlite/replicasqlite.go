// Package replicasqlite adapts a modernc.org/sqlite-backed replica
// snapshot file into pipeline.ReplicaSnapshotter and pipeline.SchemaCatalog.
// The replica file is an ordinary sqlite database whose schema mirrors the
// upstream tables, plus one _zero_changelog table recording row-level
// changes in arrival order (version, table, op, row JSON) — the same
// shape the teacher gives its own WAL-backed storage engine
// (internal/storage/db.go's GOB+JSON persisted log), adapted here to a
// per-row JSON changelog instead of a whole-catalog snapshot.
package replicasqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/zerocache/viewsyncer/internal/ivm"
)

type Replica struct {
	db      *sql.DB
	schemas map[string]ivm.Schema
}

func Open(path string) (*Replica, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("replicasqlite: open: %w", err)
	}
	r := &Replica{db: db, schemas: map[string]ivm.Schema{}}
	if err := r.loadSchemas(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Replica) Close() error { return r.db.Close() }

func (r *Replica) loadSchemas() error {
	rows, err := r.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE '_zero_%'`)
	if err != nil {
		return fmt.Errorf("replicasqlite: list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}

	for _, table := range tables {
		cols, err := r.db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
		if err != nil {
			return err
		}
		schema := ivm.Schema{Table: table, Columns: map[string]string{}}
		for cols.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt sql.NullString
			if err := cols.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				cols.Close()
				return err
			}
			schema.Columns[name] = ctype
			if pk > 0 {
				schema.PrimaryKey = append(schema.PrimaryKey, name)
			}
		}
		cols.Close()
		r.schemas[table] = schema
	}
	return nil
}

func (r *Replica) Schema(table string) (ivm.Schema, bool) {
	s, ok := r.schemas[table]
	return s, ok
}

func (r *Replica) Fetch(table string, c ivm.Constraint, atVersion string) (ivm.RowIterator, error) {
	schema, ok := r.schemas[table]
	if !ok {
		return nil, fmt.Errorf("replicasqlite: unknown table %q", table)
	}
	query := fmt.Sprintf(`SELECT * FROM %q`, table)
	args := []any{}
	if c.Column != "" {
		query += fmt.Sprintf(` WHERE %q = ?`, c.Column)
		args = append(args, c.Value)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("replicasqlite: fetch %s: %w", table, err)
	}
	return newRowIterator(rows, schema)
}

func newRowIterator(rows *sql.Rows, schema ivm.Schema) (*rowIterator, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &rowIterator{rows: rows, cols: cols}, nil
}

type rowIterator struct {
	rows *sql.Rows
	cols []string
}

func (it *rowIterator) Next() (ivm.Row, bool, error) {
	if !it.rows.Next() {
		return ivm.Row{}, false, it.rows.Err()
	}
	vals := make([]any, len(it.cols))
	ptrs := make([]any, len(it.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return ivm.Row{}, false, err
	}
	columns := map[string]any{}
	for i, name := range it.cols {
		columns[name] = vals[i]
	}
	return ivm.Row{Columns: columns}, true, nil
}

func (it *rowIterator) Close() { it.rows.Close() }

type changelogEntry struct {
	Version int             `json:"version"`
	Table   string          `json:"table"`
	Op      string          `json:"op"`
	Row     json.RawMessage `json:"row"`
	OldRow  json.RawMessage `json:"oldRow,omitempty"`
}

func (r *Replica) ChangesSince(sinceVersion string) ([]ivm.Change, string, error) {
	since, _ := strconv.Atoi(sinceVersion)
	rows, err := r.db.Query(`SELECT version, "table", op, row, oldRow FROM _zero_changelog WHERE version > ? ORDER BY version`, since)
	if err != nil {
		return nil, sinceVersion, fmt.Errorf("replicasqlite: changelog: %w", err)
	}
	defer rows.Close()

	var changes []ivm.Change
	maxVersion := since
	for rows.Next() {
		var e changelogEntry
		var oldRow sql.NullString
		if err := rows.Scan(&e.Version, &e.Table, &e.Op, &e.Row, &oldRow); err != nil {
			return nil, sinceVersion, err
		}
		change, err := decodeChange(e, oldRow)
		if err != nil {
			return nil, sinceVersion, err
		}
		changes = append(changes, change)
		if e.Version > maxVersion {
			maxVersion = e.Version
		}
	}
	return changes, strconv.Itoa(maxVersion), rows.Err()
}

func decodeChange(e changelogEntry, oldRow sql.NullString) (ivm.Change, error) {
	var row map[string]any
	if err := json.Unmarshal(e.Row, &row); err != nil {
		return ivm.Change{}, err
	}
	c := ivm.Change{Table: e.Table, Row: ivm.Row{Columns: row}}
	switch e.Op {
	case "add":
		c.Type = ivm.Add
	case "remove":
		c.Type = ivm.Remove
	case "edit":
		c.Type = ivm.Edit
		if oldRow.Valid {
			var old map[string]any
			if err := json.Unmarshal([]byte(oldRow.String), &old); err != nil {
				return ivm.Change{}, err
			}
			c.OldRow = ivm.Row{Columns: old}
		}
	default:
		return ivm.Change{}, fmt.Errorf("replicasqlite: unknown op %q", e.Op)
	}
	return c, nil
}
