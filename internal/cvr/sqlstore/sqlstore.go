// Package sqlstore is the concrete cvr.Store backed by modernc.org/sqlite,
// the teacher's own database/sql driver of choice (tinySQL's
// internal/importer and its go.mod direct dependency on modernc.org/
// sqlite). It stores one row group per client group across four tables
// (clients, queries, rows, instances) as named in spec.md §6, with each
// row's structured payload serialized as JSON — the teacher's db.go uses
// GOB for its catalog snapshot; JSON is used here instead since the CVR
// payload crosses into a public Store interface and must stay debuggable
// from a plain sqlite3 CLI session.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zerocache/viewsyncer/internal/cvr"
	"github.com/zerocache/viewsyncer/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	client_group_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	replica_version TEXT NOT NULL,
	client_schema INTEGER NOT NULL,
	last_active INTEGER NOT NULL,
	owner_task_id TEXT NOT NULL,
	owner_connect_time INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS clients (
	client_group_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (client_group_id, client_id)
);
CREATE TABLE IF NOT EXISTS queries (
	client_group_id TEXT NOT NULL,
	query_hash TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (client_group_id, query_hash)
);
CREATE TABLE IF NOT EXISTS rows (
	client_group_id TEXT NOT NULL,
	row_key TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (client_group_id, row_key)
);
`

// Store is a cvr.Store backed by a single *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) a sqlite-backed Store at dsn, mirroring the
// teacher's own modernc.org/sqlite open pattern in cmd/server/main.go.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type clientPayload struct {
	BaseCookie    string    `json:"baseCookie"`
	SchemaVersion int       `json:"schemaVersion"`
	LastActive    time.Time `json:"lastActive"`
}

type queryPayload struct {
	ClientIDs []string                          `json:"clientIDs"`
	Clients   map[string]cvr.ClientQueryState   `json:"clients"`
	TTLClock  int64                             `json:"ttlClock"`
}

type rowPayload struct {
	Table     string         `json:"table"`
	PK        map[string]any `json:"pk"`
	RefCounts map[string]int `json:"refCounts"`
	RowHash   string         `json:"rowHash"`
}

// Load returns clientGroupID's Record, or a fresh empty one if absent.
func (s *Store) Load(ctx context.Context, clientGroupID string) (*cvr.Record, error) {
	rec := cvr.New(clientGroupID)

	row := s.db.QueryRowContext(ctx,
		`SELECT version, replica_version, client_schema, last_active, owner_task_id, owner_connect_time
		 FROM instances WHERE client_group_id = ?`, clientGroupID)

	var ownerTaskID string
	var lastActiveUnix, ownerConnectUnix int64
	err := row.Scan(&rec.Version, &rec.ReplicaVersion, &rec.ClientSchema, &lastActiveUnix, &ownerTaskID, &ownerConnectUnix)
	switch {
	case err == sql.ErrNoRows:
		return rec, nil
	case err != nil:
		return nil, fmt.Errorf("sqlstore: load instance: %w", err)
	}
	rec.LastActive = time.Unix(0, lastActiveUnix)
	if ownerTaskID != "" {
		rec.Owner.LastConnectTime = time.Unix(0, ownerConnectUnix)
	}

	if err := s.loadClients(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.loadQueries(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.loadRows(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadClients(ctx context.Context, rec *cvr.Record) error {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, payload FROM clients WHERE client_group_id = ?`, rec.ClientGroupID)
	if err != nil {
		return fmt.Errorf("sqlstore: load clients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var clientID, payload string
		if err := rows.Scan(&clientID, &payload); err != nil {
			return err
		}
		var p clientPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return err
		}
		rec.Clients[clientID] = cvr.ClientRecord{
			ClientID: clientID, BaseCookie: p.BaseCookie, SchemaVersion: p.SchemaVersion, LastActive: p.LastActive,
		}
	}
	return rows.Err()
}

func (s *Store) loadQueries(ctx context.Context, rec *cvr.Record) error {
	rows, err := s.db.QueryContext(ctx, `SELECT query_hash, payload FROM queries WHERE client_group_id = ?`, rec.ClientGroupID)
	if err != nil {
		return fmt.Errorf("sqlstore: load queries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash, payload string
		if err := rows.Scan(&hash, &payload); err != nil {
			return err
		}
		var p queryPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return err
		}
		clientIDs := map[string]struct{}{}
		for _, c := range p.ClientIDs {
			clientIDs[c] = struct{}{}
		}
		clients := p.Clients
		if clients == nil {
			clients = map[string]cvr.ClientQueryState{}
		}
		rec.Queries[hash] = cvr.QueryRecord{Hash: hash, ClientIDs: clientIDs, Clients: clients, TTLClock: p.TTLClock}
	}
	return rows.Err()
}

func (s *Store) loadRows(ctx context.Context, rec *cvr.Record) error {
	rows, err := s.db.QueryContext(ctx, `SELECT row_key, payload FROM rows WHERE client_group_id = ?`, rec.ClientGroupID)
	if err != nil {
		return fmt.Errorf("sqlstore: load rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return err
		}
		var p rowPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return err
		}
		refCounts := p.RefCounts
		if refCounts == nil {
			refCounts = map[string]int{}
		}
		rec.Rows[key] = cvr.RowRecord{Table: p.Table, PK: p.PK, RefCounts: refCounts, RowHash: p.RowHash}
	}
	return rows.Err()
}

// ClaimOwnership assigns a fresh token, overwriting any prior owner.
func (s *Store) ClaimOwnership(ctx context.Context, clientGroupID string, token cvr.OwnershipToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (client_group_id, version, replica_version, client_schema, last_active, owner_task_id, owner_connect_time)
		VALUES (?, 0, '', 0, ?, ?, ?)
		ON CONFLICT(client_group_id) DO UPDATE SET owner_task_id = excluded.owner_task_id, owner_connect_time = excluded.owner_connect_time
	`, clientGroupID, time.Now().UnixNano(), token.TaskID.String(), token.LastConnectTime.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlstore: claim ownership: %w", err)
	}
	return nil
}

// Flush persists rec in a single transaction, first verifying the caller
// still owns the client group (spec.md §4.4 scenario (f)).
func (s *Store) Flush(ctx context.Context, rec *cvr.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ownerTaskID string
	var ownerConnectUnix int64
	err = tx.QueryRowContext(ctx, `SELECT owner_task_id, owner_connect_time FROM instances WHERE client_group_id = ?`, rec.ClientGroupID).
		Scan(&ownerTaskID, &ownerConnectUnix)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("sqlstore: flush: read owner: %w", err)
	}
	if err == nil && ownerTaskID != rec.Owner.TaskID.String() {
		return errs.ErrOwnershipLost
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instances (client_group_id, version, replica_version, client_schema, last_active, owner_task_id, owner_connect_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_group_id) DO UPDATE SET
			version = excluded.version, replica_version = excluded.replica_version,
			client_schema = excluded.client_schema, last_active = excluded.last_active
	`, rec.ClientGroupID, rec.Version, rec.ReplicaVersion, rec.ClientSchema, rec.LastActive.UnixNano(),
		rec.Owner.TaskID.String(), rec.Owner.LastConnectTime.UnixNano()); err != nil {
		return fmt.Errorf("sqlstore: flush instance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE client_group_id = ?`, rec.ClientGroupID); err != nil {
		return err
	}
	for id, c := range rec.Clients {
		payload, _ := json.Marshal(clientPayload{BaseCookie: c.BaseCookie, SchemaVersion: c.SchemaVersion, LastActive: c.LastActive})
		if _, err := tx.ExecContext(ctx, `INSERT INTO clients (client_group_id, client_id, payload) VALUES (?, ?, ?)`,
			rec.ClientGroupID, id, string(payload)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queries WHERE client_group_id = ?`, rec.ClientGroupID); err != nil {
		return err
	}
	for hash, q := range rec.Queries {
		ids := make([]string, 0, len(q.ClientIDs))
		for id := range q.ClientIDs {
			ids = append(ids, id)
		}
		payload, _ := json.Marshal(queryPayload{ClientIDs: ids, Clients: q.Clients, TTLClock: q.TTLClock})
		if _, err := tx.ExecContext(ctx, `INSERT INTO queries (client_group_id, query_hash, payload) VALUES (?, ?, ?)`,
			rec.ClientGroupID, hash, string(payload)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE client_group_id = ?`, rec.ClientGroupID); err != nil {
		return err
	}
	for key, r := range rec.Rows {
		payload, _ := json.Marshal(rowPayload{Table: r.Table, PK: r.PK, RefCounts: r.RefCounts, RowHash: r.RowHash})
		if _, err := tx.ExecContext(ctx, `INSERT INTO rows (client_group_id, row_key, payload) VALUES (?, ?, ?)`,
			rec.ClientGroupID, key, string(payload)); err != nil {
			return err
		}
	}

	return tx.Commit()
}
