// Package updater implements the two CVR mutation paths named in spec.md
// §4.4: CVRConfigDrivenUpdater (client connect/disconnect, query add/
// remove) and CVRQueryDrivenUpdater (applying a pipeline's row diff and
// computing client patches). Both operate on an in-memory cvr.Record and
// leave persistence to the caller via cvr.Store.Flush, matching the
// teacher's pattern of separating an in-memory mutation pass from the
// storage commit (internal/storage/mvcc.go's MVCCManager.Commit is called
// only after all version-chain edits for a transaction are staged).
package updater

import (
	"time"

	"github.com/zerocache/viewsyncer/internal/cvr"
	"github.com/zerocache/viewsyncer/internal/ivm"
)

// ConfigDrivenUpdater mutates client/query membership, independent of any
// row data (spec.md §4.4).
type ConfigDrivenUpdater struct {
	rec *cvr.Record
}

func NewConfigDrivenUpdater(rec *cvr.Record) *ConfigDrivenUpdater {
	return &ConfigDrivenUpdater{rec: rec}
}

// PutClient registers or refreshes a connected client.
func (u *ConfigDrivenUpdater) PutClient(clientID, baseCookie string, schemaVersion int, now time.Time) {
	u.rec.Clients[clientID] = cvr.ClientRecord{
		ClientID:      clientID,
		BaseCookie:    baseCookie,
		SchemaVersion: schemaVersion,
		LastActive:    now,
	}
	u.rec.LastActive = now
}

// RemoveClient drops a disconnected client and inactivates its query
// subscriptions at nowTTLClock rather than dropping them outright, so a
// disconnect behaves like an implicit "del" patch and the TTL clock (not an
// immediate removal) reclaims the query and its rows (spec.md §4.7). It
// returns the hashes of every query affected, so the caller can re-arm that
// query's eviction deadline.
func (u *ConfigDrivenUpdater) RemoveClient(clientID string, nowTTLClock int64) []string {
	delete(u.rec.Clients, clientID)
	var affected []string
	for hash, q := range u.rec.Queries {
		if _, ok := q.ClientIDs[clientID]; !ok {
			continue
		}
		delete(q.ClientIDs, clientID)
		if state, ok := q.Clients[clientID]; ok {
			state.InactivatedAt = nowTTLClock
			q.Clients[clientID] = state
		}
		u.rec.Queries[hash] = q
		affected = append(affected, hash)
	}
	return affected
}

// AddQuery registers clientID's active interest in the query identified by
// hash, creating the QueryRecord if this is the first subscriber and
// clearing any prior inactivation for this client (re-desiring a query
// cancels its pending TTL eviction, spec.md §4.6).
func (u *ConfigDrivenUpdater) AddQuery(hash, clientID string, ttlMillis int64) {
	q, ok := u.rec.Queries[hash]
	if !ok {
		q = cvr.QueryRecord{Hash: hash, ClientIDs: map[string]struct{}{}, Clients: map[string]cvr.ClientQueryState{}}
	}
	if q.Clients == nil {
		q.Clients = map[string]cvr.ClientQueryState{}
	}
	q.ClientIDs[clientID] = struct{}{}
	q.Clients[clientID] = cvr.ClientQueryState{TTLMillis: ttlMillis}
	u.rec.Queries[hash] = q
}

// InactivateQuery marks clientID as no longer actively desiring hash,
// starting its TTL grace period at nowTTLClock rather than removing the
// query immediately (spec.md §4.6 changeDesiredQueries "del", §4.7).
func (u *ConfigDrivenUpdater) InactivateQuery(hash, clientID string, nowTTLClock int64) {
	q, ok := u.rec.Queries[hash]
	if !ok {
		return
	}
	delete(q.ClientIDs, clientID)
	if state, ok := q.Clients[clientID]; ok {
		state.InactivatedAt = nowTTLClock
		q.Clients[clientID] = state
	}
	u.rec.Queries[hash] = q
}

// RemoveQuery drops clientID's interest in hash outright, with no TTL grace
// period (a disconnect goes through RemoveClient instead); if no client remains
// interested or in grace period the QueryRecord itself is deleted and its
// rows are left for QueryDrivenUpdater.DeleteUnreferencedRows to collect.
func (u *ConfigDrivenUpdater) RemoveQuery(hash, clientID string) {
	q, ok := u.rec.Queries[hash]
	if !ok {
		return
	}
	delete(q.ClientIDs, clientID)
	delete(q.Clients, clientID)
	if len(q.ClientIDs) == 0 && len(q.Clients) == 0 {
		delete(u.rec.Queries, hash)
		return
	}
	u.rec.Queries[hash] = q
}

// ExpiredQueries returns the hashes of every query whose every client has
// inactivated and exceeded its TTL grace period at nowTTLClock, i.e. the
// set scheduleExpireEviction should evict (spec.md §4.7).
func (u *ConfigDrivenUpdater) ExpiredQueries(nowTTLClock int64) []string {
	var expired []string
	for hash, q := range u.rec.Queries {
		if len(q.ClientIDs) > 0 {
			continue // still actively desired by someone
		}
		if len(q.Clients) == 0 {
			continue
		}
		allExpired := true
		for _, state := range q.Clients {
			if !state.Expired(nowTTLClock) {
				allExpired = false
				break
			}
		}
		if allExpired {
			expired = append(expired, hash)
		}
	}
	return expired
}

// EvictQuery removes hash's QueryRecord entirely, used once
// ExpiredQueries/scheduleExpireEviction has decided to evict it.
func (u *ConfigDrivenUpdater) EvictQuery(hash string) {
	delete(u.rec.Queries, hash)
}

// Patch is one row-level delta a client must be sent, tagged with the hash
// of the query that produced it (empty for DeleteUnreferencedRows deletes).
type Patch struct {
	QueryHash string
	Type      ivm.ChangeType
	Table     string
	Row       map[string]any
}

// QueryDrivenUpdater applies one pipeline's row diff to the CVR's row
// table, maintaining refCounts, and returns the patch set each currently
// subscribed client must receive (spec.md §4.4's received(rows)).
type QueryDrivenUpdater struct {
	rec *cvr.Record
}

func NewQueryDrivenUpdater(rec *cvr.Record) *QueryDrivenUpdater {
	return &QueryDrivenUpdater{rec: rec}
}

// Received applies queryHash's row changes and returns the resulting
// patches. refCounts[queryHash] increments on Add and decrements on
// Remove; a patch is only emitted when that query's count toggles 0↔1
// (spec.md §4.4, invariants §8.2/§8.3), so removing one of N duplicate
// references to a row within the same query does not emit a spurious
// delete, and a second Add does not re-emit a put. The row entry itself is
// kept until DeleteUnreferencedRows runs so a rapid remove-then-add for
// the same PK across two queries does not thrash the client with spurious
// delete+insert pairs.
func (u *QueryDrivenUpdater) Received(queryHash, table string, changes []ivm.Change) []Patch {
	var patches []Patch
	for _, c := range changes {
		pk := c.Row.Columns
		key := cvr.RowKey(table, pk)
		row, ok := u.rec.Rows[key]
		if !ok {
			row = cvr.RowRecord{Table: table, PK: pk, RefCounts: map[string]int{}}
		}
		if row.RefCounts == nil {
			row.RefCounts = map[string]int{}
		}

		switch c.Type {
		case ivm.Add:
			before := row.RefCounts[queryHash]
			row.RefCounts[queryHash] = before + 1
			u.rec.Rows[key] = row
			if before == 0 {
				patches = append(patches, Patch{QueryHash: queryHash, Type: ivm.Add, Table: table, Row: pk})
			}
		case ivm.Remove:
			before := row.RefCounts[queryHash]
			if before == 0 {
				continue
			}
			row.RefCounts[queryHash] = before - 1
			u.rec.Rows[key] = row
			if before == 1 {
				patches = append(patches, Patch{QueryHash: queryHash, Type: ivm.Remove, Table: table, Row: pk})
			}
		case ivm.Edit:
			// Rows are keyed by their column values, so an edit moves the
			// old entry's refCounts over to the new key.
			oldKey := cvr.RowKey(table, c.OldRow.Columns)
			if old, found := u.rec.Rows[oldKey]; found && oldKey != key {
				delete(u.rec.Rows, oldKey)
				row.RefCounts = old.RefCounts
			}
			u.rec.Rows[key] = row
			if row.RefCounts[queryHash] > 0 {
				patches = append(patches, Patch{QueryHash: queryHash, Type: ivm.Edit, Table: table, Row: pk})
			}
		}
	}
	return patches
}

// ForgetQuery drops queryHash's contribution to every row's refCounts,
// used when a query is evicted (TTL expiry or explicit removal) so its
// rows become eligible for DeleteUnreferencedRows (spec.md §4.4, §4.7).
func (u *QueryDrivenUpdater) ForgetQuery(queryHash string) {
	for key, row := range u.rec.Rows {
		if _, ok := row.RefCounts[queryHash]; !ok {
			continue
		}
		delete(row.RefCounts, queryHash)
		u.rec.Rows[key] = row
	}
}

// DeleteUnreferencedRows removes every row whose total refCount across all
// queries has reached zero, returning the set of delete patches clients
// must be sent for rows they previously held (spec.md §4.4).
func (u *QueryDrivenUpdater) DeleteUnreferencedRows() []Patch {
	var patches []Patch
	for key, row := range u.rec.Rows {
		if row.TotalRefCount() <= 0 {
			delete(u.rec.Rows, key)
			patches = append(patches, Patch{Type: ivm.Remove, Table: row.Table, Row: row.PK})
		}
	}
	return patches
}
