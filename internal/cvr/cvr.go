// Package cvr implements the Client View Record (spec.md §3, §4.4): the
// durable record of what each client in a client group has been sent, used
// to compute minimal patches and to garbage-collect rows no client
// references any longer.
//
// The row/refcount bookkeeping here is conceptually grounded in the
// teacher's MVCC row-version chains (internal/storage/mvcc.go's RowVersion
// and MVCCManager), generalized from "which transaction can see this row
// version" to "which clients still reference this row".
package cvr

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OwnershipToken identifies which ViewSyncer instance currently owns
// write access to one client group's CVR, for optimistic-concurrency
// flush (spec.md §4.4 scenario (f)).
type OwnershipToken struct {
	TaskID          uuid.UUID
	LastConnectTime time.Time
}

func (t OwnershipToken) Newer(other OwnershipToken) bool {
	return t.LastConnectTime.After(other.LastConnectTime)
}

// ClientRecord is one connected client's state within the group.
type ClientRecord struct {
	ClientID      string
	BaseCookie    string
	SchemaVersion int
	LastActive    time.Time
}

// ClientQueryState is one client's relationship to a query it has been
// interested in: InactivatedAt is the ttlclock reading at which the client
// stopped actively desiring the query (zero while still active), and the
// query stays alive on that client's behalf until ttlclock - InactivatedAt
// reaches TTLMillis (spec.md §4.6 changeDesiredQueries, §4.7 TTL eviction).
type ClientQueryState struct {
	TTLMillis     int64
	InactivatedAt int64
}

// Inactive reports whether this client has stopped actively desiring the
// query, whether through a "del" or by disconnecting (both set
// InactivatedAt).
func (s ClientQueryState) Inactive() bool { return s.InactivatedAt > 0 }

// Expired reports whether nowTTLClock has passed this client's grace
// period since inactivation.
func (s ClientQueryState) Expired(nowTTLClock int64) bool {
	return s.Inactive() && nowTTLClock-s.InactivatedAt >= s.TTLMillis
}

// QueryRecord is one active named query bound to the group, keyed by its
// transformation hash (spec.md §4.8).
type QueryRecord struct {
	Hash      string
	ClientIDs map[string]struct{}        // clients currently actively desiring this query
	Clients   map[string]ClientQueryState // per-client ttl/inactivation bookkeeping (spec.md §4.7)
	TTLClock  int64                       // persisted as-is; the TTL scheduler keeps its own deadlines and does not write it
	GotQuery  bool                        // persisted as-is; no code in this module sets it
}

// RowRecord tracks one materialized row's reference count per query, so a
// row can be garbage-collected once no query references it (spec.md §4.4's
// deleteUnreferencedRows) while invariant §8.3 ("for every (queryID,rowID)
// the refCount equals the paths of that query") stays individually
// checkable rather than collapsed into one aggregate.
type RowRecord struct {
	Table     string
	PK        map[string]any
	RefCounts map[string]int // queryHash -> reference count within that query
	RowHash   string         // hash of the row's column values, for change detection
}

// TotalRefCount sums refCounts across every query, the aggregate used to
// decide whether the row is referenced by anyone at all.
func (r RowRecord) TotalRefCount() int {
	total := 0
	for _, c := range r.RefCounts {
		total += c
	}
	return total
}

// Record is the full Client View Record for one client group (spec.md §3).
type Record struct {
	ClientGroupID  string
	Version        int64
	ReplicaVersion string
	ClientSchema   int
	LastActive     time.Time

	Clients map[string]ClientRecord
	Queries map[string]QueryRecord
	Rows    map[string]RowRecord // keyed by RowKey; the updater passes every column of the row, not only its primary key

	Owner OwnershipToken
}

func New(clientGroupID string) *Record {
	return &Record{
		ClientGroupID: clientGroupID,
		Clients:       map[string]ClientRecord{},
		Queries:       map[string]QueryRecord{},
		Rows:          map[string]RowRecord{},
	}
}

// RowKey builds the canonical key used in Record.Rows from a table name and
// a column map (sorted by column name).
func RowKey(table string, pk map[string]any) string {
	s := table + "\x00"
	for _, k := range sortedKeys(pk) {
		s += k + "=" + toString(pk[k]) + "\x00"
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
