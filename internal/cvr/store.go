package cvr

import "context"

// Store is the pluggable CVR persistence seam (spec.md §4.4, §6), modeled
// on the teacher's StorageBackend interface (internal/storage/
// storage_backend.go) which likewise separates the storage contract from
// any one concrete engine.
type Store interface {
	// Load returns the persisted Record for clientGroupID, or a freshly
	// initialized empty Record if none exists yet.
	Load(ctx context.Context, clientGroupID string) (*Record, error)

	// Flush persists rec iff rec.Owner is still the current owner on
	// disk; returns errs.ErrOwnershipLost otherwise (spec.md §4.4
	// scenario (f)).
	Flush(ctx context.Context, rec *Record) error

	// ClaimOwnership atomically records token as clientGroupID's current
	// owner, invalidating any prior owner.
	ClaimOwnership(ctx context.Context, clientGroupID string, token OwnershipToken) error

	Close() error
}
