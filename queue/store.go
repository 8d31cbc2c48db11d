package queue

import (
	"context"
	"errors"
)

// Custom errors shared by store implementations.
var (
	ErrNotFound         = errors.New("pending mutation not found")
	ErrDuplicateLocalID = errors.New("local id already enqueued")
	ErrStoreClosed      = errors.New("store is closed")
)

// Store is the durable local store of pending mutations. Implementations
// must survive a full process restart (the in-memory store exists for tests
// and examples only). Enqueue is append-only; List returns mutations in
// insertion order per collection.
//
// Failure mode: when the backing storage is unreadable or corrupted, List
// returns a storage-class error. Callers that feed UI views degrade to an
// empty pending set and surface a warning instead of crashing.
type Store interface {
	// Enqueue appends a mutation. The mutation's LocalID must be unique.
	Enqueue(ctx context.Context, m *PendingMutation) error

	// List returns mutations for one collection in insertion order, or for
	// all collections when collection is empty.
	List(ctx context.Context, collection Collection) ([]*PendingMutation, error)

	// Get returns a single mutation by local id.
	Get(ctx context.Context, localID string) (*PendingMutation, error)

	// Update applies a partial patch to a mutation.
	Update(ctx context.Context, localID string, patch Patch) error

	// Remove deletes a mutation, normally after it synced.
	Remove(ctx context.Context, localID string) error

	// Clear removes every mutation in a collection.
	Clear(ctx context.Context, collection Collection) error

	// Counts returns the number of stored mutations per collection.
	Counts(ctx context.Context) (map[Collection]int, error)

	// Close releases the store's resources.
	Close() error
}
