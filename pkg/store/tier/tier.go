// Package tier defines the payload stores backing cache tiers.
//
// A cache tier keeps its bookkeeping (dirty flags, pins, eviction order) in
// memory and delegates the payload bytes to a Store. L1 uses the memory
// store; L2 and L3 use the filesystem or badger stores so that warm data can
// live on flash or bulk media.
package tier

import "context"

// Stats describes the payloads held by a Store.
type Stats struct {
	// Entries is the number of stored payloads.
	Entries uint64

	// Bytes is the sum of the stored payload sizes.
	Bytes uint64
}

// Store holds cache payloads keyed by logical block address.
//
// Missing keys are reported with errors wrapping store.ErrNotFound. Returned
// slices are owned by the caller and payloads passed to Put may be reused by
// the caller after Put returns.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Callers serialize
// operations on the same key.
type Store interface {
	// Get returns the payload stored under key.
	Get(ctx context.Context, key uint64) ([]byte, error)

	// Put stores data under key, replacing any previous payload.
	Put(ctx context.Context, key uint64, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key uint64) error

	// Stats returns the current usage.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources. Further calls fail with store.ErrClosed.
	Close() error
}
