// Package metadata persists the deduplication state that must survive a
// restart: the content index records, the logical block map, the free-space
// bitmap of the block store and a small superblock describing the volume.
package metadata

import (
	"context"
	"time"

	"github.com/marmos91/dittoblk/pkg/hash"
)

// ============================================================================
// Persisted Types
// ============================================================================

// BlockRecord is the durable form of one content index entry:
// {hash → (physical offset, length, compression tag, ref count)} plus the
// sizes needed to decompress.
type BlockRecord struct {
	Hash hash.BlockHash

	// Offset is the first block store unit holding the payload.
	Offset uint64

	// Length is the stored (possibly compressed) payload size in bytes.
	Length uint32

	// Size is the logical (uncompressed) block size in bytes.
	Size uint32

	// Compression is the compress.Algorithm tag; 0 means stored verbatim.
	Compression uint8

	// CompressedSize is the payload size after compression. It equals Length
	// when Compression is non-zero.
	CompressedSize uint32

	// RefCount is the number of logical blocks sharing this payload.
	RefCount uint64

	// CreatedAt is when the content was first stored.
	CreatedAt time.Time
}

// Superblock describes the volume the state belongs to. It is written once
// when the volume is formatted and checked on every open.
type Superblock struct {
	ID            string    `json:"id"`
	BlockSize     int       `json:"block_size"`
	HashAlgorithm string    `json:"hash_algorithm"`
	DeviceBlocks  uint64    `json:"device_blocks"`
	CreatedAt     time.Time `json:"created_at"`
}

// ============================================================================
// Store Interface
// ============================================================================

// Store persists deduplication state.
//
// Absent keys are reported with errors wrapping store.ErrNotFound. Iteration
// callbacks returning an error stop the iteration and the error is returned.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// PutBlock creates or replaces the record for rec.Hash.
	PutBlock(ctx context.Context, rec BlockRecord) error

	// DeleteBlock removes the record for h. Deleting a missing record is not an error.
	DeleteBlock(ctx context.Context, h hash.BlockHash) error

	// ForEachBlock calls fn for every stored record.
	ForEachBlock(ctx context.Context, fn func(BlockRecord) error) error

	// PutMapping maps a logical block address to a content hash.
	PutMapping(ctx context.Context, lba uint64, h hash.BlockHash) error

	// DeleteMapping removes the mapping for lba.
	DeleteMapping(ctx context.Context, lba uint64) error

	// ForEachMapping calls fn for every logical mapping.
	ForEachMapping(ctx context.Context, fn func(lba uint64, h hash.BlockHash) error) error

	// PutBitmap stores the block store allocation bitmap.
	PutBitmap(ctx context.Context, words []uint64) error

	// GetBitmap returns the stored bitmap or store.ErrNotFound.
	GetBitmap(ctx context.Context) ([]uint64, error)

	// PutSuperblock stores the volume superblock.
	PutSuperblock(ctx context.Context, sb Superblock) error

	// GetSuperblock returns the stored superblock or store.ErrNotFound.
	GetSuperblock(ctx context.Context) (Superblock, error)

	// Healthcheck reports whether the store can serve requests.
	Healthcheck(ctx context.Context) error

	// Close releases resources. Further calls fail with store.ErrClosed.
	Close() error
}
