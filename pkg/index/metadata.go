package index

import (
	"time"

	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/compress"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
)

// State is the reclamation state of an index entry.
type State int32

const (
	// StateLive entries have at least one reference.
	StateLive State = iota

	// StatePending entries reached zero references and wait for the grace
	// window to pass before their storage is released. A new reference
	// revives them.
	StatePending

	// StateReclaiming entries are having their storage released. They can no
	// longer be referenced and disappear once the release completes.
	StateReclaiming
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StatePending:
		return "pending"
	case StateReclaiming:
		return "reclaiming"
	default:
		return "unknown"
	}
}

// BlockMetadata describes one unique stored block. Values returned by the
// index are copies; only the index mutates the underlying record.
type BlockMetadata struct {
	Hash hash.BlockHash

	// Size is the logical (uncompressed) size in bytes.
	Size uint32

	RefCount uint64
	Location blockstore.Location

	// Compression is nil when the payload is stored verbatim.
	Compression *compress.Info

	CreatedAt  time.Time
	LastAccess time.Time

	State State

	// ZeroSince is when the reference count last reached zero.
	ZeroSince time.Time
}

// StoredSize returns the number of payload bytes on the device.
func (m BlockMetadata) StoredSize() uint32 {
	return m.Location.Length
}

func (m BlockMetadata) record() metadata.BlockRecord {
	rec := metadata.BlockRecord{
		Hash:      m.Hash,
		Offset:    m.Location.Offset,
		Length:    m.Location.Length,
		Size:      m.Size,
		RefCount:  m.RefCount,
		CreatedAt: m.CreatedAt,
	}
	if m.Compression != nil {
		rec.Compression = uint8(m.Compression.Algorithm)
		rec.CompressedSize = m.Compression.CompressedSize
	}
	return rec
}

func fromRecord(rec metadata.BlockRecord) BlockMetadata {
	m := BlockMetadata{
		Hash:       rec.Hash,
		Size:       rec.Size,
		RefCount:   rec.RefCount,
		Location:   blockstore.Location{Offset: rec.Offset, Length: rec.Length},
		CreatedAt:  rec.CreatedAt,
		LastAccess: rec.CreatedAt,
	}
	if rec.Compression != 0 {
		info := &compress.Info{
			OriginalSize:   rec.Size,
			CompressedSize: rec.CompressedSize,
			Algorithm:      compress.Algorithm(rec.Compression),
		}
		if rec.Size > 0 {
			info.Ratio = float64(rec.CompressedSize) / float64(rec.Size)
		}
		m.Compression = info
	}
	return m
}
