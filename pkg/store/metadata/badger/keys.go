package badger

import (
	"encoding/binary"

	"github.com/marmos91/dittoblk/pkg/hash"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so prefixed keys organize the data types
// into logical namespaces that can be range-scanned independently.
//
// Data Type          Prefix  Key Format                Value Type
// ====================================================================
// Block Records      "b:"    b:<32-byte hash>          BlockRecord (XDR)
// Logical Map        "l:"    l:<uint64 LBA, BE>        hash (32 bytes)
// Allocation Bitmap  "m:"    m:bitmap                  []uint64 (LE)
// Superblock         "s:"    s:super                   Superblock (JSON)
//
// Block records use a fixed XDR layout because they are written on every
// reference count change; the superblock is written once and stays JSON for
// easy inspection. LBAs are big-endian so a prefix scan walks the logical map
// in address order.

const (
	prefixBlock   = "b:"
	prefixMapping = "l:"
)

var (
	keyBitmap     = []byte("m:bitmap")
	keySuperblock = []byte("s:super")
)

func keyBlock(h hash.BlockHash) []byte {
	return append([]byte(prefixBlock), h[:]...)
}

func keyMapping(lba uint64) []byte {
	key := make([]byte, len(prefixMapping)+8)
	copy(key, prefixMapping)
	binary.BigEndian.PutUint64(key[len(prefixMapping):], lba)
	return key
}

func lbaFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefixMapping):])
}
