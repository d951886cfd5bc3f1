// Package hash computes the content fingerprints used as deduplication keys.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Size is the width of a BlockHash in bytes.
const Size = 32

// BlockHash is the 256-bit fingerprint of a block's uncompressed content.
// Equal hashes imply equal content under the digest's collision bound.
type BlockHash [Size]byte

// ErrInvalidHash is returned by ParseBlockHash for malformed input.
var ErrInvalidHash = errors.New("invalid block hash")

// String returns the hex-encoded hash.
func (h BlockHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes hex-encoded, for log lines.
func (h BlockHash) Short() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h BlockHash) IsZero() bool {
	return h == BlockHash{}
}

// ParseBlockHash parses a hex-encoded hash string.
func ParseBlockHash(s string) (BlockHash, error) {
	var h BlockHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(b) != Size {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// Algorithm names a fingerprint function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Hasher computes fingerprints. Implementations are pure, deterministic and
// safe for concurrent use.
type Hasher interface {
	Fingerprint(data []byte) BlockHash
	Algorithm() Algorithm
}

// New returns the Hasher for the named algorithm. An empty name selects SHA256.
func New(alg Algorithm) (Hasher, error) {
	switch Algorithm(strings.ToLower(string(alg))) {
	case SHA256, "":
		return sha256Hasher{}, nil
	case BLAKE3:
		return blake3Hasher{}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", alg)
	}
}

type sha256Hasher struct{}

func (sha256Hasher) Fingerprint(data []byte) BlockHash {
	return sha256.Sum256(data)
}

func (sha256Hasher) Algorithm() Algorithm { return SHA256 }

type blake3Hasher struct{}

func (blake3Hasher) Fingerprint(data []byte) BlockHash {
	return blake3.Sum256(data)
}

func (blake3Hasher) Algorithm() Algorithm { return BLAKE3 }
