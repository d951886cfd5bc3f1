package compress

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/marmos91/dittoblk/pkg/store"
)

const (
	// DefaultMinSize is the smallest payload worth compressing.
	DefaultMinSize = 512

	// DefaultMinRatio is the largest compressed/original ratio still stored
	// compressed. Anything above it is stored verbatim.
	DefaultMinRatio = 0.9
)

// Info describes how a stored payload was compressed. A nil *Info means the
// payload is stored verbatim.
type Info struct {
	OriginalSize   uint32
	CompressedSize uint32
	Algorithm      Algorithm
	Ratio          float64
}

// Saved returns the number of bytes compression removed.
func (i *Info) Saved() uint64 {
	if i == nil || i.CompressedSize >= i.OriginalSize {
		return 0
	}
	return uint64(i.OriginalSize - i.CompressedSize)
}

// Config configures a Manager.
type Config struct {
	Enabled   bool
	Algorithm Algorithm
	MinRatio  float64
	MinSize   int
}

// Manager applies the compression policy. The active algorithm can be
// switched at runtime; already stored blocks keep the algorithm recorded in
// their Info.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Manager struct {
	algorithm atomic.Uint32
	enabled   atomic.Bool
	minRatio  float64
	minSize   int
}

// NewManager creates a Manager, filling zero thresholds with defaults.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		minRatio: cfg.MinRatio,
		minSize:  cfg.MinSize,
	}
	if m.minRatio <= 0 || m.minRatio > 1 {
		m.minRatio = DefaultMinRatio
	}
	if m.minSize <= 0 {
		m.minSize = DefaultMinSize
	}
	m.algorithm.Store(uint32(cfg.Algorithm))
	m.enabled.Store(cfg.Enabled)
	return m
}

// Algorithm returns the algorithm applied to new blocks.
func (m *Manager) Algorithm() Algorithm {
	return Algorithm(m.algorithm.Load())
}

// SetAlgorithm changes the algorithm applied to new blocks.
func (m *Manager) SetAlgorithm(alg Algorithm) error {
	if _, err := ParseAlgorithm(alg.String()); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}
	m.algorithm.Store(uint32(alg))
	return nil
}

// Enabled reports whether new blocks are compressed at all.
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// SetEnabled toggles compression of new blocks.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Compress returns the bytes to store for data. When compression is skipped
// or not worthwhile the input is returned unchanged with a nil Info.
func (m *Manager) Compress(data []byte) ([]byte, *Info, error) {
	alg := m.Algorithm()
	if !m.Enabled() || alg == None || len(data) < m.minSize || AlreadyCompressed(data) {
		return data, nil, nil
	}

	out, err := encode(alg, data)
	if errors.Is(err, errIncompressible) {
		return data, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	ratio := float64(len(out)) / float64(len(data))
	if ratio > m.minRatio {
		return data, nil, nil
	}

	return out, &Info{
		OriginalSize:   uint32(len(data)),
		CompressedSize: uint32(len(out)),
		Algorithm:      alg,
		Ratio:          ratio,
	}, nil
}

// Decompress inverts Compress. A corrupt or truncated stream is reported as
// store.ErrCorruption and no data is returned.
func (m *Manager) Decompress(data []byte, info *Info) ([]byte, error) {
	if info == nil {
		return data, nil
	}
	if uint32(len(data)) != info.CompressedSize {
		return nil, fmt.Errorf("compressed size %d, expected %d: %w",
			len(data), info.CompressedSize, store.ErrCorruption)
	}
	out, err := decode(info.Algorithm, data, int(info.OriginalSize))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, store.ErrCorruption)
	}
	return out, nil
}

var compressedMagic = [][]byte{
	{0x1f, 0x8b},             // gzip
	{0x28, 0xb5, 0x2f, 0xfd}, // zstd frame
	{0x04, 0x22, 0x4d, 0x18}, // lz4 frame
	{0xff, 0x06, 0x00, 0x00, 0x73, 0x4e, 0x61, 0x50, 0x70, 0x59}, // snappy framed stream
}

// AlreadyCompressed reports whether data starts with the magic bytes of a
// known compressed container.
func AlreadyCompressed(data []byte) bool {
	for _, magic := range compressedMagic {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}
