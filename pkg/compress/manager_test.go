package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressible(size int) []byte {
	return bytes.Repeat([]byte("dittoblk dedup block "), size/21+1)[:size]
}

func TestRoundTrip(t *testing.T) {
	data := compressible(8192)

	for _, alg := range Algorithms {
		t.Run(alg.String(), func(t *testing.T) {
			m := NewManager(Config{Enabled: true, Algorithm: alg})

			out, info, err := m.Compress(data)
			require.NoError(t, err)

			if alg == None {
				assert.Nil(t, info)
			} else {
				require.NotNil(t, info)
				assert.Equal(t, alg, info.Algorithm)
				assert.Less(t, len(out), len(data))
				assert.EqualValues(t, len(data), info.OriginalSize)
				assert.EqualValues(t, len(out), info.CompressedSize)
				assert.Positive(t, info.Saved())
			}

			back, err := m.Decompress(out, info)
			require.NoError(t, err)
			assert.Equal(t, data, back)
		})
	}
}

func TestCompressSkips(t *testing.T) {
	m := NewManager(Config{Enabled: true, Algorithm: Zstd})

	t.Run("BelowMinSize", func(t *testing.T) {
		data := compressible(100)
		out, info, err := m.Compress(data)
		require.NoError(t, err)
		assert.Nil(t, info)
		assert.Equal(t, data, out)
	})

	t.Run("Incompressible", func(t *testing.T) {
		data := make([]byte, 4096)
		_, _ = rand.Read(data)
		out, info, err := m.Compress(data)
		require.NoError(t, err)
		assert.Nil(t, info)
		assert.Equal(t, data, out)
	})

	t.Run("AlreadyCompressed", func(t *testing.T) {
		data := append([]byte{0x1f, 0x8b}, compressible(4096)...)
		_, info, err := m.Compress(data)
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("Disabled", func(t *testing.T) {
		off := NewManager(Config{Enabled: false, Algorithm: Zstd})
		_, info, err := off.Compress(compressible(4096))
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("RatioThreshold", func(t *testing.T) {
		strict := NewManager(Config{Enabled: true, Algorithm: LZ4, MinRatio: 0.0001})
		_, info, err := strict.Compress(compressible(4096))
		require.NoError(t, err)
		assert.Nil(t, info)
	})
}

func TestDecompressCorrupt(t *testing.T) {
	data := compressible(8192)

	for _, alg := range []Algorithm{LZ4, Zstd, Gzip, Snappy} {
		t.Run(alg.String(), func(t *testing.T) {
			m := NewManager(Config{Enabled: true, Algorithm: alg})
			out, info, err := m.Compress(data)
			require.NoError(t, err)
			require.NotNil(t, info)

			corrupt := bytes.Clone(out)
			for i := range corrupt {
				corrupt[i] ^= 0x5a
			}

			back, err := m.Decompress(corrupt, info)
			assert.ErrorIs(t, err, store.ErrCorruption)
			assert.Nil(t, back)

			back, err = m.Decompress(out[:len(out)-1], info)
			assert.ErrorIs(t, err, store.ErrCorruption)
			assert.Nil(t, back)
		})
	}
}

func TestDecompressOversizedZstdFrame(t *testing.T) {
	// A well-formed frame whose content exceeds any block size
	frame := zstdEncoder.EncodeAll(compressible(1<<20), nil)

	_, err := decode(Zstd, frame, 4096)
	require.Error(t, err)
	assert.True(t, errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded), err.Error())

	m := NewManager(Config{Enabled: true, Algorithm: Zstd})
	back, err := m.Decompress(frame, &Info{
		OriginalSize:   4096,
		CompressedSize: uint32(len(frame)),
		Algorithm:      Zstd,
	})
	assert.ErrorIs(t, err, store.ErrCorruption)
	assert.Nil(t, back)

	// The largest block size still decodes
	data := compressible(32 << 10)
	out, info, err := m.Compress(data)
	require.NoError(t, err)
	require.NotNil(t, info)
	back, err = m.Decompress(out, info)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestSetAlgorithm(t *testing.T) {
	m := NewManager(Config{Enabled: true, Algorithm: LZ4})
	require.NoError(t, m.SetAlgorithm(Snappy))
	assert.Equal(t, Snappy, m.Algorithm())
	assert.ErrorIs(t, m.SetAlgorithm(Algorithm(42)), store.ErrInvalidArgument)

	m.SetEnabled(false)
	assert.False(t, m.Enabled())
}

func TestParseAlgorithm(t *testing.T) {
	for _, alg := range Algorithms {
		parsed, err := ParseAlgorithm(alg.String())
		require.NoError(t, err)
		assert.Equal(t, alg, parsed)
	}
	_, err := ParseAlgorithm("brotli")
	assert.Error(t, err)
}
