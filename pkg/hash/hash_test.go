package hash

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	for _, alg := range []Algorithm{SHA256, BLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			h, err := New(alg)
			require.NoError(t, err)
			assert.Equal(t, alg, h.Algorithm())

			data := bytes.Repeat([]byte{0xAB}, 4096)

			t.Run("Deterministic", func(t *testing.T) {
				assert.Equal(t, h.Fingerprint(data), h.Fingerprint(data))
			})

			t.Run("OneBitDifference", func(t *testing.T) {
				flipped := bytes.Clone(data)
				flipped[100] ^= 0x01
				assert.NotEqual(t, h.Fingerprint(data), h.Fingerprint(flipped))
			})

			t.Run("NotZero", func(t *testing.T) {
				assert.False(t, h.Fingerprint(data).IsZero())
			})
		})
	}
}

func TestNew(t *testing.T) {
	h, err := New("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, h.Algorithm())

	h, err = New("BLAKE3")
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, h.Algorithm())

	_, err = New("md5")
	assert.Error(t, err)
}

func TestParseBlockHash(t *testing.T) {
	h, _ := New(SHA256)
	sum := h.Fingerprint([]byte("dittoblk"))

	parsed, err := ParseBlockHash(sum.String())
	require.NoError(t, err)
	assert.Equal(t, sum, parsed)
	assert.Len(t, sum.Short(), 16)

	_, err = ParseBlockHash("abcd")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = ParseBlockHash("zz")
	assert.ErrorIs(t, err, ErrInvalidHash)
}
