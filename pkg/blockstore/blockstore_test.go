package blockstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, units uint64) *Store {
	t.Helper()
	dev, err := memory.New(context.Background(), 4096, units)
	require.NoError(t, err)
	return New(dev)
}

func TestAllocateWriteRead(t *testing.T) {
	s := newStore(t, 16)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xAB}, 5000)
	loc, err := s.Allocate(len(data))
	require.NoError(t, err)
	assert.EqualValues(t, 0, loc.Offset)
	assert.EqualValues(t, 2, loc.Units(s.UnitSize()))

	require.NoError(t, s.Write(ctx, loc, data))
	got, err := s.Read(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	next, err := s.Allocate(10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.Offset)

	st := s.Stats()
	assert.EqualValues(t, 3, st.UsedUnits)
	assert.InDelta(t, 3.0/16.0, st.Utilization, 1e-9)
}

func TestAllocateOutOfSpace(t *testing.T) {
	s := newStore(t, 4)

	_, err := s.Allocate(5 * 4096)
	assert.ErrorIs(t, err, store.ErrOutOfSpace)
	assert.EqualValues(t, 0, s.Stats().UsedUnits, "failed allocation must not reserve units")

	_, err = s.Allocate(0)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestAllocateFragmented(t *testing.T) {
	s := newStore(t, 4)

	locs := make([]Location, 4)
	for i := range locs {
		var err error
		locs[i], err = s.Allocate(4096)
		require.NoError(t, err)
	}
	s.Free(locs[0])
	s.Free(locs[2])

	// Two free units exist but not contiguously.
	_, err := s.Allocate(2 * 4096)
	assert.ErrorIs(t, err, store.ErrOutOfSpace)
	assert.InDelta(t, 0.5, s.Fragmentation(), 1e-9)

	loc, err := s.AllocateBelow(4096, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, loc.Offset)
}

func TestFreeIdempotent(t *testing.T) {
	s := newStore(t, 8)

	loc, err := s.Allocate(4096)
	require.NoError(t, err)

	s.Free(loc)
	s.Free(loc)
	assert.EqualValues(t, 0, s.Stats().UsedUnits)
}

func TestWriteLengthMismatch(t *testing.T) {
	s := newStore(t, 8)
	loc, err := s.Allocate(100)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Write(context.Background(), loc, make([]byte, 99)), store.ErrInvalidArgument)
}

func TestBitmapPersistence(t *testing.T) {
	s := newStore(t, 130)
	a, err := s.Allocate(4096)
	require.NoError(t, err)
	b, err := s.Allocate(3 * 4096)
	require.NoError(t, err)
	s.Free(a)

	words := s.Bitmap()

	restored := newStore(t, 130)
	require.NoError(t, restored.Restore(words))
	assert.Equal(t, s.Stats(), restored.Stats())

	rebuilt := newStore(t, 130)
	rebuilt.Rebuild([]Location{b})
	assert.Equal(t, s.Bitmap(), rebuilt.Bitmap())

	assert.Error(t, restored.Restore(make([]uint64, 1)))
}

func TestMatches(t *testing.T) {
	s := newStore(t, 16)
	a, err := s.Allocate(4096)
	require.NoError(t, err)
	b, err := s.Allocate(2*4096 + 1)
	require.NoError(t, err)

	assert.True(t, s.Matches([]Location{a, b}))
	assert.False(t, s.Matches([]Location{a}), "leaked units")

	s.Free(b)
	assert.False(t, s.Matches([]Location{a, b}), "unmarked location")
	assert.False(t, s.Matches([]Location{{Offset: 20, Length: 4096}}))
}
