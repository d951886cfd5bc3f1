// Package testing provides a reusable contract test suite for metadata stores.
package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the metadata.Store contract against any implementation.
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) metadata.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Blocks", suite.testBlocks)
	t.Run("Mappings", suite.testMappings)
	t.Run("Bitmap", suite.testBitmap)
	t.Run("Superblock", suite.testSuperblock)
	t.Run("IterationStops", suite.testIterationStops)
	t.Run("Closed", suite.testClosed)
}

func testContext() context.Context {
	return context.Background()
}

func testHash(s string) hash.BlockHash {
	h, _ := hash.New(hash.SHA256)
	return h.Fingerprint([]byte(s))
}

func (suite *StoreTestSuite) testBlocks(t *testing.T) {
	s := suite.NewStore(t)
	ctx := testContext()

	rec := metadata.BlockRecord{
		Hash:           testHash("a"),
		Offset:         42,
		Length:         1234,
		Size:           4096,
		Compression:    2,
		CompressedSize: 1234,
		RefCount:       3,
		CreatedAt:      time.Unix(1700000000, 5),
	}
	require.NoError(t, s.PutBlock(ctx, rec))

	rec.RefCount = 4
	require.NoError(t, s.PutBlock(ctx, rec))
	require.NoError(t, s.PutBlock(ctx, metadata.BlockRecord{Hash: testHash("b"), RefCount: 1, Length: 1, Size: 1}))

	got := map[hash.BlockHash]metadata.BlockRecord{}
	require.NoError(t, s.ForEachBlock(ctx, func(r metadata.BlockRecord) error {
		got[r.Hash] = r
		return nil
	}))
	require.Len(t, got, 2)
	assert.EqualValues(t, 4, got[rec.Hash].RefCount)
	assert.EqualValues(t, 42, got[rec.Hash].Offset)
	assert.EqualValues(t, 2, got[rec.Hash].Compression)
	assert.True(t, rec.CreatedAt.Equal(got[rec.Hash].CreatedAt))

	require.NoError(t, s.DeleteBlock(ctx, rec.Hash))
	require.NoError(t, s.DeleteBlock(ctx, rec.Hash))

	count := 0
	require.NoError(t, s.ForEachBlock(ctx, func(metadata.BlockRecord) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func (suite *StoreTestSuite) testMappings(t *testing.T) {
	s := suite.NewStore(t)
	ctx := testContext()

	require.NoError(t, s.PutMapping(ctx, 100, testHash("x")))
	require.NoError(t, s.PutMapping(ctx, 101, testHash("y")))
	require.NoError(t, s.PutMapping(ctx, 100, testHash("z")))
	require.NoError(t, s.DeleteMapping(ctx, 101))

	got := map[uint64]hash.BlockHash{}
	require.NoError(t, s.ForEachMapping(ctx, func(lba uint64, h hash.BlockHash) error {
		got[lba] = h
		return nil
	}))
	assert.Equal(t, map[uint64]hash.BlockHash{100: testHash("z")}, got)
}

func (suite *StoreTestSuite) testBitmap(t *testing.T) {
	s := suite.NewStore(t)
	ctx := testContext()

	_, err := s.GetBitmap(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	words := []uint64{0xFF, 0, 1 << 63}
	require.NoError(t, s.PutBitmap(ctx, words))
	got, err := s.GetBitmap(ctx)
	require.NoError(t, err)
	assert.Equal(t, words, got)
}

func (suite *StoreTestSuite) testSuperblock(t *testing.T) {
	s := suite.NewStore(t)
	ctx := testContext()

	_, err := s.GetSuperblock(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	sb := metadata.Superblock{
		ID:            "vol-1",
		BlockSize:     8192,
		HashAlgorithm: "blake3",
		DeviceBlocks:  1024,
		CreatedAt:     time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.PutSuperblock(ctx, sb))
	got, err := s.GetSuperblock(ctx)
	require.NoError(t, err)
	assert.Equal(t, sb.ID, got.ID)
	assert.Equal(t, sb.BlockSize, got.BlockSize)
	assert.Equal(t, sb.HashAlgorithm, got.HashAlgorithm)
	assert.True(t, sb.CreatedAt.Equal(got.CreatedAt))
}

func (suite *StoreTestSuite) testIterationStops(t *testing.T) {
	s := suite.NewStore(t)
	ctx := testContext()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.PutBlock(ctx, metadata.BlockRecord{Hash: testHash(name), RefCount: 1}))
	}

	stop := errors.New("stop")
	calls := 0
	err := s.ForEachBlock(ctx, func(metadata.BlockRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func (suite *StoreTestSuite) testClosed(t *testing.T) {
	s := suite.NewStore(t)
	require.NoError(t, s.Healthcheck(testContext()))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Healthcheck(testContext()), store.ErrClosed)
	err := s.PutMapping(testContext(), 1, testHash("a"))
	assert.ErrorIs(t, err, store.ErrClosed)
}
