package index

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/compress"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/metadata/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(b byte) hash.BlockHash {
	var h hash.BlockHash
	h[0] = b
	h[31] = b
	return h
}

func testMeta(b byte) BlockMetadata {
	return BlockMetadata{
		Hash:     testHash(b),
		Size:     4096,
		Location: blockstore.Location{Offset: uint64(b), Length: 4096},
	}
}

func TestInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	idx := New(memory.New())

	require.NoError(t, idx.InsertNew(ctx, testMeta(1)))

	m, ok := idx.Lookup(testHash(1))
	require.True(t, ok)
	assert.EqualValues(t, 1, m.RefCount)
	assert.Equal(t, StateLive, m.State)
	assert.False(t, m.CreatedAt.IsZero())

	err := idx.InsertNew(ctx, testMeta(1))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	_, ok = idx.Lookup(testHash(2))
	assert.False(t, ok)
	assert.Equal(t, 1, idx.Len())
}

func TestRefCountTransitions(t *testing.T) {
	ctx := context.Background()
	idx := New(memory.New())
	h := testHash(7)

	require.NoError(t, idx.InsertNew(ctx, testMeta(7)))

	n, err := idx.IncrementRef(ctx, h)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = idx.DecrementRef(ctx, h)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = idx.DecrementRef(ctx, h)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	m, ok := idx.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, StatePending, m.State)
	assert.Equal(t, 1, idx.Pending())
	assert.Equal(t, 0, idx.Live())

	// A pending entry cannot be decremented further.
	_, err = idx.DecrementRef(ctx, h)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A new reference revives it.
	n, err = idx.IncrementRef(ctx, h)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	m, _ = idx.Lookup(h)
	assert.Equal(t, StateLive, m.State)
	assert.True(t, m.ZeroSince.IsZero())

	_, err = idx.IncrementRef(ctx, testHash(99))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReclaimLifecycle(t *testing.T) {
	ctx := context.Background()
	idx := New(memory.New())
	h := testHash(3)

	require.NoError(t, idx.InsertNew(ctx, testMeta(3)))
	_, ok := idx.BeginReclaim(h, time.Now())
	assert.False(t, ok, "live entries cannot be reclaimed")

	_, err := idx.DecrementRef(ctx, h)
	require.NoError(t, err)

	_, ok = idx.BeginReclaim(h, time.Now().Add(-time.Hour))
	assert.False(t, ok, "grace window not elapsed")

	m, ok := idx.BeginReclaim(h, time.Now())
	require.True(t, ok)
	assert.Equal(t, StateReclaiming, m.State)

	_, ok = idx.BeginReclaim(h, time.Now())
	assert.False(t, ok, "only one claimant wins")

	_, err = idx.IncrementRef(ctx, h)
	assert.ErrorIs(t, err, store.ErrNotFound)

	idx.AbortReclaim(h)
	m, _ = idx.Lookup(h)
	assert.Equal(t, StatePending, m.State)

	_, ok = idx.BeginReclaim(h, time.Now())
	require.True(t, ok)
	require.NoError(t, idx.CompleteReclaim(ctx, h))

	_, ok = idx.Lookup(h)
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Len())

	assert.ErrorIs(t, idx.CompleteReclaim(ctx, h), store.ErrInvalidState)
}

func TestConcurrentReclaimAtMostOnce(t *testing.T) {
	ctx := context.Background()
	idx := New(memory.New())
	h := testHash(5)
	require.NoError(t, idx.InsertNew(ctx, testMeta(5)))
	_, err := idx.DecrementRef(ctx, h)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := idx.BeginReclaim(h, time.Now()); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestConcurrentRefCounting(t *testing.T) {
	ctx := context.Background()
	idx := New(memory.New())
	h := testHash(9)
	require.NoError(t, idx.InsertNew(ctx, testMeta(9)))

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.IncrementRef(ctx, h)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.DecrementRef(ctx, h)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, ok := idx.Lookup(h)
	require.True(t, ok)
	assert.EqualValues(t, 1, m.RefCount)
	assert.Equal(t, StateLive, m.State)
}

func TestRelocate(t *testing.T) {
	ctx := context.Background()
	idx := New(memory.New())
	meta := testMeta(4)
	require.NoError(t, idx.InsertNew(ctx, meta))

	to := blockstore.Location{Offset: 0, Length: 4096}
	require.NoError(t, idx.Relocate(ctx, meta.Hash, meta.Location, to))

	m, _ := idx.Lookup(meta.Hash)
	assert.Equal(t, to, m.Location)

	err := idx.Relocate(ctx, meta.Hash, meta.Location, to)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	err = idx.Relocate(ctx, testHash(200), meta.Location, to)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadRestoresState(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	idx := New(st)

	meta := testMeta(10)
	meta.Compression = &compress.Info{OriginalSize: 4096, CompressedSize: 1024, Algorithm: compress.Zstd, Ratio: 0.25}
	meta.Location.Length = 1024
	require.NoError(t, idx.InsertNew(ctx, meta))
	_, err := idx.IncrementRef(ctx, meta.Hash)
	require.NoError(t, err)

	require.NoError(t, idx.InsertNew(ctx, testMeta(11)))
	_, err = idx.DecrementRef(ctx, testHash(11))
	require.NoError(t, err)

	reloaded := New(st)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.Len())
	assert.Equal(t, 1, reloaded.Pending())

	m, ok := reloaded.Lookup(meta.Hash)
	require.True(t, ok)
	assert.EqualValues(t, 2, m.RefCount)
	require.NotNil(t, m.Compression)
	assert.Equal(t, compress.Zstd, m.Compression.Algorithm)
	assert.EqualValues(t, 1024, m.Compression.CompressedSize)

	m, _ = reloaded.Lookup(testHash(11))
	assert.Equal(t, StatePending, m.State)
}

func TestSnapshotIterator(t *testing.T) {
	ctx := context.Background()
	idx := New(memory.New())
	for b := byte(0); b < 20; b++ {
		require.NoError(t, idx.InsertNew(ctx, testMeta(b)))
	}

	it := idx.Snapshot(ctx)
	seen := map[hash.BlockHash]bool{}
	for {
		batch := it.NextBatch(7)
		if len(batch) == 0 {
			break
		}
		assert.LessOrEqual(t, len(batch), 7)
		for _, m := range batch {
			seen[m.Hash] = true
		}
	}
	assert.Len(t, seen, 20)

	it.Reset()
	_, ok := it.Next()
	assert.True(t, ok)
	assert.NoError(t, it.Err())

	locs, err := idx.Locations(ctx)
	require.NoError(t, err)
	assert.Len(t, locs, 20)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	it = idx.Snapshot(cancelled)
	_, ok = it.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

func TestLogicalMap(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	lm := NewLogicalMap(st)

	_, had, err := lm.Set(ctx, 100, testHash(1))
	require.NoError(t, err)
	assert.False(t, had)

	old, had, err := lm.Set(ctx, 100, testHash(2))
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, testHash(1), old)

	h, ok := lm.Get(100)
	require.True(t, ok)
	assert.Equal(t, testHash(2), h)
	assert.Equal(t, 1, lm.Len())

	_, _, err = lm.Set(ctx, 7, testHash(3))
	require.NoError(t, err)

	reloaded := NewLogicalMap(st)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.Len())

	old, had, err = reloaded.Delete(ctx, 100)
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, testHash(2), old)

	_, had, err = reloaded.Delete(ctx, 100)
	require.NoError(t, err)
	assert.False(t, had)
	assert.Equal(t, 1, reloaded.Len())
}
