package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 32

// memBackend is an in-memory Backend recording every write.
type memBackend struct {
	mu         sync.Mutex
	blocks     map[uint64][]byte
	reads      int
	writes     int
	failWrites bool
}

func newMemBackend() *memBackend {
	return &memBackend{blocks: make(map[uint64][]byte)}
}

func (b *memBackend) ReadBlock(_ context.Context, lba uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	data, ok := b.blocks[lba]
	if !ok {
		return make([]byte, testBlockSize), nil
	}
	return bytes.Clone(data), nil
}

func (b *memBackend) WriteBlock(_ context.Context, lba uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrites {
		return errors.New("backend unavailable")
	}
	b.writes++
	b.blocks[lba] = bytes.Clone(data)
	return nil
}

func (b *memBackend) TrimBlock(_ context.Context, lba uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocks, lba)
	return nil
}

func (b *memBackend) block(lba uint64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocks[lba]
}

func (b *memBackend) setFailWrites(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrites = fail
}

func fill(v byte) []byte {
	return bytes.Repeat([]byte{v}, testBlockSize)
}

func tierConfig(entries int, eviction Eviction, policy WritePolicy) TierConfig {
	return TierConfig{Enabled: true, MaxEntries: entries, Eviction: eviction, WritePolicy: policy}
}

func newManager(t *testing.T, backend Backend, cfg Config) *Manager {
	t.Helper()
	m := New(backend, cfg)
	t.Cleanup(func() { _, _ = m.Close(context.Background()) })
	return m
}

func TestWriteThroughRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers: [NumLevels]TierConfig{tierConfig(8, LRU, WriteThrough)},
	})

	require.NoError(t, m.Put(ctx, 7, fill(0x42), WriteOptions{}))
	assert.Equal(t, fill(0x42), backend.block(7), "write-through reaches the backend synchronously")

	got, err := m.Get(ctx, 7, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, fill(0x42), got)
	assert.Zero(t, backend.reads, "read served from L1")

	e, ok := m.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, L1, e.Level)
	assert.False(t, e.Dirty)
}

func TestWriteBackFlushBeforeEvict(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers:        [NumLevels]TierConfig{tierConfig(1, LRU, WriteBack)},
		FlushWorkers: -1,
		Overcommit:   -1,
	})

	require.NoError(t, m.Put(ctx, 100, fill(0xAB), WriteOptions{}))
	assert.Nil(t, backend.block(100), "write-back defers the backend write")

	e, ok := m.Lookup(100)
	require.True(t, ok)
	assert.True(t, e.Dirty)

	require.NoError(t, m.Put(ctx, 101, fill(0xCD), WriteOptions{}))

	assert.Equal(t, fill(0xAB), backend.block(100), "dirty victim flushed before eviction")
	_, ok = m.Lookup(100)
	assert.False(t, ok)

	e, ok = m.Lookup(101)
	require.True(t, ok)
	assert.True(t, e.Dirty)

	lost, err := m.Close(ctx)
	require.NoError(t, err)
	assert.Empty(t, lost)
	assert.Equal(t, fill(0xCD), backend.block(101))
}

func TestWriteBackAsyncFlush(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers:        [NumLevels]TierConfig{tierConfig(1, LRU, WriteBack)},
		FlushWorkers: 2,
		Overcommit:   4,
	})

	require.NoError(t, m.Put(ctx, 1, fill(1), WriteOptions{}))
	require.NoError(t, m.Put(ctx, 2, fill(2), WriteOptions{}))

	require.Eventually(t, func() bool {
		return bytes.Equal(backend.block(1), fill(1)) && bytes.Equal(backend.block(2), fill(2))
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.DirtyCount() == 0
	}, time.Second, 5*time.Millisecond)

	got, err := m.Get(ctx, 1, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, fill(1), got)
}

func TestWriteBackFallsBackWithoutVictim(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers:        [NumLevels]TierConfig{tierConfig(1, LRU, WriteBack)},
		FlushWorkers: -1,
	})

	require.NoError(t, m.Put(ctx, 1, fill(1), WriteOptions{Policy: WriteThrough}))
	require.NoError(t, m.Pin(1))

	require.NoError(t, m.Put(ctx, 2, fill(2), WriteOptions{}))
	assert.Equal(t, fill(2), backend.block(2), "written through when nothing can be evicted")
	_, ok := m.Lookup(2)
	assert.False(t, ok)

	require.NoError(t, m.Unpin(1))
	assert.ErrorIs(t, m.Unpin(1), store.ErrInvalidState)
}

func TestWriteAroundInvalidates(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers: [NumLevels]TierConfig{tierConfig(8, LRU, WriteThrough)},
	})

	require.NoError(t, m.Put(ctx, 5, fill(1), WriteOptions{}))
	require.NoError(t, m.Put(ctx, 5, fill(2), WriteOptions{Policy: WriteAround}))

	_, ok := m.Lookup(5)
	assert.False(t, ok)
	assert.Equal(t, fill(2), backend.block(5))

	got, err := m.Get(ctx, 5, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, fill(2), got)
}

func TestDemotionAndMovePromotion(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	backend.blocks[1] = fill(1)
	backend.blocks[2] = fill(2)
	m := newManager(t, backend, Config{
		Tiers: [NumLevels]TierConfig{
			tierConfig(1, LRU, WriteThrough),
			tierConfig(10, LRU, WriteThrough),
		},
		Promotion: PromoteMove,
	})

	_, err := m.Get(ctx, 1, ReadOptions{})
	require.NoError(t, err)
	_, err = m.Get(ctx, 2, ReadOptions{})
	require.NoError(t, err)

	e, ok := m.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, L2, e.Level, "clean victim demoted")

	got, err := m.Get(ctx, 1, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, fill(1), got)
	assert.Equal(t, 2, backend.reads, "L2 hit does not reach the backend")

	e, _ = m.Lookup(1)
	assert.Equal(t, L1, e.Level)
	e, _ = m.Lookup(2)
	assert.Equal(t, L2, e.Level)

	stats := m.TierStats()
	assert.Equal(t, 1, stats[0].Entries)
	assert.Equal(t, 1, stats[1].Entries, "move leaves no source copy")
	assert.EqualValues(t, 1, stats[1].Hits)
	assert.EqualValues(t, 1, stats[1].Promotions)
	assert.EqualValues(t, 2, stats[1].Demotions)
}

func TestCopyPromotion(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers: [NumLevels]TierConfig{
			tierConfig(4, LRU, WriteThrough),
			{},
			tierConfig(4, LRU, WriteThrough),
		},
		Promotion: PromoteCopy,
	})

	require.NoError(t, m.Put(ctx, 9, fill(9), WriteOptions{Tier: L3}))
	e, ok := m.Lookup(9)
	require.True(t, ok)
	assert.Equal(t, L3, e.Level)

	_, err := m.Get(ctx, 9, ReadOptions{})
	require.NoError(t, err)

	stats := m.TierStats()
	assert.Equal(t, 1, stats[0].Entries)
	assert.False(t, stats[1].Enabled)
	assert.Equal(t, 1, stats[2].Entries, "copy keeps the source")
}

func TestMissFillsHintedTier(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemBackend(), Config{
		Tiers: [NumLevels]TierConfig{
			tierConfig(4, LRU, WriteThrough),
			tierConfig(4, LRU, WriteThrough),
		},
	})

	_, err := m.Get(ctx, 3, ReadOptions{Tier: L2})
	require.NoError(t, err)
	e, ok := m.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, L2, e.Level)
	assert.EqualValues(t, 1, m.TierStats()[0].Misses)
}

func TestInvalidateDirty(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers:        [NumLevels]TierConfig{tierConfig(4, LRU, WriteBack)},
		FlushWorkers: -1,
	})

	require.NoError(t, m.Put(ctx, 1, fill(1), WriteOptions{}))

	err := m.Invalidate(ctx, 1, false)
	assert.ErrorIs(t, err, ErrDirtyEntry)
	_, ok := m.Lookup(1)
	assert.True(t, ok)

	require.NoError(t, m.Invalidate(ctx, 1, true))
	_, ok = m.Lookup(1)
	assert.False(t, ok)
	assert.Nil(t, backend.block(1), "discarded write never reaches the backend")
}

func TestTrimDropsEveryCopyAndBackend(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers: [NumLevels]TierConfig{
			tierConfig(4, LRU, WriteBack),
			tierConfig(4, LRU, WriteThrough),
		},
		FlushWorkers: -1,
	})

	require.NoError(t, m.Put(ctx, 1, fill(1), WriteOptions{Tier: L2}))
	require.NoError(t, m.Put(ctx, 1, fill(2), WriteOptions{}))
	require.NotNil(t, backend.block(1))

	require.NoError(t, m.Trim(ctx, 1))
	_, ok := m.Lookup(1)
	assert.False(t, ok)
	assert.Nil(t, backend.block(1))
	assert.Zero(t, m.DirtyCount())

	require.NoError(t, m.Trim(ctx, 1), "trimming an absent key is a no-op")
}

func TestEvictionSkipsBusyVictim(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers:        [NumLevels]TierConfig{tierConfig(2, LRU, WriteThrough)},
		FlushWorkers: -1,
	})

	require.NoError(t, m.Put(ctx, 1, fill(1), WriteOptions{}))
	require.NoError(t, m.Put(ctx, 2, fill(2), WriteOptions{}))

	// Another operation holds key 1, the LRU victim
	unlock := m.lockKey(1)
	done := make(chan error, 1)
	go func() { done <- m.Put(ctx, 3, fill(3), WriteOptions{}) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		unlock()
		t.Fatal("eviction waited for a busy victim")
	}
	unlock()

	_, ok := m.Lookup(1)
	assert.True(t, ok, "busy victim kept")
	_, ok = m.Lookup(2)
	assert.False(t, ok, "next victim evicted instead")
	_, ok = m.Lookup(3)
	assert.True(t, ok)

	require.NoError(t, m.Put(ctx, 4, fill(4), WriteOptions{}))
	_, ok = m.Lookup(1)
	assert.False(t, ok, "no longer busy, evicted in turn")
}

func TestPinPreventsEviction(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemBackend(), Config{
		Tiers: [NumLevels]TierConfig{tierConfig(1, LRU, WriteThrough)},
	})

	require.NoError(t, m.Put(ctx, 1, fill(1), WriteOptions{}))
	require.NoError(t, m.Pin(1))
	require.NoError(t, m.Put(ctx, 2, fill(2), WriteOptions{}))

	_, ok := m.Lookup(1)
	assert.True(t, ok, "pinned entry survives")
	_, ok = m.Lookup(2)
	assert.False(t, ok)

	require.NoError(t, m.Unpin(1))
	require.NoError(t, m.Put(ctx, 3, fill(3), WriteOptions{}))
	_, ok = m.Lookup(1)
	assert.False(t, ok)

	assert.ErrorIs(t, m.Pin(42), store.ErrNotFound)
}

func TestLFUEviction(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemBackend(), Config{
		Tiers: [NumLevels]TierConfig{tierConfig(2, LFU, WriteThrough)},
	})

	require.NoError(t, m.Put(ctx, 1, fill(1), WriteOptions{}))
	require.NoError(t, m.Put(ctx, 2, fill(2), WriteOptions{}))
	for i := 0; i < 3; i++ {
		_, err := m.Get(ctx, 1, ReadOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, m.Put(ctx, 3, fill(3), WriteOptions{}))

	_, ok := m.Lookup(1)
	assert.True(t, ok, "frequent entry kept")
	_, ok = m.Lookup(2)
	assert.False(t, ok)
	_, ok = m.Lookup(3)
	assert.True(t, ok)
}

func TestSetCapacityShrinks(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemBackend(), Config{
		Tiers: [NumLevels]TierConfig{tierConfig(8, LRU, WriteThrough)},
	})
	for key := uint64(0); key < 8; key++ {
		require.NoError(t, m.Put(ctx, key, fill(byte(key)), WriteOptions{}))
	}

	require.NoError(t, m.SetCapacity(ctx, L1, 3))
	st := m.TierStats()[0]
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, 3, st.MaxEntries)
	assert.EqualValues(t, 5, st.Evictions)
	assert.InDelta(t, 1.0, st.Utilization(), 1e-9)

	for key := uint64(5); key < 8; key++ {
		_, ok := m.Lookup(key)
		assert.True(t, ok, "most recent entries kept")
	}

	assert.ErrorIs(t, m.SetCapacity(ctx, LevelAuto, 1), store.ErrInvalidArgument)
}

func TestMaxBytesCapacity(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemBackend(), Config{
		Tiers: [NumLevels]TierConfig{{Enabled: true, MaxBytes: 2 * testBlockSize}},
	})
	for key := uint64(0); key < 4; key++ {
		require.NoError(t, m.Put(ctx, key, fill(byte(key)), WriteOptions{}))
	}
	st := m.TierStats()[0]
	assert.Equal(t, 2, st.Entries)
	assert.EqualValues(t, 2*testBlockSize, st.Bytes)
}

func TestFlushAndCloseReportsLost(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := New(backend, Config{
		Tiers:        [NumLevels]TierConfig{tierConfig(16, LRU, WriteBack)},
		FlushWorkers: -1,
	})

	for key := uint64(0); key < 4; key++ {
		require.NoError(t, m.Put(ctx, key, fill(byte(key)), WriteOptions{}))
	}
	assert.Equal(t, 4, m.DirtyCount())

	require.NoError(t, m.Flush(ctx))
	assert.Zero(t, m.DirtyCount())
	for key := uint64(0); key < 4; key++ {
		assert.Equal(t, fill(byte(key)), backend.block(key))
	}

	require.NoError(t, m.Put(ctx, 10, fill(10), WriteOptions{}))
	backend.setFailWrites(true)
	assert.Error(t, m.Flush(ctx))

	lost, err := m.Close(ctx)
	assert.Error(t, err)
	assert.Equal(t, []uint64{10}, lost)

	_, err = m.Close(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, m.Put(ctx, 1, fill(1), WriteOptions{}), store.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	m := newManager(t, backend, Config{
		Tiers: [NumLevels]TierConfig{
			tierConfig(8, Adaptive, WriteBack),
			tierConfig(16, LRU, WriteThrough),
		},
		FlushWorkers: 2,
		Overcommit:   2,
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := uint64((g*7 + i) % 32)
				if i%3 == 0 {
					assert.NoError(t, m.Put(ctx, key, fill(byte(key)), WriteOptions{}))
					continue
				}
				data, err := m.Get(ctx, key, ReadOptions{})
				if assert.NoError(t, err) {
					assert.Len(t, data, testBlockSize)
				}
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, m.Flush(ctx))
	for key := uint64(0); key < 32; key++ {
		if b := backend.block(key); b != nil {
			assert.Equal(t, fill(byte(key)), b)
		}
	}
}
