package optimizer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/index"
	"github.com/marmos91/dittoblk/pkg/refcount"
	"github.com/marmos91/dittoblk/pkg/store"
	devmemory "github.com/marmos91/dittoblk/pkg/store/device/memory"
	"github.com/marmos91/dittoblk/pkg/store/metadata/memory"
)

const unit = 4096

type fixture struct {
	idx     *index.Index
	blocks  *blockstore.Store
	counter *refcount.Counter
	hasher  hash.Hasher
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	dev, err := devmemory.New(context.Background(), unit, 64)
	require.NoError(t, err)
	hasher, err := hash.New(hash.SHA256)
	require.NoError(t, err)

	idx := index.New(memory.New())
	blocks := blockstore.New(dev)
	return &fixture{
		idx:     idx,
		blocks:  blocks,
		counter: refcount.New(idx, blocks, grace),
		hasher:  hasher,
	}
}

func payload(b byte) []byte {
	return bytes.Repeat([]byte{b}, unit)
}

func (f *fixture) put(t *testing.T, b byte) hash.BlockHash {
	t.Helper()
	data := payload(b)
	h := f.hasher.Fingerprint(data)
	loc, err := f.blocks.Allocate(len(data))
	require.NoError(t, err)
	require.NoError(t, f.blocks.Write(context.Background(), loc, data))
	require.NoError(t, f.idx.InsertNew(context.Background(), index.BlockMetadata{
		Hash:     h,
		Size:     uint32(len(data)),
		Location: loc,
	}))
	return h
}

func (f *fixture) optimizer(t *testing.T, deps Deps, cfg Config) *Optimizer {
	t.Helper()
	deps.Index = f.idx
	deps.Counter = f.counter
	deps.Blocks = f.blocks
	o, err := New(deps, cfg)
	require.NoError(t, err)
	return o
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestDefaults(t *testing.T) {
	f := newFixture(t, 0)
	o := f.optimizer(t, Deps{}, Config{})
	cfg := o.Config()
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.InDelta(t, 0.3, cfg.DefragThreshold, 1e-9)
	assert.Equal(t, 64, cfg.Tuning.CapacityStep)
}

func TestGarbageCollectionHonorsGraceWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	o := f.optimizer(t, Deps{}, Config{BatchSize: 2})

	h := f.put(t, 1)
	f.put(t, 2)
	_, reclaimed, err := f.counter.Release(ctx, h)
	require.NoError(t, err)
	require.False(t, reclaimed)

	stats, err := o.RunNow(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Scanned)
	assert.Zero(t, stats.Eligible)
	assert.Zero(t, stats.Reclaimed)

	meta, ok := f.idx.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, index.StatePending, meta.State)

	// Out-of-space recovery ignores the window.
	stats, err = o.Reclaim(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Reclaimed)
	assert.EqualValues(t, unit, stats.BytesFreed)
	_, ok = f.idx.Lookup(h)
	assert.False(t, ok)
	assert.EqualValues(t, 1, f.blocks.Stats().UsedUnits)
}

func TestGarbageCollectionReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Millisecond)
	o := f.optimizer(t, Deps{}, Config{})

	h := f.put(t, 1)
	_, _, err := f.counter.Release(ctx, h)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	stats, err := o.RunNow(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Eligible)
	assert.EqualValues(t, 1, stats.Reclaimed)
	assert.Zero(t, f.idx.Len())
	assert.Zero(t, f.blocks.Stats().UsedUnits)
}

func TestDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Millisecond)
	o := f.optimizer(t, Deps{}, Config{DryRun: true, DefragThreshold: 0.01})

	var hs []hash.BlockHash
	for i := 0; i < 4; i++ {
		hs = append(hs, f.put(t, byte(i)))
	}
	_, _, err := f.counter.Release(ctx, hs[0])
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	stats, err := o.RunNow(ctx)
	require.NoError(t, err)
	assert.True(t, stats.DryRun)
	assert.EqualValues(t, 1, stats.Eligible)
	assert.Zero(t, stats.Reclaimed)
	assert.Zero(t, stats.Relocated)
	assert.Equal(t, 4, f.idx.Len())
	assert.EqualValues(t, 4, f.blocks.Stats().UsedUnits)
}

func TestDefragmentCompactsHighestBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	o := f.optimizer(t, Deps{Relocation: &sync.Mutex{}}, Config{DefragThreshold: 0.01})

	var hs []hash.BlockHash
	for i := 0; i < 8; i++ {
		hs = append(hs, f.put(t, byte(i)))
	}
	for i := 0; i < 8; i += 2 {
		_, reclaimed, err := f.counter.Release(ctx, hs[i])
		require.NoError(t, err)
		require.True(t, reclaimed)
	}
	require.Greater(t, f.blocks.Fragmentation(), 0.01)

	stats, err := o.RunNow(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Relocated)
	assert.EqualValues(t, 2*unit, stats.BytesMoved)
	assert.Greater(t, stats.FragmentationBefore, stats.FragmentationAfter)
	assert.Zero(t, stats.FragmentationAfter)
	assert.EqualValues(t, 4, f.blocks.Stats().UsedUnits)

	for i := 1; i < 8; i += 2 {
		meta, ok := f.idx.Lookup(hs[i])
		require.True(t, ok)
		assert.Less(t, meta.Location.Offset, uint64(4))
		data, err := f.blocks.Read(ctx, meta.Location)
		require.NoError(t, err)
		assert.Equal(t, payload(byte(i)), data)
	}
}

func TestDefragmentSkipsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	o := f.optimizer(t, Deps{}, Config{})

	hs := []hash.BlockHash{f.put(t, 1), f.put(t, 2)}
	_, _, err := f.counter.Release(ctx, hs[0])
	require.NoError(t, err)

	stats, err := o.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Relocated)
	assert.Zero(t, stats.DefragCandidates)
}

type fakeTuner struct {
	mu    sync.Mutex
	stats []cache.TierStats
	calls []CapacityChange
}

func (f *fakeTuner) TierStats() []cache.TierStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cache.TierStats(nil), f.stats...)
}

func (f *fakeTuner) SetCapacity(_ context.Context, level cache.Level, entries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.stats {
		if f.stats[i].Level == level {
			f.calls = append(f.calls, CapacityChange{Level: level, From: f.stats[i].MaxEntries, To: entries})
			f.stats[i].MaxEntries = entries
		}
	}
	return nil
}

func (f *fakeTuner) update(fn func(s *cache.TierStats)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.stats[0])
}

func TestTierTuning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	tuner := &fakeTuner{stats: []cache.TierStats{{Level: cache.L1, Enabled: true, MaxEntries: 10, Entries: 10}}}
	o := f.optimizer(t, Deps{Cache: tuner}, Config{Tuning: TuningConfig{
		Enabled:      true,
		CapacityStep: 4,
		MaxEntries:   12,
	}})

	stats, err := o.RunNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats.CapacityChanges, "first pass records a baseline")

	// Full tier missing most lookups grows, capped at MaxEntries.
	tuner.update(func(s *cache.TierStats) { s.Hits += 1; s.Misses += 9 })
	stats, err = o.RunNow(ctx)
	require.NoError(t, err)
	require.Len(t, stats.CapacityChanges, 1)
	assert.Equal(t, 12, stats.CapacityChanges[0].To)
	assert.Equal(t, 12, tuner.TierStats()[0].MaxEntries)

	// Mostly empty tier hitting everything shrinks back to its base.
	tuner.update(func(s *cache.TierStats) { s.Hits += 100; s.Entries = 2 })
	stats, err = o.RunNow(ctx)
	require.NoError(t, err)
	require.Len(t, stats.CapacityChanges, 1)
	assert.Equal(t, 10, stats.CapacityChanges[0].To)

	// No traffic, no change.
	stats, err = o.RunNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats.CapacityChanges)
	assert.Len(t, tuner.calls, 2)
}

func TestTierTuningDryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	tuner := &fakeTuner{stats: []cache.TierStats{{Level: cache.L1, Enabled: true, MaxEntries: 10, Entries: 10}}}
	o := f.optimizer(t, Deps{Cache: tuner}, Config{DryRun: true, Tuning: TuningConfig{Enabled: true}})

	_, err := o.RunNow(ctx)
	require.NoError(t, err)
	tuner.update(func(s *cache.TierStats) { s.Misses += 10 })

	stats, err := o.RunNow(ctx)
	require.NoError(t, err)
	require.Len(t, stats.CapacityChanges, 1)
	assert.Equal(t, 20, stats.CapacityChanges[0].To)
	assert.Empty(t, tuner.calls)
}

type countingGate struct {
	enters atomic.Int32
	exits  atomic.Int32
	err    error
}

func (g *countingGate) Enter() error {
	if g.err != nil {
		return g.err
	}
	g.enters.Add(1)
	return nil
}

func (g *countingGate) Exit() { g.exits.Add(1) }

func TestGateBracketsPass(t *testing.T) {
	f := newFixture(t, 0)
	gate := &countingGate{}
	o := f.optimizer(t, Deps{Gate: gate}, Config{})

	_, err := o.RunNow(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, gate.enters.Load())
	assert.EqualValues(t, 1, gate.exits.Load())

	gate.err = store.ErrInvalidState
	_, err = o.RunNow(context.Background())
	assert.True(t, errors.Is(err, store.ErrInvalidState))
	assert.EqualValues(t, 1, gate.exits.Load())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 0)
	gate := &countingGate{}
	o := f.optimizer(t, Deps{Gate: gate}, Config{Enabled: true, Interval: 5 * time.Millisecond})

	o.Start()
	o.Start()
	assert.Eventually(t, func() bool { return gate.enters.Load() >= 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	require.NoError(t, o.Stop(ctx))
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t, 0)
	o := f.optimizer(t, Deps{}, Config{})
	o.Start()
	require.NoError(t, o.Stop(context.Background()))
}

func TestStatsSummary(t *testing.T) {
	start := time.Now()
	s := &Stats{StartTime: start, EndTime: start.Add(2 * time.Second), Reclaimed: 3, Relocated: 1}
	assert.Equal(t, 2*time.Second, s.Duration())
	assert.Contains(t, s.Summary(), "reclaimed=3")
	assert.Contains(t, s.Summary(), "relocated=1")
}
