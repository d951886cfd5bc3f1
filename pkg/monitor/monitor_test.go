package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTiers []cache.TierStats

func (s staticTiers) TierStats() []cache.TierStats { return s }

func TestHistogramBuckets(t *testing.T) {
	var h Histogram
	h.Observe(5 * time.Microsecond)
	h.Observe(10 * time.Microsecond)
	h.Observe(700 * time.Microsecond)
	h.Observe(time.Second)

	s := h.Snapshot()
	require.Len(t, s.Buckets, len(LatencyBuckets)+1)
	assert.EqualValues(t, 4, s.Count)
	assert.EqualValues(t, 2, s.Buckets[0].Count, "bounds are inclusive")
	assert.EqualValues(t, 1, s.Buckets[4].Count)
	assert.EqualValues(t, 1, s.Buckets[len(LatencyBuckets)].Count)
	assert.Zero(t, s.Buckets[len(LatencyBuckets)].UpperBound)

	assert.Equal(t, 10*time.Microsecond, s.Quantile(0.25))
	assert.Equal(t, time.Millisecond, s.Quantile(0.6))
	assert.Equal(t, 100*time.Millisecond, s.Quantile(0.99))
	assert.Greater(t, s.Mean(), time.Duration(0))
}

func TestSnapshotDerivedValues(t *testing.T) {
	m := New(nil)

	m.RecordWrite(false, 4096, 1024)
	m.RecordWrite(true, 4096, 1024)
	m.RecordWrite(true, 4096, 1024)
	m.RecordWrite(false, 4096, 4096)
	m.RecordHash()

	s := m.Snapshot()
	assert.EqualValues(t, 4, s.TotalBlocks)
	assert.EqualValues(t, 2, s.UniqueBlocks)
	assert.EqualValues(t, 2, s.DuplicateBlocks)
	assert.EqualValues(t, 2048, s.SpaceSaved)
	assert.EqualValues(t, 5120, s.StoredBytes)
	assert.EqualValues(t, 3072, s.CompressionSaved)
	assert.EqualValues(t, 1, s.HashComputations)
	assert.InDelta(t, 0.5, s.DedupRatio(), 1e-9)
	assert.InDelta(t, 2048.0/(2048.0+5120.0), s.SpaceEfficiency(), 1e-9)

	m.RecordReclaim(1024)
	s = m.Snapshot()
	assert.EqualValues(t, 4096, s.StoredBytes)
	assert.EqualValues(t, 1, s.ReclaimedBlocks)
}

func TestEmptySnapshot(t *testing.T) {
	s := New(nil).Snapshot()
	assert.Zero(t, s.DedupRatio())
	assert.Zero(t, s.SpaceEfficiency())
	assert.Zero(t, s.CacheHitRatio())
	assert.Zero(t, s.HitRatio(cache.L1))
}

func TestOperationsAndTiers(t *testing.T) {
	m := New(nil)
	m.AttachCache(staticTiers{
		{Level: cache.L1, Enabled: true, Hits: 6, Misses: 4, Entries: 5, MaxEntries: 10},
		{Level: cache.L2, Enabled: true, Hits: 2, Misses: 2},
		{Level: cache.L3},
	})

	m.ObserveOperation(OpRead, time.Millisecond, nil)
	m.ObserveOperation(OpWrite, time.Millisecond, errors.New("boom"))
	m.ObserveOperation(OpDelete, time.Microsecond, nil)

	s := m.Snapshot()
	assert.EqualValues(t, 1, s.Reads)
	assert.EqualValues(t, 1, s.Writes)
	assert.EqualValues(t, 1, s.Deletes)
	assert.EqualValues(t, 1, s.Errors)
	assert.EqualValues(t, 1, s.ReadLatency.Count)

	assert.InDelta(t, 0.6, s.HitRatio(cache.L1), 1e-9)
	assert.InDelta(t, 0.8, s.CacheHitRatio(), 1e-9)
	assert.InDelta(t, 0.5, s.CacheUtilization(cache.L1), 1e-9)
}

func TestTierDeltas(t *testing.T) {
	prev := []cache.TierStats{{Level: cache.L1, Hits: 10, Misses: 5}}
	cur := []cache.TierStats{
		{Level: cache.L1, Hits: 15, Misses: 20, Entries: 3},
		{Level: cache.L2, Hits: 1},
	}

	d := TierDeltas(prev, cur)
	require.Len(t, d, 2)
	assert.EqualValues(t, 5, d[0].Hits)
	assert.EqualValues(t, 15, d[0].Misses)
	assert.Equal(t, 3, d[0].Entries)
	assert.EqualValues(t, 1, d[1].Hits)
}

func TestSeedAndCollected(t *testing.T) {
	m := New(nil)
	m.SeedStored(8192)
	assert.EqualValues(t, 8192, m.Snapshot().StoredBytes)

	m.RecordCollected(0, 0)
	assert.Zero(t, m.Snapshot().ReclaimedBlocks)

	m.RecordCollected(2, 4096)
	s := m.Snapshot()
	assert.EqualValues(t, 2, s.ReclaimedBlocks)
	assert.EqualValues(t, 4096, s.StoredBytes)
}
