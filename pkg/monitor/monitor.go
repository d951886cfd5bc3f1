// Package monitor collects the performance counters of the engine and turns
// them into point-in-time snapshots with derived ratios.
//
// Counters are atomics and never block the data path. Observations are
// optionally forwarded to a Metrics sink (Prometheus in production); the
// monitor itself has no effect on engine behavior.
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoblk/pkg/cache"
)

// Operation names used for latency observations.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
	OpFlush  = "flush"
)

// Metrics receives engine observations.
//
// Implementations must be safe for concurrent use. pkg/metrics provides the
// Prometheus implementation.
type Metrics interface {
	ObserveOperation(op string, duration time.Duration, err error)
	RecordWrite(duplicate bool, storedBytes int)
	RecordHash()
	RecordSpace(storedBytes, savedBytes uint64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordWrite(bool, int)                         {}
func (noopMetrics) RecordHash()                                   {}
func (noopMetrics) RecordSpace(uint64, uint64)                    {}

// TierSource reports the cache tier state included in snapshots.
type TierSource interface {
	TierStats() []cache.TierStats
}

// Monitor aggregates engine counters.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Monitor struct {
	metrics Metrics
	tiers   atomic.Pointer[TierSource]

	totalBlocks      atomic.Uint64
	uniqueBlocks     atomic.Uint64
	duplicateBlocks  atomic.Uint64
	spaceSaved       atomic.Uint64
	storedBytes      atomic.Int64
	compressionSaved atomic.Uint64
	hashes           atomic.Uint64
	reads            atomic.Uint64
	writes           atomic.Uint64
	deletes          atomic.Uint64
	errors           atomic.Uint64
	reclaimed        atomic.Uint64

	readLatency  Histogram
	writeLatency Histogram

	started time.Time
}

// New creates a monitor. A nil metrics sink disables forwarding.
func New(metrics Metrics) *Monitor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Monitor{metrics: metrics, started: time.Now()}
}

// AttachCache includes the tier statistics of src in snapshots.
func (m *Monitor) AttachCache(src TierSource) {
	m.tiers.Store(&src)
}

// RecordHash counts one fingerprint computation.
func (m *Monitor) RecordHash() {
	m.hashes.Add(1)
	m.metrics.RecordHash()
}

// RecordWrite counts one block write. A duplicate saves storedSize bytes
// (the size of the copy it shares); a unique block consumes storedSize bytes
// and saves logicalSize-storedSize through compression.
func (m *Monitor) RecordWrite(duplicate bool, logicalSize, storedSize int) {
	m.totalBlocks.Add(1)
	if duplicate {
		m.duplicateBlocks.Add(1)
		m.spaceSaved.Add(uint64(storedSize))
	} else {
		m.uniqueBlocks.Add(1)
		m.storedBytes.Add(int64(storedSize))
		if logicalSize > storedSize {
			m.compressionSaved.Add(uint64(logicalSize - storedSize))
		}
	}
	m.metrics.RecordWrite(duplicate, storedSize)
	m.metrics.RecordSpace(m.stored(), m.spaceSaved.Load())
}

// RecordReclaim counts storedSize bytes released by garbage collection.
func (m *Monitor) RecordReclaim(storedSize int) {
	m.reclaimed.Add(1)
	m.storedBytes.Add(-int64(storedSize))
	m.metrics.RecordSpace(m.stored(), m.spaceSaved.Load())
}

// RecordCollected counts blocks released by a garbage collection sweep.
func (m *Monitor) RecordCollected(blocks int, bytes uint64) {
	if blocks == 0 {
		return
	}
	m.reclaimed.Add(uint64(blocks))
	m.storedBytes.Add(-int64(bytes))
	m.metrics.RecordSpace(m.stored(), m.spaceSaved.Load())
}

// SeedStored sets the physical footprint found when the engine opened.
func (m *Monitor) SeedStored(bytes uint64) {
	m.storedBytes.Store(int64(bytes))
	m.metrics.RecordSpace(m.stored(), m.spaceSaved.Load())
}

func (m *Monitor) stored() uint64 {
	if v := m.storedBytes.Load(); v > 0 {
		return uint64(v)
	}
	return 0
}

// ObserveOperation records the latency and outcome of one engine call.
func (m *Monitor) ObserveOperation(op string, d time.Duration, err error) {
	switch op {
	case OpRead:
		m.reads.Add(1)
		m.readLatency.Observe(d)
	case OpWrite:
		m.writes.Add(1)
		m.writeLatency.Observe(d)
	case OpDelete:
		m.deletes.Add(1)
	}
	if err != nil {
		m.errors.Add(1)
	}
	m.metrics.ObserveOperation(op, d, err)
}

// Snapshot is an immutable view of the counters.
type Snapshot struct {
	TakenAt time.Time
	Uptime  time.Duration

	TotalBlocks     uint64
	UniqueBlocks    uint64
	DuplicateBlocks uint64

	// SpaceSaved is the number of bytes deduplication avoided writing.
	SpaceSaved uint64

	// StoredBytes is the physical payload footprint.
	StoredBytes uint64

	CompressionSaved uint64
	HashComputations uint64
	ReclaimedBlocks  uint64

	Reads   uint64
	Writes  uint64
	Deletes uint64
	Errors  uint64

	ReadLatency  HistogramSnapshot
	WriteLatency HistogramSnapshot

	Tiers []cache.TierStats
}

// Snapshot copies the current counters.
func (m *Monitor) Snapshot() Snapshot {
	now := time.Now()
	s := Snapshot{
		TakenAt:          now,
		Uptime:           now.Sub(m.started),
		TotalBlocks:      m.totalBlocks.Load(),
		UniqueBlocks:     m.uniqueBlocks.Load(),
		DuplicateBlocks:  m.duplicateBlocks.Load(),
		SpaceSaved:       m.spaceSaved.Load(),
		StoredBytes:      m.stored(),
		CompressionSaved: m.compressionSaved.Load(),
		HashComputations: m.hashes.Load(),
		ReclaimedBlocks:  m.reclaimed.Load(),
		Reads:            m.reads.Load(),
		Writes:           m.writes.Load(),
		Deletes:          m.deletes.Load(),
		Errors:           m.errors.Load(),
		ReadLatency:      m.readLatency.Snapshot(),
		WriteLatency:     m.writeLatency.Snapshot(),
	}
	if src := m.tiers.Load(); src != nil {
		s.Tiers = (*src).TierStats()
	}
	return s
}

// DedupRatio returns the share of written blocks that were duplicates:
// (total-unique)/total.
func (s Snapshot) DedupRatio() float64 {
	if s.TotalBlocks == 0 {
		return 0
	}
	return float64(s.TotalBlocks-s.UniqueBlocks) / float64(s.TotalBlocks)
}

// SpaceEfficiency returns saved/(saved+stored).
func (s Snapshot) SpaceEfficiency() float64 {
	total := s.SpaceSaved + s.StoredBytes
	if total == 0 {
		return 0
	}
	return float64(s.SpaceSaved) / float64(total)
}

// Tier returns the statistics of level.
func (s Snapshot) Tier(level cache.Level) (cache.TierStats, bool) {
	for _, t := range s.Tiers {
		if t.Level == level {
			return t, true
		}
	}
	return cache.TierStats{}, false
}

// HitRatio returns the hit ratio of level.
func (s Snapshot) HitRatio(level cache.Level) float64 {
	t, ok := s.Tier(level)
	if !ok {
		return 0
	}
	return t.HitRatio()
}

// CacheHitRatio returns the share of reads served by any tier. Every lookup
// consults L1 first, so L1 lookups count the reads.
func (s Snapshot) CacheHitRatio() float64 {
	var hits, lookups uint64
	for _, t := range s.Tiers {
		if !t.Enabled {
			continue
		}
		hits += t.Hits
		if lookups == 0 {
			lookups = t.Hits + t.Misses
		}
	}
	if lookups == 0 {
		return 0
	}
	return float64(hits) / float64(lookups)
}

// CacheUtilization returns the occupied share of level's capacity.
func (s Snapshot) CacheUtilization(level cache.Level) float64 {
	t, ok := s.Tier(level)
	if !ok {
		return 0
	}
	return t.Utilization()
}

// TierDeltas returns the counter increase of every tier between prev and
// cur. Gauges (entries, bytes, capacity) are taken from cur.
func TierDeltas(prev, cur []cache.TierStats) []cache.TierStats {
	out := make([]cache.TierStats, len(cur))
	for i, c := range cur {
		d := c
		for _, p := range prev {
			if p.Level != c.Level {
				continue
			}
			d.Hits = sub(c.Hits, p.Hits)
			d.Misses = sub(c.Misses, p.Misses)
			d.Evictions = sub(c.Evictions, p.Evictions)
			d.Flushes = sub(c.Flushes, p.Flushes)
			d.Promotions = sub(c.Promotions, p.Promotions)
			d.Demotions = sub(c.Demotions, p.Demotions)
		}
		out[i] = d
	}
	return out
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
