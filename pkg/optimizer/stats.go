package optimizer

import (
	"fmt"
	"time"

	"github.com/marmos91/dittoblk/pkg/refcount"
)

// Stats contains statistics from an optimizer pass.
type Stats struct {
	StartTime time.Time // When the pass started
	EndTime   time.Time // When the pass ended
	DryRun    bool      // Nothing was mutated

	Scanned       uint64 // Index entries examined by garbage collection
	Eligible      uint64 // Pending entries past the grace window
	Reclaimed     uint64 // Blocks whose storage was released
	ReclaimFailed uint64 // Blocks that failed to reclaim
	BytesFreed    uint64 // Stored bytes released

	FragmentationBefore float64 // Fragmentation when defrag started
	FragmentationAfter  float64 // Fragmentation when defrag ended
	DefragCandidates    int     // Blocks considered for relocation
	Relocated           uint64  // Blocks moved
	RelocateFailed      uint64  // Blocks that failed to move
	BytesMoved          uint64  // Stored bytes moved

	CapacityChanges []CapacityChange // Tier resizes
}

func (s *Stats) addCollect(res refcount.CollectResult) {
	s.Scanned += uint64(res.Scanned)
	s.Eligible += uint64(res.Eligible)
	s.Reclaimed += uint64(res.Reclaimed)
	s.ReclaimFailed += uint64(res.Failed)
	s.BytesFreed += res.BytesFreed
}

// Duration returns the total pass duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the pass.
func (s *Stats) Summary() string {
	return fmt.Sprintf("scanned=%d eligible=%d reclaimed=%d failed=%d freed=%dB relocated=%d moved=%dB fragmentation=%.3f->%.3f resizes=%d dry_run=%v duration=%s",
		s.Scanned, s.Eligible, s.Reclaimed, s.ReclaimFailed, s.BytesFreed,
		s.Relocated, s.BytesMoved, s.FragmentationBefore, s.FragmentationAfter,
		len(s.CapacityChanges), s.DryRun, s.Duration())
}
