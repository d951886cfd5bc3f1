package optimizer

import (
	"context"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/monitor"
)

// CapacityChange records one tier resize.
type CapacityChange struct {
	Level    cache.Level
	From, To int
	HitRatio float64
}

// tune adjusts tier entry capacities from the hit ratios observed since the
// previous pass. The first pass only records a baseline.
func (o *Optimizer) tune(ctx context.Context, stats *Stats) error {
	cur := o.deps.Cache.TierStats()
	prev := o.prev
	o.prev = cur

	for _, t := range cur {
		if _, ok := o.base[t.Level]; !ok && t.MaxEntries > 0 {
			o.base[t.Level] = t.MaxEntries
		}
	}
	if prev == nil {
		return nil
	}

	tc := o.config.Tuning
	for _, d := range monitor.TierDeltas(prev, cur) {
		if err := ctx.Err(); err != nil {
			return err
		}
		base, bounded := o.base[d.Level]
		if !d.Enabled || !bounded || d.Hits+d.Misses == 0 {
			continue
		}

		ceiling := tc.MaxEntries
		if ceiling <= 0 {
			ceiling = 2 * base
		}

		ratio := d.HitRatio()
		target := d.MaxEntries
		switch {
		case ratio < tc.LowHitRatio && d.Entries >= d.MaxEntries:
			target = min(d.MaxEntries+tc.CapacityStep, ceiling)
		case ratio > tc.HighHitRatio && d.Utilization() < 0.5:
			target = max(d.MaxEntries-tc.CapacityStep, base)
		}
		if target == d.MaxEntries {
			continue
		}

		change := CapacityChange{Level: d.Level, From: d.MaxEntries, To: target, HitRatio: ratio}
		stats.CapacityChanges = append(stats.CapacityChanges, change)
		if o.config.DryRun {
			logger.Info("Optimizer: DRY RUN - would resize %s %d -> %d (hit ratio %.2f)",
				d.Level, change.From, change.To, ratio)
			continue
		}
		if err := o.deps.Cache.SetCapacity(ctx, d.Level, target); err != nil {
			return err
		}
	}
	return nil
}
