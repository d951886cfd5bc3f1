package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusImplementations(t *testing.T) {
	InitRegistry()
	require.True(t, IsEnabled())

	cm := NewCacheMetrics()
	require.NotNil(t, cm)
	cm.ObserveHit(cache.L1)
	cm.ObserveMiss(cache.L2)
	cm.ObserveEviction(cache.L1, true)
	cm.ObserveFlush(cache.L1, errors.New("io"))
	cm.ObservePromotion(cache.L2, cache.L1)
	cm.RecordOccupancy(cache.L1, 3, 96)

	em := NewEngineMetrics()
	require.NotNil(t, em)
	em.ObserveOperation("write", time.Millisecond, nil)
	em.RecordWrite(true, 4096)
	em.RecordHash()
	em.RecordSpace(8192, 4096)

	families, err := GetRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"dittoblk_cache_hits_total",
		"dittoblk_cache_misses_total",
		"dittoblk_cache_evictions_total",
		"dittoblk_cache_flushes_total",
		"dittoblk_cache_promotions_total",
		"dittoblk_cache_entries",
		"dittoblk_engine_operations_total",
		"dittoblk_engine_operation_duration_seconds",
		"dittoblk_engine_block_writes_total",
		"dittoblk_engine_hash_computations_total",
		"dittoblk_engine_saved_bytes",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}
