package metrics

import (
	"time"

	"github.com/marmos91/dittoblk/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics is the Prometheus implementation of monitor.Metrics.
type engineMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	writes      *prometheus.CounterVec
	hashes      prometheus.Counter
	storedBytes prometheus.Gauge
	savedBytes  prometheus.Gauge
}

// NewEngineMetrics creates a Prometheus-backed monitor.Metrics.
//
// Returns nil if metrics are not enabled, which makes the monitor use its
// built-in no-op implementation.
func NewEngineMetrics() monitor.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	buckets := make([]float64, 0, len(monitor.LatencyBuckets))
	for _, b := range monitor.LatencyBuckets {
		buckets = append(buckets, b.Seconds())
	}

	return &engineMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoblk_engine_operations_total",
				Help: "Total number of engine operations by type and status",
			},
			[]string{"operation", "status"},
		),
		latency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittoblk_engine_operation_duration_seconds",
				Help:    "Duration of engine operations in seconds",
				Buckets: buckets,
			},
			[]string{"operation"},
		),
		writes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoblk_engine_block_writes_total",
				Help: "Total number of block writes by deduplication outcome",
			},
			[]string{"outcome"},
		),
		hashes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittoblk_engine_hash_computations_total",
				Help: "Total number of content fingerprints computed",
			},
		),
		storedBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoblk_engine_stored_bytes",
				Help: "Physical bytes occupied by unique block payloads",
			},
		),
		savedBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoblk_engine_saved_bytes",
				Help: "Bytes saved by deduplication",
			},
		),
	}
}

func (m *engineMetrics) ObserveOperation(op string, duration time.Duration, err error) {
	m.operations.WithLabelValues(op, status(err)).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *engineMetrics) RecordWrite(duplicate bool, _ int) {
	if duplicate {
		m.writes.WithLabelValues("duplicate").Inc()
		return
	}
	m.writes.WithLabelValues("unique").Inc()
}

func (m *engineMetrics) RecordHash() {
	m.hashes.Inc()
}

func (m *engineMetrics) RecordSpace(storedBytes, savedBytes uint64) {
	m.storedBytes.Set(float64(storedBytes))
	m.savedBytes.Set(float64(savedBytes))
}
