// Package prometheus holds Prometheus implementations of the metrics
// interfaces declared by the storage packages.
package prometheus

import (
	"github.com/marmos91/dittoblk/pkg/metrics"
	"github.com/marmos91/dittoblk/pkg/store/device"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// deviceMetrics is the Prometheus implementation of device.Metrics.
type deviceMetrics struct {
	retries  *prometheus.CounterVec
	degraded prometheus.Gauge
}

// NewDeviceMetrics creates a Prometheus-backed device.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// makes the retrying device fall back to its no-op implementation.
func NewDeviceMetrics() device.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &deviceMetrics{
		retries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoblk_device_retries_total",
				Help: "Total number of retried device operations by operation",
			},
			[]string{"operation"},
		),
		degraded: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoblk_device_degraded",
				Help: "1 when the device exceeded its retry ceiling and fails fast",
			},
		),
	}
}

func (m *deviceMetrics) ObserveRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *deviceMetrics) SetDegraded(degraded bool) {
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}
