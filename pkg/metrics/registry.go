// Package metrics exports engine, cache and device observations to
// Prometheus and serves them, together with a JSON engine report, over HTTP.
//
// Collectors exist only after InitRegistry. Before that every constructor
// returns nil and the engine, cache and devices keep their no-op sinks:
//
//	metrics.InitRegistry()
//	cfg.Metrics = metrics.NewEngineMetrics()
//	eng, err := engine.New(dev, md, cfg)
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registry atomic.Pointer[prometheus.Registry]

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors attached. Later calls keep the first registry.
func InitRegistry() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.CompareAndSwap(nil, reg)
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry.Load()
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return registry.Load() != nil
}
