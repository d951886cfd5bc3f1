package config

import (
	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/metrics"
	promMetrics "github.com/marmos91/dittoblk/pkg/metrics/prometheus"
	"github.com/marmos91/dittoblk/pkg/monitor"
	"github.com/marmos91/dittoblk/pkg/store/device"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// EngineMetrics receives engine observations (nil if disabled)
	EngineMetrics monitor.Metrics

	// CacheMetrics receives per-tier cache observations (nil if disabled)
	CacheMetrics cache.Metrics

	// DeviceMetrics receives device retry observations (nil if disabled)
	DeviceMetrics device.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled every collector is nil and components fall back to
// their no-op implementations.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
		}),
		EngineMetrics: metrics.NewEngineMetrics(),
		CacheMetrics:  metrics.NewCacheMetrics(),
		DeviceMetrics: promMetrics.NewDeviceMetrics(),
	}
}
