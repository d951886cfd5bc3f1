package cache

// Metrics receives cache observations.
//
// Implementations must be safe for concurrent use. pkg/metrics provides the
// Prometheus implementation.
type Metrics interface {
	ObserveHit(level Level)
	ObserveMiss(level Level)
	ObserveEviction(level Level, dirty bool)
	ObserveFlush(level Level, err error)
	ObservePromotion(from, to Level)
	RecordOccupancy(level Level, entries int, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveHit(Level)                  {}
func (noopMetrics) ObserveMiss(Level)                 {}
func (noopMetrics) ObserveEviction(Level, bool)       {}
func (noopMetrics) ObserveFlush(Level, error)         {}
func (noopMetrics) ObservePromotion(Level, Level)     {}
func (noopMetrics) RecordOccupancy(Level, int, int64) {}
