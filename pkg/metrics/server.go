package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/monitor"
)

// StatsFunc returns the current engine counters.
type StatsFunc func() monitor.Snapshot

// Server exposes the engine over HTTP:
//   - GET /metrics: Prometheus exposition of the registry
//   - GET /stats: JSON engine report (dedup, space, cache tiers, latency)
//   - GET /: HTML summary of the same report
//
// The stats source is attached with SetStats once the engine exists; until
// then /stats answers 503.
type Server struct {
	server       *http.Server
	port         int
	stats        atomic.Pointer[StatsFunc]
	shutdownOnce sync.Once
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on. Default: 9090
	Port int

	// Stats is the engine counter source. May be set later with SetStats.
	Stats StatsFunc
}

func (c *ServerConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 9090
	}
}

// NewServer creates a stopped server. Call Start to serve requests.
func NewServer(config ServerConfig) *Server {
	config.applyDefaults()

	s := &Server{port: config.Port}
	if config.Stats != nil {
		s.SetStats(config.Stats)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetStats attaches the engine counter source.
func (s *Server) SetStats(fn StatsFunc) {
	if fn == nil {
		s.stats.Store(nil)
		return
	}
	s.stats.Store(&fn)
}

// Handler returns the request multiplexer of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if reg := GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}

	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

func (s *Server) report() (StatsReport, bool) {
	fn := s.stats.Load()
	if fn == nil {
		return StatsReport{}, false
	}
	return NewStatsReport((*fn)()), true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep, ok := s.report()
	if !ok {
		http.Error(w, "engine statistics are not available yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		logger.Debug("Stats response aborted: %v", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	rep, ok := s.report()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		Ready   bool
		Metrics bool
		Report  StatsReport
	}{Ready: ok, Metrics: IsEnabled(), Report: rep})
	if err != nil {
		logger.Debug("Index page aborted: %v", err)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns an error if the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening on port %d", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// ctx is already done; shutdown gets its own deadline
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			logger.Error("Metrics server shutdown error: %v", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return shutdownErr
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.port
}

// StatsReport is the JSON document served on /stats.
type StatsReport struct {
	TakenAt time.Time `json:"taken_at"`
	Uptime  string    `json:"uptime"`

	TotalBlocks     uint64  `json:"total_blocks"`
	UniqueBlocks    uint64  `json:"unique_blocks"`
	DuplicateBlocks uint64  `json:"duplicate_blocks"`
	DedupRatio      float64 `json:"dedup_ratio"`

	SpaceSavedBytes       uint64  `json:"space_saved_bytes"`
	StoredBytes           uint64  `json:"stored_bytes"`
	CompressionSavedBytes uint64  `json:"compression_saved_bytes"`
	SpaceEfficiency       float64 `json:"space_efficiency"`

	HashComputations uint64 `json:"hash_computations"`
	ReclaimedBlocks  uint64 `json:"reclaimed_blocks"`

	Reads   uint64 `json:"reads"`
	Writes  uint64 `json:"writes"`
	Deletes uint64 `json:"deletes"`
	Errors  uint64 `json:"errors"`

	ReadLatency  LatencyReport `json:"read_latency"`
	WriteLatency LatencyReport `json:"write_latency"`

	CacheHitRatio float64      `json:"cache_hit_ratio"`
	Tiers         []TierReport `json:"tiers"`
}

// LatencyReport summarizes a latency histogram in microseconds.
type LatencyReport struct {
	Count  uint64 `json:"count"`
	MeanUs int64  `json:"mean_us"`
	P50Us  int64  `json:"p50_us"`
	P99Us  int64  `json:"p99_us"`
}

// TierReport is one cache tier in a StatsReport.
type TierReport struct {
	Level       string  `json:"level"`
	Eviction    string  `json:"eviction"`
	Entries     int     `json:"entries"`
	Dirty       int     `json:"dirty"`
	Bytes       int64   `json:"bytes"`
	MaxEntries  int     `json:"max_entries,omitempty"`
	MaxBytes    int64   `json:"max_bytes,omitempty"`
	Utilization float64 `json:"utilization"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRatio    float64 `json:"hit_ratio"`
	Evictions   uint64  `json:"evictions"`
	Flushes     uint64  `json:"flushes"`
	Promotions  uint64  `json:"promotions"`
	Demotions   uint64  `json:"demotions"`
}

// NewStatsReport derives the report of snap. Disabled tiers are left out.
func NewStatsReport(snap monitor.Snapshot) StatsReport {
	rep := StatsReport{
		TakenAt:               snap.TakenAt,
		Uptime:                snap.Uptime.Round(time.Second).String(),
		TotalBlocks:           snap.TotalBlocks,
		UniqueBlocks:          snap.UniqueBlocks,
		DuplicateBlocks:       snap.DuplicateBlocks,
		DedupRatio:            snap.DedupRatio(),
		SpaceSavedBytes:       snap.SpaceSaved,
		StoredBytes:           snap.StoredBytes,
		CompressionSavedBytes: snap.CompressionSaved,
		SpaceEfficiency:       snap.SpaceEfficiency(),
		HashComputations:      snap.HashComputations,
		ReclaimedBlocks:       snap.ReclaimedBlocks,
		Reads:                 snap.Reads,
		Writes:                snap.Writes,
		Deletes:               snap.Deletes,
		Errors:                snap.Errors,
		ReadLatency:           latencyReport(snap.ReadLatency),
		WriteLatency:          latencyReport(snap.WriteLatency),
		CacheHitRatio:         snap.CacheHitRatio(),
		Tiers:                 []TierReport{},
	}
	for _, t := range snap.Tiers {
		if !t.Enabled {
			continue
		}
		rep.Tiers = append(rep.Tiers, TierReport{
			Level:       t.Level.String(),
			Eviction:    t.Eviction.String(),
			Entries:     t.Entries,
			Dirty:       t.Dirty,
			Bytes:       t.Bytes,
			MaxEntries:  t.MaxEntries,
			MaxBytes:    t.MaxBytes,
			Utilization: t.Utilization(),
			Hits:        t.Hits,
			Misses:      t.Misses,
			HitRatio:    t.HitRatio(),
			Evictions:   t.Evictions,
			Flushes:     t.Flushes,
			Promotions:  t.Promotions,
			Demotions:   t.Demotions,
		})
	}
	return rep
}

func latencyReport(h monitor.HistogramSnapshot) LatencyReport {
	return LatencyReport{
		Count:  h.Count,
		MeanUs: h.Mean().Microseconds(),
		P50Us:  h.Quantile(0.5).Microseconds(),
		P99Us:  h.Quantile(0.99).Microseconds(),
	}
}

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<title>DittoBLK</title>
<style>
body { font-family: sans-serif; max-width: 860px; margin: 40px auto; }
table { border-collapse: collapse; margin: 12px 0; }
td, th { padding: 4px 12px; border-bottom: 1px solid #ddd; text-align: left; }
</style>
</head>
<body>
<h1>DittoBLK</h1>
<p><a href="/stats">/stats</a> (JSON){{if .Metrics}} &middot; <a href="/metrics">/metrics</a> (Prometheus){{end}}</p>
{{if .Ready}}{{with .Report}}
<table>
<tr><th>Blocks written</th><td>{{.TotalBlocks}}</td></tr>
<tr><th>Unique blocks</th><td>{{.UniqueBlocks}}</td></tr>
<tr><th>Dedup ratio</th><td>{{pct .DedupRatio}}</td></tr>
<tr><th>Space saved</th><td>{{.SpaceSavedBytes}} B</td></tr>
<tr><th>Stored</th><td>{{.StoredBytes}} B</td></tr>
<tr><th>Space efficiency</th><td>{{pct .SpaceEfficiency}}</td></tr>
<tr><th>Cache hit ratio</th><td>{{pct .CacheHitRatio}}</td></tr>
<tr><th>Uptime</th><td>{{.Uptime}}</td></tr>
</table>
<table>
<tr><th>Tier</th><th>Eviction</th><th>Entries</th><th>Dirty</th><th>Hit ratio</th><th>Evictions</th></tr>
{{range .Tiers}}<tr><td>{{.Level}}</td><td>{{.Eviction}}</td><td>{{.Entries}}</td><td>{{.Dirty}}</td><td>{{pct .HitRatio}}</td><td>{{.Evictions}}</td></tr>
{{end}}</table>
{{end}}{{else}}
<p>Engine is starting.</p>
{{end}}
</body>
</html>
`))
