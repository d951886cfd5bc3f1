package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/engine"
	"github.com/marmos91/dittoblk/pkg/monitor"
)

// Service is an auxiliary process run alongside the engine, such as the
// metrics endpoint. Run blocks until ctx is cancelled or the service fails.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to a Service.
type ServiceFunc struct {
	ServiceName string
	Fn          func(ctx context.Context) error
}

func (f ServiceFunc) Name() string                  { return f.ServiceName }
func (f ServiceFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// DittoServer manages the lifecycle of an engine and the services that run
// next to it.
//
// Lifecycle:
//  1. Creation: New() with an engine that has not been opened
//  2. Registration: AddService() for each auxiliary service
//  3. Startup: Serve() opens the engine and starts every service
//  4. Shutdown: context cancellation, or the first service failure, stops
//     the services and shuts the engine down
//
// Thread safety:
// DittoServer is safe for concurrent use. Serve() should only be called once
// per server instance.
//
// Example usage:
//
//	srv := New(eng, Config{StatsInterval: 5 * time.Minute})
//	srv.AddService(ServiceFunc{ServiceName: "metrics", Fn: metricsServer.Start})
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	report, err := srv.Serve(ctx)
type DittoServer struct {
	engine *engine.Engine
	cfg    Config

	// services contains all registered auxiliary services
	services []Service

	// mu protects the services slice and served flag
	mu     sync.Mutex
	served bool
}

// Config configures a DittoServer.
type Config struct {
	// StatsInterval is how often an engine summary is logged (0 disables it).
	StatsInterval time.Duration
}

// New creates a server for eng.
//
// Panics if eng is nil (indicates programmer error).
func New(eng *engine.Engine, cfg Config) *DittoServer {
	if eng == nil {
		panic("engine cannot be nil")
	}
	return &DittoServer{
		engine:   eng,
		cfg:      cfg,
		services: make([]Service, 0, 2),
	}
}

// AddService registers a service to run while the engine is serving.
//
// Returns an error if a service with the same name is already registered or
// Serve has been called.
func (s *DittoServer) AddService(svc Service) error {
	if svc == nil {
		panic("service cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return fmt.Errorf("cannot add service %s after Serve() has been called", svc.Name())
	}
	for _, existing := range s.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("service %s already registered", svc.Name())
		}
	}

	s.services = append(s.services, svc)
	logger.Debug("Registered %s service", svc.Name())
	return nil
}

// Serve opens the engine, runs every service and blocks until ctx is
// cancelled or a service fails. The engine is then shut down within its
// configured shutdown timeout and the shutdown report is returned.
//
// Returns context.Canceled on a signal-driven shutdown, the service error
// when a service failed, or the engine error if opening or shutting down
// failed.
func (s *DittoServer) Serve(ctx context.Context) (*engine.ShutdownReport, error) {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return nil, fmt.Errorf("Serve() has already been called on this server instance")
	}
	s.served = true
	services := make([]Service, len(s.services))
	copy(services, s.services)
	s.mu.Unlock()

	if err := s.engine.Open(ctx); err != nil {
		// Releases the device and metadata store of the unopened engine
		_, _ = s.engine.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("open engine: %w", err)
	}
	logger.Info("Engine %s serving (block_size=%d)", s.engine.ID(), s.engine.BlockSize())

	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan serviceError, len(services)+1)
	var wg sync.WaitGroup

	for _, svc := range services {
		wg.Add(1)
		go func(svc Service) {
			defer wg.Done()

			logger.Info("Starting %s service", svc.Name())
			err := svc.Run(svcCtx)
			if err != nil && !errors.Is(err, context.Canceled) && svcCtx.Err() == nil {
				logger.Error("%s service failed: %v", svc.Name(), err)
				errChan <- serviceError{name: svc.Name(), err: err}
				return
			}
			logger.Debug("%s service stopped", svc.Name())
		}(svc)
	}

	if s.cfg.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logStats(svcCtx)
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		serveErr = ctx.Err()
	case svcErr := <-errChan:
		logger.Error("Service %s failed: %v - initiating shutdown", svcErr.name, svcErr.err)
		serveErr = fmt.Errorf("%s service error: %w", svcErr.name, svcErr.err)
	}

	cancel()
	logger.Debug("Waiting for all services to complete shutdown")
	wg.Wait()

	// The caller's context is done by now; the engine applies its own
	// shutdown timeout.
	report, err := s.engine.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("shutdown engine: %w", err))
	}

	logger.Info("DittoServer stopped")
	return report, serveErr
}

// logStats logs an engine summary every StatsInterval.
func (s *DittoServer) logStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			LogSnapshot(s.engine.Stats())
		}
	}
}

// LogSnapshot writes a one-line summary of snap at INFO level.
func LogSnapshot(snap monitor.Snapshot) {
	logger.Info("Stats: blocks=%d unique=%d dedup_ratio=%.2f saved=%d stored=%d efficiency=%.2f cache_hit=%.2f reads=%d writes=%d errors=%d",
		snap.TotalBlocks, snap.UniqueBlocks, snap.DedupRatio(), snap.SpaceSaved, snap.StoredBytes,
		snap.SpaceEfficiency(), snap.CacheHitRatio(), snap.Reads, snap.Writes, snap.Errors)
}

// Services returns a snapshot of the registered services.
func (s *DittoServer) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()

	services := make([]Service, len(s.services))
	copy(services, s.services)
	return services
}

type serviceError struct {
	name string
	err  error
}
