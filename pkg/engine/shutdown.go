package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/store"
)

// ShutdownReport describes how a shutdown went.
type ShutdownReport struct {
	// Lost lists logical addresses whose dirty data never reached the
	// block store.
	Lost []uint64

	// Duration is how long the shutdown took.
	Duration time.Duration
}

// Shutdown stops accepting I/O, waits for in-flight operations, stops the
// optimizer, flushes every dirty block and closes the cache, the metadata
// store and the device.
//
// When ctx has no deadline, ShutdownTimeout applies. Blocks that could not
// be flushed in time are logged and returned in the report.
func (e *Engine) Shutdown(ctx context.Context) (*ShutdownReport, error) {
	start := time.Now()

	e.stateMu.Lock()
	prev := e.state
	switch prev {
	case StateShuttingDown, StateShutdown:
		e.stateMu.Unlock()
		return nil, fmt.Errorf("shutdown in state %s: %w", prev, store.ErrInvalidState)
	case StateInitializing:
		e.stateMu.Unlock()
		return nil, fmt.Errorf("shutdown while initializing: %w", store.ErrInvalidState)
	}
	e.state = StateShuttingDown
	e.stateMu.Unlock()

	report := &ShutdownReport{}
	if prev == StateUninitialized {
		err := e.closeStores()
		e.setState(StateShutdown)
		report.Duration = time.Since(start)
		return report, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	logger.Info("Engine: shutting down volume %s", e.superblock.ID)

	var result *multierror.Error

	if err := e.optimizer.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop optimizer: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn("Engine: in-flight operations still running at shutdown deadline")
	}

	lost, err := e.cache.Close(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("close cache: %w", err))
	}
	report.Lost = lost
	for _, lba := range lost {
		logger.Error("Engine: write to lba %d lost at shutdown", lba)
	}

	if err := e.sync(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.closeStores(); err != nil {
		result = multierror.Append(result, err)
	}

	e.setState(StateShutdown)
	report.Duration = time.Since(start)
	logger.Info("Engine: shutdown complete in %s, %d writes lost", report.Duration, len(report.Lost))
	return report, result.ErrorOrNil()
}

func (e *Engine) closeStores() error {
	var result *multierror.Error
	if err := e.md.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close metadata store: %w", err))
	}
	if err := e.dev.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close device: %w", err))
	}
	return result.ErrorOrNil()
}
