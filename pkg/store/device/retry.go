package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/store"
)

// RetryConfig bounds the retry policy applied to device I/O.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per operation, first included.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the exponential delay between retries.
	MaxInterval time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     4,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// Metrics receives device retry observations. A nil Metrics is replaced with
// a no-op implementation.
type Metrics interface {
	ObserveRetry(op string)
	SetDegraded(degraded bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRetry(string) {}
func (noopMetrics) SetDegraded(bool)    {}

// Retrying wraps a Device with bounded exponential backoff. Once an operation
// exhausts its attempts the device is marked degraded and every later call
// fails fast with store.ErrDegraded until Reset is called.
//
// Only failures wrapping store.ErrIO are retried; argument and context errors
// are returned immediately.
type Retrying struct {
	inner    Device
	cfg      RetryConfig
	degraded atomic.Bool
	metrics  Metrics
}

// NewRetrying wraps inner with the given policy. Zero fields in cfg take the
// values from DefaultRetryConfig.
func NewRetrying(inner Device, cfg RetryConfig, metrics Metrics) *Retrying {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Retrying{inner: inner, cfg: cfg, metrics: metrics}
}

func (r *Retrying) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxAttempts-1)), ctx)
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	if r.degraded.Load() {
		return fmt.Errorf("%s: %w", op, store.ErrDegraded)
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			r.metrics.ObserveRetry(op)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		logger.Debug("device %s attempt %d/%d failed: %v", op, attempt, r.cfg.MaxAttempts, err)
		return err
	}, r.newBackOff(ctx))
	if err == nil {
		return nil
	}

	if store.IsRetryable(err) && ctx.Err() == nil {
		if r.degraded.CompareAndSwap(false, true) {
			r.metrics.SetDegraded(true)
			logger.Error("device marked degraded after %d failed %s attempts: %v", attempt, op, err)
		}
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Info returns the wrapped device geometry.
func (r *Retrying) Info() Info {
	return r.inner.Info()
}

// ReadBlocks reads from the wrapped device with retries.
func (r *Retrying) ReadBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	return r.do(ctx, "read", func() error {
		return r.inner.ReadBlocks(ctx, lba, count, buf)
	})
}

// WriteBlocks writes to the wrapped device with retries.
func (r *Retrying) WriteBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	return r.do(ctx, "write", func() error {
		return r.inner.WriteBlocks(ctx, lba, count, buf)
	})
}

// Flush flushes the wrapped device with retries.
func (r *Retrying) Flush(ctx context.Context) error {
	return r.do(ctx, "flush", func() error {
		return r.inner.Flush(ctx)
	})
}

// Close closes the wrapped device.
func (r *Retrying) Close() error {
	return r.inner.Close()
}

// Degraded reports whether the device is failing fast.
func (r *Retrying) Degraded() bool {
	return r.degraded.Load()
}

// Reset clears the degraded mark, typically after an operator intervention.
func (r *Retrying) Reset() {
	if r.degraded.CompareAndSwap(true, false) {
		r.metrics.SetDegraded(false)
		logger.Info("device degraded mark cleared")
	}
}
