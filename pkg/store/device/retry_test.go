package device_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device"
	"github.com/marmos91/dittoblk/pkg/store/device/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	retries  atomic.Int64
	degraded atomic.Bool
}

func (m *countingMetrics) ObserveRetry(string) { m.retries.Add(1) }
func (m *countingMetrics) SetDegraded(d bool)  { m.degraded.Store(d) }

func newRetrying(t *testing.T, attempts int) (*device.Retrying, *memory.Device, *countingMetrics) {
	t.Helper()
	mem, err := memory.New(context.Background(), 512, 16)
	require.NoError(t, err)
	m := &countingMetrics{}
	r := device.NewRetrying(mem, device.RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, m)
	return r, mem, m
}

func TestRetryRecovers(t *testing.T) {
	r, mem, m := newRetrying(t, 4)

	mem.InjectFaults(2)
	require.NoError(t, r.WriteBlocks(context.Background(), 0, 1, make([]byte, 512)))
	assert.EqualValues(t, 2, m.retries.Load())
	assert.False(t, r.Degraded())
}

func TestRetryCeilingDegrades(t *testing.T) {
	r, mem, m := newRetrying(t, 3)

	mem.InjectFaults(10)
	err := r.ReadBlocks(context.Background(), 0, 1, make([]byte, 512))
	assert.ErrorIs(t, err, store.ErrIO)
	assert.True(t, r.Degraded())
	assert.True(t, m.degraded.Load())

	// Fails fast without touching the device.
	err = r.ReadBlocks(context.Background(), 0, 1, make([]byte, 512))
	assert.ErrorIs(t, err, store.ErrDegraded)

	mem.InjectFaults(0)
	r.Reset()
	assert.False(t, r.Degraded())
	assert.NoError(t, r.ReadBlocks(context.Background(), 0, 1, make([]byte, 512)))
}

func TestRetrySkipsContractErrors(t *testing.T) {
	r, _, m := newRetrying(t, 5)

	err := r.WriteBlocks(context.Background(), 100, 1, make([]byte, 512))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	assert.Zero(t, m.retries.Load())
	assert.False(t, r.Degraded())
}

func TestParseFamily(t *testing.T) {
	f, err := device.ParseFamily("NVMe")
	require.NoError(t, err)
	assert.Equal(t, device.FamilyNVMe, f)

	_, err = device.ParseFamily("floppy")
	assert.Error(t, err)
}
