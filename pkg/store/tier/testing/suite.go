// Package testing provides a reusable contract test suite for tier.Store
// implementations.
package testing

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the tier.Store contract, not implementation details,
// so it runs unchanged against the memory, filesystem and badger stores.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &tiertesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) tier.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) tier.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("PutGet", suite.testPutGet)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("Delete", suite.testDelete)
	t.Run("Stats", suite.testStats)
	t.Run("BufferOwnership", suite.testBufferOwnership)
	t.Run("Concurrent", suite.testConcurrent)
	t.Run("Closed", suite.testClosed)
}

func (suite *StoreTestSuite) newStore(t *testing.T) tier.Store {
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func payload(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func (suite *StoreTestSuite) testGetNotFound(t *testing.T) {
	s := suite.newStore(t)

	_, err := s.Get(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, 1, payload(0xAB, 4096)))
	require.NoError(t, s.Put(ctx, ^uint64(0), payload(0xCD, 32)))

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, payload(0xAB, 4096), got)

	got, err = s.Get(ctx, ^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, payload(0xCD, 32), got)
}

func (suite *StoreTestSuite) testOverwrite(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, 7, payload(1, 100)))
	require.NoError(t, s.Put(ctx, 7, payload(2, 50)))

	got, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, payload(2, 50), got)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Entries)
	assert.EqualValues(t, 50, st.Bytes)
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, 3, payload(3, 10)))
	require.NoError(t, s.Delete(ctx, 3))
	require.NoError(t, s.Delete(ctx, 3), "delete must be idempotent")

	_, err := s.Get(ctx, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func (suite *StoreTestSuite) testStats(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, s.Put(ctx, i, payload(byte(i), 100)))
	}
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, st.Entries)
	assert.EqualValues(t, 1000, st.Bytes)
}

func (suite *StoreTestSuite) testBufferOwnership(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()

	buf := payload(0x11, 16)
	require.NoError(t, s.Put(ctx, 5, buf))
	buf[0] = 0xFF

	got, err := s.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), got[0])

	got[1] = 0xFF
	again, err := s.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, payload(0x11, 16), again)
}

func (suite *StoreTestSuite) testConcurrent(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(key uint64) {
			defer wg.Done()
			data := payload(byte(key), 512)
			if err := s.Put(ctx, key, data); err != nil {
				t.Errorf("put %d: %v", key, err)
				return
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Errorf("get %d: %v", key, err)
				return
			}
			if !bytes.Equal(got, data) {
				t.Errorf("key %d: payload mismatch (%d bytes)", key, len(got))
			}
		}(uint64(i))
	}
	wg.Wait()
}

func (suite *StoreTestSuite) testClosed(t *testing.T) {
	s := suite.NewStore(t)
	require.NoError(t, s.Close())

	err := s.Put(context.Background(), 1, payload(1, 1))
	assert.ErrorIs(t, err, store.ErrClosed)
}
