// Package testing provides a reusable contract test suite for block devices.
package testing

import (
	"bytes"
	"context"
	"testing"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DeviceTestSuite tests the Device contract, not implementation details, so
// it runs unchanged against the memory, file and s3 devices.
//
// Usage:
//
//	func TestMyDevice(t *testing.T) {
//	    suite := &devicetesting.DeviceTestSuite{
//	        NewDevice: func(t *testing.T) device.Device {
//	            return mydevice.New(...)
//	        },
//	    }
//	    suite.Run(t)
//	}
type DeviceTestSuite struct {
	// NewDevice creates a fresh device with at least 16 blocks for each test.
	NewDevice func(t *testing.T) device.Device
}

// Run executes all tests in the suite.
func (suite *DeviceTestSuite) Run(t *testing.T) {
	t.Run("ReadUnwritten", suite.testReadUnwritten)
	t.Run("WriteRead", suite.testWriteRead)
	t.Run("MultiBlock", suite.testMultiBlock)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("OutOfRange", suite.testOutOfRange)
	t.Run("BufferSize", suite.testBufferSize)
	t.Run("Flush", suite.testFlush)
}

func testContext() context.Context {
	return context.Background()
}

func pattern(size int, b byte) []byte {
	return bytes.Repeat([]byte{b}, size)
}

func (suite *DeviceTestSuite) testReadUnwritten(t *testing.T) {
	dev := suite.NewDevice(t)
	bs := dev.Info().BlockSize

	buf := pattern(bs, 0xFF)
	require.NoError(t, dev.ReadBlocks(testContext(), 3, 1, buf))
	assert.Equal(t, make([]byte, bs), buf)
}

func (suite *DeviceTestSuite) testWriteRead(t *testing.T) {
	dev := suite.NewDevice(t)
	bs := dev.Info().BlockSize

	data := pattern(bs, 0xAB)
	require.NoError(t, dev.WriteBlocks(testContext(), 5, 1, data))

	// Mutating the source buffer must not affect stored data.
	data[0] = 0x00

	got := make([]byte, bs)
	require.NoError(t, dev.ReadBlocks(testContext(), 5, 1, got))
	assert.Equal(t, pattern(bs, 0xAB), got)
}

func (suite *DeviceTestSuite) testMultiBlock(t *testing.T) {
	dev := suite.NewDevice(t)
	bs := dev.Info().BlockSize

	data := append(pattern(bs, 0x01), append(pattern(bs, 0x02), pattern(bs, 0x03)...)...)
	require.NoError(t, dev.WriteBlocks(testContext(), 8, 3, data))

	got := make([]byte, bs)
	require.NoError(t, dev.ReadBlocks(testContext(), 9, 1, got))
	assert.Equal(t, pattern(bs, 0x02), got)

	all := make([]byte, 3*bs)
	require.NoError(t, dev.ReadBlocks(testContext(), 8, 3, all))
	assert.Equal(t, data, all)
}

func (suite *DeviceTestSuite) testOverwrite(t *testing.T) {
	dev := suite.NewDevice(t)
	bs := dev.Info().BlockSize

	require.NoError(t, dev.WriteBlocks(testContext(), 0, 1, pattern(bs, 0x11)))
	require.NoError(t, dev.WriteBlocks(testContext(), 0, 1, pattern(bs, 0x22)))

	got := make([]byte, bs)
	require.NoError(t, dev.ReadBlocks(testContext(), 0, 1, got))
	assert.Equal(t, pattern(bs, 0x22), got)
}

func (suite *DeviceTestSuite) testOutOfRange(t *testing.T) {
	dev := suite.NewDevice(t)
	info := dev.Info()

	err := dev.WriteBlocks(testContext(), info.Blocks, 1, pattern(info.BlockSize, 0x01))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	err = dev.ReadBlocks(testContext(), info.Blocks-1, 2, make([]byte, 2*info.BlockSize))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func (suite *DeviceTestSuite) testBufferSize(t *testing.T) {
	dev := suite.NewDevice(t)
	bs := dev.Info().BlockSize

	err := dev.WriteBlocks(testContext(), 0, 1, make([]byte, bs-1))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func (suite *DeviceTestSuite) testFlush(t *testing.T) {
	dev := suite.NewDevice(t)
	bs := dev.Info().BlockSize

	require.NoError(t, dev.WriteBlocks(testContext(), 1, 1, pattern(bs, 0x7F)))
	assert.NoError(t, dev.Flush(testContext()))
}
