package blockfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalBlocksForSize_Thresholds(t *testing.T) {
	const blockSize = 64 // PtrsPerBlock = 16
	ppb := uint64(PtrsPerBlock(blockSize))

	cases := []struct {
		blocks uint64
		want   uint64
	}{
		{0, 0},
		{1, 1},
		{DirectCount, DirectCount},
		{DirectCount + 1, DirectCount + 1 + 1},       // first indirect-1 pointer, +1 for the index block
		{DirectCount + ppb, DirectCount + ppb + 1},   // last indirect-1 pointer
		{DirectCount + ppb + 1, DirectCount + ppb + 1 + 3}, // first indirect-2 pointer: +1 idx1 +1 idx2 +1 chunk
	}
	for _, c := range cases {
		size := c.blocks * blockSize
		got := totalBlocksForSize(size, blockSize)
		assert.Equal(t, c.want, got, "blocks=%d", c.blocks)
	}
}

func TestResize_GrowThenShrinkToZeroConservesAllocations(t *testing.T) {
	const blockSize = 64
	dev := newTestDevice(t, blockSize, 4096)
	bm := Bitmap{StartBlock: 0, NumBlocks: 2, SegmentBase: 0, BlockSize: blockSize}
	now := time.Unix(1000, 0)

	di := NewDiskInode(TypeFile, 1, 1, 0644, now)

	ppb := uint64(PtrsPerBlock(blockSize))
	bigSize := (DirectCount + ppb + ppb*2 + 3) * blockSize

	require.NoError(t, di.Resize(bigSize, &bm, dev, now))
	require.NoError(t, di.Resize(0, &bm, dev, now))

	assert.Zero(t, di.Direct)
	assert.Zero(t, di.Indirect1)
	assert.Zero(t, di.Indirect2)

	// Every allocated id must have been freed: a fresh alloc of the same
	// count should return the lowest ids again.
	first, err := bm.Alloc(dev)
	require.NoError(t, err)
	assert.EqualValues(t, 0, first)
}

func TestReadWriteData_RoundTrip(t *testing.T) {
	const blockSize = 64
	dev := newTestDevice(t, blockSize, 4096)
	bm := Bitmap{StartBlock: 0, NumBlocks: 2, SegmentBase: 0, BlockSize: blockSize}
	now := time.Unix(1000, 0)

	di := NewDiskInode(TypeFile, 1, 1, 0644, now)

	ppb := uint64(PtrsPerBlock(blockSize))
	// Span direct, indirect-1, and indirect-2 regions in one write.
	payload := make([]byte, (DirectCount+ppb+3)*blockSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	n, err := di.WriteData(0, payload, &bm, dev, now)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = di.ReadData(0, out, dev, now)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestWriteData_ZerosGapOnGrow(t *testing.T) {
	const blockSize = 64
	dev := newTestDevice(t, blockSize, 64)
	bm := Bitmap{StartBlock: 0, NumBlocks: 1, SegmentBase: 0, BlockSize: blockSize}
	now := time.Unix(1000, 0)

	di := NewDiskInode(TypeFile, 1, 1, 0644, now)

	_, err := di.WriteData(200, []byte("tail"), &bm, dev, now)
	require.NoError(t, err)

	out := make([]byte, 204)
	_, err = di.ReadData(0, out, dev, now)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		assert.Zerof(t, out[i], "byte %d of the grown gap should be zero", i)
	}
	assert.Equal(t, "tail", string(out[200:204]))
}

func TestReadData_ClampsToFileSize(t *testing.T) {
	const blockSize = 64
	dev := newTestDevice(t, blockSize, 64)
	bm := Bitmap{StartBlock: 0, NumBlocks: 1, SegmentBase: 0, BlockSize: blockSize}
	now := time.Unix(1000, 0)

	di := NewDiskInode(TypeFile, 1, 1, 0644, now)
	_, err := di.WriteData(0, []byte("hello"), &bm, dev, now)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := di.ReadData(0, buf, dev, now)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf[:5]))
}
