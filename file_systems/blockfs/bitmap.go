package blockfs

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// wordsPerBlock is the number of 64-bit scan words in one disk block.
func wordsPerBlock(blockSize uint32) uint32 {
	return blockSize / 8
}

// Bitmap is the in-memory descriptor for one on-disk bitmap segment: either
// the inode bitmap or the data bitmap. It holds no bits itself — the bits
// live on disk and are read/written a block at a time through a Device.
// Bit i of the bitmap corresponds to allocatable unit SegmentBase+i.
type Bitmap struct {
	StartBlock  uint32 // first block of the bitmap on disk
	NumBlocks   uint32 // number of blocks making up the bitmap
	SegmentBase uint32 // absolute id of the unit represented by bit 0
	BlockSize   uint32
}

// Capacity returns the number of bits (allocatable units) this bitmap
// segment covers.
func (b *Bitmap) Capacity() uint64 {
	return uint64(b.NumBlocks) * uint64(b.BlockSize) * 8
}

// Alloc scans the bitmap in block order, then 64-bit-word order within each
// block, for the lowest-index clear bit. On success it sets that bit,
// writes the owning block back through dev, and returns
// SegmentBase+bit_index. On exhaustion it returns ErrAllocFailed.
//
// Tie-break is strictly "first free bit in scan order": freed low ids are
// reused before any higher one, keeping allocations compact.
func (b *Bitmap) Alloc(dev *Device) (uint32, error) {
	buf := make([]byte, b.BlockSize)
	wpb := wordsPerBlock(b.BlockSize)

	for blockIdx := uint32(0); blockIdx < b.NumBlocks; blockIdx++ {
		if err := dev.Read(b.StartBlock+blockIdx, buf); err != nil {
			return 0, fmt.Errorf("bitmap alloc: reading block %d: %w", blockIdx, err)
		}

		for wordIdx := uint32(0); wordIdx < wpb; wordIdx++ {
			word := binary.LittleEndian.Uint64(buf[wordIdx*8 : wordIdx*8+8])
			if word == ^uint64(0) {
				continue // word fully allocated
			}

			bitIdx := bits.TrailingZeros64(^word)
			word |= uint64(1) << uint(bitIdx)
			binary.LittleEndian.PutUint64(buf[wordIdx*8:wordIdx*8+8], word)

			if err := dev.Write(b.StartBlock+blockIdx, buf); err != nil {
				return 0, fmt.Errorf("bitmap alloc: writing block %d: %w", blockIdx, err)
			}

			absolute := blockIdx*(b.BlockSize*8) + wordIdx*64 + uint32(bitIdx)
			return b.SegmentBase + absolute, nil
		}
	}

	return 0, ErrAllocFailed
}

// Free clears the bit corresponding to absoluteID and writes the owning
// block back through dev. absoluteID must lie within [SegmentBase,
// SegmentBase+Capacity()).
func (b *Bitmap) Free(dev *Device, absoluteID uint32) error {
	if absoluteID < b.SegmentBase || uint64(absoluteID-b.SegmentBase) >= b.Capacity() {
		return fmt.Errorf("%w: id %d not in bitmap range [%d, %d)", ErrOutOfRange,
			absoluteID, b.SegmentBase, uint64(b.SegmentBase)+b.Capacity())
	}

	relative := absoluteID - b.SegmentBase
	bitsPerBlock := b.BlockSize * 8
	blockIdx := relative / bitsPerBlock
	bitInBlock := relative % bitsPerBlock
	wordIdx := bitInBlock / 64
	bitInWord := bitInBlock % 64

	buf := make([]byte, b.BlockSize)
	if err := dev.Read(b.StartBlock+blockIdx, buf); err != nil {
		return fmt.Errorf("bitmap free: reading block %d: %w", blockIdx, err)
	}

	word := binary.LittleEndian.Uint64(buf[wordIdx*8 : wordIdx*8+8])
	word &^= uint64(1) << bitInWord
	binary.LittleEndian.PutUint64(buf[wordIdx*8:wordIdx*8+8], word)

	if err := dev.Write(b.StartBlock+blockIdx, buf); err != nil {
		return fmt.Errorf("bitmap free: writing block %d: %w", blockIdx, err)
	}
	return nil
}
