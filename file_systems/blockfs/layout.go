// Package blockfs implements the one concrete on-disk format this
// repository supports: a block-addressed file system with a superblock,
// two bitmaps (inodes and data), a packed inode area, and
// direct/indirect-1/indirect-2 block indexing. See the package doc for the
// on-disk format this package implements.
package blockfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

const (
	// Magic identifies a valid SBFS superblock.
	Magic uint32 = 0x53424653 // "SBFS"

	// DirectCount is the number of direct block pointers carried by a disk
	// inode. Chosen, along with PtrSize, so sizeof(DiskInode) <= BlockSize
	// for the default 4096-byte block.
	DirectCount = 25

	// PtrSize is the on-disk width of a block id pointer.
	PtrSize = 4

	// MaxDirNameLen is the longest name a directory entry can hold,
	// excluding the trailing NUL.
	MaxDirNameLen = 251

	// DirEntryEmpty marks an unused DirEntry slot. Inode id 0 is reserved
	// exclusively for the root directory (an Open Question
	// resolution), so a distinct all-ones sentinel marks "no entry" instead
	// of overloading 0.
	DirEntryEmpty uint32 = 0xFFFFFFFF

	// RootInodeID is the dense integer identifying the root directory's
	// disk inode. It never changes and is never reused.
	RootInodeID uint32 = 0
)

// PtrsPerBlock returns the number of block-id pointers that fit in one
// block of size blockSize.
func PtrsPerBlock(blockSize uint32) uint32 {
	return blockSize / PtrSize
}

// MaxBlockIndex returns the number of logical (inner) block indexes
// reachable through direct + indirect-1 + indirect-2 pointers.
func MaxBlockIndex(blockSize uint32) uint64 {
	ppb := uint64(PtrsPerBlock(blockSize))
	return uint64(DirectCount) + ppb + ppb*ppb
}

// MaxFileSize returns the largest file size representable with this block
// size, capped at 2^32-1 because DiskInode.Size is a 32-bit field.
func MaxFileSize(blockSize uint32) uint64 {
	max := MaxBlockIndex(blockSize) * uint64(blockSize)
	if max > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return max
}

// SuperBlock is the single block-0 record describing the whole image's
// layout. It is written once at Create, read once at Open, and rewritten
// only when the root inode's position changes.
type SuperBlock struct {
	Magic             uint32
	BlockSize         uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
	RootInodeBlock    uint32 // block id holding the root disk inode
	RootInodeOffset   uint32 // byte offset of the root disk inode in that block
}

// IsValid reports whether the superblock's magic and block-count partition
// are self-consistent.
func (sb *SuperBlock) IsValid() bool {
	if sb.Magic != Magic {
		return false
	}
	used := uint64(1) + uint64(sb.InodeBitmapBlocks) + uint64(sb.InodeAreaBlocks) +
		uint64(sb.DataBitmapBlocks) + uint64(sb.DataAreaBlocks)
	return used <= uint64(sb.TotalBlocks)
}

// InodeAreaStart is the first block id of the packed inode area.
func (sb *SuperBlock) InodeAreaStart() uint32 {
	return 1 + sb.InodeBitmapBlocks
}

// DataBitmapStart is the first block id of the data bitmap.
func (sb *SuperBlock) DataBitmapStart() uint32 {
	return sb.InodeAreaStart() + sb.InodeAreaBlocks
}

// DataAreaStart is the first block id of the data area.
func (sb *SuperBlock) DataAreaStart() uint32 {
	return sb.DataBitmapStart() + sb.DataBitmapBlocks
}

// InodesPerBlock returns how many packed DiskInode records fit in one
// block of this superblock's BlockSize.
func (sb *SuperBlock) InodesPerBlock() uint32 {
	return sb.BlockSize / DiskInodeSize
}

// MarshalBlock writes the superblock, zero-padded to BlockSize, into buf.
func (sb *SuperBlock) MarshalBlock(buf []byte) error {
	if uint32(len(buf)) != sb.BlockSize {
		return fmt.Errorf("superblock buffer must be exactly %d bytes, got %d", sb.BlockSize, len(buf))
	}
	for i := range buf {
		buf[i] = 0
	}
	w := bytewriter.New(buf)
	fields := []any{
		sb.Magic, sb.BlockSize, sb.TotalBlocks, sb.InodeBitmapBlocks,
		sb.InodeAreaBlocks, sb.DataBitmapBlocks, sb.DataAreaBlocks,
		sb.RootInodeBlock, sb.RootInodeOffset,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalBlock reads a superblock out of a raw block-0 buffer.
func (sb *SuperBlock) UnmarshalBlock(buf []byte) error {
	r := bytes.NewReader(buf)
	fields := []any{
		&sb.Magic, &sb.BlockSize, &sb.TotalBlocks, &sb.InodeBitmapBlocks,
		&sb.InodeAreaBlocks, &sb.DataBitmapBlocks, &sb.DataAreaBlocks,
		&sb.RootInodeBlock, &sb.RootInodeOffset,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}
