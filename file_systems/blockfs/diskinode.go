package blockfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/noxer/bytewriter"
)

// Inode type tags. 0 is reserved to mean "never initialized" so a zeroed
// disk inode record is never mistaken for a live file or directory.
const (
	TypeInvalid uint8 = 0
	TypeFile    uint8 = 1
	TypeDir     uint8 = 2
)

// DiskInodeSize is the fixed on-disk width of one packed DiskInode record.
const DiskInodeSize = 4 + 8*3 + 4 + 4 + 4 + 4 + 1 + DirectCount*4 + 4 + 4

// DiskInode is the fixed-size on-disk record backing one file or
// directory: size, timestamps, ownership, link count, type, and the
// direct/indirect-1/indirect-2 block pointers that translate a
// file-relative byte offset into a physical block id.
type DiskInode struct {
	Size      uint32
	Atime     int64
	Mtime     int64
	Ctime     int64
	Uid       uint32
	Gid       uint32
	LinkCount uint32
	Mode      uint32 // permission bits only; type lives in Type
	Type      uint8
	Direct    [DirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
}

// NewDiskInode builds a fresh inode of the given type with LinkCount 1.
// Directories get their LinkCount bumped to 2 by the inode facade's
// Create, once their "." entry exists.
func NewDiskInode(inodeType uint8, uid, gid uint32, mode uint32, now time.Time) *DiskInode {
	return &DiskInode{
		Atime:     now.Unix(),
		Mtime:     now.Unix(),
		Ctime:     now.Unix(),
		Uid:       uid,
		Gid:       gid,
		LinkCount: 1,
		Mode:      mode,
		Type:      inodeType,
	}
}

// Touch updates whichever of atime/mtime/ctime the caller requests. The
// core never reads the wall clock itself: callers, including tests,
// always supply `now`.
func (di *DiskInode) Touch(access, modify, change bool, now time.Time) {
	if access {
		di.Atime = now.Unix()
	}
	if modify {
		di.Mtime = now.Unix()
	}
	if change {
		di.Ctime = now.Unix()
	}
}

// MarshalBlock writes the inode into a DiskInodeSize-byte buffer.
func (di *DiskInode) MarshalBlock(buf []byte) error {
	if len(buf) != DiskInodeSize {
		return fmt.Errorf("disk inode buffer must be %d bytes, got %d", DiskInodeSize, len(buf))
	}
	w := bytewriter.New(buf)
	fields := []any{
		di.Size, di.Atime, di.Mtime, di.Ctime, di.Uid, di.Gid, di.LinkCount,
		di.Mode, di.Type, di.Direct, di.Indirect1, di.Indirect2,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalBlock reads an inode out of a DiskInodeSize-byte buffer.
func (di *DiskInode) UnmarshalBlock(buf []byte) error {
	if len(buf) != DiskInodeSize {
		return fmt.Errorf("disk inode buffer must be %d bytes, got %d", DiskInodeSize, len(buf))
	}
	r := bytes.NewReader(buf)
	fields := []any{
		&di.Size, &di.Atime, &di.Mtime, &di.Ctime, &di.Uid, &di.Gid, &di.LinkCount,
		&di.Mode, &di.Type, &di.Direct, &di.Indirect1, &di.Indirect2,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// dataBlocksForSize returns ceil(size/blockSize), the number of data
// blocks needed to hold `size` bytes.
func dataBlocksForSize(size uint64, blockSize uint32) uint64 {
	return (size + uint64(blockSize) - 1) / uint64(blockSize)
}

// totalBlocksForSize returns the total number of disk blocks a file of
// `size` bytes consumes, including index blocks.
func totalBlocksForSize(size uint64, blockSize uint32) uint64 {
	d := dataBlocksForSize(size, blockSize)
	ppb := uint64(PtrsPerBlock(blockSize))

	if d <= DirectCount {
		return d
	}
	if d <= DirectCount+ppb {
		return d + 1
	}
	secondLevel := (d - DirectCount - ppb + ppb - 1) / ppb
	return d + 1 /*indirect1*/ + 1 /*indirect2*/ + secondLevel
}

// BlockID resolves the physical block id backing logical (inner) block
// innerID of this file.
func (di *DiskInode) BlockID(innerID uint64, dev *Device) (uint32, error) {
	ppb := uint64(PtrsPerBlock(dev.BlockSize()))
	maxIdx := MaxBlockIndex(dev.BlockSize())

	if innerID >= maxIdx {
		return 0, fmt.Errorf("%w: inner id %d >= max %d", ErrOutOfRange, innerID, maxIdx)
	}

	if innerID < DirectCount {
		return di.Direct[innerID], nil
	}

	if innerID < DirectCount+ppb {
		if di.Indirect1 == 0 {
			return 0, nil
		}
		entries, err := readU32Block(dev, di.Indirect1, uint32(ppb))
		if err != nil {
			return 0, err
		}
		return entries[innerID-DirectCount], nil
	}

	j := innerID - DirectCount - ppb
	if di.Indirect2 == 0 {
		return 0, nil
	}
	l2, err := readU32Block(dev, di.Indirect2, uint32(ppb))
	if err != nil {
		return 0, err
	}
	chunkID := l2[j/ppb]
	if chunkID == 0 {
		return 0, nil
	}
	l1, err := readU32Block(dev, chunkID, uint32(ppb))
	if err != nil {
		return 0, err
	}
	return l1[j%ppb], nil
}

func readU32Block(dev *Device, blockID uint32, count uint32) ([]uint32, error) {
	raw := make([]byte, dev.BlockSize())
	if err := dev.Read(blockID, raw); err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	r := bytes.NewReader(raw)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeU32Block(dev *Device, blockID uint32, entries []uint32) error {
	raw := make([]byte, dev.BlockSize())
	w := bytewriter.New(raw)
	if err := binary.Write(w, binary.LittleEndian, entries); err != nil {
		return err
	}
	return dev.Write(blockID, raw)
}

// Resize changes the logical size of the file, allocating or freeing
// blocks as needed, and stamps mtime/ctime with `now`.
func (di *DiskInode) Resize(newSize uint64, bm *Bitmap, dev *Device, now time.Time) error {
	max := MaxFileSize(dev.BlockSize())
	if newSize > max {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, newSize, max)
	}

	oldSize := uint64(di.Size)
	oldBlocks := dataBlocksForSize(oldSize, dev.BlockSize())
	newBlocks := dataBlocksForSize(newSize, dev.BlockSize())

	di.Size = uint32(newSize)
	di.Touch(false, true, true, now)

	if newBlocks == oldBlocks {
		return nil
	}
	if newBlocks > oldBlocks {
		return di.grow(oldBlocks, newBlocks, bm, dev)
	}
	return di.shrink(oldBlocks, newBlocks, bm, dev)
}

// Clear truncates the file to zero length, freeing every block it owns.
func (di *DiskInode) Clear(bm *Bitmap, dev *Device, now time.Time) error {
	return di.Resize(0, bm, dev, now)
}

// grow allocates data blocks (and whatever index blocks are needed) to
// extend a file from oldBlocks to newBlocks data blocks, in the three
// phases: direct, indirect-1, indirect-2.
func (di *DiskInode) grow(oldBlocks, newBlocks uint64, bm *Bitmap, dev *Device) error {
	ppb := uint64(PtrsPerBlock(dev.BlockSize()))

	// Phase 1: direct pointers.
	directHi := minU64(newBlocks, DirectCount)
	for i := oldBlocks; i < directHi; i++ {
		id, err := bm.Alloc(dev)
		if err != nil {
			return err
		}
		di.Direct[i] = id
	}

	// Phase 2: indirect-1.
	if newBlocks > DirectCount {
		lo := maxU64(oldBlocks, DirectCount)
		hi := minU64(newBlocks, DirectCount+ppb)
		if lo < hi {
			if di.Indirect1 == 0 {
				id, err := bm.Alloc(dev)
				if err != nil {
					return err
				}
				di.Indirect1 = id
			}
			entries, err := readU32Block(dev, di.Indirect1, uint32(ppb))
			if err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				id, err := bm.Alloc(dev)
				if err != nil {
					return err
				}
				entries[i-DirectCount] = id
			}
			if err := writeU32Block(dev, di.Indirect1, entries); err != nil {
				return err
			}
		}
	}

	// Phase 3: indirect-2.
	if newBlocks > DirectCount+ppb {
		lo := maxU64(oldBlocks, DirectCount+ppb)
		hi := newBlocks
		if lo < hi {
			if di.Indirect2 == 0 {
				id, err := bm.Alloc(dev)
				if err != nil {
					return err
				}
				di.Indirect2 = id
			}
			l2, err := readU32Block(dev, di.Indirect2, uint32(ppb))
			if err != nil {
				return err
			}

			jLo, jHi := lo-DirectCount-ppb, hi-DirectCount-ppb
			var curChunk uint64 = ^uint64(0)
			var l1 []uint32

			flushChunk := func() error {
				if l1 != nil {
					if err := writeU32Block(dev, l2[curChunk], l1); err != nil {
						return err
					}
				}
				return nil
			}

			for j := jLo; j < jHi; j++ {
				chunk := j / ppb
				within := j % ppb

				if chunk != curChunk {
					if err := flushChunk(); err != nil {
						return err
					}
					if l2[chunk] == 0 {
						id, err := bm.Alloc(dev)
						if err != nil {
							return err
						}
						l2[chunk] = id
						if err := writeU32Block(dev, di.Indirect2, l2); err != nil {
							return err
						}
						l1 = make([]uint32, ppb)
					} else {
						l1, err = readU32Block(dev, l2[chunk], uint32(ppb))
						if err != nil {
							return err
						}
					}
					curChunk = chunk
				}

				id, err := bm.Alloc(dev)
				if err != nil {
					return err
				}
				l1[within] = id
			}
			if err := flushChunk(); err != nil {
				return err
			}
		}
	}

	return nil
}

// shrink frees data blocks (and any index blocks left fully empty) to
// reduce a file from oldBlocks to newBlocks data blocks. All bitmap Free
// calls are collected and executed only after every modified index block
// has been written back, preserving the ordering invariant: a crash
// mid-shrink leaks space rather than double-allocating it.
func (di *DiskInode) shrink(oldBlocks, newBlocks uint64, bm *Bitmap, dev *Device) error {
	ppb := uint64(PtrsPerBlock(dev.BlockSize()))
	var toFree []uint32

	// Direct range.
	{
		lo := maxU64(newBlocks, 0)
		hi := minU64(oldBlocks, DirectCount)
		for i := lo; i < hi; i++ {
			if di.Direct[i] != 0 {
				toFree = append(toFree, di.Direct[i])
				di.Direct[i] = 0
			}
		}
	}

	// Indirect-1 range.
	if oldBlocks > DirectCount && di.Indirect1 != 0 {
		lo := maxU64(newBlocks, DirectCount)
		hi := minU64(oldBlocks, DirectCount+ppb)
		if lo < hi {
			entries, err := readU32Block(dev, di.Indirect1, uint32(ppb))
			if err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				e := i - DirectCount
				if entries[e] != 0 {
					toFree = append(toFree, entries[e])
					entries[e] = 0
				}
			}
			if newBlocks <= DirectCount {
				toFree = append(toFree, di.Indirect1)
				di.Indirect1 = 0
			} else if err := writeU32Block(dev, di.Indirect1, entries); err != nil {
				return err
			}
		}
	}

	// Indirect-2 range.
	if oldBlocks > DirectCount+ppb && di.Indirect2 != 0 {
		lo := maxU64(newBlocks, DirectCount+ppb)
		hi := oldBlocks
		if lo < hi {
			l2, err := readU32Block(dev, di.Indirect2, uint32(ppb))
			if err != nil {
				return err
			}

			jLo, jHi := lo-DirectCount-ppb, hi-DirectCount-ppb
			chunkLo := jLo / ppb
			chunkHi := (jHi - 1) / ppb

			l2Dirty := false
			for chunk := chunkLo; chunk <= chunkHi; chunk++ {
				if l2[chunk] == 0 {
					continue
				}
				l1, err := readU32Block(dev, l2[chunk], uint32(ppb))
				if err != nil {
					return err
				}

				withinLo := uint64(0)
				if chunk == chunkLo {
					withinLo = jLo - chunk*ppb
				}
				withinHi := ppb
				if chunk == chunkHi {
					withinHi = jHi - chunk*ppb
				}
				for w := withinLo; w < withinHi; w++ {
					if l1[w] != 0 {
						toFree = append(toFree, l1[w])
						l1[w] = 0
					}
				}

				stillLive := false
				for _, v := range l1 {
					if v != 0 {
						stillLive = true
						break
					}
				}
				if stillLive {
					if err := writeU32Block(dev, l2[chunk], l1); err != nil {
						return err
					}
				} else {
					toFree = append(toFree, l2[chunk])
					l2[chunk] = 0
					l2Dirty = true
				}
			}

			if newBlocks <= DirectCount+ppb {
				toFree = append(toFree, di.Indirect2)
				di.Indirect2 = 0
			} else if l2Dirty {
				if err := writeU32Block(dev, di.Indirect2, l2); err != nil {
					return err
				}
			}
		}
	}

	for _, id := range toFree {
		if err := bm.Free(dev, id); err != nil {
			return err
		}
	}
	return nil
}

// ReadData fills buf with up to len(buf) bytes starting at offset,
// clamped to the file's current size, and stamps atime. It returns the
// number of bytes actually copied.
func (di *DiskInode) ReadData(offset uint64, buf []byte, dev *Device, now time.Time) (int, error) {
	if offset > uint64(di.Size) {
		return 0, fmt.Errorf("%w: offset %d beyond size %d", ErrOutOfRange, offset, di.Size)
	}
	length := uint64(len(buf))
	if offset+length > uint64(di.Size) {
		length = uint64(di.Size) - offset
	}
	if length == 0 {
		return 0, nil
	}

	n, err := di.transferBlocks(offset, buf[:length], dev, false)
	if err != nil {
		return n, err
	}
	di.Touch(true, false, false, now)
	return n, nil
}

// WriteData writes len(buf) bytes at offset, read-modify-writing partial
// edge blocks, growing the file first via bm if offset+len(buf) exceeds
// the current size (zeroing the new gap between the old EOF and offset),
// and stamps mtime/ctime.
func (di *DiskInode) WriteData(offset uint64, buf []byte, bm *Bitmap, dev *Device, now time.Time) (int, error) {
	end := offset + uint64(len(buf))
	if end > uint64(di.Size) {
		oldSize := uint64(di.Size)
		if err := di.Resize(end, bm, dev, now); err != nil {
			return 0, err
		}
		if offset > oldSize {
			if err := di.zeroRange(oldSize, offset-oldSize, dev); err != nil {
				return 0, err
			}
		}
	}

	n, err := di.transferBlocks(offset, buf, dev, true)
	if err != nil {
		return n, err
	}
	di.Touch(false, true, true, now)
	return n, nil
}

func (di *DiskInode) zeroRange(offset, length uint64, dev *Device) error {
	if length == 0 {
		return nil
	}
	zeros := make([]byte, length)
	_, err := di.transferBlocks(offset, zeros, dev, true)
	return err
}

// transferBlocks decomposes [offset, offset+len(buf)) into a first
// partial block, whole interior blocks, and a last partial block, and
// either reads each resolved physical block into buf or writes buf into
// it (read-modify-write on the partial edges, full overwrite in between).
func (di *DiskInode) transferBlocks(offset uint64, buf []byte, dev *Device, write bool) (int, error) {
	blockSize := uint64(dev.BlockSize())
	remaining := uint64(len(buf))
	pos := offset
	written := 0
	block := make([]byte, blockSize)

	for remaining > 0 {
		innerID := pos / blockSize
		blockOff := pos % blockSize
		chunk := blockSize - blockOff
		if chunk > remaining {
			chunk = remaining
		}

		physID, err := di.BlockID(innerID, dev)
		if err != nil {
			return written, err
		}

		if write {
			if chunk < blockSize {
				if physID != 0 {
					if err := dev.Read(physID, block); err != nil {
						return written, err
					}
				} else {
					for i := range block {
						block[i] = 0
					}
				}
			}
			copy(block[blockOff:blockOff+chunk], buf[written:written+int(chunk)])
			if physID == 0 {
				return written, fmt.Errorf("%w: inner block %d has no backing allocation", ErrOutOfRange, innerID)
			}
			if err := dev.Write(physID, block); err != nil {
				return written, err
			}
		} else {
			if physID == 0 {
				for i := 0; i < int(chunk); i++ {
					buf[written+i] = 0
				}
			} else {
				if err := dev.Read(physID, block); err != nil {
					return written, err
				}
				copy(buf[written:written+int(chunk)], block[blockOff:blockOff+chunk])
			}
		}

		written += int(chunk)
		pos += chunk
		remaining -= chunk
	}

	return written, nil
}

// SyncData flushes every physical data block this inode currently owns.
// If includeIndirect is set, the indirect-1 block, every live
// second-level indirect-1 block, and the indirect-2 block are synced too.
func (di *DiskInode) SyncData(dev *Device, includeIndirect bool) error {
	dataBlocks := dataBlocksForSize(uint64(di.Size), dev.BlockSize())
	for i := uint64(0); i < dataBlocks; i++ {
		id, err := di.BlockID(i, dev)
		if err != nil {
			return err
		}
		if id != 0 {
			if err := dev.Sync(id); err != nil {
				return err
			}
		}
	}

	if !includeIndirect {
		return nil
	}

	if di.Indirect1 != 0 {
		if err := dev.Sync(di.Indirect1); err != nil {
			return err
		}
	}
	if di.Indirect2 != 0 {
		ppb := uint32(PtrsPerBlock(dev.BlockSize()))
		l2, err := readU32Block(dev, di.Indirect2, ppb)
		if err != nil {
			return err
		}
		for _, chunkID := range l2 {
			if chunkID != 0 {
				if err := dev.Sync(chunkID); err != nil {
					return err
				}
			}
		}
		if err := dev.Sync(di.Indirect2); err != nil {
			return err
		}
	}
	return nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
