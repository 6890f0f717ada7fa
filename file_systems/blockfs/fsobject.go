package blockfs

import (
	"fmt"
	"io"
	"time"

	sbfs "github.com/dargueta/sbfs"
)

// InodePosition locates a disk inode inside the inode area: the block
// that holds it, and the byte offset of the record within that block.
type InodePosition struct {
	BlockID uint32
	Offset  uint32
}

// FileSystem is the L6 object: it owns the block device, the superblock,
// and both bitmap descriptors. It creates and opens images, allocates and
// frees inodes and data blocks, and maps inode ids to/from positions.
type FileSystem struct {
	Dev         *Device
	Super       SuperBlock
	InodeBitmap Bitmap
	DataBitmap  Bitmap
}

// CreateOptions configures a fresh image.
type CreateOptions struct {
	BlockSize         uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	CacheBlocks       uint
	Now               time.Time
}

// Create lays out a brand-new image on `image`:
// superblock, both bitmaps, the inode area, and a root directory
// containing "." and "..".
func Create(image io.ReadWriteSeeker, opts CreateOptions) (*FileSystem, error) {
	if opts.BlockSize == 0 || opts.BlockSize&(opts.BlockSize-1) != 0 || opts.BlockSize < 512 {
		return nil, fmt.Errorf("%w: block size must be a power of two >= 512, got %d", ErrOutOfRange, opts.BlockSize)
	}

	// The inode area holds one packed inode per inode-bitmap bit:
	// inode_bitmap_blocks * block_size * 8 slots, rounded up to whole
	// blocks of inodes_per_block.
	inodesPerBlock := uint64(opts.BlockSize / DiskInodeSize)
	inodeSlots := uint64(opts.InodeBitmapBlocks) * uint64(opts.BlockSize) * 8
	inodeAreaBlocks := uint32((inodeSlots + inodesPerBlock - 1) / inodesPerBlock)

	used := uint64(1) + uint64(opts.InodeBitmapBlocks) + uint64(inodeAreaBlocks)
	if used >= uint64(opts.TotalBlocks) {
		return nil, fmt.Errorf("%w: total_blocks %d too small for requested inode area", ErrOutOfRange, opts.TotalBlocks)
	}
	remaining := uint64(opts.TotalBlocks) - used

	dataBitmapBlocks := remaining / (1 + 8*uint64(opts.BlockSize))
	dataAreaBlocks := dataBitmapBlocks * 8 * uint64(opts.BlockSize)
	if dataBitmapBlocks == 0 || dataAreaBlocks == 0 {
		return nil, fmt.Errorf("%w: total_blocks %d leaves no room for data", ErrOutOfRange, opts.TotalBlocks)
	}

	super := SuperBlock{
		Magic:             Magic,
		BlockSize:         opts.BlockSize,
		TotalBlocks:       opts.TotalBlocks,
		InodeBitmapBlocks: opts.InodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  uint32(dataBitmapBlocks),
		DataAreaBlocks:    uint32(dataAreaBlocks),
	}

	cacheBlocks := opts.CacheBlocks
	if cacheBlocks == 0 {
		cacheBlocks = 256
	}
	dev := NewDevice(image, opts.BlockSize, opts.TotalBlocks, cacheBlocks)

	fs := &FileSystem{
		Dev:   dev,
		Super: super,
		InodeBitmap: Bitmap{
			StartBlock:  1,
			NumBlocks:   opts.InodeBitmapBlocks,
			SegmentBase: 0,
			BlockSize:   opts.BlockSize,
		},
		DataBitmap: Bitmap{
			StartBlock:  super.DataBitmapStart(),
			NumBlocks:   uint32(dataBitmapBlocks),
			SegmentBase: super.DataAreaStart(),
			BlockSize:   opts.BlockSize,
		},
	}

	// Write a provisionally-invalid superblock first so a crash during
	// setup never presents a superblock claiming a root that isn't there
	// yet.
	if err := fs.writeSuperBlock(); err != nil {
		return nil, err
	}

	rootID, err := fs.AllocInode()
	if err != nil {
		return nil, err
	}
	if rootID != RootInodeID {
		return nil, fmt.Errorf("sbfs: first allocated inode was %d, expected root id %d", rootID, RootInodeID)
	}

	rootPos := fs.InodeIDToPos(rootID)
	rootInode := NewDiskInode(TypeDir, 0, 0, 0755, opts.Now)
	rootInode.LinkCount = 2 // "." plus the (nonexistent) parent entry; root is its own parent.

	dataBlockID, err := fs.DataBitmap.Alloc(fs.Dev)
	if err != nil {
		return nil, err
	}
	rootInode.Direct[0] = dataBlockID
	rootInode.Size = DirEntrySize * 2

	dirBlock := make([]byte, opts.BlockSize)
	if err := writeDirEntry(dirBlock, 0, DirEntry{Name: ".", InodeID: rootID}); err != nil {
		return nil, err
	}
	if err := writeDirEntry(dirBlock, 1, DirEntry{Name: "..", InodeID: rootID}); err != nil {
		return nil, err
	}
	for i := uint32(2); i < dirEntriesPerBlock(opts.BlockSize); i++ {
		if err := writeDirEntry(dirBlock, i, DirEntry{InodeID: DirEntryEmpty}); err != nil {
			return nil, err
		}
	}
	if err := fs.Dev.Write(dataBlockID, dirBlock); err != nil {
		return nil, err
	}

	if err := fs.writeDiskInode(rootPos, rootInode); err != nil {
		return nil, err
	}

	fs.Super.RootInodeBlock = rootPos.BlockID
	fs.Super.RootInodeOffset = rootPos.Offset
	if err := fs.writeSuperBlock(); err != nil {
		return nil, err
	}

	return fs, nil
}

// Open reads an existing image's superblock and rebuilds the in-memory
// bitmap descriptors.
func Open(image io.ReadWriteSeeker, totalBlocks uint32, blockSize uint32, cacheBlocks uint) (*FileSystem, error) {
	if cacheBlocks == 0 {
		cacheBlocks = 256
	}
	dev := NewDevice(image, blockSize, totalBlocks, cacheBlocks)

	buf := make([]byte, blockSize)
	if err := dev.Read(0, buf); err != nil {
		return nil, fmt.Errorf("sbfs: reading superblock: %w", err)
	}

	var super SuperBlock
	if err := super.UnmarshalBlock(buf); err != nil {
		return nil, err
	}
	if !super.IsValid() {
		return nil, ErrBadMagic
	}

	fs := &FileSystem{
		Dev:   dev,
		Super: super,
		InodeBitmap: Bitmap{
			StartBlock:  1,
			NumBlocks:   super.InodeBitmapBlocks,
			SegmentBase: 0,
			BlockSize:   blockSize,
		},
		DataBitmap: Bitmap{
			StartBlock:  super.DataBitmapStart(),
			NumBlocks:   super.DataBitmapBlocks,
			SegmentBase: super.DataAreaStart(),
			BlockSize:   blockSize,
		},
	}
	return fs, nil
}

func (fs *FileSystem) writeSuperBlock() error {
	buf := make([]byte, fs.Super.BlockSize)
	if err := fs.Super.MarshalBlock(buf); err != nil {
		return err
	}
	return fs.Dev.Write(0, buf)
}

// Root returns an Inode handle for the root directory.
func (fs *FileSystem) Root() Inode {
	return Inode{Pos: InodePosition{BlockID: fs.Super.RootInodeBlock, Offset: fs.Super.RootInodeOffset}, FS: fs}
}

// InodeIDToPos converts a dense inode id into its on-disk position.
func (fs *FileSystem) InodeIDToPos(id uint32) InodePosition {
	ipb := fs.Super.InodesPerBlock()
	return InodePosition{
		BlockID: fs.Super.InodeAreaStart() + id/ipb,
		Offset:  (id % ipb) * DiskInodeSize,
	}
}

// PosToInodeID is the inverse of InodeIDToPos.
func (fs *FileSystem) PosToInodeID(pos InodePosition) uint32 {
	ipb := fs.Super.InodesPerBlock()
	return (pos.BlockID-fs.Super.InodeAreaStart())*ipb + pos.Offset/DiskInodeSize
}

// AllocInode reserves the lowest free inode id and returns it.
func (fs *FileSystem) AllocInode() (uint32, error) {
	return fs.InodeBitmap.Alloc(fs.Dev)
}

// FreeInode releases an inode id back to the bitmap.
func (fs *FileSystem) FreeInode(id uint32) error {
	return fs.InodeBitmap.Free(fs.Dev, id)
}

// AllocData reserves the lowest free data block and returns its absolute
// block id.
func (fs *FileSystem) AllocData() (uint32, error) {
	return fs.DataBitmap.Alloc(fs.Dev)
}

// FreeData releases a data block id back to the bitmap.
func (fs *FileSystem) FreeData(id uint32) error {
	return fs.DataBitmap.Free(fs.Dev, id)
}

// Statfs reports aggregate occupancy, walking both bitmaps. It is O(total
// blocks / 64) — acceptable for the statfs downcall, which is not
// expected to be hot.
func (fs *FileSystem) Statfs() (sbfs.FSStat, error) {
	freeData, err := countFreeBits(fs.Dev, &fs.DataBitmap)
	if err != nil {
		return sbfs.FSStat{}, err
	}
	freeInodes, err := countFreeBits(fs.Dev, &fs.InodeBitmap)
	if err != nil {
		return sbfs.FSStat{}, err
	}
	return sbfs.FSStat{
		BlockSize:       int64(fs.Super.BlockSize),
		TotalBlocks:     uint64(fs.Super.DataAreaBlocks),
		BlocksFree:      freeData,
		BlocksAvailable: freeData,
		Files:           uint64(fs.InodeBitmap.Capacity()) - freeInodes,
		FilesFree:       freeInodes,
		MaxNameLength:   MaxDirNameLen,
	}, nil
}

func countFreeBits(dev *Device, bm *Bitmap) (uint64, error) {
	buf := make([]byte, bm.BlockSize)
	var free uint64
	for i := uint32(0); i < bm.NumBlocks; i++ {
		if err := dev.Read(bm.StartBlock+i, buf); err != nil {
			return 0, err
		}
		for _, b := range buf {
			free += uint64(8 - popcount8(b))
		}
	}
	return free, nil
}

func popcount8(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

func (fs *FileSystem) readDiskInode(pos InodePosition) (*DiskInode, error) {
	buf := make([]byte, fs.Super.BlockSize)
	if err := fs.Dev.Read(pos.BlockID, buf); err != nil {
		return nil, err
	}
	di := &DiskInode{}
	if err := di.UnmarshalBlock(buf[pos.Offset : pos.Offset+DiskInodeSize]); err != nil {
		return nil, err
	}
	return di, nil
}

func (fs *FileSystem) writeDiskInode(pos InodePosition, di *DiskInode) error {
	buf := make([]byte, fs.Super.BlockSize)
	if err := fs.Dev.Read(pos.BlockID, buf); err != nil {
		return err
	}
	if err := di.MarshalBlock(buf[pos.Offset : pos.Offset+DiskInodeSize]); err != nil {
		return err
	}
	return fs.Dev.Write(pos.BlockID, buf)
}

func writeDirEntry(block []byte, slot uint32, entry DirEntry) error {
	start := slot * DirEntrySize
	return entry.MarshalBlock(block[start : start+DirEntrySize])
}
