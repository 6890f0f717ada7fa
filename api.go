// Package sbfs is the platform-independent surface shared by the one
// concrete on-disk format this repository implements (see
// file_systems/blockfs) and anything that binds to it (see drivers/sbfs,
// cmd/sbfsutil).
package sbfs

import (
	"math"
	"os"
	"time"
)

type MountFlags int

const (
	// MountFlagsAllowRead indicates the image should be mounted with read
	// permissions.
	MountFlagsAllowRead = MountFlags(1 << iota)
	// MountFlagsAllowWrite indicates the image should be mounted with
	// write permissions. Existing files can be modified, but nothing can
	// be created or deleted.
	MountFlagsAllowWrite = MountFlags(1 << iota)
	// MountFlagsAllowInsert indicates new files and directories can be
	// created, but existing files cannot be touched unless
	// MountFlagsAllowWrite is also specified.
	MountFlagsAllowInsert = MountFlags(1 << iota)
	// MountFlagsAllowDelete indicates the image should be mounted with
	// permission to delete files and directories.
	MountFlagsAllowDelete = MountFlags(1 << iota)
	// MountFlagsAllowAdminister indicates the image should be mounted
	// with the ability to change file permissions.
	MountFlagsAllowAdminister = MountFlags(1 << iota)
	// MountFlagsPreserveTimestamps indicates that existing objects'
	// LastAccessed, LastModified, and LastChanged timestamps should not
	// be changed except by their own create/delete.
	MountFlagsPreserveTimestamps = MountFlags(1 << iota)
	// MountFlagsCustomStart is the lowest bit flag not defined by this
	// package; bits at or above it are free for callers to use.
	MountFlagsCustomStart = MountFlags(1 << iota)
)

func (flags MountFlags) CanRead() bool {
	return flags&MountFlagsAllowRead != 0
}

func (flags MountFlags) CanWrite() bool {
	return flags&MountFlagsAllowWrite != 0
}

func (flags MountFlags) CanDelete() bool {
	return flags&MountFlagsAllowDelete != 0
}

const MountFlagsAllowReadWrite = MountFlagsAllowRead | MountFlagsAllowWrite
const MountFlagsAllowAll = (MountFlagsAllowRead |
	MountFlagsAllowWrite |
	MountFlagsAllowInsert |
	MountFlagsAllowDelete |
	MountFlagsAllowAdminister)
const MountFlagsMask = MountFlagsCustomStart - 1

// FileStat is a platform-independent form of [syscall.Stat_t].
type FileStat struct {
	InodeNumber  uint64
	Nlinks       uint64
	ModeFlags    os.FileMode
	Uid          uint32
	Gid          uint32
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	CreatedAt    time.Time
	LastChanged  time.Time
	LastAccessed time.Time
	LastModified time.Time
}

func (stat *FileStat) IsDir() bool {
	return stat.ModeFlags.IsDir()
}

func (stat *FileStat) IsFile() bool {
	return stat.ModeFlags.IsRegular()
}

// FSStat is a platform-independent form of [syscall.Statfs_t].
type FSStat struct {
	// BlockSize is the size of a logical block on the file system, in bytes.
	BlockSize int64
	// TotalBlocks is the total number of blocks in the data area.
	TotalBlocks uint64
	// BlocksFree is the number of unallocated data blocks.
	BlocksFree uint64
	// BlocksAvailable is the number of blocks available for use by user
	// data. Always <= BlocksFree for this file system (there is no
	// reserved-for-root slush).
	BlocksAvailable uint64
	// Files is the number of inodes currently in use.
	Files uint64
	// FilesFree is the number of unallocated inodes.
	FilesFree uint64
	// MaxNameLength is the longest possible name for a directory entry,
	// in bytes.
	MaxNameLength int64
}

// UndefinedTimestamp is a timestamp used as an invalid value, like nil
// for pointers, for fields this file system doesn't track (e.g. birth
// time).
var UndefinedTimestamp = time.UnixMicro(math.MaxInt64)

// FSFeatures describes the features a file system format supports.
type FSFeatures interface {
	HasDirectories() bool
	HasHardLinks() bool
	HasAccessedTime() bool
	HasModifiedTime() bool
	HasChangedTime() bool
	HasUnixPermissions() bool
	HasUserID() bool
	HasGroupID() bool

	// TimestampEpoch returns the earliest representable timestamp on this
	// file system.
	TimestampEpoch() time.Time

	// DefaultBlockSize gives the default size of a single block, in bytes.
	DefaultBlockSize() int
}
