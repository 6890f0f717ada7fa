package blockfs

import "errors"

// Internal sentinels. Every L0-L4 operation returns a plain Go error; a
// non-nil return IS the "fail" half of the internal two-valued
// result. These are wrapped with %w so errors.Is still works after a
// caller adds context.
var (
	ErrCacheMiss     = errors.New("sbfs: block not present in cache")
	ErrOutOfRange    = errors.New("sbfs: block id out of range")
	ErrAllocFailed   = errors.New("sbfs: no free bit available")
	ErrNotCached     = errors.New("sbfs: block id not cached")
	ErrNotDirectory  = errors.New("sbfs: inode is not a directory")
	ErrIsDirectory   = errors.New("sbfs: inode is a directory")
	ErrEntryNotFound = errors.New("sbfs: no directory entry with that name")
	ErrEntryExists   = errors.New("sbfs: directory entry already exists")
	ErrNotEmpty      = errors.New("sbfs: directory is not empty")
	ErrTooLarge      = errors.New("sbfs: size exceeds MaxFileSize")
	ErrBadMagic      = errors.New("sbfs: superblock magic mismatch")
	ErrNameTooLong   = errors.New("sbfs: directory entry name too long")
	ErrInvalidPath   = errors.New("sbfs: path is empty or not absolute")
)
