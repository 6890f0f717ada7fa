package blockfs

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	sbfs "github.com/dargueta/sbfs"
	"github.com/dargueta/sbfs/errno"
)

// RenameFlags carries the optional behavior modifiers for Rename.
type RenameFlags int

const (
	// RenameNoReplace fails the rename if dst already exists.
	RenameNoReplace RenameFlags = 1 << iota
	// RenameExchange atomically swaps src and dst, both of which must
	// exist. Mutually exclusive with RenameNoReplace.
	RenameExchange
)

// Volume is the downcall surface: every method an adapter (a FUSE binding,
// a network protocol handler, a CLI) calls to drive this file system.
// It owns nothing an Inode doesn't already reference — FileSystem for
// block/bitmap access, Resolver for cached path lookups — and returns
// errno.DriverError on every failure so callers never see a bare Go error.
type Volume struct {
	FS       *FileSystem
	Resolver *Resolver
}

// Mount opens an existing image and wraps it in a Volume. pathCacheBytes
// bounds the Resolver's cumulative-prefix cache; 0 picks a default.
func Mount(image io.ReadWriteSeeker, totalBlocks, blockSize uint32, cacheBlocks uint, pathCacheBytes int) (*Volume, error) {
	fs, err := Open(image, totalBlocks, blockSize, cacheBlocks)
	if err != nil {
		return nil, translateErr(err)
	}
	if pathCacheBytes <= 0 {
		pathCacheBytes = 64 * 1024
	}
	return &Volume{FS: fs, Resolver: NewResolver(fs, pathCacheBytes)}, nil
}

// Format lays out a brand-new image and wraps it in a Volume.
func Format(image io.ReadWriteSeeker, opts CreateOptions, pathCacheBytes int) (*Volume, error) {
	fs, err := Create(image, opts)
	if err != nil {
		return nil, translateErr(err)
	}
	if pathCacheBytes <= 0 {
		pathCacheBytes = 64 * 1024
	}
	return &Volume{FS: fs, Resolver: NewResolver(fs, pathCacheBytes)}, nil
}

// translateErr maps an internal sentinel to the POSIX code an adapter is
// expected to surface. Anything unrecognized becomes EIO: any propagated
// internal failure from disk I/O that isn't one of the named cases is, by
// definition, an I/O error from the adapter's point of view.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return errno.Wrap(errno.ENOENT, err)
	case errors.Is(err, ErrNotDirectory):
		return errno.Wrap(errno.ENOTDIR, err)
	case errors.Is(err, ErrIsDirectory):
		return errno.Wrap(errno.EISDIR, err)
	case errors.Is(err, ErrNotEmpty):
		return errno.Wrap(errno.ENOTEMPTY, err)
	case errors.Is(err, ErrEntryExists):
		return errno.Wrap(errno.EEXIST, err)
	case errors.Is(err, ErrNameTooLong):
		return errno.Wrap(errno.ENAMETOOLONG, err)
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrTooLarge), errors.Is(err, ErrOutOfRange):
		return errno.Wrap(errno.EINVAL, err)
	case errors.Is(err, ErrAllocFailed):
		return errno.Wrap(errno.ENOSPC, err)
	default:
		return errno.Wrap(errno.EIO, err)
	}
}

// splitPath breaks an absolute path into its parent directory path and the
// final component name. "/x/y" -> ("/x", "y"). "/x" -> ("/", "x").
func splitPath(path string) (dir, name string, err error) {
	if path == "" || path[0] != '/' || path == "/" {
		return "", "", ErrInvalidPath
	}
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "", "", ErrInvalidPath
	}
	idx := strings.LastIndexByte(trimmed, '/')
	if idx == 0 {
		return "/", trimmed[1:], nil
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}

// Mkdir creates a new, empty directory at path.
func (v *Volume) Mkdir(path string, mode uint32, uid, gid uint32, now time.Time) error {
	dir, name, err := splitPath(path)
	if err != nil {
		return translateErr(err)
	}
	parent, err := v.Resolver.Resolve(dir)
	if err != nil {
		return translateErr(err)
	}
	if _, err := parent.Create(name, TypeDir, uid, gid, mode, now); err != nil {
		return translateErr(err)
	}
	return nil
}

// Rmdir removes an empty directory at path.
func (v *Volume) Rmdir(path string, now time.Time) error {
	dir, name, err := splitPath(path)
	if err != nil {
		return translateErr(err)
	}
	parent, err := v.Resolver.Resolve(dir)
	if err != nil {
		return translateErr(err)
	}
	child, err := parent.Find(name)
	if err != nil {
		return translateErr(err)
	}
	isDir, err := child.IsDir()
	if err != nil {
		return translateErr(err)
	}
	if !isDir {
		return translateErr(ErrNotDirectory)
	}
	if err := parent.Remove(name, now); err != nil {
		return translateErr(err)
	}
	v.Resolver.InvalidatePrefix(path)
	return nil
}

// Readdir fills every live entry of the directory at path into fillFn. A
// fillFn returning false stops the walk early (e.g. the caller's buffer is
// full), matching the short-read convention real readdir(3) callers use.
func (v *Volume) Readdir(path string, fillFn func(name string) bool) error {
	ino, err := v.Resolver.Resolve(path)
	if err != nil {
		return translateErr(err)
	}
	entries, err := ino.List()
	if err != nil {
		return translateErr(err)
	}
	for _, e := range entries {
		if !fillFn(e.Name) {
			break
		}
	}
	return nil
}

// Create makes a new regular file at path.
func (v *Volume) Create(path string, mode uint32, uid, gid uint32, now time.Time) error {
	dir, name, err := splitPath(path)
	if err != nil {
		return translateErr(err)
	}
	parent, err := v.Resolver.Resolve(dir)
	if err != nil {
		return translateErr(err)
	}
	if _, err := parent.Create(name, TypeFile, uid, gid, mode, now); err != nil {
		return translateErr(err)
	}
	return nil
}

// Unlink removes the directory entry at path. If it was the target's last
// link, the target's data and inode are freed.
func (v *Volume) Unlink(path string, now time.Time) error {
	dir, name, err := splitPath(path)
	if err != nil {
		return translateErr(err)
	}
	parent, err := v.Resolver.Resolve(dir)
	if err != nil {
		return translateErr(err)
	}
	target, err := parent.Find(name)
	if err != nil {
		return translateErr(err)
	}
	isDir, err := target.IsDir()
	if err != nil {
		return translateErr(err)
	}
	if isDir {
		return translateErr(ErrIsDirectory)
	}
	if err := parent.Remove(name, now); err != nil {
		return translateErr(err)
	}
	v.Resolver.InvalidatePrefix(path)
	return nil
}

// Open resolves path to an Inode for a caller-owned file handle. The open-
// file-handle table itself — mapping a caller's integer fd to this Inode —
// is an external responsibility; Volume only does the path -> Inode part.
func (v *Volume) Open(path string) (Inode, error) {
	ino, err := v.Resolver.Resolve(path)
	if err != nil {
		return Inode{}, translateErr(err)
	}
	return ino, nil
}

// Release is a no-op hook for symmetry with Open: this core doesn't track
// per-handle state, so there is nothing to release. It exists so an
// adapter's open/release pairing has somewhere to go.
func (v *Volume) Release(ino Inode) error {
	return nil
}

// Read reads up to len(buf) bytes from ino at offset.
func (v *Volume) Read(ino Inode, offset uint64, buf []byte, now time.Time) (int, error) {
	n, err := ino.ReadData(offset, buf, now)
	if err != nil {
		return n, translateErr(err)
	}
	return n, nil
}

// Write writes buf to ino at offset, growing the file if needed.
func (v *Volume) Write(ino Inode, offset uint64, buf []byte, now time.Time) (int, error) {
	n, err := ino.WriteData(offset, buf, now)
	if err != nil {
		return n, translateErr(err)
	}
	return n, nil
}

// Truncate changes ino's length to newSize.
func (v *Volume) Truncate(ino Inode, newSize uint64, now time.Time) error {
	if err := ino.Resize(newSize, now); err != nil {
		return translateErr(err)
	}
	return nil
}

// Fsync flushes ino's data blocks, and its own metadata block unless
// datasyncOnly is set.
func (v *Volume) Fsync(ino Inode, datasyncOnly bool) error {
	if err := ino.Sync(!datasyncOnly); err != nil {
		return translateErr(err)
	}
	return nil
}

// Getattr reads ino's disk inode and reports it in platform-independent
// form.
func (v *Volume) Getattr(ino Inode) (sbfs.FileStat, error) {
	di, err := ino.ReadInode()
	if err != nil {
		return sbfs.FileStat{}, translateErr(err)
	}
	return diskInodeToFileStat(ino, di), nil
}

// diskInodeToFileStat converts an on-disk record into the platform-
// independent form the root package exposes. This format has no birth
// time, so CreatedAt is UndefinedTimestamp.
func diskInodeToFileStat(ino Inode, di *DiskInode) sbfs.FileStat {
	mode := os.FileMode(di.Mode & 0777)
	if di.Type == TypeDir {
		mode |= os.ModeDir
	}
	return sbfs.FileStat{
		InodeNumber:  uint64(ino.ID()),
		Nlinks:       uint64(di.LinkCount),
		ModeFlags:    mode,
		Uid:          di.Uid,
		Gid:          di.Gid,
		Size:         int64(di.Size),
		BlockSize:    int64(ino.FS.Super.BlockSize),
		NumBlocks:    int64(totalBlocksForSize(uint64(di.Size), ino.FS.Super.BlockSize)),
		CreatedAt:    sbfs.UndefinedTimestamp,
		LastChanged:  time.Unix(di.Ctime, 0),
		LastAccessed: time.Unix(di.Atime, 0),
		LastModified: time.Unix(di.Mtime, 0),
	}
}

// Chmod changes ino's permission bits.
func (v *Volume) Chmod(ino Inode, mode uint32, now time.Time) error {
	di, err := ino.ReadInode()
	if err != nil {
		return translateErr(err)
	}
	di.Mode = mode
	di.Touch(false, false, true, now)
	if err := ino.WriteInode(di); err != nil {
		return translateErr(err)
	}
	return nil
}

// Chown changes ino's owning uid/gid. A negative value leaves that field
// unchanged, matching chown(2)'s -1-means-unchanged convention.
func (v *Volume) Chown(ino Inode, uid, gid int64, now time.Time) error {
	di, err := ino.ReadInode()
	if err != nil {
		return translateErr(err)
	}
	if uid >= 0 {
		di.Uid = uint32(uid)
	}
	if gid >= 0 {
		di.Gid = uint32(gid)
	}
	di.Touch(false, false, true, now)
	if err := ino.WriteInode(di); err != nil {
		return translateErr(err)
	}
	return nil
}

// Utimens sets ino's access and modification times explicitly. A zero
// time.Time for either argument leaves that field unchanged.
func (v *Volume) Utimens(ino Inode, atime, mtime time.Time, now time.Time) error {
	di, err := ino.ReadInode()
	if err != nil {
		return translateErr(err)
	}
	if !atime.IsZero() {
		di.Atime = atime.Unix()
	}
	if !mtime.IsZero() {
		di.Mtime = mtime.Unix()
	}
	di.Touch(false, false, true, now)
	if err := ino.WriteInode(di); err != nil {
		return translateErr(err)
	}
	return nil
}

// Statfs reports aggregate occupancy for the whole volume.
func (v *Volume) Statfs() (sbfs.FSStat, error) {
	st, err := v.FS.Statfs()
	if err != nil {
		return sbfs.FSStat{}, translateErr(err)
	}
	return st, nil
}

// Rename moves or exchanges the directory entry at src to dst.
//
// The default (move) case is implemented as Unlink(src) followed by
// Link(dst), since that pairing's link-count decrement/increment nets
// correctly for a single moved target. Moving a directory entry needs one
// more adjustment: Unlink always decrements the old parent's link count to
// account for the moved directory's ".." entry (since Unlink can't know
// whether the caller is about to relink it), so Rename always restores
// that count on the new parent afterward. When the parent actually
// changed, fixDotDot also rewrites ".." to point at the new parent; when
// it didn't, ".." was correct all along and only the count needed fixing.
//
// RenameExchange cannot reuse Link(replace=true): Link always increments
// the replacement target's link count without decrementing the entry it
// overwrote, which would be correct for a plain overwrite but wrong for a
// pure pointer swap between two entries that both keep existing. Exchange
// instead swaps the two dirents directly at the low level and leaves both
// targets' link counts untouched, adjusting ".." on either side only if
// the swapped entry is a directory moving to a different parent.
func (v *Volume) Rename(src, dst string, flags RenameFlags, now time.Time) error {
	srcDir, srcName, err := splitPath(src)
	if err != nil {
		return translateErr(err)
	}
	dstDir, dstName, err := splitPath(dst)
	if err != nil {
		return translateErr(err)
	}

	srcParent, err := v.Resolver.Resolve(srcDir)
	if err != nil {
		return translateErr(err)
	}
	dstParent, err := v.Resolver.Resolve(dstDir)
	if err != nil {
		return translateErr(err)
	}

	srcEntry, err := srcParent.Find(srcName)
	if err != nil {
		return translateErr(err)
	}

	if flags&RenameExchange != 0 {
		dstEntry, err := dstParent.Find(dstName)
		if err != nil {
			return translateErr(err)
		}
		if err := v.exchange(srcParent, srcName, srcEntry, dstParent, dstName, dstEntry); err != nil {
			return translateErr(err)
		}
		v.Resolver.InvalidatePrefix(src)
		v.Resolver.InvalidatePrefix(dst)
		return nil
	}

	oldDstEntry, err := dstParent.Find(dstName)
	dstExists := err == nil
	oldDstIsDir := false
	if dstExists && flags&RenameNoReplace != 0 {
		return translateErr(ErrEntryExists)
	}
	if dstExists {
		oldDstIsDir, err = oldDstEntry.IsDir()
		if err != nil {
			return translateErr(err)
		}
		if oldDstIsDir {
			empty, err := oldDstEntry.IsEmptyDir()
			if err != nil {
				return translateErr(err)
			}
			if !empty {
				return translateErr(ErrNotEmpty)
			}
		}
	}

	movedIsDir, err := srcEntry.IsDir()
	if err != nil {
		return translateErr(err)
	}

	if _, err := srcParent.Unlink(srcName, now); err != nil {
		return translateErr(err)
	}
	if err := dstParent.Link(dstName, srcEntry, dstExists, now); err != nil {
		return translateErr(err)
	}

	// Link(replace=true) only overwrote the dirent and bumped srcEntry's
	// count; the dirent it used to point to needs its own count dropped
	// now, or it's orphaned with a link count that can never reach zero.
	if dstExists && oldDstEntry.ID() != srcEntry.ID() {
		if err := oldDstEntry.dropLink(now); err != nil {
			return translateErr(err)
		}
		// dropLink only frees the old target's own record. If it was a
		// directory, dstParent loses the ".." reference that directory
		// used to contribute, same as Remove's parentDi.LinkCount-- for a
		// removed directory child.
		if oldDstIsDir {
			if err := dstParent.adjustLinkCount(-1); err != nil {
				return translateErr(err)
			}
		}
	}

	if movedIsDir {
		if srcParent.ID() != dstParent.ID() {
			if err := srcEntry.fixDotDot(dstParent.ID()); err != nil {
				return translateErr(err)
			}
		}
		if err := dstParent.adjustLinkCount(1); err != nil {
			return translateErr(err)
		}
	}

	v.Resolver.InvalidatePrefix(src)
	v.Resolver.InvalidatePrefix(dst)
	return nil
}

// exchange swaps two existing dirents in place without touching either
// target's link count: both names keep pointing at a live inode, just
// each other's, so the total reference count is unchanged.
func (v *Volume) exchange(srcParent Inode, srcName string, srcEntry Inode, dstParent Inode, dstName string, dstEntry Inode) error {
	srcParentDi, err := srcParent.ReadInode()
	if err != nil {
		return err
	}
	srcIdx, _, err := srcParent.findSlot(srcParentDi, srcName)
	if err != nil {
		return err
	}

	var dstParentDi *DiskInode
	var dstIdx uint32
	if srcParent.ID() == dstParent.ID() {
		dstParentDi = srcParentDi
		dstIdx, _, err = srcParent.findSlot(dstParentDi, dstName)
	} else {
		dstParentDi, err = dstParent.ReadInode()
		if err == nil {
			dstIdx, _, err = dstParent.findSlot(dstParentDi, dstName)
		}
	}
	if err != nil {
		return err
	}

	if err := srcParent.writeEntry(srcParentDi, srcIdx, DirEntry{Name: srcName, InodeID: dstEntry.ID()}); err != nil {
		return err
	}
	if err := dstParent.writeEntry(dstParentDi, dstIdx, DirEntry{Name: dstName, InodeID: srcEntry.ID()}); err != nil {
		return err
	}
	if err := srcParent.WriteInode(srcParentDi); err != nil {
		return err
	}
	if srcParent.ID() != dstParent.ID() {
		if err := dstParent.WriteInode(dstParentDi); err != nil {
			return err
		}
	}

	srcIsDir, err := srcEntry.IsDir()
	if err != nil {
		return err
	}
	dstIsDir, err := dstEntry.IsDir()
	if err != nil {
		return err
	}
	if srcParent.ID() != dstParent.ID() {
		if dstIsDir {
			if err := dstEntry.fixDotDot(srcParent.ID()); err != nil {
				return err
			}
		}
		if srcIsDir {
			if err := srcEntry.fixDotDot(dstParent.ID()); err != nil {
				return err
			}
		}
	}
	return nil
}
