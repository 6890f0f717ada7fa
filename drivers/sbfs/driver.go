// Package sbfs (import path drivers/sbfs) is a thin adapter from
// file_systems/blockfs.Volume to whatever embeds this module: a FUSE
// binding, a network protocol handler, a CLI. It adds nothing to the
// downcall surface beyond translating ambient inputs (wall-clock time,
// os.FileMode) into the forms Volume's methods expect. Its signatures still
// use blockfs types (CreateOptions, Inode, RenameFlags), so embedders
// import file_systems/blockfs for those.
package sbfs

import (
	"io"
	"os"
	"time"

	sbfs "github.com/dargueta/sbfs"
	"github.com/dargueta/sbfs/file_systems/blockfs"
)

// Driver wraps a blockfs.Volume, supplying time.Now() at every call so
// embedders don't have to thread a clock through their own call sites.
type Driver struct {
	Volume *blockfs.Volume
}

// Mount opens an existing image file.
func Mount(image io.ReadWriteSeeker, totalBlocks, blockSize uint32, cacheBlocks uint, pathCacheBytes int) (*Driver, error) {
	vol, err := blockfs.Mount(image, totalBlocks, blockSize, cacheBlocks, pathCacheBytes)
	if err != nil {
		return nil, err
	}
	return &Driver{Volume: vol}, nil
}

// Format lays out a brand-new image file.
func Format(image io.ReadWriteSeeker, opts blockfs.CreateOptions, pathCacheBytes int) (*Driver, error) {
	opts.Now = time.Now()
	vol, err := blockfs.Format(image, opts, pathCacheBytes)
	if err != nil {
		return nil, err
	}
	return &Driver{Volume: vol}, nil
}

func (d *Driver) Mkdir(path string, mode os.FileMode, uid, gid uint32) error {
	return d.Volume.Mkdir(path, uint32(mode.Perm()), uid, gid, time.Now())
}

func (d *Driver) Rmdir(path string) error {
	return d.Volume.Rmdir(path, time.Now())
}

func (d *Driver) Readdir(path string, fillFn func(name string) bool) error {
	return d.Volume.Readdir(path, fillFn)
}

func (d *Driver) Create(path string, mode os.FileMode, uid, gid uint32) error {
	return d.Volume.Create(path, uint32(mode.Perm()), uid, gid, time.Now())
}

func (d *Driver) Unlink(path string) error {
	return d.Volume.Unlink(path, time.Now())
}

func (d *Driver) Open(path string) (blockfs.Inode, error) {
	return d.Volume.Open(path)
}

func (d *Driver) Release(ino blockfs.Inode) error {
	return d.Volume.Release(ino)
}

func (d *Driver) Read(ino blockfs.Inode, offset uint64, buf []byte) (int, error) {
	return d.Volume.Read(ino, offset, buf, time.Now())
}

func (d *Driver) Write(ino blockfs.Inode, offset uint64, buf []byte) (int, error) {
	return d.Volume.Write(ino, offset, buf, time.Now())
}

func (d *Driver) Truncate(ino blockfs.Inode, newSize uint64) error {
	return d.Volume.Truncate(ino, newSize, time.Now())
}

func (d *Driver) Fsync(ino blockfs.Inode, datasyncOnly bool) error {
	return d.Volume.Fsync(ino, datasyncOnly)
}

func (d *Driver) Getattr(ino blockfs.Inode) (sbfs.FileStat, error) {
	return d.Volume.Getattr(ino)
}

func (d *Driver) Chmod(ino blockfs.Inode, mode os.FileMode) error {
	return d.Volume.Chmod(ino, uint32(mode.Perm()), time.Now())
}

func (d *Driver) Chown(ino blockfs.Inode, uid, gid int64) error {
	return d.Volume.Chown(ino, uid, gid, time.Now())
}

func (d *Driver) Utimens(ino blockfs.Inode, atime, mtime time.Time) error {
	return d.Volume.Utimens(ino, atime, mtime, time.Now())
}

func (d *Driver) Statfs() (sbfs.FSStat, error) {
	return d.Volume.Statfs()
}

func (d *Driver) Rename(src, dst string, flags blockfs.RenameFlags) error {
	return d.Volume.Rename(src, dst, flags, time.Now())
}

// Features reports this format's fixed feature set.
func (d *Driver) Features() sbfs.FSFeatures {
	return blockfs.Features{}
}
