package blockfs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/sbfs/errno"
	"github.com/dargueta/sbfs/file_systems/blockfs"
)

func newTestVolume(t *testing.T) *blockfs.Volume {
	t.Helper()
	const blockSize = 512
	const totalBlocks = 8192
	image := bytesextra.NewReadWriteSeeker(make([]byte, uint64(blockSize)*uint64(totalBlocks)))

	v, err := blockfs.Format(image, blockfs.CreateOptions{
		BlockSize:         blockSize,
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: 1,
		CacheBlocks:       64,
		Now:               time.Unix(1, 0),
	}, 0)
	require.NoError(t, err)
	return v
}

func driverErrno(t *testing.T, err error) *errno.DriverError {
	t.Helper()
	var de *errno.DriverError
	require.ErrorAs(t, err, &de)
	return de
}

func TestVolume_CreateReadWriteTruncate(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Create("/file.txt", 0644, 1, 1, now))

	ino, err := v.Open("/file.txt")
	require.NoError(t, err)

	n, err := v.Write(ino, 0, []byte("hello world"), now)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 11)
	n, err = v.Read(ino, 0, buf, now)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	stat, err := v.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 11, stat.Size)
	assert.False(t, stat.IsDir())

	require.NoError(t, v.Truncate(ino, 4, now))
	stat, err = v.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stat.Size)
}

func TestVolume_MkdirRmdirReaddir(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Mkdir("/sub", 0755, 1, 1, now))
	require.NoError(t, v.Create("/sub/a", 0644, 1, 1, now))
	require.NoError(t, v.Create("/sub/b", 0644, 1, 1, now))

	var names []string
	require.NoError(t, v.Readdir("/sub", func(name string) bool {
		names = append(names, name)
		return true
	}))
	assert.ElementsMatch(t, []string{".", "..", "a", "b"}, names)

	err := v.Rmdir("/sub", now)
	de := driverErrno(t, err)
	assert.Equal(t, errno.ENOTEMPTY, de.Errno())

	require.NoError(t, v.Unlink("/sub/a", now))
	require.NoError(t, v.Unlink("/sub/b", now))
	require.NoError(t, v.Rmdir("/sub", now))

	_, err = v.Open("/sub")
	de = driverErrno(t, err)
	assert.Equal(t, errno.ENOENT, de.Errno())
}

func TestVolume_UnlinkRejectsDirectory(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Mkdir("/sub", 0755, 1, 1, now))
	err := v.Unlink("/sub", now)
	de := driverErrno(t, err)
	assert.Equal(t, errno.EISDIR, de.Errno())
}

func TestVolume_RenameMoveWithinSameParent(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Create("/a", 0644, 1, 1, now))
	require.NoError(t, v.Rename("/a", "/b", 0, now))

	_, err := v.Open("/a")
	de := driverErrno(t, err)
	assert.Equal(t, errno.ENOENT, de.Errno())

	ino, err := v.Open("/b")
	require.NoError(t, err)
	stat, err := v.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stat.Nlinks)
}

func TestVolume_RenameMoveAcrossParentsFixesDotDot(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Mkdir("/src", 0755, 1, 1, now))
	require.NoError(t, v.Mkdir("/dst", 0755, 1, 1, now))
	require.NoError(t, v.Mkdir("/src/moved", 0755, 1, 1, now))

	require.NoError(t, v.Rename("/src/moved", "/dst/moved", 0, now))

	_, err := v.Open("/src/moved")
	de := driverErrno(t, err)
	assert.Equal(t, errno.ENOENT, de.Errno())

	_, err = v.Open("/dst/moved")
	require.NoError(t, err)

	// Verify ".." inside the moved directory now points at /dst, not /src,
	// by listing a path that goes through it: /dst/moved/.. should list
	// dst's own children, which include "moved".
	var names []string
	require.NoError(t, v.Readdir("/dst/moved/..", func(name string) bool {
		names = append(names, name)
		return true
	}))
	assert.Contains(t, names, "moved")
}

func TestVolume_RenameReplaceExistingDestination(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Create("/a", 0644, 1, 1, now))
	require.NoError(t, v.Create("/b", 0644, 1, 1, now))

	oldB, err := v.Open("/b")
	require.NoError(t, err)

	require.NoError(t, v.Rename("/a", "/b", 0, now))

	// Renaming over /b dropped its last link; the old inode's link count
	// must have hit zero rather than leaking.
	_, err = v.Getattr(oldB)
	require.NoError(t, err) // the Inode handle itself is still structurally valid

	ino, err := v.Open("/b")
	require.NoError(t, err)
	stat, err := v.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stat.Nlinks)
}

func TestVolume_RenameReplaceEmptyDirectoryDestination(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Mkdir("/src", 0755, 1, 1, now))
	require.NoError(t, v.Mkdir("/dst", 0755, 1, 1, now))

	require.NoError(t, v.Rename("/src", "/dst", 0, now))

	root, err := v.Open("/")
	require.NoError(t, err)
	rootStat, err := v.Getattr(root)
	require.NoError(t, err)
	// root: "." + dst's ".." == 2, the overwritten src directory's own
	// link on root must not have leaked.
	assert.EqualValues(t, 2, rootStat.Nlinks)

	_, err = v.Open("/dst")
	require.NoError(t, err)
}

func TestVolume_RenameNoReplaceRejectsExistingDestination(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Create("/a", 0644, 1, 1, now))
	require.NoError(t, v.Create("/b", 0644, 1, 1, now))

	err := v.Rename("/a", "/b", blockfs.RenameNoReplace, now)
	de := driverErrno(t, err)
	assert.Equal(t, errno.EEXIST, de.Errno())
}

func TestVolume_RenameExchangeSwapsBothEntries(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Create("/a", 0644, 1, 1, now))
	require.NoError(t, v.Create("/b", 0644, 1, 1, now))

	aBefore, err := v.Open("/a")
	require.NoError(t, err)
	bBefore, err := v.Open("/b")
	require.NoError(t, err)

	require.NoError(t, v.Rename("/a", "/b", blockfs.RenameExchange, now))

	aAfter, err := v.Open("/a")
	require.NoError(t, err)
	bAfter, err := v.Open("/b")
	require.NoError(t, err)

	statA, err := v.Getattr(aAfter)
	require.NoError(t, err)
	statB, err := v.Getattr(bAfter)
	require.NoError(t, err)

	bBeforeStat, err := v.Getattr(bBefore)
	require.NoError(t, err)
	aBeforeStat, err := v.Getattr(aBefore)
	require.NoError(t, err)

	assert.Equal(t, bBeforeStat.InodeNumber, statA.InodeNumber)
	assert.Equal(t, aBeforeStat.InodeNumber, statB.InodeNumber)

	// Both names keep exactly one link each; exchange never changes counts.
	assert.EqualValues(t, 1, statA.Nlinks)
	assert.EqualValues(t, 1, statB.Nlinks)
}

func TestVolume_PathCacheInvalidatedAcrossRename(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Create("/a", 0644, 1, 1, now))
	// Warm the resolver's cache for /a.
	_, err := v.Open("/a")
	require.NoError(t, err)

	require.NoError(t, v.Rename("/a", "/b", 0, now))

	_, err = v.Open("/a")
	de := driverErrno(t, err)
	assert.Equal(t, errno.ENOENT, de.Errno(), "stale cache entry for /a must not resolve after rename")

	_, err = v.Open("/b")
	require.NoError(t, err)
}

func TestVolume_StatfsReportsOccupancy(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	before, err := v.Statfs()
	require.NoError(t, err)

	require.NoError(t, v.Create("/a", 0644, 1, 1, now))
	ino, err := v.Open("/a")
	require.NoError(t, err)
	_, err = v.Write(ino, 0, make([]byte, 4096), now)
	require.NoError(t, err)

	after, err := v.Statfs()
	require.NoError(t, err)

	assert.Less(t, after.BlocksFree, before.BlocksFree)
	assert.Greater(t, after.Files, before.Files)
}

func TestVolume_ChmodChownUtimens(t *testing.T) {
	v := newTestVolume(t)
	now := time.Unix(2, 0)

	require.NoError(t, v.Create("/a", 0644, 1, 1, now))
	ino, err := v.Open("/a")
	require.NoError(t, err)

	require.NoError(t, v.Chmod(ino, 0600, now))
	require.NoError(t, v.Chown(ino, 42, 7, now))

	newAtime := time.Unix(500, 0)
	newMtime := time.Unix(600, 0)
	require.NoError(t, v.Utimens(ino, newAtime, newMtime, now))

	stat, err := v.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 0600, stat.ModeFlags.Perm())
	assert.EqualValues(t, 42, stat.Uid)
	assert.EqualValues(t, 7, stat.Gid)
	assert.True(t, stat.LastAccessed.Equal(newAtime))
	assert.True(t, stat.LastModified.Equal(newMtime))
}
