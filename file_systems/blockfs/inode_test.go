package blockfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func newTestFileSystem(t *testing.T) *FileSystem {
	t.Helper()
	const blockSize = 512
	const totalBlocks = 8192
	image := bytesextra.NewReadWriteSeeker(make([]byte, uint64(blockSize)*uint64(totalBlocks)))

	fs, err := Create(image, CreateOptions{
		BlockSize:         blockSize,
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: 1,
		CacheBlocks:       64,
		Now:               time.Unix(1, 0),
	})
	require.NoError(t, err)
	return fs
}

func TestInode_CreateFindRemove(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	child, err := root.Create("foo.txt", TypeFile, 1, 1, 0644, now)
	require.NoError(t, err)

	found, err := root.Find("foo.txt")
	require.NoError(t, err)
	assert.Equal(t, child.ID(), found.ID())

	entries, err := root.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "foo.txt", entries[0].Name)

	require.NoError(t, root.Remove("foo.txt", now))

	_, err = root.Find("foo.txt")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	entries, err = root.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInode_CreateDuplicateNameFails(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	_, err := root.Create("dup", TypeFile, 1, 1, 0644, now)
	require.NoError(t, err)

	_, err = root.Create("dup", TypeFile, 1, 1, 0644, now)
	assert.ErrorIs(t, err, ErrEntryExists)
}

func TestInode_RemoveCompactsBySwapWithLast(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	for _, name := range []string{"a", "b", "c"} {
		_, err := root.Create(name, TypeFile, 1, 1, 0644, now)
		require.NoError(t, err)
	}

	require.NoError(t, root.Remove("a", now))

	entries, err := root.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["b"])
	assert.True(t, names["c"])
	assert.False(t, names["a"])
}

func TestInode_SubdirectoryLinkCounts(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	sub, err := root.Create("sub", TypeDir, 1, 1, 0755, now)
	require.NoError(t, err)

	rootDi, err := root.ReadInode()
	require.NoError(t, err)
	assert.EqualValues(t, 3, rootDi.LinkCount, "root: self + original .. + sub's ..")

	subDi, err := sub.ReadInode()
	require.NoError(t, err)
	assert.EqualValues(t, 2, subDi.LinkCount, "fresh dir: . plus the parent's entry")

	empty, err := sub.IsEmptyDir()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, root.Remove("sub", now))

	rootDi, err = root.ReadInode()
	require.NoError(t, err)
	assert.EqualValues(t, 2, rootDi.LinkCount, "removing sub drops its .. reference")
}

func TestInode_RemoveNonEmptyDirFails(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	sub, err := root.Create("sub", TypeDir, 1, 1, 0755, now)
	require.NoError(t, err)
	_, err = sub.Create("inner", TypeFile, 1, 1, 0644, now)
	require.NoError(t, err)

	err = root.Remove("sub", now)
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestInode_LinkAddsHardLink(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	target, err := root.Create("orig", TypeFile, 1, 1, 0644, now)
	require.NoError(t, err)

	require.NoError(t, root.Link("alias", target, false, now))

	di, err := target.ReadInode()
	require.NoError(t, err)
	assert.EqualValues(t, 2, di.LinkCount)

	found, err := root.Find("alias")
	require.NoError(t, err)
	assert.Equal(t, target.ID(), found.ID())

	// Removing one name leaves the inode alive via the other link.
	require.NoError(t, root.Remove("orig", now))
	di, err = target.ReadInode()
	require.NoError(t, err)
	assert.EqualValues(t, 1, di.LinkCount)
}

func TestInode_UnlinkDoesNotFreeTarget(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	target, err := root.Create("orig", TypeFile, 1, 1, 0644, now)
	require.NoError(t, err)

	returned, err := root.Unlink("orig", now)
	require.NoError(t, err)
	assert.Equal(t, target.ID(), returned.ID())

	// LinkCount is decremented to 0 but the record itself is left alone —
	// Unlink is a building block for Rename, which immediately relinks.
	di, err := target.ReadInode()
	require.NoError(t, err)
	assert.EqualValues(t, 0, di.LinkCount)
}
