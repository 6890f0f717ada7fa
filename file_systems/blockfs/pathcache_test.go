package blockfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathCache_GetMissAndInsert(t *testing.T) {
	pc := NewPathCache(1024)

	_, ok := pc.Get("/a")
	assert.False(t, ok)

	pc.Insert("/a", Inode{})
	_, ok = pc.Get("/a")
	assert.True(t, ok)
}

func TestPathCache_ClockEvictsUnvisitedFirst(t *testing.T) {
	entrySize := entryCost("/a")
	pc := NewPathCache(entrySize * 3)

	pc.Insert("/a", Inode{})
	pc.Insert("/b", Inode{})
	pc.Insert("/c", Inode{})

	// A 4th entry forces one eviction. All three start visited (freshly
	// inserted), so the clock's first lap over them clears every bit, then
	// the hand wraps and evicts whichever it lands on first: "/a".
	pc.Insert("/d", Inode{})
	_, ok := pc.Get("/a")
	assert.False(t, ok, "/a should have been evicted by the first clock lap")

	// "/b" and "/c" were cleared (not evicted) by that same lap; touch "/b"
	// now so its bit is set again before the next eviction.
	pc.Get("/b")

	// A 5th entry forces a second eviction. "/c" was cleared and never
	// touched again, so the hand finds it unvisited immediately; "/b" was
	// just re-marked visited and survives.
	pc.Insert("/e", Inode{})

	_, bOk := pc.Get("/b")
	_, cOk := pc.Get("/c")
	_, dOk := pc.Get("/d")
	_, eOk := pc.Get("/e")

	assert.True(t, bOk, "/b was touched after the first lap, should survive")
	assert.False(t, cOk, "/c was never touched after the first lap, should be evicted")
	assert.True(t, dOk)
	assert.True(t, eOk)
}

func TestPathCache_InvalidatePrefixDropsMatchingKeys(t *testing.T) {
	pc := NewPathCache(10240)
	pc.Insert("/a", Inode{})
	pc.Insert("/a/b", Inode{})
	pc.Insert("/a/b/c", Inode{})
	pc.Insert("/other", Inode{})

	pc.InvalidatePrefix("/a/b")

	_, ok := pc.Get("/a")
	assert.True(t, ok, "/a does not start with /a/b, should survive")
	_, ok = pc.Get("/a/b")
	assert.False(t, ok)
	_, ok = pc.Get("/a/b/c")
	assert.False(t, ok)
	_, ok = pc.Get("/other")
	assert.True(t, ok)
}

func TestResolver_ResolveCachesEveryPrefix(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	sub, err := root.Create("sub", TypeDir, 1, 1, 0755, now)
	require.NoError(t, err)
	leaf, err := sub.Create("leaf", TypeFile, 1, 1, 0644, now)
	require.NoError(t, err)

	r := NewResolver(fs, 10240)

	got, err := r.Resolve("/sub/leaf")
	require.NoError(t, err)
	assert.Equal(t, leaf.ID(), got.ID())

	cachedSub, ok := r.Cache.Get("/sub")
	require.True(t, ok, "every intermediate prefix should be cached")
	assert.Equal(t, sub.ID(), cachedSub.ID())

	cachedLeaf, ok := r.Cache.Get("/sub/leaf")
	require.True(t, ok)
	assert.Equal(t, leaf.ID(), cachedLeaf.ID())
}

func TestResolver_InvalidatePrefixForcesRewalk(t *testing.T) {
	fs := newTestFileSystem(t)
	root := fs.Root()
	now := time.Unix(2, 0)

	sub, err := root.Create("sub", TypeDir, 1, 1, 0755, now)
	require.NoError(t, err)
	_, err = sub.Create("leaf", TypeFile, 1, 1, 0644, now)
	require.NoError(t, err)

	r := NewResolver(fs, 10240)
	_, err = r.Resolve("/sub/leaf")
	require.NoError(t, err)

	require.NoError(t, sub.Remove("leaf", now))
	r.InvalidatePrefix("/sub/leaf")

	_, err = r.Resolve("/sub/leaf")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestResolver_RootPathShortCircuits(t *testing.T) {
	fs := newTestFileSystem(t)
	r := NewResolver(fs, 1024)

	got, err := r.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, fs.Root().ID(), got.ID())
}
