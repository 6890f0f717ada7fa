package blockfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(capacity uint, blockSize uint32) (*Cache, map[uint32][]byte) {
	backing := make(map[uint32][]byte)
	fetch := func(id uint32, buf []byte) error {
		copy(buf, backing[id])
		return nil
	}
	flush := func(id uint32, buf []byte) error {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		backing[id] = cp
		return nil
	}
	return NewCache(capacity, blockSize, fetch, flush), backing
}

func TestCache_UpsertGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(4, 8)

	require.NoError(t, c.Upsert(1, []byte("abcdefgh")))

	out := make([]byte, 8)
	require.NoError(t, c.Get(1, out))
	assert.Equal(t, "abcdefgh", string(out))
}

func TestCache_MissReturnsErrCacheMiss(t *testing.T) {
	c, _ := newTestCache(4, 8)
	out := make([]byte, 8)
	assert.ErrorIs(t, c.Get(99, out), ErrCacheMiss)
}

func TestCache_EvictsLRUTailWhenFull(t *testing.T) {
	c, backing := newTestCache(2, 8)

	require.NoError(t, c.Upsert(1, []byte("11111111")))
	require.NoError(t, c.Upsert(2, []byte("22222222")))

	// Touch 1 so it's MRU; 2 becomes the LRU tail and should be evicted
	// (flushed, since dirty) when a third block needs a slot.
	out := make([]byte, 8)
	require.NoError(t, c.Get(1, out))

	require.NoError(t, c.Upsert(3, []byte("33333333")))

	assert.ErrorIs(t, c.Get(2, out), ErrCacheMiss)
	assert.Equal(t, "22222222", string(backing[2]), "evicted dirty slot should have been flushed")

	require.NoError(t, c.Get(1, out))
	assert.Equal(t, "11111111", string(out))
	require.NoError(t, c.Get(3, out))
	assert.Equal(t, "33333333", string(out))
}

func TestCache_InstallCleanDoesNotFlushOnEvict(t *testing.T) {
	c, backing := newTestCache(1, 8)

	require.NoError(t, c.InstallClean(1, []byte("11111111")))
	require.NoError(t, c.Upsert(2, []byte("22222222")))

	assert.Nil(t, backing[1], "clean slot should not have been flushed on eviction")
	out := make([]byte, 8)
	require.NoError(t, c.Get(2, out))
	assert.Equal(t, "22222222", string(out))
}

func TestCache_SyncClearsDirtyBit(t *testing.T) {
	c, backing := newTestCache(2, 8)

	require.NoError(t, c.Upsert(1, []byte("11111111")))
	require.NoError(t, c.Sync(1))
	assert.Equal(t, "11111111", string(backing[1]))

	require.NoError(t, c.Upsert(2, []byte("22222222")))
	// 1 is clean now and should not need a flush on eviction.
	backing[1] = nil
	require.NoError(t, c.Upsert(3, []byte("33333333")))
	assert.Nil(t, backing[1])
}

func TestCache_SyncAllFlushesEveryDirtySlot(t *testing.T) {
	c, backing := newTestCache(4, 8)

	require.NoError(t, c.Upsert(1, []byte("11111111")))
	require.NoError(t, c.Upsert(2, []byte("22222222")))
	require.NoError(t, c.SyncAll())

	assert.Equal(t, "11111111", string(backing[1]))
	assert.Equal(t, "22222222", string(backing[2]))
}

func TestCache_RemoveEvictsToFreeList(t *testing.T) {
	c, backing := newTestCache(1, 8)

	require.NoError(t, c.Upsert(1, []byte("11111111")))
	require.NoError(t, c.Remove(1))
	assert.Equal(t, "11111111", string(backing[1]))

	out := make([]byte, 8)
	assert.ErrorIs(t, c.Get(1, out), ErrCacheMiss)

	// The freed slot should be reusable without an eviction.
	require.NoError(t, c.Upsert(2, []byte("22222222")))
	require.NoError(t, c.Get(2, out))
	assert.Equal(t, "22222222", string(out))
}
