package blockfs

import (
	bitmap "github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"
)

const invalidSlot = -1

// slot is one entry of the flat cache array: a block-sized buffer plus the
// bookkeeping fields for a cache slot's status. prev/next are plain int
// indices into the owning Cache's slots array: neighbour links are array
// indices, never pointers.
type slot struct {
	data     []byte
	blockID  uint32
	occupied bool
	prev     int
	next     int
}

// Cache is the bounded, write-back LRU buffer cache sitting in front of
// the block device: a fixed number of slots, a FREE list and an LRU list
// (both intrusive doubly-linked lists over the same flat array), a hash
// map for O(1) lookup, and a dirty bit per slot (tracked with a
// boljen/go-bitmap, the same library used elsewhere in this repo for
// loaded/dirty bookkeeping).
type Cache struct {
	slots         []slot
	dirty         bitmap.Bitmap
	index         map[uint32]int // block id -> slot index
	freeHead      int
	lruHead       int // most recently used
	lruTail       int // least recently used
	bytesPerBlock uint32

	fetch FetchFunc
	flush FlushFunc
}

// FetchFunc reads one block's worth of bytes from whatever backs the
// cache (the disk image) into buf.
type FetchFunc func(blockID uint32, buf []byte) error

// FlushFunc writes one block's worth of bytes from buf to whatever backs
// the cache.
type FlushFunc func(blockID uint32, buf []byte) error

// NewCache builds a Cache with room for `capacity` blocks of size
// `bytesPerBlock`, backed by fetch/flush callbacks supplied by the Device.
func NewCache(capacity uint, bytesPerBlock uint32, fetch FetchFunc, flush FlushFunc) *Cache {
	c := &Cache{
		slots:         make([]slot, capacity),
		dirty:         bitmap.NewSlice(int(capacity)),
		index:         make(map[uint32]int, capacity),
		freeHead:      invalidSlot,
		lruHead:       invalidSlot,
		lruTail:       invalidSlot,
		bytesPerBlock: bytesPerBlock,
		fetch:         fetch,
		flush:         flush,
	}
	for i := range c.slots {
		c.slots[i].data = make([]byte, bytesPerBlock)
		c.slots[i].prev = invalidSlot
		c.slots[i].next = invalidSlot
		c.freePush(i)
	}
	return c
}

func (c *Cache) freePush(i int) {
	c.slots[i].next = c.freeHead
	c.slots[i].prev = invalidSlot
	if c.freeHead != invalidSlot {
		c.slots[c.freeHead].prev = i
	}
	c.freeHead = i
}

func (c *Cache) freePop() int {
	i := c.freeHead
	if i == invalidSlot {
		return invalidSlot
	}
	c.freeHead = c.slots[i].next
	if c.freeHead != invalidSlot {
		c.slots[c.freeHead].prev = invalidSlot
	}
	c.slots[i].next = invalidSlot
	return i
}

func (c *Cache) lruUnlink(i int) {
	s := &c.slots[i]
	if s.prev != invalidSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.lruHead = s.next
	}
	if s.next != invalidSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.lruTail = s.prev
	}
	s.prev, s.next = invalidSlot, invalidSlot
}

func (c *Cache) lruPushFront(i int) {
	s := &c.slots[i]
	s.prev = invalidSlot
	s.next = c.lruHead
	if c.lruHead != invalidSlot {
		c.slots[c.lruHead].prev = i
	}
	c.lruHead = i
	if c.lruTail == invalidSlot {
		c.lruTail = i
	}
}

func (c *Cache) promote(i int) {
	if c.lruHead == i {
		return
	}
	c.lruUnlink(i)
	c.lruPushFront(i)
}

// allocSlot returns an unoccupied slot index, evicting the LRU-tail
// occupied slot (flushing it first if dirty) when the FREE list is empty.
func (c *Cache) allocSlot() (int, error) {
	if i := c.freePop(); i != invalidSlot {
		return i, nil
	}

	i := c.lruTail
	if i == invalidSlot {
		// Capacity 0; callers should never hit this with a sane cache size.
		return invalidSlot, ErrAllocFailed
	}

	if bitmap.Bitmap(c.dirty).Get(i) {
		if err := c.flush(c.slots[i].blockID, c.slots[i].data); err != nil {
			return invalidSlot, err
		}
	}

	c.lruUnlink(i)
	delete(c.index, c.slots[i].blockID)
	c.slots[i].occupied = false
	bitmap.Bitmap(c.dirty).Set(i, false)
	return i, nil
}

// Get copies the cached bytes for blockID into out on a hit and promotes
// the slot to MRU. On a miss it returns ErrCacheMiss and performs no I/O —
// the Device layer decides whether to fill from disk.
func (c *Cache) Get(blockID uint32, out []byte) error {
	i, ok := c.index[blockID]
	if !ok {
		return ErrCacheMiss
	}
	copy(out, c.slots[i].data)
	c.promote(i)
	return nil
}

// Upsert installs or overwrites blockID's bytes from buf, marks the slot
// dirty, and promotes it to MRU. If blockID is not yet cached, a slot is
// evicted/allocated for it first.
func (c *Cache) Upsert(blockID uint32, buf []byte) error {
	if i, ok := c.index[blockID]; ok {
		copy(c.slots[i].data, buf)
		bitmap.Bitmap(c.dirty).Set(i, true)
		c.promote(i)
		return nil
	}

	i, err := c.allocSlot()
	if err != nil {
		return err
	}

	copy(c.slots[i].data, buf)
	c.slots[i].blockID = blockID
	c.slots[i].occupied = true
	bitmap.Bitmap(c.dirty).Set(i, true)
	c.index[blockID] = i
	c.lruPushFront(i)
	return nil
}

// InstallClean is like Upsert but marks the slot clean, used by the
// Device's read-miss path: the block was just loaded straight from disk
// and is therefore known to match it.
func (c *Cache) InstallClean(blockID uint32, buf []byte) error {
	if i, ok := c.index[blockID]; ok {
		copy(c.slots[i].data, buf)
		bitmap.Bitmap(c.dirty).Set(i, false)
		c.promote(i)
		return nil
	}

	i, err := c.allocSlot()
	if err != nil {
		return err
	}

	copy(c.slots[i].data, buf)
	c.slots[i].blockID = blockID
	c.slots[i].occupied = true
	bitmap.Bitmap(c.dirty).Set(i, false)
	c.index[blockID] = i
	c.lruPushFront(i)
	return nil
}

// Sync flushes blockID if it is cached and dirty, clears its dirty bit,
// and promotes it to MRU. Syncing an absent id is reported via
// ErrNotCached, not treated as fatal.
func (c *Cache) Sync(blockID uint32) error {
	i, ok := c.index[blockID]
	if !ok {
		return ErrNotCached
	}
	if bitmap.Bitmap(c.dirty).Get(i) {
		if err := c.flush(blockID, c.slots[i].data); err != nil {
			return err
		}
		bitmap.Bitmap(c.dirty).Set(i, false)
	}
	c.promote(i)
	return nil
}

// Remove flushes blockID if dirty, then evicts its slot to the FREE list
// and drops the mapping. A no-op if blockID is not cached.
func (c *Cache) Remove(blockID uint32) error {
	i, ok := c.index[blockID]
	if !ok {
		return nil
	}
	if bitmap.Bitmap(c.dirty).Get(i) {
		if err := c.flush(blockID, c.slots[i].data); err != nil {
			return err
		}
	}
	c.lruUnlink(i)
	delete(c.index, blockID)
	c.slots[i].occupied = false
	bitmap.Bitmap(c.dirty).Set(i, false)
	c.freePush(i)
	return nil
}

// SyncAll flushes every dirty slot, collecting (rather than stopping on)
// individual failures.
func (c *Cache) SyncAll() error {
	var agg *multierror.Error
	for blockID, i := range c.index {
		if bitmap.Bitmap(c.dirty).Get(i) {
			if err := c.flush(blockID, c.slots[i].data); err != nil {
				agg = multierror.Append(agg, err)
				continue
			}
			bitmap.Bitmap(c.dirty).Set(i, false)
		}
	}
	return agg.ErrorOrNil()
}
