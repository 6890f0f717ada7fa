package blockfs

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// Device is the L2 facade over the L0 disk image and the L1 LRU cache:
// reads go through the cache, writes populate the cache as dirty, and
// syncs flush to the image. image is anything seekable and read/writable
// — a real *os.File in production, or an in-memory
// github.com/xaionaro-go/bytesextra.ReadWriteSeeker in tests. Device does
// not open the image itself; cmd/sbfsutil opens it with plain os.O_RDWR,
// so the host page cache is not bypassed.
type Device struct {
	image       io.ReadWriteSeeker
	blockSize   uint32
	totalBlocks uint32
	cache       *Cache
}

// NewDevice wraps image as a Device with an LRU cache sized for
// cacheBlocks entries.
func NewDevice(image io.ReadWriteSeeker, blockSize uint32, totalBlocks uint32, cacheBlocks uint) *Device {
	dev := &Device{image: image, blockSize: blockSize, totalBlocks: totalBlocks}
	dev.cache = NewCache(cacheBlocks, blockSize, dev.readFromDisk, dev.writeToDisk)
	return dev
}

func (d *Device) checkRange(id uint32) error {
	if id >= d.totalBlocks {
		return fmt.Errorf("%w: block %d not in [0, %d)", ErrOutOfRange, id, d.totalBlocks)
	}
	return nil
}

// readFromDisk bypasses the cache entirely. It is both the Cache's fetch
// callback and available directly for callers that need to ignore the
// cache's view (e.g. re-reading the superblock at Open).
func (d *Device) readFromDisk(id uint32, buf []byte) error {
	if _, err := d.image.Seek(int64(id)*int64(d.blockSize), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(d.image, buf)
	return err
}

// writeToDisk bypasses the cache entirely. It is both the Cache's flush
// callback and available directly to callers.
func (d *Device) writeToDisk(id uint32, buf []byte) error {
	if _, err := d.image.Seek(int64(id)*int64(d.blockSize), io.SeekStart); err != nil {
		return err
	}
	_, err := d.image.Write(buf)
	return err
}

// Read fills buf (exactly one block) with block id's contents: a cache
// hit copies straight out of the cache; a miss reads the image directly,
// installs the block into the cache as clean, then copies it out.
func (d *Device) Read(id uint32, buf []byte) error {
	if err := d.checkRange(id); err != nil {
		return err
	}
	if err := d.cache.Get(id, buf); err == nil {
		return nil
	}
	if err := d.readFromDisk(id, buf); err != nil {
		return fmt.Errorf("device read block %d: %w", id, err)
	}
	return d.cache.InstallClean(id, buf)
}

// Write populates the cache for block id as dirty. The physical write is
// deferred to eviction or an explicit Sync/SyncAll.
func (d *Device) Write(id uint32, buf []byte) error {
	if err := d.checkRange(id); err != nil {
		return err
	}
	return d.cache.Upsert(id, buf)
}

// Sync flushes block id if it is dirty-cached; otherwise it is a no-op.
func (d *Device) Sync(id uint32) error {
	if err := d.checkRange(id); err != nil {
		return err
	}
	err := d.cache.Sync(id)
	if err == ErrNotCached {
		return nil
	}
	return err
}

// SyncAll flushes every dirty slot in the cache.
func (d *Device) SyncAll() error {
	return d.cache.SyncAll()
}

// WriteTx writes a batch of (id, buf) pairs. This is NOT atomic: it is a
// sequential loop over Write, kept as a documented batch-write convenience.
// Unlike a simple loop that bails on the first failure, this aggregates
// every failure via hashicorp/go-multierror so a caller can see the full
// extent of a partial failure.
func (d *Device) WriteTx(ids []uint32, bufs [][]byte) error {
	if len(ids) != len(bufs) {
		return fmt.Errorf("sbfs: WriteTx: %d ids but %d buffers", len(ids), len(bufs))
	}
	var agg *multierror.Error
	for i, id := range ids {
		if err := d.Write(id, bufs[i]); err != nil {
			agg = multierror.Append(agg, fmt.Errorf("block %d: %w", id, err))
		}
	}
	return agg.ErrorOrNil()
}

// BlockSize returns the size of one block, in bytes.
func (d *Device) BlockSize() uint32 { return d.blockSize }

// TotalBlocks returns the number of blocks addressable on this device.
func (d *Device) TotalBlocks() uint32 { return d.totalBlocks }
