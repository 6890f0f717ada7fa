package blockfs

import (
	"time"
)

// Inode is the L5 in-memory handle: a disk position plus a reference to
// the owning file system. It carries no interior state — every method
// re-reads the disk inode, does its work, and writes it back. Cheap to
// copy; never references the block cache directly.
type Inode struct {
	Pos InodePosition
	FS  *FileSystem
}

// ID returns this handle's dense inode id.
func (ino Inode) ID() uint32 {
	return ino.FS.PosToInodeID(ino.Pos)
}

// ReadInode reads the current disk inode record.
func (ino Inode) ReadInode() (*DiskInode, error) {
	return ino.FS.readDiskInode(ino.Pos)
}

// WriteInode persists a disk inode record at this handle's position.
func (ino Inode) WriteInode(di *DiskInode) error {
	return ino.FS.writeDiskInode(ino.Pos, di)
}

// IsDir reports whether this handle refers to a directory.
func (ino Inode) IsDir() (bool, error) {
	di, err := ino.ReadInode()
	if err != nil {
		return false, err
	}
	return di.Type == TypeDir, nil
}

// ReadData reads up to len(buf) bytes starting at offset and touches
// atime; the disk inode is re-written to persist the timestamp.
func (ino Inode) ReadData(offset uint64, buf []byte, now time.Time) (int, error) {
	di, err := ino.ReadInode()
	if err != nil {
		return 0, err
	}
	n, err := di.ReadData(offset, buf, ino.FS.Dev, now)
	if err != nil {
		return n, err
	}
	return n, ino.WriteInode(di)
}

// WriteData writes buf at offset, growing the file (zeroing the gap) if
// needed, and touches mtime/ctime.
func (ino Inode) WriteData(offset uint64, buf []byte, now time.Time) (int, error) {
	di, err := ino.ReadInode()
	if err != nil {
		return 0, err
	}
	n, err := di.WriteData(offset, buf, &ino.FS.DataBitmap, ino.FS.Dev, now)
	if err != nil {
		return n, err
	}
	return n, ino.WriteInode(di)
}

// Resize changes the file's length, per DiskInode.Resize.
func (ino Inode) Resize(newSize uint64, now time.Time) error {
	di, err := ino.ReadInode()
	if err != nil {
		return err
	}
	if err := di.Resize(newSize, &ino.FS.DataBitmap, ino.FS.Dev, now); err != nil {
		return err
	}
	return ino.WriteInode(di)
}

// Sync flushes this inode's data blocks, and if includeMetadata is set,
// the block containing the disk inode record itself.
func (ino Inode) Sync(includeMetadata bool) error {
	di, err := ino.ReadInode()
	if err != nil {
		return err
	}
	if err := di.SyncData(ino.FS.Dev, includeMetadata); err != nil {
		return err
	}
	if includeMetadata {
		return ino.FS.Dev.Sync(ino.Pos.BlockID)
	}
	return nil
}

// dirEntryCount returns how many DirEntry slots this directory currently
// holds, derived from its size.
func dirEntryCount(di *DiskInode) uint32 {
	return di.Size / DirEntrySize
}

// readEntry reads the nth DirEntry of this directory's data.
func (ino Inode) readEntry(di *DiskInode, n uint32) (DirEntry, error) {
	buf := make([]byte, DirEntrySize)
	if _, err := di.ReadData(uint64(n)*DirEntrySize, buf, ino.FS.Dev, time.Time{}); err != nil {
		return DirEntry{}, err
	}
	var e DirEntry
	if err := e.UnmarshalBlock(buf); err != nil {
		return DirEntry{}, err
	}
	return e, nil
}

// writeEntry overwrites the nth DirEntry of this directory's data.
func (ino Inode) writeEntry(di *DiskInode, n uint32, e DirEntry) error {
	buf := make([]byte, DirEntrySize)
	if err := e.MarshalBlock(buf); err != nil {
		return err
	}
	_, err := di.WriteData(uint64(n)*DirEntrySize, buf, &ino.FS.DataBitmap, ino.FS.Dev, time.Time{})
	return err
}

// Find scans this directory's entries for `name` and returns the child's
// Inode handle on the first match. self must be a directory.
func (ino Inode) Find(name string) (Inode, error) {
	di, err := ino.ReadInode()
	if err != nil {
		return Inode{}, err
	}
	if di.Type != TypeDir {
		return Inode{}, ErrNotDirectory
	}

	count := dirEntryCount(di)
	for i := uint32(0); i < count; i++ {
		e, err := ino.readEntry(di, i)
		if err != nil {
			return Inode{}, err
		}
		if !e.IsEmpty() && e.Name == name {
			return Inode{Pos: ino.FS.InodeIDToPos(e.InodeID), FS: ino.FS}, nil
		}
	}
	return Inode{}, ErrEntryNotFound
}

// List returns every live DirEntry in this directory, in on-disk order.
func (ino Inode) List() ([]DirEntry, error) {
	di, err := ino.ReadInode()
	if err != nil {
		return nil, err
	}
	if di.Type != TypeDir {
		return nil, ErrNotDirectory
	}

	count := dirEntryCount(di)
	out := make([]DirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := ino.readEntry(di, i)
		if err != nil {
			return nil, err
		}
		if !e.IsEmpty() {
			out = append(out, e)
		}
	}
	return out, nil
}

// IsEmptyDir reports whether this directory holds only "." and "..": by
// definition, exactly one data block, only those two entries.
func (ino Inode) IsEmptyDir() (bool, error) {
	di, err := ino.ReadInode()
	if err != nil {
		return false, err
	}
	if di.Type != TypeDir {
		return false, ErrNotDirectory
	}
	return dirEntryCount(di) <= 2, nil
}

// Create allocates a new inode, appends a DirEntry for `name` to self
// (which must be a directory), and for a new subdirectory writes its "."
// and ".." entries. Returns the new child's handle.
func (ino Inode) Create(name string, childType uint8, uid, gid uint32, mode uint32, now time.Time) (Inode, error) {
	if len(name) > MaxDirNameLen {
		return Inode{}, ErrNameTooLong
	}

	parentDi, err := ino.ReadInode()
	if err != nil {
		return Inode{}, err
	}
	if parentDi.Type != TypeDir {
		return Inode{}, ErrNotDirectory
	}
	if _, err := ino.Find(name); err == nil {
		return Inode{}, ErrEntryExists
	}

	childID, err := ino.FS.AllocInode()
	if err != nil {
		return Inode{}, err
	}
	child := Inode{Pos: ino.FS.InodeIDToPos(childID), FS: ino.FS}
	childDi := NewDiskInode(childType, uid, gid, mode, now)

	if childType == TypeDir {
		childDi.LinkCount = 2 // "." plus the entry we're about to add in the parent.
		// writeEntry's underlying WriteData auto-grows childDi past its
		// initial zero size, so no separate Resize is needed here.
		if err := child.writeEntry(childDi, 0, DirEntry{Name: ".", InodeID: childID}); err != nil {
			return Inode{}, err
		}
		if err := child.writeEntry(childDi, 1, DirEntry{Name: "..", InodeID: ino.ID()}); err != nil {
			return Inode{}, err
		}
		parentDi.LinkCount++ // this child's ".." now points back at the parent.
	}

	if err := child.WriteInode(childDi); err != nil {
		return Inode{}, err
	}

	slot := dirEntryCount(parentDi)
	if err := ino.writeEntry(parentDi, slot, DirEntry{Name: name, InodeID: childID}); err != nil {
		return Inode{}, err
	}
	if err := ino.WriteInode(parentDi); err != nil {
		return Inode{}, err
	}

	return child, nil
}

// Remove deletes the entry named `name` from self. If the target's link
// count drops to zero, its data is truncated and its inode is freed.
// Directory compaction: the removed slot is overwritten with the final
// entry's bytes, then the directory shrinks by one DirEntry.
func (ino Inode) Remove(name string, now time.Time) error {
	parentDi, err := ino.ReadInode()
	if err != nil {
		return err
	}
	if parentDi.Type != TypeDir {
		return ErrNotDirectory
	}

	idx, entry, err := ino.findSlot(parentDi, name)
	if err != nil {
		return err
	}

	targetPos := ino.FS.InodeIDToPos(entry.InodeID)
	target := Inode{Pos: targetPos, FS: ino.FS}
	targetDi, err := target.ReadInode()
	if err != nil {
		return err
	}

	if targetDi.Type == TypeDir {
		empty, err := target.IsEmptyDir()
		if err != nil {
			return err
		}
		if !empty {
			return ErrNotEmpty
		}
	}

	if err := ino.compactAway(parentDi, idx); err != nil {
		return err
	}

	targetDi.LinkCount--
	if targetDi.Type == TypeDir {
		parentDi.LinkCount-- // the removed directory's ".." no longer points here.
		// A directory has exactly one parent dirent by construction
		// (IsEmptyDir already confirmed it has no children, so its
		// LinkCount here is exactly 2: itself plus that one dirent).
		// Removing that dirent always deletes the directory outright, so
		// its own "." self-reference goes with it.
		targetDi.LinkCount--
	}

	if targetDi.LinkCount == 0 {
		if err := targetDi.Clear(&ino.FS.DataBitmap, ino.FS.Dev, now); err != nil {
			return err
		}
		if err := ino.FS.FreeInode(entry.InodeID); err != nil {
			return err
		}
	} else {
		if err := target.WriteInode(targetDi); err != nil {
			return err
		}
	}

	return ino.WriteInode(parentDi)
}

// Link adds or updates a DirEntry named `name` pointing at target,
// incrementing target's link count. If an entry with that name already
// exists and replace is false, this fails with ErrEntryExists.
func (ino Inode) Link(name string, target Inode, replace bool, now time.Time) error {
	parentDi, err := ino.ReadInode()
	if err != nil {
		return err
	}
	if parentDi.Type != TypeDir {
		return ErrNotDirectory
	}

	targetDi, err := target.ReadInode()
	if err != nil {
		return err
	}

	idx, _, err := ino.findSlot(parentDi, name)
	if err == nil {
		if !replace {
			return ErrEntryExists
		}
		if err := ino.writeEntry(parentDi, idx, DirEntry{Name: name, InodeID: target.ID()}); err != nil {
			return err
		}
	} else {
		slot := dirEntryCount(parentDi)
		if err := ino.writeEntry(parentDi, slot, DirEntry{Name: name, InodeID: target.ID()}); err != nil {
			return err
		}
	}

	targetDi.LinkCount++
	if err := target.WriteInode(targetDi); err != nil {
		return err
	}

	return ino.WriteInode(parentDi)
}

// Unlink removes the entry named `name` from self via the same
// compaction as Remove, but does not free the target — it decrements the
// target's link count and returns its handle. Used by Rename.
func (ino Inode) Unlink(name string, now time.Time) (Inode, error) {
	parentDi, err := ino.ReadInode()
	if err != nil {
		return Inode{}, err
	}
	if parentDi.Type != TypeDir {
		return Inode{}, ErrNotDirectory
	}

	idx, entry, err := ino.findSlot(parentDi, name)
	if err != nil {
		return Inode{}, err
	}

	if err := ino.compactAway(parentDi, idx); err != nil {
		return Inode{}, err
	}

	target := Inode{Pos: ino.FS.InodeIDToPos(entry.InodeID), FS: ino.FS}
	targetDi, err := target.ReadInode()
	if err != nil {
		return Inode{}, err
	}
	targetDi.LinkCount--
	if targetDi.Type == TypeDir {
		parentDi.LinkCount--
	}
	if err := target.WriteInode(targetDi); err != nil {
		return Inode{}, err
	}
	if err := ino.WriteInode(parentDi); err != nil {
		return Inode{}, err
	}
	return target, nil
}

// findSlot returns the entry index and value for `name`, or
// ErrEntryNotFound.
func (ino Inode) findSlot(di *DiskInode, name string) (uint32, DirEntry, error) {
	count := dirEntryCount(di)
	for i := uint32(0); i < count; i++ {
		e, err := ino.readEntry(di, i)
		if err != nil {
			return 0, DirEntry{}, err
		}
		if !e.IsEmpty() && e.Name == name {
			return i, e, nil
		}
	}
	return 0, DirEntry{}, ErrEntryNotFound
}

// compactAway removes the entry at index `idx` by copying the final
// entry's bytes over it (unless idx is already the final entry), then
// shrinking the directory by one DirEntry.
func (ino Inode) compactAway(di *DiskInode, idx uint32) error {
	count := dirEntryCount(di)
	last := count - 1
	if idx != last {
		lastEntry, err := ino.readEntry(di, last)
		if err != nil {
			return err
		}
		if err := ino.writeEntry(di, idx, lastEntry); err != nil {
			return err
		}
	}
	return di.Resize(uint64(last)*DirEntrySize, &ino.FS.DataBitmap, ino.FS.Dev, time.Time{})
}

// fixDotDot rewrites this directory's ".." entry to point at newParentID.
// Used by Rename when a directory moves to a different parent.
func (ino Inode) fixDotDot(newParentID uint32) error {
	di, err := ino.ReadInode()
	if err != nil {
		return err
	}
	if di.Type != TypeDir {
		return ErrNotDirectory
	}
	if err := ino.writeEntry(di, 1, DirEntry{Name: "..", InodeID: newParentID}); err != nil {
		return err
	}
	return ino.WriteInode(di)
}

// adjustLinkCount adds delta to this inode's link count and persists it.
func (ino Inode) adjustLinkCount(delta int32) error {
	di, err := ino.ReadInode()
	if err != nil {
		return err
	}
	di.LinkCount = uint32(int32(di.LinkCount) + delta)
	return ino.WriteInode(di)
}

// dropLink decrements this inode's link count by one, freeing its data and
// inode id if the count reaches zero. Used when a dirent pointing at this
// inode is overwritten (e.g. rename replacing an existing destination)
// rather than removed outright, so the old target isn't orphaned with a
// link count that can never reach zero.
//
// A directory being overwritten this way is, by construction, empty and
// singly-parented (the caller already verified that via IsEmptyDir before
// the overwrite) — the dirent being replaced is its only reference, so its
// own "." self-reference goes with it, same as Remove on a directory.
func (ino Inode) dropLink(now time.Time) error {
	di, err := ino.ReadInode()
	if err != nil {
		return err
	}
	di.LinkCount--
	if di.Type == TypeDir {
		di.LinkCount--
	}
	if di.LinkCount > 0 {
		return ino.WriteInode(di)
	}
	if err := di.Clear(&ino.FS.DataBitmap, ino.FS.Dev, now); err != nil {
		return err
	}
	return ino.FS.FreeInode(ino.ID())
}
