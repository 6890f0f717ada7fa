package blockfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// DirEntrySize is the fixed on-disk width of one directory entry: the name
// field plus the trailing NUL plus the 4-byte inode id.
const DirEntrySize = MaxDirNameLen + 1 + 4

// DirEntry is one fixed-size record in a directory's data. InodeID ==
// DirEntryEmpty with an empty Name marks an unused slot.
type DirEntry struct {
	Name    string
	InodeID uint32
}

// MarshalBlock writes entry into a DirEntrySize-byte buffer.
func (e *DirEntry) MarshalBlock(buf []byte) error {
	if len(buf) != DirEntrySize {
		return fmt.Errorf("dirent buffer must be %d bytes, got %d", DirEntrySize, len(buf))
	}
	if len(e.Name) > MaxDirNameLen {
		return ErrNameTooLong
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[:MaxDirNameLen], e.Name)
	w := bytewriter.New(buf[MaxDirNameLen+1:])
	return binary.Write(w, binary.LittleEndian, e.InodeID)
}

// UnmarshalBlock reads a DirEntry out of a DirEntrySize-byte buffer.
func (e *DirEntry) UnmarshalBlock(buf []byte) error {
	if len(buf) != DirEntrySize {
		return fmt.Errorf("dirent buffer must be %d bytes, got %d", DirEntrySize, len(buf))
	}
	nameBytes := buf[:MaxDirNameLen]
	nul := bytes.IndexByte(nameBytes, 0)
	if nul < 0 {
		nul = len(nameBytes)
	}
	e.Name = string(nameBytes[:nul])
	r := bytes.NewReader(buf[MaxDirNameLen+1:])
	return binary.Read(r, binary.LittleEndian, &e.InodeID)
}

// IsEmpty reports whether this slot is unused.
func (e *DirEntry) IsEmpty() bool {
	return e.InodeID == DirEntryEmpty
}

// dirEntriesPerBlock returns how many packed DirEntry records fit in one
// block of the given size.
func dirEntriesPerBlock(blockSize uint32) uint32 {
	return blockSize / DirEntrySize
}
