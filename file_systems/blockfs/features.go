package blockfs

import (
	"time"
)

// DefaultBlockSize is the block size new images are formatted with unless
// the caller overrides it; chosen so many DiskInodeSize records fit in one
// block and a direct-only file can still hold a useful amount of data.
const DefaultBlockSize = 4096

// Features implements sbfs.FSFeatures for this one on-disk format.
type Features struct{}

func (Features) HasDirectories() bool    { return true }
func (Features) HasHardLinks() bool      { return true }
func (Features) HasAccessedTime() bool   { return true }
func (Features) HasModifiedTime() bool   { return true }
func (Features) HasChangedTime() bool    { return true }
func (Features) HasUnixPermissions() bool { return true }
func (Features) HasUserID() bool         { return true }
func (Features) HasGroupID() bool        { return true }

func (Features) TimestampEpoch() time.Time { return time.Unix(0, 0) }

func (Features) DefaultBlockSize() int { return DefaultBlockSize }
