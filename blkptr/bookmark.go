/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 14:01:11 2019 mstenber
 * Last modified: Wed Mar 13 14:20:46 2019 mstenber
 * Edit time:     14 min
 *
 */

package blkptr

// Bookmark names a logical block's position in the object hierarchy.
// The allocation throttle orders its queues by it so that writes to
// adjacent logical positions allocate near each other.
type Bookmark struct {
	Objset, Object uint64
	Level          int64
	Blkid          uint64
}

// Compare is a total order: objset, object, level, blkid. Ties are
// broken by the caller (operation identity).
func (self Bookmark) Compare(other Bookmark) int {
	switch {
	case self.Objset != other.Objset:
		return cmpU64(self.Objset, other.Objset)
	case self.Object != other.Object:
		return cmpU64(self.Object, other.Object)
	case self.Level != other.Level:
		if self.Level < other.Level {
			return -1
		}
		return 1
	case self.Blkid != other.Blkid:
		return cmpU64(self.Blkid, other.Blkid)
	}
	return 0
}

func cmpU64(a, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}
