/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 26 10:12:45 2019 mstenber
 * Last modified: Fri May 10 11:44:51 2019 mstenber
 * Edit time:     140 min
 *
 */

package zio

import (
	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/mlog"
)

// The allocator stages: placing new writes, returning freed extents,
// and re-claiming extents during log replay.

func (self *Op) stageDVAAllocate() *Op {
	copies := self.prop.Copies
	if copies == 0 {
		copies = 1
	}
	// Slots already carrying extents (a widened dedup copy) stay put;
	// only the missing ones get placed.
	have := self.bp.NDVAs()
	if have >= copies {
		return self
	}
	for {
		dvas, err := self.pool.config.Alloc.Alloc(self.allocClass,
			self.size, copies-have, self.txg)
		if err == nil {
			for i, d := range dvas {
				self.bp.DVA[have+i] = d
			}
			self.bp.PhysicalSize = self.size
			self.allocated = true
			if self.gangRoot != nil {
				self.gangRoot.recordGangAllocs(dvas)
			}
			return self
		}
		if err != alloc.ErrNoSpace {
			self.interrupt(toErrno(err))
			return self
		}
		if to, reenter, ok := classFallback(self.allocClass); ok {
			mlog.Printf2("zio/dva", "z.stageDVAAllocate %d %v -> %v",
				self.id, self.allocClass, to)
			self.allocClass = to
			if reenter {
				self.releaseReservation()
				self.stage = StageDVAThrottle >> 1
				return self
			}
			continue
		}
		// Splitting into a gang turns one large allocation into
		// several smaller ones.
		if self.ioType == TypeWrite && self.flags&FlagNopWrite == 0 &&
			self.keptCopies == 0 && self.size >= 2*blkptr.SectorSize {
			return self.writeGangBlock()
		}
		self.interrupt(ENoSpace)
		return self
	}
}

func (self *Op) stageDVAFree() *Op {
	for _, d := range self.bp.DVA {
		if d.IsEmpty() {
			continue
		}
		self.pool.config.Alloc.Free(d, self.txg)
	}
	return self
}

func (self *Op) stageDVAClaim() *Op {
	for _, d := range self.bp.DVA {
		if d.IsEmpty() {
			continue
		}
		if err := self.pool.config.Alloc.Claim(d, self.txg); err != nil {
			mlog.Printf2("zio/dva", "z.stageDVAClaim %d: %v", self.id, err)
			self.err = WorstError(self.err, toErrno(err))
		}
	}
	return self
}
