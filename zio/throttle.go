/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 26 08:55:12 2019 mstenber
 * Last modified: Fri May 10 11:30:08 2019 mstenber
 * Edit time:     170 min
 *
 */

package zio

import (
	"sort"

	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

// The allocation throttle bounds how many allocating writes are in
// flight per class. Excess writers park in a queue ordered by
// bookmark, so the ones that do run allocate in roughly logical
// order, which keeps related blocks near each other on disk.

type allocQueue struct {
	class alloc.Class
	limit int

	lock        util.MutexLocked
	outstanding int
	parked      []*Op
}

func newAllocQueue(class alloc.Class, limit int) *allocQueue {
	return &allocQueue{class: class, limit: limit}
}

// reserve grants a slot or parks the operation (stage marker already
// rewound by the caller).
func (self *allocQueue) reserve(op *Op) bool {
	defer self.lock.Locked()()
	if self.limit < 0 || self.outstanding < self.limit {
		self.outstanding++
		return true
	}
	self.parked = append(self.parked, op)
	sort.SliceStable(self.parked, func(i, j int) bool {
		a, b := self.parked[i], self.parked[j]
		if c := a.bookmark.Compare(b.bookmark); c != 0 {
			return c < 0
		}
		return a.id < b.id
	})
	mlog.Printf2("zio/throttle", "q.reserve %v parked %d (%d waiting)",
		self.class, op.id, len(self.parked))
	return false
}

// release returns a slot and wakes the best parked waiter, if any.
func (self *allocQueue) release(pool *Pool) {
	self.lock.Lock()
	self.outstanding--
	var next *Op
	if len(self.parked) > 0 {
		next = self.parked[0]
		self.parked = self.parked[1:]
	}
	self.lock.Unlock()
	if next != nil {
		pool.dispatch(next, dispatchIssue)
	}
}

// classFallback is the out-of-space policy per class: where the
// allocation moves, and whether the move re-enters the throttle
// (dedicated classes spill to the normal one; normal has nowhere to
// go; the log spills but keeps its slot to stay low-latency).
func classFallback(c alloc.Class) (to alloc.Class, reenter, ok bool) {
	switch c {
	case alloc.ClassSpecial:
		return alloc.ClassNormal, true, true
	case alloc.ClassDedup:
		return alloc.ClassNormal, true, true
	case alloc.ClassLog:
		return alloc.ClassNormal, false, true
	}
	return c, false, false
}

// throttled reports whether this operation competes for a slot at
// all. Urgent synchronous work, gang members (whose parent already
// holds a slot) and data-less operations bypass the throttle.
func (self *Op) throttled() bool {
	if self.pool.config.ThrottleLimit < 0 {
		return false
	}
	if self.priority <= PriSyncWrite {
		return false
	}
	if self.flags&FlagGangChild != 0 {
		return false
	}
	return self.data != nil
}

func (self *Op) stageDVAThrottle() *Op {
	if !self.throttled() {
		return self
	}
	q := self.pool.throttle[self.allocClass]
	// Rewind first: if we park, the wakeup re-runs this stage.
	self.stage >>= 1
	if !q.reserve(self) {
		return nil
	}
	self.stage <<= 1
	self.reserved.Set(1)
	self.reservedClass = self.allocClass
	return self
}

// releaseReservation gives the throttle slot back exactly once, no
// matter how many completion paths race to it (ready-with-error,
// done, class fallback, reexecution).
func (self *Op) releaseReservation() {
	if self.reserved.Swap(0) != 1 {
		return
	}
	self.pool.throttle[self.reservedClass].release(self.pool)
}
