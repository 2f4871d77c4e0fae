/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 28 10:15:55 2019 mstenber
 * Last modified: Fri May 10 13:33:20 2019 mstenber
 * Edit time:     280 min
 *
 */

package zio

import (
	"fmt"

	"github.com/fingon/go-zpool/mlog"
)

// The interlock stages. Ready marks the point where a write's
// descriptor is final (location chosen, digest computed); Done is
// full completion. Parents wait on these milestones, never on
// individual pipeline stages.

func (self *Op) stageReady() *Op {
	if self.waitForChildren(1<<ChildGang|1<<ChildDDT, waitReady) {
		return nil
	}
	if self.readyCb != nil {
		cb := self.readyCb
		self.readyCb = nil
		cb(self)
	}
	self.lock.Lock()
	e := WorstError(self.err,
		WorstError(self.childError[ChildGang], self.childError[ChildDDT]))
	self.lock.Unlock()
	if e != OK {
		// No point doing device work for a block that already
		// failed logically.
		self.pipeline = self.stage | StageDone
		self.releaseReservation()
	}
	self.notifyParents(waitReady)
	return self
}

func (self *Op) stageDone() *Op {
	if self.waitForChildren(allChildren, waitDone) {
		return nil
	}
	self.inheritChildErrors()
	self.popTransforms()
	if self.err != OK {
		self.unwindAllocations()
	}
	self.finalizeDDTLead()
	self.releaseReservation()

	if self.err != OK && self.child == ChildLogical &&
		self.flags&(FlagCanFail|FlagSpeculative|FlagGodfather) == 0 {
		switch self.pool.config.FailMode {
		case FailModeWait:
			self.reexec |= reexecSuspend
		case FailModePanic:
			panic(fmt.Sprintf("zio: unrecoverable %v failure: %v",
				self.ioType, self.err))
		}
	}
	if self.reexec != 0 && self.child == ChildLogical {
		return self.parkForReexecution()
	}

	if !self.state[waitReady] {
		self.notifyParents(waitReady)
	}
	if self.doneCb != nil {
		self.doneCb(self)
	}
	mlog.Printf2("zio/ready_done", "z.stageDone %d %v err=%v",
		self.id, self.ioType, self.err)
	next := self.completeAndUnlink()
	if self.waiter != nil {
		close(self.waiter)
	} else {
		self.destroy()
	}
	return next
}

// parkForReexecution stops the operation short of completion. Its
// waiter (if any) keeps waiting; godfather parents are released so
// barriers do not hang on suspended work; regular parents are told so
// the outermost affected operation parks (or suspends the pool)
// instead.
func (self *Op) parkForReexecution() *Op {
	mlog.Printf2("zio/ready_done", "z.parkForReexecution %d err=%v",
		self.id, self.err)
	ownRoot := true
	for _, l := range self.snapshotParents() {
		if l.parent.flags&FlagGodfather != 0 {
			self.notifyParent(l, waitReady, nil)
			self.notifyParent(l, waitDone, nil)
			l.parent.removeChild(l)
			continue
		}
		ownRoot = false
	}
	if !ownRoot {
		// A regular parent owns reexecution; hand the state up. The
		// links survive so the parent can re-drive us.
		if !self.state[waitReady] {
			self.notifyParents(waitReady)
		}
		self.notifyParents(waitDone)
		return nil
	}
	self.pool.suspendOp(self)
	return nil
}
