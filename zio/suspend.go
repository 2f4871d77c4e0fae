/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 28 13:05:41 2019 mstenber
 * Last modified: Fri May 10 14:02:17 2019 mstenber
 * Edit time:     160 min
 *
 */

package zio

import (
	"github.com/fingon/go-zpool/mlog"
)

// Pool suspension. When an operation fails in a way the caller did
// not opt into tolerating, it parks under a pool-wide suspend root
// instead of completing with an error; Resume re-drives everything
// parked from its original starting state.

type reexecFlag int

const (
	reexecSuspend reexecFlag = 1 << iota
)

// suspendOp parks op under the suspend root, creating it (and
// flipping the pool to suspended) on first use.
func (self *Pool) suspendOp(op *Op) {
	self.lock.Lock()
	if self.suspendRoot == nil {
		self.suspendRoot = self.newOp(TypeNull, ChildLogical, PriSyncRead,
			FlagGodfather, interlockPipeline)
		self.suspended = true
		mlog.Printf2("zio/suspend", "p.suspendOp: pool suspended (%v)", op.err)
	}
	root := self.suspendRoot
	self.lock.Unlock()
	root.AddChild(op)
}

// Resume re-drives every parked operation and waits for the batch to
// finish. Returns the batch's summarizing error: nil when everything
// eventually landed.
func (self *Pool) Resume() error {
	self.lock.Lock()
	root := self.suspendRoot
	self.suspendRoot = nil
	self.suspended = false
	self.lock.Unlock()
	if root == nil {
		return nil
	}
	links := root.snapshotChildren()
	mlog.Printf2("zio/suspend", "p.Resume %d parked", len(links))
	for _, l := range links {
		l.child.reexecute()
		self.dispatch(l.child, dispatchIssue)
	}
	return root.Wait()
}

// reexecute rewinds the operation (and, depth-first, its parked
// children) back to its original pipeline so it can run again from
// scratch. Parent wait accounting is restored for every surviving
// link.
func (self *Op) reexecute() {
	self.lock.Lock()
	self.flags = self.origFlags | FlagReexecuted
	self.stage = StageOpen
	self.pipeline = self.origPipeline
	self.err = OK
	self.reexec = 0
	self.bp = self.bpOrig
	self.dvaIndex = 0
	self.gangTree = nil
	self.gangAllocs = nil
	self.allocated = false
	self.ddtKey = nil
	self.ddtLead = false
	self.keptCopies = 0
	for w := waitReady; w < numWaits; w++ {
		self.state[w] = false
	}
	for ct := ChildVdev; ct < numChildTypes; ct++ {
		self.childError[ct] = OK
	}
	self.stall = nil
	links := append([]*link{}, self.children...)
	self.lock.Unlock()

	mlog.Printf2("zio/suspend", "z.reexecute %d %v", self.id, self.ioType)
	for _, l := range links {
		child := l.child
		child.reexecute()
		self.lock.Lock()
		child.lock.Lock()
		for w := waitReady; w < numWaits; w++ {
			if !l.waiting[w] {
				l.waiting[w] = true
				self.childCount[child.child][w]++
			}
		}
		child.lock.Unlock()
		self.lock.Unlock()
		self.pool.dispatch(child, dispatchIssue)
	}
}
