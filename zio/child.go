/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 22 10:02:31 2019 mstenber
 * Last modified: Thu May  9 11:14:50 2019 mstenber
 * Edit time:     180 min
 *
 */

package zio

import (
	"fmt"

	"github.com/fingon/go-zpool/mlog"
)

// The dependency graph: every in-flight operation may have parents
// waiting on its milestones (ready, done). Links are shared objects
// referenced from both endpoints; every mutation takes the parent's
// lock before the child's, and traversal works over snapshots so the
// lists can change while callbacks run.

// AddChild makes child a dependency of self: self will not pass its
// ready stage before child is ready, nor its done stage before child
// is done.
func (self *Op) AddChild(child *Op) {
	if child.child > self.child {
		panic(fmt.Sprintf("zio: %v child under %v parent", child.child, self.child))
	}
	l := &link{parent: self, child: child}

	self.lock.Lock()
	defer self.lock.Unlock()
	child.lock.Lock()
	defer child.lock.Unlock()

	if self.state[waitDone] {
		panic("zio: adding a child to a completed parent")
	}
	for w := waitReady; w < numWaits; w++ {
		if !child.state[w] {
			l.waiting[w] = true
			self.childCount[child.child][w]++
		}
	}
	self.children = append(self.children, l)
	child.parents = append(child.parents, l)
	// A failed child recorded its error before we linked up. Parked
	// work is not failed yet; barriers must not inherit its error
	// (mirrors notifyParent).
	parked := self.flags&FlagGodfather != 0 && child.reexec != 0
	if child.err != OK && !parked && child.flags&FlagDontPropagate == 0 {
		self.childError[child.child] =
			WorstError(self.childError[child.child], child.err)
	}
	mlog.Printf2("zio/child", "z.AddChild %d <- %d", self.id, child.id)
}

func (self *Op) removeChild(l *link) {
	self.lock.Lock()
	defer self.lock.Unlock()
	l.child.lock.Lock()
	defer l.child.lock.Unlock()
	self.children = removeLink(self.children, l)
	l.child.parents = removeLink(l.child.parents, l)
}

func removeLink(links []*link, l *link) []*link {
	for i, c := range links {
		if c == l {
			return append(links[:i], links[i+1:]...)
		}
	}
	return links
}

// snapshotParents returns a copy of the parent links so callers can
// iterate without holding the lock.
func (self *Op) snapshotParents() []*link {
	self.lock.Lock()
	defer self.lock.Unlock()
	return append([]*link{}, self.parents...)
}

func (self *Op) snapshotChildren() []*link {
	self.lock.Lock()
	defer self.lock.Unlock()
	return append([]*link{}, self.children...)
}

// waitForChildren stalls the pipeline until every child type in mask
// has reached w. Returns true when a wait was armed: the stage marker
// has been rewound so the stage re-runs once the counter drains.
func (self *Op) waitForChildren(mask uint, w waitClass) bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	for ct := ChildVdev; ct < numChildTypes; ct++ {
		if mask&(1<<uint(ct)) == 0 {
			continue
		}
		cnt := &self.childCount[ct][w]
		if *cnt != 0 {
			self.stall = cnt
			self.stage >>= 1
			mlog.Printf2("zio/child", "z.waitForChildren %d stalls on %v/%d (%d)",
				self.id, ct, w, *cnt)
			return true
		}
	}
	return false
}

const allChildren = 1<<uint(numChildTypes) - 1

// notifyParent records self's milestone with one parent. When the
// parent was stalled on exactly this counter and it drains, the
// parent resumes: in *next when chaining is allowed and the types
// match (zero-hop continuation), otherwise on a completion worker.
func (self *Op) notifyParent(l *link, w waitClass, next **Op) {
	parent := l.parent
	parent.lock.Lock()
	defer parent.lock.Unlock()
	if !l.waiting[w] {
		return
	}
	l.waiting[w] = false
	propagate := self.flags&FlagDontPropagate == 0
	if parent.flags&FlagGodfather != 0 && self.reexec != 0 {
		// Parked work is not failed yet; barriers must neither
		// inherit its error nor park themselves.
		propagate = false
	} else {
		parent.reexec |= self.reexec
	}
	if self.err != OK && propagate {
		parent.childError[self.child] =
			WorstError(parent.childError[self.child], self.err)
	}
	cnt := &parent.childCount[self.child][w]
	*cnt--
	if parent.stall == cnt && *cnt == 0 {
		parent.stall = nil
		if next != nil && *next == nil && parent.ioType == self.ioType {
			*next = parent
		} else {
			self.pool.dispatch(parent, dispatchInterrupt)
		}
	}
}

// notifyParents marks the milestone reached and wakes every parent
// through the completion workers. Links stay in place; only full
// completion (completeAndUnlink) severs them.
func (self *Op) notifyParents(w waitClass) {
	self.lock.Lock()
	self.state[w] = true
	self.lock.Unlock()
	for _, l := range self.snapshotParents() {
		self.notifyParent(l, w, nil)
	}
}

// completeAndUnlink is the end of the line: the operation removes
// itself from every parent and delivers the done milestone. One
// resumed parent may be handed back for the caller's goroutine to
// execute (zero-hop chaining).
func (self *Op) completeAndUnlink() *Op {
	self.lock.Lock()
	self.state[waitDone] = true
	self.lock.Unlock()
	var next *Op
	for _, l := range self.snapshotParents() {
		l.parent.removeChild(l)
		self.notifyParent(l, waitDone, &next)
	}
	return next
}

// inheritChildErrors folds the per-type child error slots into the
// operation's own error.
func (self *Op) inheritChildErrors() {
	self.lock.Lock()
	defer self.lock.Unlock()
	for ct := ChildVdev; ct < numChildTypes; ct++ {
		self.err = WorstError(self.err, self.childError[ct])
	}
}
