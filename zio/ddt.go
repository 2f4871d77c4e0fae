/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 28 08:47:29 2019 mstenber
 * Last modified: Fri May 10 12:51:02 2019 mstenber
 * Edit time:     190 min
 *
 */

package zio

import (
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/dedup"
	"github.com/fingon/go-zpool/mlog"
)

// The dedup stages. Content identity is the strong digest over the
// final stored frame plus the sizes and compression that produced it;
// the index maps identity to the extents already holding that
// content. Concurrent writers of new content elect a lead: the first
// one allocates and lands the copy, the rest wait behind it and then
// take references.

func (self *Op) ddtKeyFromBP() dedup.Key {
	return dedup.Key{
		Digest:   self.bp.Digest,
		Lsize:    self.bp.LogicalSize,
		Psize:    self.bp.PhysicalSize,
		Compress: self.bp.Compress,
	}
}

// stageDDTReadStart issues the actual content read as a child, routed
// through the index's stored copy when one exists.
func (self *Op) stageDDTReadStart() *Op {
	table := self.pool.config.DDT
	src := self.bp
	key := self.ddtKeyFromBP()
	if e, ok := table.Lookup(key); ok && e.HasCopy() {
		src = e.Ptr
	}
	op := self.pool.newOp(TypeRead, ChildDDT, self.priority,
		FlagRaw|FlagDDTChild, readPipeline)
	op.bp = src
	op.bpOrig = src
	op.lsize = src.LogicalSize
	op.data = self.data[:self.size]
	op.size = self.size
	self.AddChild(op)
	self.pool.dispatch(op, dispatchIssue)
	return self
}

func (self *Op) stageDDTReadDone() *Op {
	if self.waitForChildren(1<<ChildDDT, waitDone) {
		return nil
	}
	return self
}

// stageDDTWrite either takes a reference to an existing copy,
// chains behind the in-flight lead writer of the same content, or
// becomes the lead and continues down the full allocating pipeline.
// A stored copy with fewer slots than this write asks for is widened:
// the lead keeps the existing extents and writes only the missing
// copies next to them.
func (self *Op) stageDDTWrite() *Op {
	table := self.pool.config.DDT
	key := self.ddtKeyFromBP()
	copies := self.prop.Copies
	if copies == 0 {
		copies = 1
	}
	for {
		var lead *Op
		var base blkptr.Ptr
		reuse := false
		widen := false
		err := table.Update(key, func(e *dedup.Entry) {
			if e.HasCopy() && (e.Ptr.NDVAs() >= copies || e.Ptr.IsGang()) {
				e.Refs++
				self.bp = e.Ptr
				reuse = true
				return
			}
			if e.Lead != nil && e.Lead != self {
				lead = e.Lead.(*Op)
				return
			}
			e.Lead = self
			if e.HasCopy() {
				base = e.Ptr
				widen = true
			}
		})
		if err != nil {
			self.interrupt(EIO)
			return self
		}
		if reuse {
			self.bp.Dedup = true
			self.bp.BirthTxg = self.txg
			self.pipeline = self.stage | StageReady | StageDone
			mlog.Printf2("zio/ddt", "z.stageDDTWrite %d ref existing copy", self.id)
			return self
		}
		if lead == nil {
			// We are the lead: allocate and land the copy.
			self.ddtKey = &key
			self.ddtLead = true
			if widen {
				self.bp.DVA = base.DVA
				self.keptCopies = base.NDVAs()
			}
			self.pipeline |= StageDVAThrottle | StageDVAAllocate | vdevIOStages
			mlog.Printf2("zio/ddt", "z.stageDDTWrite %d lead (%d kept)",
				self.id, self.keptCopies)
			return self
		}
		self.AddChild(lead)
		if self.waitForChildren(1<<ChildLogical, waitDone) {
			mlog.Printf2("zio/ddt", "z.stageDDTWrite %d waits lead %d",
				self.id, lead.id)
			return nil
		}
		// The lead finished between lookup and linkage; look again.
	}
}

// finalizeDDTLead publishes the landed copy (or steps aside on
// failure) so chained writers can proceed.
func (self *Op) finalizeDDTLead() {
	if !self.ddtLead || self.ddtKey == nil {
		return
	}
	key := *self.ddtKey
	landed := self.err == OK
	bp := self.bp
	bp.Dedup = true
	err := self.pool.config.DDT.Update(key, func(e *dedup.Entry) {
		if e.Lead == self {
			e.Lead = nil
		}
		if landed {
			e.Ptr = bp
			e.Refs++
		}
	})
	if err != nil && self.err == OK {
		self.err = EIO
	}
	self.ddtLead = false
}

// stageDDTFree drops one reference; the last one frees the stored
// extents (via a child free that understands gangs).
func (self *Op) stageDDTFree() *Op {
	ptr, last, err := self.pool.config.DDT.Release(self.ddtKeyFromBP())
	if err != nil {
		self.err = WorstError(self.err, EIO)
		return self
	}
	if last && !ptr.IsHole() {
		ptr.Dedup = false
		child := self.pool.Free(ptr, self.txg)
		self.AddChild(child)
		self.pool.dispatch(child, dispatchIssue)
	}
	return self
}
