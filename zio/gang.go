/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 27 09:30:11 2019 mstenber
 * Last modified: Fri May 10 12:20:39 2019 mstenber
 * Edit time:     340 min
 *
 */

package zio

import (
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/codec"
	"github.com/fingon/go-zpool/mlog"
)

// Gang blocks. When one contiguous allocation cannot be had, the
// block's frame is split across member extents named by an on-disk
// header; the descriptor then points at the header with the gang bit
// set. Reads, frees and claims first assemble the header tree
// (headers can nest when members themselves had to gang), then walk
// it.

type gangNode struct {
	// bp names this header's location(s); for the root it is the
	// operation's own descriptor.
	bp blkptr.Ptr
	// header is nil until the header read lands and verifies.
	header *blkptr.GangHeader
	// children is slot-indexed; non-nil only for nested headers.
	children []*gangNode
}

// stageGangAssemble kicks off the recursive header reads.
func (self *Op) stageGangAssemble() *Op {
	self.gangTree = &gangNode{bp: self.bp}
	self.readGangHeader(self.gangTree, 0)
	return self
}

// readGangHeader reads one copy of a header under self (the gang
// root). Failures are not propagated: a bad copy falls back to the
// next one, and a completely unreadable header is detected by the
// walk finding the node empty.
func (self *Op) readGangHeader(node *gangNode, dvaIndex int) {
	d := node.bp.DVA[dvaIndex]
	asize := d.Asize
	op := self.pool.newOp(TypeRead, ChildGang, self.priority,
		FlagPhysical|FlagDontPropagate, physPipeline)
	op.vdevID = d.Vdev
	op.offset = d.Offset
	op.data = self.pool.config.Buffers.Get(asize)
	op.size = asize
	op.ownsData = true
	verifier := blkptr.GangVerifier(d.Vdev, d.Offset, node.bp.BirthTxg)
	op.doneCb = func(c *Op) {
		if c.err == OK {
			gh, err := blkptr.DecodeGangHeader(c.data[:asize], verifier,
				codec.GangSum, &self.pool.bpConfig)
			if err == nil {
				self.assembleNode(node, gh)
				return
			}
			mlog.Printf2("zio/gang", "z.readGangHeader %d copy %d: %v",
				self.id, dvaIndex, err)
		}
		if dvaIndex+1 < node.bp.NDVAs() {
			self.readGangHeader(node, dvaIndex+1)
		}
	}
	self.AddChild(op)
	self.pool.dispatch(op, dispatchIssue)
}

func (self *Op) assembleNode(node *gangNode, gh *blkptr.GangHeader) {
	node.header = gh
	node.children = make([]*gangNode, len(gh.Slots))
	for i := range gh.Slots {
		slot := &gh.Slots[i]
		if slot.IsGang() {
			node.children[i] = &gangNode{bp: *slot}
			self.readGangHeader(node.children[i], 0)
		}
	}
}

// treeComplete verifies every reachable header landed.
func treeComplete(node *gangNode) bool {
	if node.header == nil {
		return false
	}
	for _, c := range node.children {
		if c != nil && !treeComplete(c) {
			return false
		}
	}
	return true
}

// stageGangIssue waits out the assembly, then performs the
// type-specific walk.
func (self *Op) stageGangIssue() *Op {
	if self.waitForChildren(1<<ChildGang, waitDone) {
		return nil
	}
	if self.err != OK {
		self.pipeline = self.stage | self.pipeline&interlockStages | StageDone
		return self
	}
	if !treeComplete(self.gangTree) {
		mlog.Printf2("zio/gang", "z.stageGangIssue %d header unreadable", self.id)
		self.err = EChecksum
		self.pipeline = self.stage | self.pipeline&interlockStages | StageDone
		return self
	}
	switch self.ioType {
	case TypeRead:
		self.issueGangReads(self.gangTree, 0)
		self.pipeline = self.stage | self.pipeline&StageReady |
			StageChecksumVerify | StageDone
	case TypeFree:
		self.gangWalkFree(self.gangTree)
		self.pipeline = self.stage | StageDone
	case TypeClaim:
		self.gangWalkClaim(self.gangTree)
		self.pipeline = self.stage | StageDone
	default:
		panic("zio: gang issue on unexpected operation type")
	}
	return self
}

// issueGangReads creates one raw member read per leaf slot, each
// landing in its region of the frame buffer. Returns the frame offset
// after this subtree.
func (self *Op) issueGangReads(node *gangNode, off int) int {
	for i := range node.header.Slots {
		slot := &node.header.Slots[i]
		if slot.IsHole() {
			continue
		}
		if slot.IsGang() {
			off = self.issueGangReads(node.children[i], off)
			continue
		}
		n := slot.PhysicalSize
		op := self.pool.newOp(TypeRead, ChildGang, self.priority, FlagRaw,
			readPipeline)
		op.bp = *slot
		op.bpOrig = *slot
		op.lsize = slot.LogicalSize
		op.data = self.data[off : off+n]
		op.size = n
		self.AddChild(op)
		self.pool.dispatch(op, dispatchIssue)
		off += n
	}
	return off
}

// gangWalkFree returns members depth-first, then the header's own
// extents.
func (self *Op) gangWalkFree(node *gangNode) {
	for i := range node.header.Slots {
		slot := &node.header.Slots[i]
		if slot.IsHole() {
			continue
		}
		if slot.IsGang() {
			self.gangWalkFree(node.children[i])
			continue
		}
		for _, d := range slot.DVA {
			if !d.IsEmpty() {
				self.pool.config.Alloc.Free(d, self.txg)
			}
		}
	}
	for _, d := range node.bp.DVA {
		if !d.IsEmpty() {
			self.pool.config.Alloc.Free(d, self.txg)
		}
	}
}

func (self *Op) gangWalkClaim(node *gangNode) {
	claim := func(d blkptr.DVA) {
		if d.IsEmpty() {
			return
		}
		if err := self.pool.config.Alloc.Claim(d, self.txg); err != nil {
			self.err = WorstError(self.err, toErrno(err))
		}
	}
	for i := range node.header.Slots {
		slot := &node.header.Slots[i]
		if slot.IsHole() {
			continue
		}
		if slot.IsGang() {
			self.gangWalkClaim(node.children[i])
			continue
		}
		for _, d := range slot.DVA {
			claim(d)
		}
	}
	for _, d := range node.bp.DVA {
		claim(d)
	}
}

func (self *Op) recordGangAllocs(dvas []blkptr.DVA) {
	defer self.lock.Locked()()
	self.gangAllocs = append(self.gangAllocs, dvas...)
}

// unwindAllocations returns whatever a failed write managed to
// place. For a gang root that is every recorded header and member
// extent; for a plain write, its own locations. Members leave it to
// their root.
func (self *Op) unwindAllocations() {
	if self.ioType != TypeWrite || self.gangRoot != nil {
		return
	}
	self.lock.Lock()
	dvas := self.gangAllocs
	self.gangAllocs = nil
	self.lock.Unlock()
	if dvas == nil && self.allocated {
		for i, d := range self.bp.DVA {
			// Slots kept from an existing dedup copy are not ours
			// to return.
			if d.IsEmpty() || i < self.keptCopies {
				continue
			}
			dvas = append(dvas, d)
		}
		self.allocated = false
	}
	if len(dvas) == 0 {
		return
	}
	for _, d := range dvas {
		self.pool.config.Alloc.Free(d, self.txg)
	}
	mlog.Printf2("zio/gang", "z.unwindAllocations %d freed %d extents",
		self.id, len(dvas))
}

// gangGeometry picks the header size and member chunk size for a
// frame of psize bytes. Oversized frames get a dynamic header when
// the pool allows it; using one activates the feature permanently.
func (self *Op) gangGeometry(psize int) (hdrSize, chunk int) {
	hdrSize = blkptr.LegacyGangHeaderSize
	slots := blkptr.LegacyGangSlots
	if self.pool.config.DynamicGangHeaders {
		const targetChunk = 128 * 1024
		want := (psize + targetChunk - 1) / targetChunk
		if want > slots {
			hdrSize = roundUpSector(want*blkptr.PtrSize + blkptr.GangTailSize)
			if hdrSize > blkptr.MaxGangHeaderSize {
				hdrSize = blkptr.MaxGangHeaderSize
			}
			slots = blkptr.GangSlots(hdrSize)
			self.pool.activateFeature("dynamic_gang_headers")
		}
	}
	chunk = roundUpSector((psize + slots - 1) / slots)
	return hdrSize, chunk
}

// writeGangBlock converts a write that cannot allocate contiguously:
// the frame splits into member child writes under a header write op.
// The header is written only after every member is ready (has its
// location), which is what fills its slots.
func (self *Op) writeGangBlock() *Op {
	psize := self.size
	root := self.gangRoot
	if root == nil {
		root = self
	}
	copies := self.prop.Copies
	if copies == 0 {
		copies = 1
	}
	hdrSize, chunk := self.gangGeometry(psize)
	hdrDVAs, err := self.pool.config.Alloc.Alloc(self.allocClass, hdrSize,
		copies, self.txg)
	if err != nil {
		self.interrupt(toErrno(err))
		return self
	}
	root.recordGangAllocs(hdrDVAs)
	header := blkptr.NewGangHeader(hdrSize)

	// The descriptor keeps its logical identity (sizes, digest) and
	// now points at the header.
	self.bp.DVA = [blkptr.DVAsPerPtr]blkptr.DVA{}
	for i, d := range hdrDVAs {
		d.Gang = true
		self.bp.DVA[i] = d
	}
	mlog.Printf2("zio/gang", "z.writeGangBlock %d psize=%d hdr=%d chunk=%d",
		self.id, psize, hdrSize, chunk)

	hbp := self.bp
	hbp.LogicalSize = hdrSize
	hbp.PhysicalSize = hdrSize
	hbp.Checksum = blkptr.ChecksumGangHeader
	hw := self.pool.newOp(TypeWrite, ChildGang, self.priority,
		FlagRaw|FlagGangChild, rewritePipeline)
	hw.bp = hbp
	hw.bpOrig = hbp
	hw.size = hdrSize
	hw.lsize = hdrSize
	hw.txg = self.txg
	hw.gangHeader = header
	hw.gangRoot = root
	self.AddChild(hw)

	for off, i := 0, 0; off < psize; i++ {
		n := chunk
		if off+n > psize {
			n = psize - off
		}
		m := self.pool.newOp(TypeWrite, ChildGang, self.priority,
			FlagRaw|FlagGangChild, gangMemberPipeline)
		m.bp = blkptr.Ptr{
			Type:         self.bp.Type,
			Level:        self.bp.Level,
			LogicalSize:  n,
			PhysicalSize: n,
			Checksum:     blkptr.ChecksumFletcher4,
			Compress:     blkptr.CompressOff,
			BirthTxg:     self.txg,
			PhysBirthTxg: self.txg,
			Fill:         1,
		}
		m.bpOrig = m.bp
		m.data = self.data[off : off+n]
		m.size = n
		m.lsize = n
		m.txg = self.txg
		m.bookmark = self.bookmark
		m.allocClass = self.allocClass
		m.prop.Copies = copies
		m.gangRoot = root
		slot := i
		m.readyCb = func(mo *Op) {
			if mo.err == OK {
				header.Slots[slot] = mo.bp
			}
		}
		hw.AddChild(m)
		self.pool.dispatch(m, dispatchIssue)
		off += n
	}
	self.pool.dispatch(hw, dispatchIssue)
	// Members do the device work from here on.
	self.pipeline &^= vdevIOStages
	return self
}
