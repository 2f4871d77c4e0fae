/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 25 11:33:20 2019 mstenber
 * Last modified: Fri May 10 11:02:17 2019 mstenber
 * Edit time:     260 min
 *
 */

package zio

import (
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/codec"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/vdev"
)

// The device stages. Logical operations fan out here into physical
// children, one per device access; physical operations talk to the
// device queue and park until its completion callback fires.

// physicalChild builds one concrete device access under self.
func (self *Op) physicalChild(ioType OpType, vd uint32, offset uint64,
	data []byte, owned bool) *Op {
	flags := FlagPhysical | self.flags&(FlagDontRetry|FlagSpeculative|FlagCanFail)
	op := self.pool.newOp(ioType, ChildVdev, self.priority, flags, physPipeline)
	op.vdevID = vd
	op.offset = offset
	op.data = data
	op.size = len(data)
	op.ownsData = owned
	self.AddChild(op)
	return op
}

func (self *Op) stageVdevIOStart() *Op {
	if self.flags&FlagPhysical != 0 {
		return self.submitPhysical()
	}
	switch self.ioType {
	case TypeRead:
		d := self.bp.DVA[self.dvaIndex]
		child := self.physicalChild(TypeRead, d.Vdev, d.Offset,
			self.data[:self.size], false)
		self.pool.dispatch(child, dispatchIssue)
	case TypeWrite:
		if self.gangHeader != nil {
			self.startGangHeaderWrites()
			break
		}
		for i, d := range self.bp.DVA {
			// Slots kept from an existing dedup copy already hold
			// the content.
			if d.IsEmpty() || i < self.keptCopies {
				continue
			}
			child := self.physicalChild(TypeWrite, d.Vdev, d.Offset,
				self.data[:self.size], false)
			self.pool.dispatch(child, dispatchIssue)
		}
	default:
		panic("zio: vdev stage on non-I/O operation")
	}
	return self
}

// startGangHeaderWrites encodes the header once per copy (the
// embedded checksum is salted with the copy's location) and writes
// each. Encoding happens only now, after the ready interlock has
// guaranteed every member slot is filled.
func (self *Op) startGangHeaderWrites() {
	for _, d := range self.bp.DVA {
		if d.IsEmpty() {
			continue
		}
		verifier := blkptr.GangVerifier(d.Vdev, d.Offset, self.bp.BirthTxg)
		encoded := self.gangHeader.Encode(verifier, codec.GangSum)
		buf := self.pool.config.Buffers.Get(len(encoded))
		copy(buf, encoded)
		child := self.physicalChild(TypeWrite, d.Vdev, d.Offset, buf, true)
		self.pool.dispatch(child, dispatchIssue)
	}
}

// submitPhysical hands the request to the device queue and sleeps;
// the completion callback reschedules us on an interrupt worker.
func (self *Op) submitPhysical() *Op {
	req := &vdev.Request{
		Offset:   self.offset,
		Priority: int(self.priority),
	}
	req.Done = func(err error) {
		self.lock.Lock()
		self.activeReq = nil
		self.lock.Unlock()
		if e := toErrno(err); e != OK {
			self.err = WorstError(self.err, e)
		}
		self.pool.dispatch(self, dispatchInterrupt)
	}
	switch self.ioType {
	case TypeRead:
		req.Op = vdev.OpRead
		req.Data = self.data[:self.size]
	case TypeWrite:
		req.Op = vdev.OpWrite
		req.Data = self.data[:self.size]
	case TypeTrim:
		req.Op = vdev.OpTrim
		req.Length = self.size
	case TypeFlush:
		req.Op = vdev.OpFlush
	default:
		panic("zio: bad physical operation type")
	}
	self.lock.Lock()
	self.activeReq = req
	self.lock.Unlock()
	mlog.Printf2("zio/vdevio", "z.submitPhysical %d %v vd=%d off=%x",
		self.id, self.ioType, self.vdevID, self.offset)
	self.pool.device(self.vdevID).Submit(req)
	return nil
}

func (self *Op) stageVdevIODone() *Op {
	if self.flags&FlagPhysical != 0 {
		return self
	}
	if self.waitForChildren(1<<ChildVdev, waitDone) {
		return nil
	}
	return self
}

// stageVdevIOAssess turns raw device failures into retries: a
// physical operation gets one automatic re-issue, and a logical read
// moves on to the next stored copy.
func (self *Op) stageVdevIOAssess() *Op {
	if self.flags&FlagPhysical != 0 {
		retriable := self.flags&(FlagDontRetry|FlagIORetry|FlagSpeculative) == 0
		if self.err != OK && retriable {
			mlog.Printf2("zio/vdevio", "z.stageVdevIOAssess %d retry (%v)",
				self.id, self.err)
			self.flags |= FlagIORetry
			self.err = OK
			self.priority = PriNow
			self.stage = StageVdevIOStart >> 1
			self.pool.dispatch(self, dispatchIssue)
			return nil
		}
		return self
	}
	self.lock.Lock()
	e := self.childError[ChildVdev]
	self.lock.Unlock()
	if e != OK && self.ioType == TypeRead &&
		self.dvaIndex+1 < self.bp.NDVAs() {
		mlog.Printf2("zio/vdevio", "z.stageVdevIOAssess %d next copy (%v)",
			self.id, e)
		self.lock.Lock()
		self.childError[ChildVdev] = OK
		self.lock.Unlock()
		self.err = OK
		self.dvaIndex++
		self.stage = StageVdevIOStart >> 1
		return self
	}
	return self
}

// stageChecksumVerify checks read content against the descriptor's
// digest. For gang reads the digest covers the reassembled frame, so
// the members must land first.
func (self *Op) stageChecksumVerify() *Op {
	if self.ioType != TypeRead || self.err != OK {
		return self
	}
	if self.gangTree != nil {
		if self.waitForChildren(1<<ChildGang, waitDone) {
			return nil
		}
		self.lock.Lock()
		e := self.childError[ChildGang]
		self.lock.Unlock()
		if e != OK {
			return self
		}
	}
	if self.bp.Checksum == blkptr.ChecksumOff {
		return self
	}
	d := codec.Sum(self.bp.Checksum, self.data[:self.size])
	if !d.Equal(self.bp.Digest) {
		mlog.Printf2("zio/vdevio", "z.stageChecksumVerify %d mismatch", self.id)
		self.err = EChecksum
	}
	return self
}
