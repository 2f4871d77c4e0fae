/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 25 09:01:47 2019 mstenber
 * Last modified: Fri May 10 10:40:33 2019 mstenber
 * Edit time:     310 min
 *
 */

package zio

import (
	"encoding/binary"

	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/codec"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

// The early stages: descriptor setup and the data transforms a write
// applies (and a read arranges to reverse).
//
// On-disk framing for transformed content: every compressed or
// encrypted block is stored as a 4-byte little-endian payload length,
// the payload, and zero padding up to a sector multiple. The
// descriptor's physical size covers the whole frame, which is also
// what the checksum is computed over.

func roundUpSector(n int) int {
	return (n + blkptr.SectorSize - 1) &^ (blkptr.SectorSize - 1)
}

// frame packs payload into a fresh sector-padded length-prefixed
// buffer.
func (self *Op) frame(payload []byte) ([]byte, int) {
	psize := roundUpSector(4 + len(payload))
	buf := self.pool.config.Buffers.Get(psize)
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	for i := 4 + len(payload); i < psize; i++ {
		buf[i] = 0
	}
	return buf, psize
}

func unframe(buf []byte) ([]byte, bool) {
	if len(buf) < 4 {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint32(buf))
	if 4+n > len(buf) {
		return nil, false
	}
	return buf[4 : 4+n], true
}

// cryptAD is the authenticated-but-not-encrypted identity bound to a
// block's ciphertext: its bookmark plus logical birth. Write and read
// derive it the same way, so ciphertext replayed at another location
// or epoch fails authentication.
func (self *Op) cryptAD() []byte {
	return util.ConcatBytes(
		util.Uint64Bytes(self.bookmark.Objset),
		util.Uint64Bytes(self.bookmark.Object),
		util.Uint64Bytes(uint64(self.bookmark.Level)),
		util.Uint64Bytes(self.bookmark.Blkid),
		util.Uint64Bytes(self.bp.BirthTxg))
}

func reverseDecompress(op *Op, target []byte, targetSize int) Errno {
	payload, ok := unframe(op.data[:op.size])
	if !ok {
		return EChecksum
	}
	out, err := codec.Decompress(op.bp.Compress, payload, targetSize)
	if err != nil {
		mlog.Printf2("zio/bpinit", "z.reverseDecompress %d: %v", op.id, err)
		return EChecksum
	}
	copy(target, out)
	return OK
}

func reverseDecrypt(op *Op, target []byte, targetSize int) Errno {
	payload, ok := unframe(op.data[:op.size])
	if !ok {
		return EChecksum
	}
	cipher := op.pool.config.Cipher
	if cipher == nil {
		return EInvalid
	}
	// The plaintext is the frame the write encrypted; its own length
	// prefix delimits it within the (larger, padded) target buffer.
	pt, err := cipher.Decrypt(payload, op.cryptAD())
	if err != nil || len(pt) > targetSize {
		mlog.Printf2("zio/bpinit", "z.reverseDecrypt %d: %v", op.id, err)
		return EChecksum
	}
	copy(target, pt)
	return OK
}

// stageReadBPInit validates the descriptor and sets up the reversal
// stack for whatever transforms the stored bytes carry.
func (self *Op) stageReadBPInit() *Op {
	bp := &self.bp
	if err := self.pool.Validate(bp); err != nil {
		mlog.Printf2("zio/bpinit", "z.stageReadBPInit %d: %v", self.id, err)
		self.interrupt(EInvalid)
		return self
	}
	if bp.IsHole() {
		for i := range self.data[:self.size] {
			self.data[i] = 0
		}
		self.pipeline = self.stage | self.pipeline&StageReady | StageDone
		return self
	}
	if bp.IsEmbedded() {
		out, err := codec.Decompress(bp.Compress, bp.Payload, bp.LogicalSize)
		if err != nil {
			self.err = EChecksum
		} else {
			copy(self.data, out)
		}
		self.pipeline = self.stage | self.pipeline&StageReady | StageDone
		return self
	}
	psize := bp.PhysicalSize
	if self.flags&FlagRaw != 0 {
		self.size = psize
	} else {
		if bp.Compress != blkptr.CompressOff {
			self.pushTransform(self.pool.config.Buffers.Get(psize), psize,
				true, reverseDecompress)
		}
		if bp.Encrypted {
			self.pushTransform(self.pool.config.Buffers.Get(psize), psize,
				true, reverseDecrypt)
		}
	}
	if bp.IsGang() {
		// Members reconstitute the frame; the header read
		// replaces our own device access.
		self.pipeline = self.pipeline&^vdevIOStages | gangStages
	}
	return self
}

// stageWriteBPInit fills the descriptor skeleton from the write's
// properties; sizes and locations come later.
func (self *Op) stageWriteBPInit() *Op {
	if self.flags&FlagRaw != 0 {
		// Rewrite of a preset descriptor (gang internals).
		return self
	}
	cks := self.prop.Checksum
	if cks == blkptr.ChecksumInherit || cks == blkptr.ChecksumOn {
		cks = blkptr.ChecksumFletcher4
	}
	self.bp = blkptr.Ptr{
		Type:         self.prop.Type,
		Level:        self.prop.Level,
		LogicalSize:  self.lsize,
		PhysicalSize: self.lsize,
		Checksum:     cks,
		Compress:     blkptr.CompressOff,
		Dedup:        self.prop.Dedup,
		Encrypted:    self.prop.Encrypt,
		BirthTxg:     self.txg,
		PhysBirthTxg: self.txg,
		Fill:         1,
	}
	return self
}

// stageFreeBPInit validates and classifies what is being freed.
func (self *Op) stageFreeBPInit() *Op {
	bp := &self.bp
	if err := self.pool.Validate(bp); err != nil {
		self.interrupt(EInvalid)
		return self
	}
	if bp.IsHole() || bp.IsEmbedded() {
		// Nothing on disk.
		self.pipeline = self.stage | StageDone
		return self
	}
	if bp.IsGang() && !bp.Dedup {
		// The gang walk frees members and headers both.
		self.pipeline = self.pipeline&^StageDVAFree | gangStages
	}
	return self
}

// stageIssueAsync moves the (possibly expensive) write transforms off
// the caller's goroutine.
func (self *Op) stageIssueAsync() *Op {
	if self.pool.taskqs[dispatchIssue].onWorker() {
		return self
	}
	self.pool.dispatch(self, dispatchIssue)
	return nil
}

// stageWriteCompress applies compression, elides all-zero blocks into
// holes, and packs small results into the descriptor itself.
func (self *Op) stageWriteCompress() *Op {
	if self.flags&FlagRaw != 0 {
		return self
	}
	comp := self.prop.Compress
	if comp == blkptr.CompressInherit || comp == blkptr.CompressOn {
		comp = blkptr.CompressLZ4
	}
	if comp != blkptr.CompressOff {
		if _, ok := codec.Compress(blkptr.CompressEmpty, self.data[:self.lsize], 0); ok {
			// All zero: the block becomes a hole.
			self.bp = blkptr.Ptr{LogicalSize: self.lsize, BirthTxg: self.txg}
			self.pipeline = self.stage | StageReady | StageDone
			mlog.Printf2("zio/bpinit", "z.stageWriteCompress %d hole", self.id)
			return self
		}
		if dst, ok := codec.Compress(comp, self.data[:self.lsize], self.lsize-1); ok {
			if self.embeddable(len(dst)) {
				self.bp = blkptr.NewEmbedded(dst, self.lsize, comp,
					self.prop.Type, self.txg)
				self.pipeline = self.stage | StageReady | StageDone
				return self
			}
			// Storing the frame is worthwhile only if it saves a
			// sector; otherwise the block goes out as-is.
			if roundUpSector(4+len(dst)) < self.lsize {
				buf, psize := self.frame(dst)
				self.pushTransform(buf, psize, true, nil)
				self.bp.Compress = comp
				self.bp.PhysicalSize = psize
			}
		}
	}
	self.armNopWrite()
	return self
}

func (self *Op) embeddable(psize int) bool {
	return self.prop.Embedded && psize <= blkptr.EmbeddedPayloadSize &&
		!self.prop.Encrypt && !self.prop.Dedup && self.prop.Copies == 1
}

// armNopWrite widens the pipeline with the elision check when the old
// and new block are shaped alike enough to compare.
func (self *Op) armNopWrite() {
	prev := self.prop.PrevPtr
	if !self.prop.NopWrite || prev == nil ||
		!self.bp.Checksum.CollisionResistant() {
		return
	}
	if prev.IsHole() || prev.IsEmbedded() || prev.IsGang() || prev.Dedup {
		return
	}
	if prev.Checksum != self.bp.Checksum ||
		prev.Compress != self.bp.Compress ||
		prev.PhysicalSize != self.bp.PhysicalSize ||
		prev.NDVAs() != self.prop.Copies {
		return
	}
	self.pipeline |= StageNopWrite
}

// stageEncrypt converts the current frame to ciphertext.
func (self *Op) stageEncrypt() *Op {
	if !self.prop.Encrypt || self.flags&FlagRaw != 0 {
		return self
	}
	cipher := self.pool.config.Cipher
	if cipher == nil {
		self.interrupt(EInvalid)
		return self
	}
	ct, err := cipher.Encrypt(self.data[:self.size], self.cryptAD())
	if err != nil {
		mlog.Printf2("zio/bpinit", "z.stageEncrypt %d: %v", self.id, err)
		self.interrupt(EIO)
		return self
	}
	buf, psize := self.frame(ct)
	self.pushTransform(buf, psize, true, nil)
	self.bp.PhysicalSize = psize
	return self
}

// stageChecksumGenerate records the digest of the bytes about to hit
// disk. Gang headers embed their own per-copy checksums instead.
func (self *Op) stageChecksumGenerate() *Op {
	if self.gangHeader != nil {
		return self
	}
	if self.bp.Checksum == blkptr.ChecksumOff {
		return self
	}
	self.bp.Digest = codec.Sum(self.bp.Checksum, self.data[:self.size])
	return self
}

// stageNopWrite elides the write when the content is already on disk
// under the previous descriptor.
func (self *Op) stageNopWrite() *Op {
	prev := self.prop.PrevPtr
	if prev == nil || !self.bp.Digest.Equal(prev.Digest) {
		return self
	}
	bp := *prev
	bp.BirthTxg = self.txg
	self.bp = bp
	self.flags |= FlagNopWrite
	self.pipeline = self.stage | StageReady | StageDone
	mlog.Printf2("zio/bpinit", "z.stageNopWrite %d elided", self.id)
	return self
}
