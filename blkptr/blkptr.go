/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 10:02:18 2019 mstenber
 * Last modified: Thu Apr 25 14:11:40 2019 mstenber
 * Edit time:     301 min
 *
 */

// blkptr implements the extent descriptor ("block pointer") that the
// I/O pipeline moves around: up to three physical locations plus the
// size/compression/checksum/birth metadata that makes a block
// self-describing. The 128-byte encoding is fixed; field order and
// bit widths must not change, as it is what lands inside indirect
// blocks and gang headers on disk.
package blkptr

import (
	"encoding/binary"
	"fmt"
)

const (
	// SectorShift is the unit all on-disk sizes and offsets are
	// expressed in.
	SectorShift = 9
	SectorSize  = 1 << SectorShift

	// MaxBlockSize is the largest logical block the pipeline handles.
	MaxBlockShift = 24
	MaxBlockSize  = 1 << MaxBlockShift

	// PtrSize is the encoded size of one extent descriptor.
	PtrSize = 128

	nWords = PtrSize / 8

	// DVAsPerPtr bounds replication; one descriptor can name up to
	// this many independent copies.
	DVAsPerPtr = 3
)

// ChecksumID identifies a checksum algorithm in the descriptor.
type ChecksumID uint8

const (
	ChecksumInherit ChecksumID = iota
	ChecksumOn
	ChecksumOff
	ChecksumGangHeader
	ChecksumFletcher4
	ChecksumSHA256
	numChecksums
)

// CollisionResistant reports whether the algorithm is strong enough
// to be used as a content identity (dedup, nop-write).
func (self ChecksumID) CollisionResistant() bool {
	return self == ChecksumSHA256
}

func (self ChecksumID) String() string {
	switch self {
	case ChecksumOff:
		return "off"
	case ChecksumGangHeader:
		return "gang-header"
	case ChecksumFletcher4:
		return "fletcher4"
	case ChecksumSHA256:
		return "sha256"
	}
	return fmt.Sprintf("checksum-%d", uint8(self))
}

// CompressID identifies a compression algorithm in the descriptor.
type CompressID uint8

const (
	CompressInherit CompressID = iota
	CompressOn
	CompressOff
	CompressLZ4
	CompressSnappy
	CompressEmpty
	numCompressions
)

func (self CompressID) String() string {
	switch self {
	case CompressOff:
		return "off"
	case CompressLZ4:
		return "lz4"
	case CompressSnappy:
		return "snappy"
	case CompressEmpty:
		return "empty"
	}
	return fmt.Sprintf("compress-%d", uint8(self))
}

// BlockType is the object-layer type tag carried in the descriptor.
type BlockType uint8

const (
	TypeNone BlockType = iota
	TypeObjectData
	TypeObjectMeta
	TypeIntentLog
	TypePoolMeta
	numBlockTypes
)

// Digest is a checksum value. Narrower algorithms zero-fill the tail.
type Digest [4]uint64

func (self Digest) Equal(other Digest) bool {
	return self == other
}

// DVA names one physical copy: device, offset and allocated size, all
// in sectors on disk, plus the gang bit marking the target as a gang
// header rather than plain data.
type DVA struct {
	Vdev   uint32
	Offset uint64 // bytes
	Asize  int    // bytes
	Gang   bool
}

// IsEmpty is true for an unused copy slot.
func (self DVA) IsEmpty() bool {
	return self.Asize == 0 && self.Offset == 0 && self.Vdev == 0 && !self.Gang
}

func (self DVA) String() string {
	g := ""
	if self.Gang {
		g = "G"
	}
	return fmt.Sprintf("<%d:%x:%x%s>", self.Vdev, self.Offset, self.Asize, g)
}

func (self DVA) encode() (w0, w1 uint64) {
	w0 = uint64(self.Asize>>SectorShift)&0xffffff | uint64(self.Vdev)<<32
	w1 = self.Offset >> SectorShift
	if self.Gang {
		w1 |= 1 << 63
	}
	return
}

func decodeDVA(w0, w1 uint64) DVA {
	return DVA{
		Vdev:   uint32(w0 >> 32 & 0xffffff),
		Asize:  int(w0&0xffffff) << SectorShift,
		Offset: w1 &^ (1 << 63) << SectorShift,
		Gang:   w1>>63 != 0,
	}
}

// Ptr is the extent descriptor. It is passed by value; stages replace
// an operation's descriptor wholesale instead of mutating shared
// state in place.
type Ptr struct {
	DVA [DVAsPerPtr]DVA

	Type  BlockType
	Level uint8

	// Byte sizes; logical is pre-compression, physical is what is
	// actually stored.
	LogicalSize  int
	PhysicalSize int

	Checksum ChecksumID
	Compress CompressID

	Dedup     bool
	Encrypted bool

	// BirthTxg is the logical birth, PhysBirthTxg the physical one
	// (they differ only for rewritten-in-place content, e.g. a
	// nop-write reusing an older extent).
	BirthTxg     uint64
	PhysBirthTxg uint64

	Fill uint64

	Digest Digest

	// Embedded payload, stored inside the descriptor itself in
	// place of the DVAs and checksum. Nil unless IsEmbedded.
	Payload []byte
}

// IsHole is true for a descriptor naming no physical storage at all
// (never-written or punched-out block).
func (self *Ptr) IsHole() bool {
	return self.Payload == nil && self.DVA[0].IsEmpty() &&
		self.DVA[1].IsEmpty() && self.DVA[2].IsEmpty()
}

// IsEmbedded is true when the payload lives inside the descriptor.
func (self *Ptr) IsEmbedded() bool {
	return self.Payload != nil
}

// IsGang is true when the first copy points at a gang header.
func (self *Ptr) IsGang() bool {
	return !self.IsEmbedded() && self.DVA[0].Gang
}

// NDVAs counts the used copy slots.
func (self *Ptr) NDVAs() int {
	if self.IsEmbedded() {
		return 0
	}
	n := 0
	for _, d := range self.DVA {
		if !d.IsEmpty() {
			n++
		}
	}
	return n
}

func (self *Ptr) String() string {
	if self.IsEmbedded() {
		return fmt.Sprintf("Ptr{embedded %d/%d}", self.LogicalSize, len(self.Payload))
	}
	if self.IsHole() {
		return fmt.Sprintf("Ptr{hole birth=%d}", self.BirthTxg)
	}
	return fmt.Sprintf("Ptr{%v L%d %v/%v l=%d p=%d birth=%d}",
		self.Type, self.Level, self.Checksum, self.Compress,
		self.LogicalSize, self.PhysicalSize, self.BirthTxg)
}

func sizeField(bytes int) uint64 {
	if bytes == 0 {
		return 0
	}
	return uint64(bytes>>SectorShift - 1)
}

func fieldSize(f uint64) int {
	return int(f+1) << SectorShift
}

const (
	propEmbeddedBit = 1 << 39
	propEncryptBit  = 1 << 61
	propDedupBit    = 1 << 62
)

// Encode writes the 128-byte representation. Layout, in little-endian
// 64-bit words:
//
//	0-5   three DVAs (asize:24 vdev@32:24 / offset:63 gang@63)
//	6     properties (lsize:16 psize@16:16 comp@32:7 embedded@39
//	      cksum@40:8 type@48:8 level@56:5 encrypt@61 dedup@62)
//	7-8   padding
//	9     physical birth
//	10    logical birth
//	11    fill count
//	12-15 checksum
//
// Embedded descriptors instead pack the payload into every word
// except 6 and 10, with byte sizes and an embedded-type tag in the
// properties word.
func (self *Ptr) Encode(buf []byte) {
	if len(buf) < PtrSize {
		panic("blkptr.Encode: short buffer")
	}
	var w [nWords]uint64
	if self.IsEmbedded() {
		self.encodeEmbedded(&w)
	} else {
		for i, d := range self.DVA {
			w[i*2], w[i*2+1] = d.encode()
		}
		prop := sizeField(self.LogicalSize) |
			sizeField(self.PhysicalSize)<<16 |
			uint64(self.Compress)<<32 |
			uint64(self.Checksum)<<40 |
			uint64(self.Type)<<48 |
			uint64(self.Level&0x1f)<<56
		if self.Encrypted {
			prop |= propEncryptBit
		}
		if self.Dedup {
			prop |= propDedupBit
		}
		w[6] = prop
		w[9] = self.PhysBirthTxg
		w[10] = self.BirthTxg
		w[11] = self.Fill
		copy(w[12:], self.Digest[:])
	}
	for i, v := range w {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
}

// EncodeNew is Encode into a fresh buffer.
func (self *Ptr) EncodeNew() []byte {
	buf := make([]byte, PtrSize)
	self.Encode(buf)
	return buf
}

// Decode parses the 128-byte representation and validates it
// structurally; a descriptor that fails Validate is never returned.
func Decode(buf []byte, cfg *ValidationConfig) (Ptr, error) {
	if len(buf) < PtrSize {
		return Ptr{}, fmt.Errorf("blkptr: %d bytes, need %d", len(buf), PtrSize)
	}
	var w [nWords]uint64
	for i := range w {
		w[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	var p Ptr
	if w[6]&propEmbeddedBit != 0 {
		p = decodeEmbedded(&w)
	} else {
		for i := range p.DVA {
			p.DVA[i] = decodeDVA(w[i*2], w[i*2+1])
		}
		prop := w[6]
		p.LogicalSize = fieldSize(prop & 0xffff)
		p.PhysicalSize = fieldSize(prop >> 16 & 0xffff)
		p.Compress = CompressID(prop >> 32 & 0x7f)
		p.Checksum = ChecksumID(prop >> 40 & 0xff)
		p.Type = BlockType(prop >> 48 & 0xff)
		p.Level = uint8(prop >> 56 & 0x1f)
		p.Encrypted = prop&propEncryptBit != 0
		p.Dedup = prop&propDedupBit != 0
		p.PhysBirthTxg = w[9]
		p.BirthTxg = w[10]
		p.Fill = w[11]
		copy(p.Digest[:], w[12:])
		if p.IsHole() {
			// Holes store no sizes; the biased field would
			// otherwise decode 0 as one sector.
			if prop&0xffffffff == 0 {
				p.LogicalSize = 0
				p.PhysicalSize = 0
			}
		}
	}
	if err := p.Validate(cfg); err != nil {
		return Ptr{}, err
	}
	return p, nil
}

// ValidationConfig carries the pool-shape limits a descriptor is
// checked against.
type ValidationConfig struct {
	// NVdevs is the number of devices in the pool; DVA vdev ids
	// must be below it. Zero disables the device/offset checks.
	NVdevs int
	// VdevSize maps vdev id to usable bytes.
	VdevSize func(vdev uint32) uint64
}

// Validate performs the structural checks a descriptor must pass
// before the pipeline trusts it. Holes and embedded descriptors are
// special-cased: they carry no physical location.
func (self *Ptr) Validate(cfg *ValidationConfig) error {
	if self.IsEmbedded() {
		if len(self.Payload) > EmbeddedPayloadSize {
			return fmt.Errorf("blkptr: embedded payload %d > %d",
				len(self.Payload), EmbeddedPayloadSize)
		}
		if self.LogicalSize <= 0 || self.LogicalSize > MaxBlockSize {
			return fmt.Errorf("blkptr: embedded lsize %d out of range", self.LogicalSize)
		}
		if self.Compress >= numCompressions {
			return fmt.Errorf("blkptr: bad compression %d", self.Compress)
		}
		return nil
	}
	if self.IsHole() {
		return nil
	}
	if self.Checksum == ChecksumInherit || self.Checksum >= numChecksums {
		return fmt.Errorf("blkptr: bad checksum %d", self.Checksum)
	}
	if self.Compress == CompressInherit || self.Compress >= numCompressions {
		return fmt.Errorf("blkptr: bad compression %d", self.Compress)
	}
	if self.Type >= numBlockTypes {
		return fmt.Errorf("blkptr: bad type %d", self.Type)
	}
	if self.LogicalSize <= 0 || self.LogicalSize > MaxBlockSize ||
		self.LogicalSize&(SectorSize-1) != 0 {
		return fmt.Errorf("blkptr: bad lsize %d", self.LogicalSize)
	}
	if self.PhysicalSize <= 0 || self.PhysicalSize > MaxBlockSize ||
		self.PhysicalSize&(SectorSize-1) != 0 {
		return fmt.Errorf("blkptr: bad psize %d", self.PhysicalSize)
	}
	if self.PhysBirthTxg > self.BirthTxg {
		return fmt.Errorf("blkptr: phys birth %d > birth %d",
			self.PhysBirthTxg, self.BirthTxg)
	}
	for i, d := range self.DVA {
		if d.IsEmpty() {
			continue
		}
		if d.Asize&(SectorSize-1) != 0 || d.Offset&(SectorSize-1) != 0 {
			return fmt.Errorf("blkptr: dva %d misaligned %v", i, d)
		}
		if cfg == nil || cfg.NVdevs == 0 {
			continue
		}
		if int(d.Vdev) >= cfg.NVdevs {
			return fmt.Errorf("blkptr: dva %d vdev %d out of range", i, d.Vdev)
		}
		if cfg.VdevSize != nil {
			size := cfg.VdevSize(d.Vdev)
			if d.Offset+uint64(d.Asize) > size {
				return fmt.Errorf("blkptr: dva %d beyond device end (%x+%x > %x)",
					i, d.Offset, d.Asize, size)
			}
		}
	}
	return nil
}

// Equal compares full descriptor identity (used by the nop-write
// idempotence checks in tests).
func (self *Ptr) Equal(other *Ptr) bool {
	if self.IsEmbedded() != other.IsEmbedded() {
		return false
	}
	if self.IsEmbedded() {
		return string(self.Payload) == string(other.Payload) &&
			self.LogicalSize == other.LogicalSize
	}
	return self.DVA == other.DVA && self.Digest == other.Digest &&
		self.BirthTxg == other.BirthTxg && self.PhysBirthTxg == other.PhysBirthTxg &&
		self.LogicalSize == other.LogicalSize && self.PhysicalSize == other.PhysicalSize
}
