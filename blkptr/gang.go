/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 12:15:42 2019 mstenber
 * Last modified: Mon May  6 09:55:10 2019 mstenber
 * Edit time:     128 min
 *
 */

package blkptr

import (
	"encoding/binary"
	"fmt"
)

// Gang headers split an oversized or fragmented block into member
// extents. The header itself is a small on-disk block: N descriptor
// slots followed by a 40-byte tail (magic + embedded checksum). The
// legacy format is a fixed 512-byte header (3 slots); pools with the
// dynamic-header feature active may size the header per device.

const (
	// GangTailSize is magic (8) plus a Digest (32).
	GangTailSize = 40

	// LegacyGangHeaderSize is the fixed pre-feature header size.
	LegacyGangHeaderSize = 512

	// LegacyGangSlots is what fits in a legacy header.
	LegacyGangSlots = (LegacyGangHeaderSize - GangTailSize) / PtrSize

	// MaxGangHeaderSize bounds dynamic headers.
	MaxGangHeaderSize = 16384

	gangMagic = 0x210da7ab10c7ead5
)

// GangSlots returns the descriptor capacity of a header of the given
// size.
func GangSlots(size int) int {
	return (size - GangTailSize) / PtrSize
}

// GangHeader is the decoded in-memory form of one gang header.
type GangHeader struct {
	// Size is the encoded size in bytes; determines slot capacity.
	Size  int
	Slots []Ptr
}

// NewGangHeader returns an empty header of the given encoded size.
func NewGangHeader(size int) *GangHeader {
	if size < LegacyGangHeaderSize || size > MaxGangHeaderSize ||
		size&(SectorSize-1) != 0 {
		panic(fmt.Sprintf("blkptr.NewGangHeader: bad size %d", size))
	}
	return &GangHeader{Size: size, Slots: make([]Ptr, GangSlots(size))}
}

// SumFunc computes the gang-header checksum over raw bytes.
type SumFunc func(data []byte) Digest

// Encode serializes the header. The tail checksum is embedded: the
// verifier (derived from the header's own location) is written into
// the checksum field first, the digest is computed over the whole
// buffer, and the digest then replaces the verifier.
func (self *GangHeader) Encode(verifier Digest, sum SumFunc) []byte {
	buf := make([]byte, self.Size)
	for i := range self.Slots {
		self.Slots[i].Encode(buf[i*PtrSize:])
	}
	tail := buf[self.Size-GangTailSize:]
	binary.LittleEndian.PutUint64(tail, gangMagic)
	putDigest(tail[8:], verifier)
	d := sum(buf)
	putDigest(tail[8:], d)
	return buf
}

// DecodeGangHeader parses and verifies a header read from disk.
func DecodeGangHeader(buf []byte, verifier Digest, sum SumFunc, cfg *ValidationConfig) (*GangHeader, error) {
	size := len(buf)
	if size < LegacyGangHeaderSize || GangSlots(size) < 1 {
		return nil, fmt.Errorf("blkptr: gang header size %d invalid", size)
	}
	tail := buf[size-GangTailSize:]
	if magic := binary.LittleEndian.Uint64(tail); magic != gangMagic {
		return nil, fmt.Errorf("blkptr: gang magic %x", magic)
	}
	stored := getDigest(tail[8:])
	putDigest(tail[8:], verifier)
	computed := sum(buf)
	putDigest(tail[8:], stored)
	if !stored.Equal(computed) {
		return nil, fmt.Errorf("blkptr: gang header checksum mismatch")
	}
	gh := &GangHeader{Size: size, Slots: make([]Ptr, GangSlots(size))}
	for i := range gh.Slots {
		p, err := Decode(buf[i*PtrSize:], cfg)
		if err != nil {
			return nil, fmt.Errorf("blkptr: gang slot %d: %w", i, err)
		}
		gh.Slots[i] = p
	}
	return gh, nil
}

// GangVerifier derives the embedded-checksum salt from the header's
// own location, so a header read from the wrong offset cannot verify.
func GangVerifier(vdev uint32, offset uint64, birth uint64) Digest {
	return Digest{uint64(vdev), offset, birth, 0}
}

func putDigest(buf []byte, d Digest) {
	for i, v := range d {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
}

func getDigest(buf []byte) (d Digest) {
	for i := range d {
		d[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return
}
