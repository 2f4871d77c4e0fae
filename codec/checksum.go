/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 13:02:19 2019 mstenber
 * Last modified: Tue May  7 09:35:51 2019 mstenber
 * Edit time:     48 min
 *
 */

package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/minio/sha256-simd"

	"github.com/fingon/go-zpool/blkptr"
)

// Sum computes the named checksum over data. Fletcher-4 is the cheap
// default; SHA-256 is the collision-resistant one required by dedup
// and nop-write. Gang headers always use Fletcher-4 (the algorithm is
// implied by the header format, not stored per header).
func Sum(id blkptr.ChecksumID, data []byte) blkptr.Digest {
	switch id {
	case blkptr.ChecksumOff:
		return blkptr.Digest{}
	case blkptr.ChecksumFletcher4, blkptr.ChecksumGangHeader:
		return fletcher4(data)
	case blkptr.ChecksumSHA256:
		raw := sha256.Sum256(data)
		var d blkptr.Digest
		for i := range d {
			d[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
		return d
	}
	panic(fmt.Sprintf("codec.Sum: unknown algorithm %v", id))
}

// GangSum is Sum with the gang-header algorithm, in the shape
// blkptr's header codec wants.
func GangSum(data []byte) blkptr.Digest {
	return Sum(blkptr.ChecksumGangHeader, data)
}

// fletcher4 runs four cascaded 64-bit sums over the data viewed as
// little-endian 32-bit words; a trailing partial word is zero-padded.
func fletcher4(data []byte) blkptr.Digest {
	var a, b, c, d uint64
	n := len(data) &^ 3
	for i := 0; i < n; i += 4 {
		v := uint64(binary.LittleEndian.Uint32(data[i:]))
		a += v
		b += a
		c += b
		d += c
	}
	if rest := len(data) - n; rest > 0 {
		var tail [4]byte
		copy(tail[:], data[n:])
		v := uint64(binary.LittleEndian.Uint32(tail[:]))
		a += v
		b += a
		c += b
		d += c
	}
	return blkptr.Digest{a, b, c, d}
}
