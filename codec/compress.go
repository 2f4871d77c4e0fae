/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 11:30:44 2019 mstenber
 * Last modified: Tue May  7 09:31:25 2019 mstenber
 * Edit time:     112 min
 *
 */

// codec provides the pure transform primitives the pipeline applies
// to block contents: compression, checksumming and encryption. All
// functions operate on caller-provided buffers and carry no pipeline
// state of their own.
package codec

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"

	"github.com/fingon/go-zpool/blkptr"
)

// Compress attempts to compress src with the given algorithm. The
// result must fit in maxLen bytes to be worthwhile; ok is false when
// it does not (or the data is incompressible), in which case the
// caller stores the block uncompressed.
//
// CompressEmpty is the zero-elision pseudo-algorithm: ok with an
// empty result when src is all zero bytes.
func Compress(id blkptr.CompressID, src []byte, maxLen int) (dst []byte, ok bool) {
	switch id {
	case blkptr.CompressOff:
		return nil, false
	case blkptr.CompressEmpty:
		for _, b := range src {
			if b != 0 {
				return nil, false
			}
		}
		return []byte{}, true
	case blkptr.CompressLZ4:
		dst = make([]byte, len(src))
		n, err := lz4.CompressBlock(src, dst, 0)
		if err != nil || n == 0 || n > maxLen {
			return nil, false
		}
		return dst[:n], true
	case blkptr.CompressSnappy:
		dst = snappy.Encode(nil, src)
		if len(dst) > maxLen {
			return nil, false
		}
		return dst, true
	}
	panic(fmt.Sprintf("codec.Compress: unknown algorithm %v", id))
}

// Decompress expands src into a buffer of exactly lsize bytes.
func Decompress(id blkptr.CompressID, src []byte, lsize int) ([]byte, error) {
	switch id {
	case blkptr.CompressOff:
		if len(src) < lsize {
			return nil, fmt.Errorf("codec: uncompressed %d < lsize %d", len(src), lsize)
		}
		return src[:lsize], nil
	case blkptr.CompressEmpty:
		return make([]byte, lsize), nil
	case blkptr.CompressLZ4:
		dst := make([]byte, lsize)
		n, err := lz4.UncompressBlock(src, dst, 0)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4: %w", err)
		}
		if n != lsize {
			return nil, fmt.Errorf("codec: lz4 expanded to %d, wanted %d", n, lsize)
		}
		return dst, nil
	case blkptr.CompressSnappy:
		dst, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("codec: snappy: %w", err)
		}
		if len(dst) != lsize {
			return nil, fmt.Errorf("codec: snappy expanded to %d, wanted %d", len(dst), lsize)
		}
		return dst, nil
	}
	return nil, fmt.Errorf("codec: unknown compression %v", id)
}
