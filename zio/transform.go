/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 22 12:10:33 2019 mstenber
 * Last modified: Thu May  9 09:40:28 2019 mstenber
 * Edit time:     75 min
 *
 */

package zio

import "github.com/fingon/go-zpool/mlog"

// A transform records one in-place data conversion (compression,
// encryption) so it can be reversed, or its buffer reclaimed, when
// the operation completes. Transforms form a LIFO stack: push order
// on a read is decompress, decrypt; pops run decrypt first.

// transformFunc converts the operation's current buffer back into
// target (orig buffer of the transform below, or the caller's
// buffer).
type transformFunc func(op *Op, target []byte, targetSize int) Errno

type transform struct {
	// data/size/bufsize are the operation's buffer state from
	// before the push, restored on pop.
	data    []byte
	size    int
	owned   bool
	reverse transformFunc
	next    *transform
}

// pushTransform swaps in a new working buffer of bufsize bytes
// (logical size size) and records how to undo the swap.
func (self *Op) pushTransform(data []byte, size int, owned bool, reverse transformFunc) {
	t := &transform{
		data:  self.data,
		size:  self.size,
		owned: self.ownsData,
		next:  self.transformStack,
	}
	t.reverse = reverse
	self.transformStack = t
	self.data = data
	self.size = size
	self.ownsData = owned
	mlog.Printf2("zio/transform", "z.pushTransform %d size=%d", self.id, size)
}

// popTransforms unwinds the whole stack. On a successful read each
// reversal runs; on error or for writes the buffers are just
// reclaimed. The first reversal failure wins and stops further
// decoding.
func (self *Op) popTransforms() {
	for self.transformStack != nil {
		t := self.transformStack
		self.transformStack = t.next
		if t.reverse != nil && self.err == OK {
			self.err = t.reverse(self, t.data, t.size)
		}
		if self.ownsData {
			self.pool.config.Buffers.Put(self.data)
		}
		self.data = t.data
		self.size = t.size
		self.ownsData = t.owned
	}
}
