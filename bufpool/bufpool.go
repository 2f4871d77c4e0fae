/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 09:21:30 2019 mstenber
 * Last modified: Tue May  7 08:44:19 2019 mstenber
 * Edit time:     77 min
 *
 */

// bufpool hands out transfer buffers from power-of-two size-class
// pools so the pipeline does not hammer the allocator with
// short-lived multi-megabyte slices. In debug mode every buffer
// carries trailing canary words which are checked on return, catching
// writes past the logical end of the buffer.
package bufpool

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

const (
	// MinShift .. MaxShift are the supported size classes.
	MinShift = 9
	MaxShift = 24

	canaryWord  = uint64(0xdeadc0dedead210b)
	canaryWords = 2
	canaryBytes = canaryWords * 8
)

// Pool is a set of size-class buffer caches. The zero value is
// usable; set Debug before first Get to enable canaries.
type Pool struct {
	// Debug enables canary fill + verification.
	Debug bool

	pools [MaxShift + 1]sync.Pool

	// Outstanding counts buffers handed out and not yet returned.
	Outstanding util.AtomicInt
}

var Default = &Pool{}

func classFor(size int) int {
	if size <= 0 || size > 1<<MaxShift {
		panic(fmt.Sprintf("bufpool: bad size %d", size))
	}
	shift := MinShift
	for 1<<shift < size {
		shift++
	}
	return shift
}

// Get returns a buffer with len(buf) == size, backed by a size-class
// allocation. Contents are not zeroed.
func (self *Pool) Get(size int) []byte {
	shift := classFor(size)
	self.Outstanding.Add(1)
	v := self.pools[shift].Get()
	var raw []byte
	if v == nil {
		n := 1 << shift
		if self.Debug {
			n += canaryBytes
		}
		raw = make([]byte, n)
		mlog.Printf2("bufpool/bufpool", "bufpool.Get new class=%d", shift)
	} else {
		raw = v.([]byte)
	}
	if self.Debug {
		self.writeCanary(raw)
	}
	return raw[:size]
}

// Put returns a buffer obtained from Get. The buffer must not be used
// afterwards.
func (self *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	raw := buf[:cap(buf)]
	n := len(raw)
	if self.Debug {
		n -= canaryBytes
	}
	shift := MinShift
	for 1<<shift < n {
		shift++
	}
	if 1<<shift != n {
		panic(fmt.Sprintf("bufpool: Put of foreign buffer (cap %d)", len(raw)))
	}
	if self.Debug {
		self.checkCanary(raw)
	}
	self.Outstanding.Add(-1)
	self.pools[shift].Put(raw) //nolint:staticcheck
}

func (self *Pool) writeCanary(raw []byte) {
	off := len(raw) - canaryBytes
	for i := 0; i < canaryWords; i++ {
		binary.LittleEndian.PutUint64(raw[off+i*8:], canaryWord)
	}
}

func (self *Pool) checkCanary(raw []byte) {
	off := len(raw) - canaryBytes
	for i := 0; i < canaryWords; i++ {
		if v := binary.LittleEndian.Uint64(raw[off+i*8:]); v != canaryWord {
			panic(fmt.Sprintf("bufpool: buffer overflow detected (%x != %x)",
				v, canaryWord))
		}
	}
}

// Get is Default.Get.
func Get(size int) []byte { return Default.Get(size) }

// Put is Default.Put.
func Put(buf []byte) { Default.Put(buf) }
