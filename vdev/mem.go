/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 20 10:40:12 2019 mstenber
 * Last modified: Wed May  8 09:20:15 2019 mstenber
 * Edit time:     34 min
 *
 */

package vdev

import (
	"github.com/fingon/go-zpool/util"
)

// MemDevice stores content in one flat byte slice. The workhorse of
// the pipeline tests.
type MemDevice struct {
	queueRunner

	dataLock util.MutexLocked
	data     []byte
}

var _ Device = &MemDevice{}

// Init sets up the device with the given capacity.
func (self MemDevice) Init(size uint64, workers int) *MemDevice {
	self.data = make([]byte, size)
	self.start("mem", workers, size, self.exec)
	return &self
}

func (self *MemDevice) exec(req *Request) error {
	defer self.dataLock.Locked()()
	switch req.Op {
	case OpRead:
		copy(req.Data, self.data[req.Offset:])
	case OpWrite:
		copy(self.data[req.Offset:], req.Data)
	case OpTrim:
		for i := 0; i < req.Length; i++ {
			self.data[req.Offset+uint64(i)] = 0
		}
	case OpFlush:
	}
	return nil
}

func (self *MemDevice) Close() {
	self.queueRunner.close()
}
