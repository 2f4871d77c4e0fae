/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 20 11:15:40 2019 mstenber
 * Last modified: Wed May  8 09:25:33 2019 mstenber
 * Edit time:     42 min
 *
 */

package vdev

import (
	"log"
	"os"

	"github.com/fingon/go-zpool/bufpool"
)

// FileDevice backs a device with one flat file, grown to full size at
// open. Trim rewrites zeroes (no hole punching; plain pread/pwrite
// keeps this portable).
type FileDevice struct {
	queueRunner

	f *os.File
}

var _ Device = &FileDevice{}

// Init opens (creating if necessary) the backing file.
func (self FileDevice) Init(path string, size uint64, workers int) *FileDevice {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		log.Fatal("vdev file open", err)
	}
	if err = f.Truncate(int64(size)); err != nil {
		log.Fatal("vdev file truncate", err)
	}
	self.f = f
	self.start("file", workers, size, self.exec)
	return &self
}

func (self *FileDevice) exec(req *Request) error {
	switch req.Op {
	case OpRead:
		_, err := self.f.ReadAt(req.Data, int64(req.Offset))
		return err
	case OpWrite:
		_, err := self.f.WriteAt(req.Data, int64(req.Offset))
		return err
	case OpTrim:
		zero := bufpool.Get(req.Length)
		defer bufpool.Put(zero)
		for i := range zero {
			zero[i] = 0
		}
		_, err := self.f.WriteAt(zero, int64(req.Offset))
		return err
	case OpFlush:
		return self.f.Sync()
	}
	return nil
}

func (self *FileDevice) Close() {
	self.queueRunner.close()
	self.f.Close()
}
