/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 21 09:02:17 2019 mstenber
 * Last modified: Wed May  8 09:40:28 2019 mstenber
 * Edit time:     96 min
 *
 */

package vdev

import (
	"encoding/binary"
	"log"

	"github.com/dgraph-io/badger"

	"github.com/fingon/go-zpool/util"
)

// badgerChunkSize is the KV value granularity; device offsets map to
// chunk-index keys. Absent chunks read as zeroes, so trim is just
// chunk deletion.
const badgerChunkSize = 128 * 1024

// BadgerDevice stores device content in a badger database, chunked.
// Mostly useful when the pool should live inside an existing badger
// directory tree; FileDevice is the faster on-disk choice.
type BadgerDevice struct {
	queueRunner

	db       *badger.DB
	execLock util.MutexLocked
}

var _ Device = &BadgerDevice{}

// Init opens the database in dir.
func (self BadgerDevice) Init(dir string, size uint64, workers int) *BadgerDevice {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("badger.Open", err)
	}
	self.db = db
	self.start("badger", workers, size, self.exec)
	return &self
}

func chunkKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func (self *BadgerDevice) exec(req *Request) error {
	// Chunk read-modify-write is not atomic across chunks; one
	// writer at a time keeps overlapping extents sane.
	defer self.execLock.Locked()()
	switch req.Op {
	case OpRead:
		return self.db.View(func(txn *badger.Txn) error {
			return self.forChunks(req.Offset, len(req.Data), func(index uint64, off, n, bufOff int) error {
				item, err := txn.Get(chunkKey(index))
				if err == badger.ErrKeyNotFound {
					zero(req.Data[bufOff : bufOff+n])
					return nil
				}
				if err != nil {
					return err
				}
				v, err := item.Value()
				if err != nil {
					return err
				}
				chunk := v
				if len(chunk) < badgerChunkSize {
					chunk = make([]byte, badgerChunkSize)
					copy(chunk, v)
				}
				copy(req.Data[bufOff:bufOff+n], chunk[off:])
				return nil
			})
		})
	case OpWrite:
		return self.db.Update(func(txn *badger.Txn) error {
			return self.forChunks(req.Offset, len(req.Data), func(index uint64, off, n, bufOff int) error {
				chunk := make([]byte, badgerChunkSize)
				if off != 0 || n != badgerChunkSize {
					item, err := txn.Get(chunkKey(index))
					if err == nil {
						v, err := item.Value()
						if err != nil {
							return err
						}
						copy(chunk, v)
					} else if err != badger.ErrKeyNotFound {
						return err
					}
				}
				copy(chunk[off:], req.Data[bufOff:bufOff+n])
				return txn.Set(chunkKey(index), chunk)
			})
		})
	case OpTrim:
		return self.db.Update(func(txn *badger.Txn) error {
			return self.forChunks(req.Offset, req.Length, func(index uint64, off, n, bufOff int) error {
				if off == 0 && n == badgerChunkSize {
					err := txn.Delete(chunkKey(index))
					if err == badger.ErrKeyNotFound {
						return nil
					}
					return err
				}
				item, err := txn.Get(chunkKey(index))
				if err == badger.ErrKeyNotFound {
					return nil
				}
				if err != nil {
					return err
				}
				v, err := item.Value()
				if err != nil {
					return err
				}
				chunk := make([]byte, badgerChunkSize)
				copy(chunk, v)
				zero(chunk[off : off+n])
				return txn.Set(chunkKey(index), chunk)
			})
		})
	case OpFlush:
		return nil
	}
	return nil
}

// forChunks splits [offset, offset+length) into per-chunk callbacks.
func (self *BadgerDevice) forChunks(offset uint64, length int, fn func(index uint64, off, n, bufOff int) error) error {
	bufOff := 0
	for length > 0 {
		index := offset / badgerChunkSize
		off := int(offset % badgerChunkSize)
		n := util.IMin(badgerChunkSize-off, length)
		if err := fn(index, off, n, bufOff); err != nil {
			return err
		}
		offset += uint64(n)
		bufOff += n
		length -= n
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (self *BadgerDevice) Close() {
	self.queueRunner.close()
	self.db.Close()
}
