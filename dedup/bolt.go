/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 19 10:12:48 2019 mstenber
 * Last modified: Tue May  7 10:40:19 2019 mstenber
 * Edit time:     71 min
 *
 */

package dedup

import (
	"encoding/binary"
	"fmt"
	"log"

	bolt "github.com/coreos/bbolt"

	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

var entryBucket = []byte("ddt")

// BoltTable is the persistent Table: refcounts and descriptors live
// in a bolt database so the index survives pool restarts. Lead-writer
// markers are runtime-only and kept on the side.
type BoltTable struct {
	lock  util.MutexLocked
	db    *bolt.DB
	leads map[Key]interface{}
}

var _ Table = &BoltTable{}

// Init opens (or creates) the database file.
func (self BoltTable) Init(path string) *BoltTable {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		log.Fatal("bolt.Open", err)
	}
	self.db = db
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entryBucket)
		return err
	})
	if err != nil {
		log.Panic(err)
	}
	self.leads = make(map[Key]interface{})
	return &self
}

func encodeEntry(e *Entry) []byte {
	buf := make([]byte, 8+blkptr.PtrSize)
	binary.LittleEndian.PutUint64(buf, uint64(e.Refs))
	e.Ptr.Encode(buf[8:])
	return buf
}

func decodeEntry(key Key, buf []byte) (*Entry, error) {
	if len(buf) != 8+blkptr.PtrSize {
		return nil, fmt.Errorf("dedup: entry record %d bytes", len(buf))
	}
	ptr, err := blkptr.Decode(buf[8:], nil)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:  key,
		Refs: int64(binary.LittleEndian.Uint64(buf)),
		Ptr:  ptr,
	}, nil
}

func (self *BoltTable) Lookup(key Key) (Entry, bool) {
	defer self.lock.Locked()()
	var e *Entry
	self.view(func(b *bolt.Bucket) error {
		v := b.Get(key.bytes())
		if v == nil {
			return nil
		}
		var err error
		e, err = decodeEntry(key, v)
		return err
	})
	if e == nil {
		return Entry{}, false
	}
	e.Lead = self.leads[key]
	return *e, true
}

func (self *BoltTable) Update(key Key, fn func(e *Entry)) error {
	defer self.lock.Locked()()
	return self.update(func(b *bolt.Bucket) error {
		kb := key.bytes()
		e := &Entry{Key: key, Lead: self.leads[key]}
		if v := b.Get(kb); v != nil {
			var err error
			e, err = decodeEntry(key, v)
			if err != nil {
				return err
			}
			e.Lead = self.leads[key]
		}
		fn(e)
		if e.Lead != nil {
			self.leads[key] = e.Lead
		} else {
			delete(self.leads, key)
		}
		if e.Refs == 0 && !e.HasCopy() && e.Lead == nil {
			mlog.Printf2("dedup/bolt", "ddt.Update drop")
			return b.Delete(kb)
		}
		mlog.Printf2("dedup/bolt", "ddt.Update refs=%d", e.Refs)
		return b.Put(kb, encodeEntry(e))
	})
}

func (self *BoltTable) Release(key Key) (ptr blkptr.Ptr, last bool, err error) {
	defer self.lock.Locked()()
	err = self.update(func(b *bolt.Bucket) error {
		kb := key.bytes()
		v := b.Get(kb)
		if v == nil {
			return nil
		}
		e, err := decodeEntry(key, v)
		if err != nil {
			return err
		}
		e.Refs--
		ptr = e.Ptr
		if e.Refs > 0 {
			return b.Put(kb, encodeEntry(e))
		}
		last = true
		delete(self.leads, key)
		return b.Delete(kb)
	})
	return
}

func (self *BoltTable) Entries() (n int) {
	defer self.lock.Locked()()
	self.view(func(b *bolt.Bucket) error {
		n = b.Stats().KeyN
		return nil
	})
	return
}

func (self *BoltTable) view(fn func(b *bolt.Bucket) error) {
	err := self.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(entryBucket))
	})
	if err != nil {
		log.Panic(err)
	}
}

func (self *BoltTable) update(fn func(b *bolt.Bucket) error) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(entryBucket))
	})
}

func (self *BoltTable) Close() {
	self.db.Close()
}
