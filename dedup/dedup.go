/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 19 08:44:02 2019 mstenber
 * Last modified: Tue May  7 10:31:26 2019 mstenber
 * Edit time:     133 min
 *
 */

// dedup is the deduplication index the pipeline consults: a
// refcounted mapping from content identity (strong checksum + sizes +
// compression) to the physical extents already holding that content.
// Concurrent writers of the same content are chained behind a lead
// writer recorded in the entry so only one of them allocates.
package dedup

import (
	"encoding/binary"

	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

// Key is the content identity. Two blocks dedup against each other
// only when all fields match.
type Key struct {
	Digest   blkptr.Digest
	Lsize    int
	Psize    int
	Compress blkptr.CompressID
}

func (self Key) bytes() []byte {
	b := make([]byte, 32+8+8+1)
	for i, v := range self.Digest {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
	binary.LittleEndian.PutUint64(b[32:], uint64(self.Lsize))
	binary.LittleEndian.PutUint64(b[40:], uint64(self.Psize))
	b[48] = byte(self.Compress)
	return b
}

// Entry is one index record. Refs counts on-disk references; Ptr
// names the stored copy (a hole until the lead writer lands one).
// Lead is the in-flight lead writer, runtime-only state that is never
// persisted.
type Entry struct {
	Key  Key
	Refs int64
	Ptr  blkptr.Ptr
	Lead interface{}
}

// HasCopy reports whether the entry already points at stored content.
func (self *Entry) HasCopy() bool {
	return !self.Ptr.IsHole()
}

// Table is the collaborator interface the pipeline consumes.
type Table interface {
	// Lookup returns a snapshot of the entry, if any.
	Lookup(key Key) (Entry, bool)
	// Update runs fn on the (created-if-missing) entry under the
	// table lock; the mutated entry is stored afterwards, or
	// dropped if it ended with zero refs, no copy and no lead.
	Update(key Key, fn func(e *Entry)) error
	// Release drops one reference. last is true when the entry is
	// gone and the returned descriptor's extents should be freed.
	Release(key Key) (ptr blkptr.Ptr, last bool, err error)
	// Entries returns the live entry count (diagnostics, tests).
	Entries() int
	Close()
}

// MemTable is the in-memory Table.
type MemTable struct {
	lock    util.MutexLocked
	entries map[Key]*Entry
}

var _ Table = &MemTable{}

func (self MemTable) Init() *MemTable {
	self.entries = make(map[Key]*Entry)
	return &self
}

func (self *MemTable) Lookup(key Key) (Entry, bool) {
	defer self.lock.Locked()()
	e := self.entries[key]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

func (self *MemTable) Update(key Key, fn func(e *Entry)) error {
	defer self.lock.Locked()()
	e := self.entries[key]
	if e == nil {
		e = &Entry{Key: key}
		self.entries[key] = e
	}
	fn(e)
	if e.Refs == 0 && !e.HasCopy() && e.Lead == nil {
		delete(self.entries, key)
	}
	mlog.Printf2("dedup/dedup", "ddt.Update refs=%d copy=%v", e.Refs, e.HasCopy())
	return nil
}

func (self *MemTable) Release(key Key) (ptr blkptr.Ptr, last bool, err error) {
	defer self.lock.Locked()()
	e := self.entries[key]
	if e == nil {
		return blkptr.Ptr{}, false, nil
	}
	e.Refs--
	mlog.Printf2("dedup/dedup", "ddt.Release refs=%d", e.Refs)
	if e.Refs > 0 {
		return e.Ptr, false, nil
	}
	delete(self.entries, key)
	return e.Ptr, true, nil
}

func (self *MemTable) Entries() int {
	defer self.lock.Locked()()
	return len(self.entries)
}

func (self *MemTable) Close() {}
