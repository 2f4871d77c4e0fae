/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 20 09:05:55 2019 mstenber
 * Last modified: Wed May  8 09:12:40 2019 mstenber
 * Edit time:     188 min
 *
 */

// vdev is the device/transport layer: it takes physical read/write/
// trim/flush requests, executes them asynchronously against a
// backend, and reports completion through a callback. Each device
// runs its own bounded worker set over a priority-ordered queue;
// completions therefore arrive on device worker goroutines.
package vdev

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

// OpType is the physical request type.
type OpType int

const (
	OpRead OpType = iota
	OpWrite
	OpTrim
	OpFlush
)

func (self OpType) String() string {
	switch self {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpTrim:
		return "trim"
	case OpFlush:
		return "flush"
	}
	return fmt.Sprintf("op-%d", int(self))
}

// ErrUnavailable marks a non-responsive device, as opposed to a
// request that failed.
var ErrUnavailable = errors.New("vdev: device unavailable")

// Request is one physical I/O. Data is filled in place for reads and
// consumed for writes; it is unused for trim/flush. Done is invoked
// exactly once, on a device worker goroutine.
type Request struct {
	Op     OpType
	Offset uint64
	Data   []byte

	// Length is the byte count for trim; reads and writes take
	// theirs from len(Data).
	Length int

	// Priority orders queued requests; lower runs first.
	Priority int

	Done func(err error)

	seq uint64
}

func (self *Request) size() int {
	return len(self.Data)
}

func (self *Request) check(devSize uint64) error {
	switch self.Op {
	case OpFlush:
		return nil
	case OpTrim:
		if self.Offset&(blkptr.SectorSize-1) != 0 || self.Length&(blkptr.SectorSize-1) != 0 {
			return fmt.Errorf("vdev: misaligned trim at %x+%x", self.Offset, self.Length)
		}
		if self.Offset+uint64(self.Length) > devSize {
			return fmt.Errorf("vdev: trim beyond device end")
		}
		return nil
	}
	if self.Offset&(blkptr.SectorSize-1) != 0 || self.size()&(blkptr.SectorSize-1) != 0 {
		return fmt.Errorf("vdev: misaligned %v at %x+%x", self.Op, self.Offset, self.size())
	}
	if self.Offset+uint64(self.size()) > devSize {
		return fmt.Errorf("vdev: %v beyond device end (%x+%x > %x)",
			self.Op, self.Offset, self.size(), devSize)
	}
	return nil
}

// Device is the transport interface the pipeline consumes.
type Device interface {
	Submit(req *Request)
	// ChangePriority reorders a still-queued request; a no-op if
	// the request already started.
	ChangePriority(req *Request, priority int)
	Size() uint64
	Close()
}

// queueRunner is the shared submit/dispatch machinery of the
// backends: a priority-ordered pending queue drained by a bounded
// worker set.
type queueRunner struct {
	lock    util.MutexLocked
	wg      util.SimpleWaitGroup
	pending []*Request
	seq     uint64
	closed  bool
	limiter util.ParallelLimiter
	exec    func(req *Request) error
	size    uint64
	name    string
}

func (self *queueRunner) start(name string, workers int, size uint64, exec func(req *Request) error) {
	self.name = name
	self.size = size
	self.exec = exec
	self.limiter.LimitTotal = workers
}

func (self *queueRunner) Size() uint64 {
	return self.size
}

func (self *queueRunner) Submit(req *Request) {
	if req.Done == nil {
		panic("vdev: Submit without Done")
	}
	if err := req.check(self.size); err != nil {
		go req.Done(err)
		return
	}
	defer self.lock.Locked()()
	if self.closed {
		go req.Done(ErrUnavailable)
		return
	}
	self.seq++
	req.seq = self.seq
	self.pending = append(self.pending, req)
	mlog.Printf2("vdev/vdev", "%s.Submit %v %x+%x pri=%d",
		self.name, req.Op, req.Offset, req.size(), req.Priority)
	self.wg.Go(func() {
		self.runOne()
	})
}

func (self *queueRunner) ChangePriority(req *Request, priority int) {
	defer self.lock.Locked()()
	for _, r := range self.pending {
		if r == req {
			r.Priority = priority
			return
		}
	}
}

// runOne executes the best pending request, not necessarily the one
// whose Submit started this goroutine.
func (self *queueRunner) runOne() {
	defer self.limiter.Limited()()
	self.lock.Lock()
	if len(self.pending) == 0 {
		self.lock.Unlock()
		return
	}
	best := 0
	for i, r := range self.pending {
		b := self.pending[best]
		if r.Priority < b.Priority ||
			r.Priority == b.Priority && r.seq < b.seq {
			best = i
		}
	}
	req := self.pending[best]
	self.pending = append(self.pending[:best], self.pending[best+1:]...)
	self.lock.Unlock()

	err := self.exec(req)
	if err != nil {
		mlog.Printf2("vdev/vdev", "%s %v %x: %v", self.name, req.Op, req.Offset, err)
	}
	req.Done(err)
}

func (self *queueRunner) close() {
	self.lock.Lock()
	self.closed = true
	self.lock.Unlock()
	self.wg.Wait()
}

// sortPending is only used by tests to observe queue order.
func (self *queueRunner) sortPending() []*Request {
	defer self.lock.Locked()()
	r := append([]*Request{}, self.pending...)
	sort.Slice(r, func(i, j int) bool {
		if r[i].Priority != r[j].Priority {
			return r[i].Priority < r[j].Priority
		}
		return r[i].seq < r[j].seq
	})
	return r
}
