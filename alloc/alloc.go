/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 18 08:55:31 2019 mstenber
 * Last modified: Tue May  7 10:02:44 2019 mstenber
 * Edit time:     156 min
 *
 */

// alloc is the space allocator the pipeline consumes: hand out
// physical extents by allocation class, take them back, and re-claim
// extents named by replayed log records. The pipeline only sees the
// narrow Allocator interface; FreelistAllocator is a real in-memory
// implementation used by the engine tests and the churn tool.
package alloc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

// Class separates allocations with different placement policies.
type Class int

const (
	ClassNormal Class = iota
	ClassSpecial
	ClassDedup
	ClassLog
	NumClasses
)

func (self Class) String() string {
	switch self {
	case ClassNormal:
		return "normal"
	case ClassSpecial:
		return "special"
	case ClassDedup:
		return "dedup"
	case ClassLog:
		return "log"
	}
	return fmt.Sprintf("class-%d", int(self))
}

// ErrNoSpace is returned when the requested class cannot satisfy the
// allocation; the pipeline reacts by shrinking (gang writes) or by
// falling back to another class.
var ErrNoSpace = errors.New("alloc: out of space")

// Allocator is the collaborator interface the pipeline consumes.
type Allocator interface {
	// Alloc returns copies extents of exactly size bytes, on
	// distinct devices when possible.
	Alloc(class Class, size, copies int, txg uint64) ([]blkptr.DVA, error)
	// Free returns an extent to the free pool.
	Free(dva blkptr.DVA, txg uint64)
	// Claim marks an extent allocated during log replay; claiming
	// an already-allocated extent succeeds.
	Claim(dva blkptr.DVA, txg uint64) error
}

type span struct {
	offset uint64
	size   int
}

type deviceSpace struct {
	size uint64
	free []span // sorted by offset, coalesced
	used int
}

// FreelistAllocator keeps a per-device sorted freelist. It is
// deliberately simple; placement policy beyond round-robin device
// choice is not its job.
type FreelistAllocator struct {
	// MaxContiguous, when nonzero, caps a single extent; larger
	// requests fail with ErrNoSpace (used to exercise gang
	// writes).
	MaxContiguous int

	lock    util.MutexLocked
	devices []*deviceSpace
	rotor   int
}

var _ Allocator = &FreelistAllocator{}

// Init sets up one freelist per device size given.
func (self FreelistAllocator) Init(deviceSizes ...uint64) *FreelistAllocator {
	for _, size := range deviceSizes {
		if size&(blkptr.SectorSize-1) != 0 {
			panic("alloc: device size not sector aligned")
		}
		self.devices = append(self.devices,
			&deviceSpace{size: size, free: []span{{0, int(size)}}})
	}
	return &self
}

// NDevices returns the device count.
func (self *FreelistAllocator) NDevices() int {
	return len(self.devices)
}

// DeviceSize returns the size of one device, for descriptor
// validation.
func (self *FreelistAllocator) DeviceSize(vdev uint32) uint64 {
	return self.devices[vdev].size
}

// Used returns currently allocated bytes across all devices.
func (self *FreelistAllocator) Used() int {
	defer self.lock.Locked()()
	total := 0
	for _, d := range self.devices {
		total += d.used
	}
	return total
}

func (self *FreelistAllocator) Alloc(class Class, size, copies int, txg uint64) ([]blkptr.DVA, error) {
	if size <= 0 || size&(blkptr.SectorSize-1) != 0 {
		panic(fmt.Sprintf("alloc: bad size %d", size))
	}
	if copies < 1 || copies > blkptr.DVAsPerPtr {
		panic(fmt.Sprintf("alloc: bad copies %d", copies))
	}
	defer self.lock.Locked()()
	if self.MaxContiguous != 0 && size > self.MaxContiguous {
		mlog.Printf2("alloc/alloc", "a.Alloc %d > max contiguous %d", size, self.MaxContiguous)
		return nil, ErrNoSpace
	}
	dvas := make([]blkptr.DVA, 0, copies)
	for c := 0; c < copies; c++ {
		dva, ok := self.allocOne(size, dvas)
		if !ok {
			// Roll back the copies already taken.
			for _, d := range dvas {
				self.freeLocked(d)
			}
			return nil, ErrNoSpace
		}
		dvas = append(dvas, dva)
	}
	mlog.Printf2("alloc/alloc", "a.Alloc %v %d x%d -> %v", class, size, copies, dvas)
	return dvas, nil
}

func (self *FreelistAllocator) allocOne(size int, taken []blkptr.DVA) (blkptr.DVA, bool) {
	n := len(self.devices)
	// First pass prefers devices not yet holding a copy.
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < n; i++ {
			vdev := (self.rotor + i) % n
			if pass == 0 && holdsCopy(taken, uint32(vdev)) {
				continue
			}
			if off, ok := self.carve(vdev, size); ok {
				self.rotor = vdev + 1
				return blkptr.DVA{Vdev: uint32(vdev), Offset: off, Asize: size}, true
			}
		}
		if len(taken) == 0 {
			break
		}
	}
	return blkptr.DVA{}, false
}

func holdsCopy(dvas []blkptr.DVA, vdev uint32) bool {
	for _, d := range dvas {
		if d.Vdev == vdev {
			return true
		}
	}
	return false
}

func (self *FreelistAllocator) carve(vdev, size int) (uint64, bool) {
	d := self.devices[vdev]
	for i, s := range d.free {
		if s.size < size {
			continue
		}
		off := s.offset
		if s.size == size {
			d.free = append(d.free[:i], d.free[i+1:]...)
		} else {
			d.free[i] = span{s.offset + uint64(size), s.size - size}
		}
		d.used += size
		return off, true
	}
	return 0, false
}

func (self *FreelistAllocator) Free(dva blkptr.DVA, txg uint64) {
	defer self.lock.Locked()()
	mlog.Printf2("alloc/alloc", "a.Free %v", dva)
	self.freeLocked(dva)
}

func (self *FreelistAllocator) freeLocked(dva blkptr.DVA) {
	d := self.devices[dva.Vdev]
	i := sort.Search(len(d.free), func(i int) bool {
		return d.free[i].offset >= dva.Offset
	})
	if i < len(d.free) && d.free[i].offset < dva.Offset+uint64(dva.Asize) {
		panic(fmt.Sprintf("alloc: double free of %v", dva))
	}
	if i > 0 {
		prev := d.free[i-1]
		if prev.offset+uint64(prev.size) > dva.Offset {
			panic(fmt.Sprintf("alloc: double free of %v", dva))
		}
	}
	d.free = append(d.free, span{})
	copy(d.free[i+1:], d.free[i:])
	d.free[i] = span{dva.Offset, dva.Asize}
	d.used -= dva.Asize
	// Coalesce with neighbours.
	if i+1 < len(d.free) && d.free[i].offset+uint64(d.free[i].size) == d.free[i+1].offset {
		d.free[i].size += d.free[i+1].size
		d.free = append(d.free[:i+1], d.free[i+2:]...)
	}
	if i > 0 && d.free[i-1].offset+uint64(d.free[i-1].size) == d.free[i].offset {
		d.free[i-1].size += d.free[i].size
		d.free = append(d.free[:i], d.free[i+1:]...)
	}
}

func (self *FreelistAllocator) Claim(dva blkptr.DVA, txg uint64) error {
	defer self.lock.Locked()()
	mlog.Printf2("alloc/alloc", "a.Claim %v", dva)
	d := self.devices[dva.Vdev]
	end := dva.Offset + uint64(dva.Asize)
	for i, s := range d.free {
		sEnd := s.offset + uint64(s.size)
		if end <= s.offset || dva.Offset >= sEnd {
			continue
		}
		if dva.Offset < s.offset || end > sEnd {
			return fmt.Errorf("alloc: claim %v straddles free boundary", dva)
		}
		// Carve the claimed range out of the free span.
		tail := span{end, int(sEnd - end)}
		head := span{s.offset, int(dva.Offset - s.offset)}
		repl := make([]span, 0, 2)
		if head.size > 0 {
			repl = append(repl, head)
		}
		if tail.size > 0 {
			repl = append(repl, tail)
		}
		d.free = append(d.free[:i], append(repl, d.free[i+1:]...)...)
		d.used += dva.Asize
		return nil
	}
	// Not free at all: already allocated, claim is a no-op.
	return nil
}
