/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 22 09:15:08 2019 mstenber
 * Last modified: Fri May 10 09:02:44 2019 mstenber
 * Edit time:     420 min
 *
 */

// zio is the I/O pipeline engine of the pool: it turns logical block
// operations (read, write, free, claim, trim, flush) into sequences
// of asynchronous stages while tracking parent/child dependencies
// across the in-flight operation graph. See stage.go for the stage
// order and pool.go for the pool-wide machinery.
package zio

import (
	"fmt"
	"time"

	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/dedup"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
	"github.com/fingon/go-zpool/vdev"
)

// OpType is the logical operation type.
type OpType int

const (
	TypeNull OpType = iota
	TypeRead
	TypeWrite
	TypeFree
	TypeClaim
	TypeTrim
	TypeFlush
	numOpTypes
)

func (self OpType) String() string {
	return [...]string{"null", "read", "write", "free", "claim", "trim", "flush"}[self]
}

// ChildType classifies an operation's position in the dependency
// graph; a child's type never exceeds its parent's.
type ChildType int

const (
	ChildVdev ChildType = iota
	ChildGang
	ChildDDT
	ChildLogical
	numChildTypes
)

func (self ChildType) String() string {
	return [...]string{"vdev", "gang", "ddt", "logical"}[self]
}

// waitClass is a completion milestone a parent may depend on.
type waitClass int

const (
	waitReady waitClass = iota
	waitDone
	numWaits
)

// Priority orders device-queue and throttle competition; lower is
// more urgent.
type Priority int

const (
	// PriNow cuts in line (retries, gang headers).
	PriNow Priority = iota - 1
	PriSyncRead
	PriSyncWrite
	PriAsyncRead
	PriAsyncWrite
	PriScrub
)

// Flag is the operation flag set.
type Flag uint32

const (
	// FlagCanFail marks best-effort work: errors are delivered to
	// the caller instead of ever suspending the pool.
	FlagCanFail Flag = 1 << iota
	// FlagSpeculative marks readahead-style work; implies the
	// error policy of FlagCanFail and skips retries.
	FlagSpeculative
	// FlagDontPropagate keeps this child's error out of its
	// parents' rollup (best-effort repair).
	FlagDontPropagate
	// FlagDontRetry disables the automatic device-level retry.
	FlagDontRetry
	// FlagIORetry marks an operation already retried once.
	FlagIORetry
	// FlagPhysical marks a concrete single-device operation.
	FlagPhysical
	// FlagRaw bypasses compression/encryption transforms.
	FlagRaw
	// FlagGangChild marks members of a gang write; they skip the
	// allocation throttle.
	FlagGangChild
	// FlagDDTChild marks dedup-internal child I/O.
	FlagDDTChild
	// FlagGodfather marks teardown barriers exempt from pool
	// suspension.
	FlagGodfather
	// FlagNopWrite records that the write was elided.
	FlagNopWrite
	// FlagReexecuted marks an operation re-driven after
	// suspension or allocation failure.
	FlagReexecuted
)

// WriteProps carries the caller's policy for one logical write.
type WriteProps struct {
	Checksum blkptr.ChecksumID
	Compress blkptr.CompressID
	Type     blkptr.BlockType
	Level    uint8
	Copies   int
	Class    alloc.Class
	Dedup    bool
	Encrypt  bool
	// NopWrite allows eliding the write when content matches
	// PrevPtr; requires a collision-resistant checksum.
	NopWrite bool
	// PrevPtr is the block's previous on-disk version, for
	// nop-write comparison.
	PrevPtr *blkptr.Ptr
	// Embedded allows packing tiny results into the descriptor.
	Embedded bool
}

// DoneFunc observes a completed operation (inside the pipeline; the
// operation is destroyed right after unless a waiter holds it).
type DoneFunc func(op *Op)

type link struct {
	parent, child *Op
	// waiting[w] is true while the parent still counts the child
	// in that wait class.
	waiting [numWaits]bool
}

// Op is one unit of pipelined work. No operation is ever executed by
// two goroutines at once; ownership follows the single stage marker.
type Op struct {
	pool *Pool
	id   uint64

	ioType   OpType
	child    ChildType
	priority Priority
	flags    Flag

	bp     blkptr.Ptr
	bpOrig blkptr.Ptr

	prop     WriteProps
	bookmark blkptr.Bookmark
	txg      uint64

	data     []byte
	lsize    int
	size     int
	ownsData bool

	stage    Stage
	pipeline Stage

	origStage    Stage
	origPipeline Stage
	origFlags    Flag

	err    Errno
	reexec reexecFlag

	lock       util.MutexLocked
	parents    []*link
	children   []*link
	childCount [numChildTypes][numWaits]int
	childError [numChildTypes]Errno
	stall      *int
	state      [numWaits]bool

	transformStack *transform

	readyCb DoneFunc
	doneCb  DoneFunc

	// gang state
	gangTree   *gangNode
	gangHeader *blkptr.GangHeader
	gangRoot   *Op
	gangAllocs []blkptr.DVA

	// dedup state
	ddtKey     *dedup.Key
	ddtLead    bool
	keptCopies int

	// physical state
	vdevID    uint32
	offset    uint64
	dvaIndex  int
	activeReq *vdev.Request

	// throttle state
	allocClass    alloc.Class
	reserved      util.AtomicInt
	reservedClass alloc.Class
	allocated     bool

	waiter chan struct{}

	start time.Time
}

// newOp is the shared constructor; everything reaches the pipeline
// through it.
func (self *Pool) newOp(ioType OpType, child ChildType, priority Priority,
	flags Flag, pipeline Stage) *Op {
	op := &Op{
		pool:     self,
		ioType:   ioType,
		child:    child,
		priority: priority,
		flags:    flags,
		stage:    StageOpen,
		pipeline: pipeline | StageDone,
		start:    time.Now(),
	}
	op.id = uint64(self.opID.Add2(1))
	op.origStage = op.stage
	op.origPipeline = op.pipeline
	op.origFlags = op.flags
	mlog.Printf2("zio/op", "z.newOp %v id=%d child=%v", ioType, op.id, child)
	return op
}

// Null returns a no-op barrier: it completes once all of its children
// have.
func (self *Pool) Null(parent *Op, flags Flag, done DoneFunc) *Op {
	op := self.newOp(TypeNull, ChildLogical, PriSyncRead, flags, interlockPipeline)
	op.doneCb = done
	if parent != nil {
		parent.AddChild(op)
	}
	return op
}

// Root is a Null with no parent.
func (self *Pool) Root(flags Flag, done DoneFunc) *Op {
	return self.Null(nil, flags, done)
}

// Godfather returns a teardown-barrier root exempt from pool
// suspension.
func (self *Pool) Godfather(done DoneFunc) *Op {
	return self.Root(FlagGodfather, done)
}

// Read returns a logical read of bp. The decoded (decompressed,
// decrypted) content is available via Data once the operation is
// done.
func (self *Pool) Read(bp blkptr.Ptr, priority Priority, flags Flag,
	bookmark blkptr.Bookmark, done DoneFunc) *Op {
	pipeline := Stage(readPipeline)
	if bp.Dedup && !bp.IsGang() && !bp.IsEmbedded() && self.config.DDT != nil {
		pipeline = ddtReadPipeline
	}
	op := self.newOp(TypeRead, ChildLogical, priority, flags, pipeline)
	op.bp = bp
	op.bpOrig = bp
	op.bookmark = bookmark
	op.doneCb = done
	op.lsize = bp.LogicalSize
	op.size = bp.LogicalSize
	op.data = self.config.Buffers.Get(util.IMax(op.lsize, 1))
	op.ownsData = true
	return op
}

// Write returns a logical write of data (lsize bytes of it).
func (self *Pool) Write(props WriteProps, data []byte, lsize int,
	priority Priority, flags Flag, bookmark blkptr.Bookmark, txg uint64,
	ready, done DoneFunc) *Op {
	if lsize <= 0 || lsize > blkptr.MaxBlockSize || lsize&(blkptr.SectorSize-1) != 0 {
		panic(fmt.Sprintf("zio: bad write size %d", lsize))
	}
	if props.Copies < 1 || props.Copies > blkptr.DVAsPerPtr {
		panic(fmt.Sprintf("zio: bad copies %d", props.Copies))
	}
	pipeline := Stage(writePipeline)
	if props.Dedup {
		if !props.Checksum.CollisionResistant() {
			panic("zio: dedup requires a collision-resistant checksum")
		}
		pipeline = ddtWritePipeline
	}
	op := self.newOp(TypeWrite, ChildLogical, priority, flags, pipeline)
	op.prop = props
	op.bookmark = bookmark
	op.txg = txg
	op.data = data[:lsize]
	op.lsize = lsize
	op.size = lsize
	op.allocClass = props.Class
	return self.finishWriteOp(op, ready, done)
}

func (self *Pool) finishWriteOp(op *Op, ready, done DoneFunc) *Op {
	op.readyCb = ready
	op.doneCb = done
	op.origStage = op.stage
	op.origPipeline = op.pipeline
	op.origFlags = op.flags
	return op
}

// Free returns the extents named by bp to the allocator (through the
// dedup index when the block was deduplicated).
func (self *Pool) Free(bp blkptr.Ptr, txg uint64) *Op {
	pipeline := Stage(freePipeline)
	if bp.Dedup && self.config.DDT != nil {
		pipeline = ddtFreePipeline
	}
	op := self.newOp(TypeFree, ChildLogical, PriSyncWrite, 0, pipeline)
	op.bp = bp
	op.bpOrig = bp
	op.txg = txg
	return op
}

// Claim re-marks bp's extents allocated during log replay.
func (self *Pool) Claim(bp blkptr.Ptr, txg uint64) *Op {
	pipeline := Stage(claimPipeline)
	if bp.IsGang() {
		// The walk claims members and headers both.
		pipeline = gangStages
	}
	op := self.newOp(TypeClaim, ChildLogical, PriSyncWrite, 0, pipeline)
	op.bp = bp
	op.bpOrig = bp
	op.txg = txg
	return op
}

// Trim discards a physical range on one device.
func (self *Pool) Trim(vdevID uint32, offset uint64, length int,
	priority Priority, done DoneFunc) *Op {
	op := self.newOp(TypeTrim, ChildVdev, priority, FlagPhysical|FlagCanFail, physPipeline)
	op.vdevID = vdevID
	op.offset = offset
	op.size = length
	op.doneCb = done
	return op
}

// Flush barriers all devices' caches.
func (self *Pool) Flush(done DoneFunc) *Op {
	op := self.Root(0, done)
	for i := range self.config.Devices {
		fop := self.newOp(TypeFlush, ChildVdev, PriSyncWrite, FlagPhysical, physPipeline)
		fop.vdevID = uint32(i)
		op.AddChild(fop)
		self.dispatch(fop, dispatchIssue)
	}
	return op
}

// Data exposes the operation's current buffer (for reads, the decoded
// content once done).
func (self *Op) Data() []byte {
	return self.data[:self.size]
}

// Ptr returns the operation's descriptor (for writes, the final
// location once ready).
func (self *Op) Ptr() blkptr.Ptr {
	return self.bp
}

// Err returns the operation's summarizing error.
func (self *Op) Err() error {
	return self.err.AsError()
}

// Wait executes the operation synchronously and returns its
// summarizing error. The operation is destroyed; the read buffer
// (Data) remains valid for the caller.
func (self *Op) Wait() error {
	if self.waiter != nil {
		panic("zio: Wait reentered")
	}
	self.waiter = make(chan struct{})
	self.execute()
	deadman := self.pool.config.Deadman
	if deadman == 0 {
		deadman = 10 * time.Minute
	}
	for {
		select {
		case <-self.waiter:
			err := self.err.AsError()
			self.ownsData = false
			self.destroy()
			return err
		case <-time.After(deadman):
			mlog.Printf2("zio/op", "z.Wait deadman: %v id=%d stuck %v in %v",
				self.ioType, self.id, time.Since(self.start), self.stage)
		}
	}
}

// Submit queues the operation asynchronously; it is destroyed
// internally once its done callback has run. Ops without parents are
// adopted by the pool's async root so Close can drain them.
func (self *Op) Submit() {
	self.lock.Lock()
	orphan := len(self.parents) == 0 && self.flags&FlagGodfather == 0
	self.lock.Unlock()
	if orphan {
		self.pool.asyncRoot.AddChild(self)
	}
	self.pool.dispatch(self, dispatchIssue)
}

// ChangePriority raises or lowers the operation's priority,
// propagating to queued device work.
func (self *Op) ChangePriority(priority Priority) {
	self.lock.Lock()
	self.priority = priority
	req := self.activeReq
	vd := self.vdevID
	links := append([]*link{}, self.children...)
	self.lock.Unlock()
	if req != nil {
		self.pool.config.Devices[vd].ChangePriority(req, int(priority))
	}
	for _, l := range links {
		l.child.ChangePriority(priority)
	}
}

func (self *Op) destroy() {
	if self.ownsData && self.data != nil {
		self.pool.config.Buffers.Put(self.data)
		self.data = nil
	}
	mlog.Printf2("zio/op", "z.destroy %v id=%d", self.ioType, self.id)
}

func (self *Op) String() string {
	return fmt.Sprintf("Op{%v id=%d stage=%v err=%v}",
		self.ioType, self.id, self.stage, self.err)
}
