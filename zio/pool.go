/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 22 11:21:40 2019 mstenber
 * Last modified: Fri May 10 09:55:12 2019 mstenber
 * Edit time:     200 min
 *
 */

package zio

import (
	"fmt"
	"time"

	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/bufpool"
	"github.com/fingon/go-zpool/codec"
	"github.com/fingon/go-zpool/dedup"
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
	"github.com/fingon/go-zpool/vdev"
)

// FailMode selects what an unrecoverable write error does to the
// pool.
type FailMode int

const (
	// FailModeWait suspends the pool; failed work is parked and
	// retried on Resume.
	FailModeWait FailMode = iota
	// FailModeContinue delivers the error to the caller instead.
	FailModeContinue
	// FailModePanic crashes the process on an unrecoverable write
	// error, for callers who prefer that over hanging or seeing
	// the error.
	FailModePanic
)

// Config wires the pipeline to its collaborators. Devices and Alloc
// are mandatory; everything else has a usable default or is optional.
type Config struct {
	Devices []vdev.Device
	Alloc   alloc.Allocator

	// Buffers defaults to bufpool.Default.
	Buffers *bufpool.Pool

	// DDT enables dedup writes/frees; nil disables them (dedup
	// descriptors degrade to plain ones).
	DDT dedup.Table

	// Cipher is required when any write sets Encrypt.
	Cipher codec.Cipher

	FailMode FailMode

	// Deadman is the stuck-I/O diagnostic interval for Wait;
	// default 10 minutes.
	Deadman time.Duration

	// Worker pool sizes; defaults 8 each.
	IssueWorkers     int
	InterruptWorkers int

	// ThrottleLimit caps in-flight allocating writes per class;
	// default 16, negative disables the throttle.
	ThrottleLimit int

	// DynamicGangHeaders permits headers above the legacy 512-byte
	// 3-slot format. First use activates the feature permanently.
	DynamicGangHeaders bool
}

// Pool is the pipeline instance. All operations are created from it
// and share its worker pools, throttle and suspension state.
type Pool struct {
	config Config
	opID   util.AtomicInt
	taskqs [numTaskqs]*taskq

	bpConfig blkptr.ValidationConfig

	// asyncRoot adopts Submit()ed operations with no parent so
	// Close can drain them. It is a godfather: pool suspension
	// never parks it.
	asyncRoot *Op

	throttle [alloc.NumClasses]*allocQueue

	lock        util.MutexLocked
	suspended   bool
	suspendRoot *Op

	featureLock util.MutexLocked
	features    map[string]bool

	closed bool
}

// Init validates the configuration and starts the worker pools.
func (self Pool) Init(config Config) *Pool {
	if len(config.Devices) == 0 {
		panic("zio: no devices")
	}
	if config.Alloc == nil {
		panic("zio: no allocator")
	}
	if config.Buffers == nil {
		config.Buffers = bufpool.Default
	}
	if config.IssueWorkers == 0 {
		config.IssueWorkers = 8
	}
	if config.InterruptWorkers == 0 {
		config.InterruptWorkers = 8
	}
	if config.ThrottleLimit == 0 {
		config.ThrottleLimit = 16
	}
	self.config = config
	self.features = make(map[string]bool)
	self.bpConfig = blkptr.ValidationConfig{
		NVdevs: len(config.Devices),
		VdevSize: func(vd uint32) uint64 {
			return config.Devices[vd].Size()
		},
	}
	pool := &self
	pool.taskqs[dispatchIssue] = newTaskq("issue", config.IssueWorkers, 1024)
	pool.taskqs[dispatchInterrupt] = newTaskq("interrupt", config.InterruptWorkers, 1024)
	for c := alloc.ClassNormal; c < alloc.NumClasses; c++ {
		pool.throttle[c] = newAllocQueue(c, config.ThrottleLimit)
	}
	pool.asyncRoot = pool.Godfather(nil)
	mlog.Printf2("zio/pool", "p.Init devices=%d", len(config.Devices))
	return pool
}

// Close drains submitted work and stops the worker pools. A suspended
// pool must be Resume()d (or have its parked work abandoned via
// FailModeContinue) before Close; Close on a suspended pool panics
// rather than hang forever.
func (self *Pool) Close() error {
	self.lock.Lock()
	if self.closed {
		self.lock.Unlock()
		return nil
	}
	self.closed = true
	suspended := self.suspended
	self.lock.Unlock()
	if suspended {
		panic("zio: Close of a suspended pool")
	}
	err := self.asyncRoot.Wait()
	for _, q := range self.taskqs {
		q.close()
	}
	for _, d := range self.config.Devices {
		d.Close()
	}
	mlog.Printf2("zio/pool", "p.Close err=%v", err)
	return err
}

// Suspended reports whether the pool is currently suspended.
func (self *Pool) Suspended() bool {
	defer self.lock.Locked()()
	return self.suspended
}

// Validate checks a descriptor against the pool shape.
func (self *Pool) Validate(bp *blkptr.Ptr) error {
	return bp.Validate(&self.bpConfig)
}

// activateFeature flips a one-way pool feature; first activation is
// logged.
func (self *Pool) activateFeature(name string) {
	defer self.featureLock.Locked()()
	if self.features[name] {
		return
	}
	self.features[name] = true
	mlog.Printf2("zio/pool", "p.activateFeature %s", name)
}

// FeatureActive reports whether a one-way feature has been used.
func (self *Pool) FeatureActive(name string) bool {
	defer self.featureLock.Locked()()
	return self.features[name]
}

func (self *Pool) device(vd uint32) vdev.Device {
	if int(vd) >= len(self.config.Devices) {
		panic(fmt.Sprintf("zio: vdev %d out of range", vd))
	}
	return self.config.Devices[vd]
}
