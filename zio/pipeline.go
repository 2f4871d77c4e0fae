/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 22 10:44:19 2019 mstenber
 * Last modified: Fri May 10 08:31:06 2019 mstenber
 * Edit time:     150 min
 *
 */

package zio

import (
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
	"github.com/fingon/go-zpool/util/gid"
)

// Two worker pools drive the pipeline: issue workers start fresh
// work, interrupt workers run completion continuations. Stages that
// may sleep (allocation, throttle) never run on an interrupt worker,
// so completions keep flowing even when the allocator is starved.
const (
	dispatchIssue = iota
	dispatchInterrupt
	numTaskqs
)

type taskq struct {
	name string
	ch   chan *Op
	wg   util.SimpleWaitGroup

	lock util.MutexLocked
	gids map[uint64]bool
}

func newTaskq(name string, workers, depth int) *taskq {
	self := &taskq{
		name: name,
		ch:   make(chan *Op, depth),
		gids: make(map[uint64]bool, workers),
	}
	for i := 0; i < workers; i++ {
		self.wg.Go(self.run)
	}
	return self
}

func (self *taskq) run() {
	id := gid.GetGoroutineID()
	self.lock.Lock()
	self.gids[id] = true
	self.lock.Unlock()
	for op := range self.ch {
		op.execute()
	}
	self.lock.Lock()
	delete(self.gids, id)
	self.lock.Unlock()
}

func (self *taskq) onWorker() bool {
	id := gid.GetGoroutineID()
	defer self.lock.Locked()()
	return self.gids[id]
}

func (self *taskq) close() {
	close(self.ch)
	self.wg.Wait()
}

func (self *Pool) dispatch(op *Op, q int) {
	mlog.Printf2("zio/pipeline", "z.dispatch %d -> %s", op.id, self.taskqs[q].name)
	self.taskqs[q].ch <- op
}

// execute drives the operation (and any zero-hop continuations) until
// every reachable pipeline suspends or completes.
func (self *Op) execute() {
	op := self
	for op != nil {
		op = op.executeStages()
	}
}

// executeStages advances the pipeline: find the next set bit above
// the stage marker, run it, repeat. A stage returning a different
// operation hands the goroutine over (parent continuation); nil means
// the pipeline went to sleep (children outstanding, device queue,
// throttle) and will be resumed elsewhere.
func (self *Op) executeStages() *Op {
	for {
		stage := self.stage << 1
		for stage&self.pipeline == 0 {
			if stage == 0 {
				panic("zio: ran past the end of the pipeline")
			}
			stage <<= 1
		}
		if stage&blockingStages != 0 &&
			self.pool.taskqs[dispatchInterrupt].onWorker() {
			self.pool.dispatch(self, dispatchIssue)
			return nil
		}
		mlog.Printf2("zio/pipeline", "z.execute %d %v", self.id, stage)
		self.stage = stage
		next := stageTable[stage.index()](self)
		if next != self {
			return next
		}
	}
}

// interrupt finishes the operation early with err: the remaining
// pipeline collapses to the interlock stages.
func (self *Op) interrupt(err Errno) {
	if self.err == OK {
		self.err = err
	}
	self.pipeline = self.stage | interlockStages&self.pipeline | StageDone
}
