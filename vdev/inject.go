/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 21 10:30:52 2019 mstenber
 * Last modified: Wed May  8 09:47:14 2019 mstenber
 * Edit time:     51 min
 *
 */

package vdev

import (
	"github.com/fingon/go-zpool/mlog"
	"github.com/fingon/go-zpool/util"
)

// InjectRule describes one programmable fault. A matching request
// fails with Err without reaching the wrapped device.
type InjectRule struct {
	// Op restricts the rule; nil matches every type.
	Op *OpType
	// Offset/Length restrict the rule to overlapping requests;
	// Length 0 with Offset 0 matches everywhere.
	Offset uint64
	Length int
	// Remaining one-shot budget; zero or negative means
	// persistent.
	Count int
	Err   error

	// Hits counts matched requests.
	Hits int
}

func (self *InjectRule) matches(req *Request) bool {
	if self.Op != nil && *self.Op != req.Op {
		return false
	}
	if self.Length != 0 {
		size := req.size()
		if req.Op == OpTrim {
			size = req.Length
		}
		end := self.Offset + uint64(self.Length)
		if req.Offset >= end || self.Offset >= req.Offset+uint64(size) {
			return false
		}
	}
	return true
}

// InjectDevice wraps any Device with fault injection, for exercising
// the pipeline's retry/suspend behavior.
type InjectDevice struct {
	lock  util.MutexLocked
	inner Device
	rules []*InjectRule
}

var _ Device = &InjectDevice{}

func (self InjectDevice) Init(inner Device) *InjectDevice {
	self.inner = inner
	return &self
}

// AddRule arms a fault. The rule object can be inspected afterwards
// for hit counts.
func (self *InjectDevice) AddRule(rule *InjectRule) {
	defer self.lock.Locked()()
	self.rules = append(self.rules, rule)
}

// ClearRules disarms everything (e.g. "repair the device").
func (self *InjectDevice) ClearRules() {
	defer self.lock.Locked()()
	self.rules = nil
}

func (self *InjectDevice) Submit(req *Request) {
	if err := self.match(req); err != nil {
		mlog.Printf2("vdev/inject", "inject %v %x -> %v", req.Op, req.Offset, err)
		go req.Done(err)
		return
	}
	self.inner.Submit(req)
}

func (self *InjectDevice) match(req *Request) error {
	defer self.lock.Locked()()
	for i, r := range self.rules {
		if !r.matches(req) {
			continue
		}
		r.Hits++
		if r.Count > 0 {
			r.Count--
			if r.Count == 0 {
				self.rules = append(self.rules[:i], self.rules[i+1:]...)
			}
		}
		return r.Err
	}
	return nil
}

func (self *InjectDevice) ChangePriority(req *Request, priority int) {
	self.inner.ChangePriority(req, priority)
}

func (self *InjectDevice) Size() uint64 {
	return self.inner.Size()
}

func (self *InjectDevice) Close() {
	self.inner.Close()
}
