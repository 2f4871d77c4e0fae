/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 22 08:40:13 2019 mstenber
 * Last modified: Thu May  9 08:21:02 2019 mstenber
 * Edit time:     95 min
 *
 */

package zio

import "math/bits"

// Stage is one bit per pipeline stage; an operation's pipeline is a
// sparse mask of these, and the driver always advances to the next
// set bit above the current stage. Order of declaration is execution
// order.
type Stage uint32

const (
	StageOpen Stage = 1 << iota
	StageReadBPInit
	StageWriteBPInit
	StageFreeBPInit
	StageIssueAsync
	StageWriteCompress
	StageEncrypt
	StageChecksumGenerate
	StageNopWrite
	StageDDTReadStart
	StageDDTReadDone
	StageDDTWrite
	StageDDTFree
	StageGangAssemble
	StageGangIssue
	StageDVAThrottle
	StageDVAAllocate
	StageDVAFree
	StageDVAClaim
	StageReady
	StageVdevIOStart
	StageVdevIODone
	StageVdevIOAssess
	StageChecksumVerify
	StageDone

	numStages = 25
)

func (self Stage) index() int {
	return bits.TrailingZeros32(uint32(self))
}

var stageNames = [numStages]string{
	"open", "read_bp_init", "write_bp_init", "free_bp_init",
	"issue_async", "write_compress", "encrypt", "checksum_generate",
	"nop_write", "ddt_read_start", "ddt_read_done", "ddt_write",
	"ddt_free", "gang_assemble", "gang_issue", "dva_throttle",
	"dva_allocate", "dva_free", "dva_claim", "ready",
	"vdev_io_start", "vdev_io_done", "vdev_io_assess",
	"checksum_verify", "done",
}

func (self Stage) String() string {
	return stageNames[self.index()]
}

const (
	vdevIOStages = StageVdevIOStart | StageVdevIODone | StageVdevIOAssess

	gangStages = StageGangAssemble | StageGangIssue

	interlockStages = StageReady | StageDone

	// blockingStages may sleep on the allocator or a rate limit;
	// they must not run on a completion-interrupt worker.
	blockingStages = StageDVAThrottle | StageDVAAllocate |
		StageDVAFree | StageDVAClaim

	// Pipelines per operation shape. Creation picks one; stages
	// may widen (gang discovered) or narrow (write elided) it.

	interlockPipeline = interlockStages

	readPipeline = StageReadBPInit | StageReady | vdevIOStages |
		StageChecksumVerify | StageDone

	ddtReadPipeline = StageReadBPInit | StageDDTReadStart |
		StageDDTReadDone | StageReady | StageChecksumVerify | StageDone

	writeCommonStages = StageReady | vdevIOStages | StageDone

	writePipeline = StageWriteBPInit | StageIssueAsync |
		StageWriteCompress | StageEncrypt | StageChecksumGenerate |
		StageDVAThrottle | StageDVAAllocate | writeCommonStages

	// Rewrite targets an already-allocated location.
	rewritePipeline = StageWriteBPInit | StageChecksumGenerate |
		writeCommonStages

	ddtWritePipeline = StageWriteBPInit | StageIssueAsync |
		StageWriteCompress | StageEncrypt | StageChecksumGenerate |
		StageDDTWrite | StageReady | StageDone

	// Gang members are raw pre-framed chunks; they allocate and
	// write but never transform.
	gangMemberPipeline = StageChecksumGenerate | StageDVAAllocate |
		writeCommonStages

	freePipeline = StageFreeBPInit | StageDVAFree | StageDone

	ddtFreePipeline = StageFreeBPInit | StageDDTFree | StageDone

	claimPipeline = StageDVAClaim | StageDone

	physPipeline = StageReady | vdevIOStages | StageDone
)

// stageFunc runs one stage. It returns the same operation to keep
// executing, a different operation to execute next (zero-hop parent
// chaining), or nil when the pipeline is suspended (outstanding
// children, worker hand-off, or a rate limit).
type stageFunc func(op *Op) *Op

// stageTable is indexed by stage bit position. Open has no work; it
// is the initial stage marker only.
var stageTable = [numStages]stageFunc{
	nil,
	(*Op).stageReadBPInit,
	(*Op).stageWriteBPInit,
	(*Op).stageFreeBPInit,
	(*Op).stageIssueAsync,
	(*Op).stageWriteCompress,
	(*Op).stageEncrypt,
	(*Op).stageChecksumGenerate,
	(*Op).stageNopWrite,
	(*Op).stageDDTReadStart,
	(*Op).stageDDTReadDone,
	(*Op).stageDDTWrite,
	(*Op).stageDDTFree,
	(*Op).stageGangAssemble,
	(*Op).stageGangIssue,
	(*Op).stageDVAThrottle,
	(*Op).stageDVAAllocate,
	(*Op).stageDVAFree,
	(*Op).stageDVAClaim,
	(*Op).stageReady,
	(*Op).stageVdevIOStart,
	(*Op).stageVdevIODone,
	(*Op).stageVdevIOAssess,
	(*Op).stageChecksumVerify,
	(*Op).stageDone,
}
