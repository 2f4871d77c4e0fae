/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue May 14 11:05:19 2019 mstenber
 * Last modified: Wed May 15 11:02:38 2019 mstenber
 * Edit time:     75 min
 *
 */

package zio

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stvp/assert"

	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/vdev"
)

func waitSuspended(t *testing.T, p *Pool) {
	deadline := time.Now().Add(10 * time.Second)
	for !p.Suspended() {
		require.True(t, time.Now().Before(deadline), "pool did not suspend")
		time.Sleep(time.Millisecond)
	}
}

func TestSuspendResume(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeWait})

	// A persistently failing device: the write exhausts its retry,
	// and instead of reporting the error the pool suspends.
	wr := vdev.OpWrite
	env.inj[0].AddRule(&vdev.InjectRule{Op: &wr, Err: vdev.ErrUnavailable})

	data := randData(4096, 60)
	done := make(chan error, 1)
	op := env.pool.Write(dataProps(), data, len(data), PriSyncWrite, 0,
		blkptr.Bookmark{}, 1, nil, func(op *Op) { done <- op.Err() })
	op.Submit()

	waitSuspended(t, env.pool)
	// The caller has not been told anything yet; the work is parked,
	// not failed.
	assert.Equal(t, len(done), 0)

	// Repair the device and re-drive.
	env.inj[0].ClearRules()
	require.NoError(t, env.pool.Resume())
	assert.False(t, env.pool.Suspended())
	require.NoError(t, <-done)

	bp := op.Ptr()
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, blkptr.Bookmark{})))

	// The pool is fully operational again.
	bp2 := writeSync(t, env.pool, randData(4096, 63), dataProps(), 2)
	assert.Equal(t, bp2.NDVAs(), 1)
	env.close(t)
}

func TestSuspendSkipsCanFail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeWait})
	defer env.close(t)

	wr := vdev.OpWrite
	env.inj[0].AddRule(&vdev.InjectRule{Op: &wr, Err: vdev.ErrUnavailable})

	// Best-effort work gets its error delivered even in wait mode.
	data := randData(4096, 61)
	op := env.pool.Write(dataProps(), data, len(data), PriSyncWrite, FlagCanFail,
		blkptr.Bookmark{}, 1, nil, nil)
	err := op.Wait()
	assert.Equal(t, err, EUnavailable)
	assert.False(t, env.pool.Suspended())
	env.inj[0].ClearRules()
}

func TestFailModeContinueDelivers(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	wr := vdev.OpWrite
	env.inj[0].AddRule(&vdev.InjectRule{Op: &wr, Err: vdev.ErrUnavailable})
	data := randData(4096, 62)
	op := env.pool.Write(dataProps(), data, len(data), PriSyncWrite, 0,
		blkptr.Bookmark{}, 1, nil, nil)
	err := op.Wait()
	assert.Equal(t, err, EUnavailable)
	assert.False(t, env.pool.Suspended())

	// Failed allocations were rolled back.
	assert.Equal(t, env.al.Used(), 0)
	env.inj[0].ClearRules()
}
