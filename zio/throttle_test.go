/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue May 14 14:22:50 2019 mstenber
 * Last modified: Wed May 15 11:20:29 2019 mstenber
 * Edit time:     60 min
 *
 */

package zio

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stvp/assert"

	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/blkptr"
)

func queueState(q *allocQueue) (outstanding, parked int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.outstanding, len(q.parked)
}

func TestThrottleExactlyOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{
		FailMode:      FailModeContinue,
		ThrottleLimit: 1,
	})
	defer env.close(t)

	// Eight async writers contend for one slot; everyone completes
	// and every slot comes back.
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	bps := make([]blkptr.Ptr, n)
	datas := make([][]byte, n)
	for i := 0; i < n; i++ {
		i := i
		datas[i] = randData(4096, int64(70+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := env.pool.Write(dataProps(), datas[i], 4096, PriAsyncWrite, 0,
				blkptr.Bookmark{Blkid: uint64(i)}, 1, nil, nil)
			errs[i] = op.Wait()
			bps[i] = op.Ptr()
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.True(t, bytes.Equal(datas[i],
			readSync(t, env.pool, bps[i], blkptr.Bookmark{})))
	}
	outstanding, parked := queueState(env.pool.throttle[alloc.ClassNormal])
	assert.Equal(t, outstanding, 0)
	assert.Equal(t, parked, 0)
}

func TestClassFallback(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{
		FailMode:      FailModeContinue,
		ThrottleLimit: 2,
	})
	defer env.close(t)
	env.al.MaxContiguous = 4096

	// A special-class write that cannot allocate contiguously falls
	// back to the normal class (handing its slot over on the way) and
	// ends up ganging there.
	props := rawProps()
	props.Class = alloc.ClassSpecial
	data := randData(16384, 80)
	op := env.pool.Write(props, data, len(data), PriAsyncWrite, 0,
		blkptr.Bookmark{}, 1, nil, nil)
	require.NoError(t, op.Wait())
	bp := op.Ptr()
	assert.True(t, bp.IsGang())
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, blkptr.Bookmark{})))

	for c := alloc.ClassNormal; c < alloc.NumClasses; c++ {
		outstanding, parked := queueState(env.pool.throttle[c])
		assert.Equal(t, outstanding, 0)
		assert.Equal(t, parked, 0)
	}
}

func TestThrottleDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{
		FailMode:      FailModeContinue,
		ThrottleLimit: -1,
	})
	defer env.close(t)

	data := randData(4096, 81)
	bp := writeSync(t, env.pool, data, dataProps(), 1)
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, blkptr.Bookmark{})))
	outstanding, _ := queueState(env.pool.throttle[alloc.ClassNormal])
	assert.Equal(t, outstanding, 0)
}
