/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue May 14 08:30:27 2019 mstenber
 * Last modified: Wed May 15 10:44:03 2019 mstenber
 * Edit time:     95 min
 *
 */

package zio

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stvp/assert"

	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/dedup"
)

func dedupProps() WriteProps {
	return WriteProps{
		Checksum: blkptr.ChecksumSHA256,
		Compress: blkptr.CompressOff,
		Type:     blkptr.TypeObjectData,
		Copies:   1,
		Dedup:    true,
	}
}

func TestDedupWriteFree(t *testing.T) {
	t.Parallel()
	table := dedup.MemTable{}.Init()
	defer table.Close()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue, DDT: table})
	defer env.close(t)

	data := randData(8192, 50)
	bp1 := writeSync(t, env.pool, data, dedupProps(), 1)
	assert.True(t, bp1.Dedup)
	used := env.al.Used()

	// Same content again: one index entry, one stored copy.
	bp2 := writeSync(t, env.pool, data, dedupProps(), 2)
	assert.Equal(t, bp2.DVA, bp1.DVA)
	assert.Equal(t, bp2.BirthTxg, uint64(2))
	assert.Equal(t, table.Entries(), 1)
	assert.Equal(t, env.al.Used(), used)

	// Different content is its own entry.
	other := randData(8192, 51)
	bp3 := writeSync(t, env.pool, other, dedupProps(), 2)
	assert.True(t, bp3.DVA != bp1.DVA)
	assert.Equal(t, table.Entries(), 2)

	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp2, blkptr.Bookmark{})))
	require.True(t, bytes.Equal(other, readSync(t, env.pool, bp3, blkptr.Bookmark{})))

	// Frees drop references; the last one returns the extents.
	freeSync(t, env.pool, bp2, 3)
	assert.Equal(t, table.Entries(), 2)
	assert.Equal(t, env.al.Used(), used+bp3.DVA[0].Asize)
	freeSync(t, env.pool, bp1, 3)
	assert.Equal(t, table.Entries(), 1)
	freeSync(t, env.pool, bp3, 3)
	assert.Equal(t, table.Entries(), 0)
	assert.Equal(t, env.al.Used(), 0)
}

func TestDedupCompressed(t *testing.T) {
	t.Parallel()
	table := dedup.MemTable{}.Init()
	defer table.Close()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue, DDT: table})
	defer env.close(t)

	props := dedupProps()
	props.Compress = blkptr.CompressLZ4
	data := compressibleData(16384)
	bp1 := writeSync(t, env.pool, data, props, 1)
	bp2 := writeSync(t, env.pool, data, props, 1)
	assert.Equal(t, bp2.DVA, bp1.DVA)
	assert.True(t, bp1.PhysicalSize < 16384)
	assert.Equal(t, table.Entries(), 1)
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp1, blkptr.Bookmark{})))
}

func TestDedupCopiesWiden(t *testing.T) {
	t.Parallel()
	table := dedup.MemTable{}.Init()
	defer table.Close()
	env := newTestEnv(2, 1<<20, Config{FailMode: FailModeContinue, DDT: table})
	defer env.close(t)

	data := randData(8192, 53)
	bp1 := writeSync(t, env.pool, data, dedupProps(), 1)
	require.Equal(t, 1, bp1.NDVAs())
	used := env.al.Used()

	// Asking for more copies than the stored descriptor carries
	// widens it: the existing extent stays put and only the missing
	// copy gets written.
	props := dedupProps()
	props.Copies = 2
	bp2 := writeSync(t, env.pool, data, props, 2)
	require.Equal(t, 2, bp2.NDVAs())
	assert.Equal(t, bp2.DVA[0], bp1.DVA[0])
	assert.Equal(t, table.Entries(), 1)
	assert.Equal(t, env.al.Used(), used+bp2.DVA[1].Asize)

	// A later single-copy writer just takes a reference to the
	// widened descriptor.
	bp3 := writeSync(t, env.pool, data, dedupProps(), 3)
	assert.Equal(t, bp3.DVA, bp2.DVA)
	assert.Equal(t, env.al.Used(), used+bp2.DVA[1].Asize)

	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp2, blkptr.Bookmark{})))

	freeSync(t, env.pool, bp1, 4)
	freeSync(t, env.pool, bp2, 4)
	freeSync(t, env.pool, bp3, 4)
	assert.Equal(t, table.Entries(), 0)
	assert.Equal(t, env.al.Used(), 0)
}

func TestDedupConcurrent(t *testing.T) {
	t.Parallel()
	table := dedup.MemTable{}.Init()
	defer table.Close()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue, DDT: table})
	defer env.close(t)

	// Everyone writes the same content at once; exactly one lead
	// allocates and the rest chain behind it.
	data := randData(8192, 52)
	const n = 8
	var wg sync.WaitGroup
	bps := make([]blkptr.Ptr, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := env.pool.Write(dedupProps(), data, len(data), PriSyncWrite, 0,
				blkptr.Bookmark{Blkid: uint64(i)}, 1, nil, nil)
			errs[i] = op.Wait()
			bps[i] = op.Ptr()
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bps[i].DVA, bps[0].DVA)
	}
	assert.Equal(t, table.Entries(), 1)
	assert.Equal(t, env.al.Used(), bps[0].DVA[0].Asize)

	for i := 0; i < n; i++ {
		freeSync(t, env.pool, bps[i], 2)
	}
	assert.Equal(t, table.Entries(), 0)
	assert.Equal(t, env.al.Used(), 0)
}
