/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon May 13 09:12:30 2019 mstenber
 * Last modified: Wed May 15 11:40:22 2019 mstenber
 * Edit time:     260 min
 *
 */

package zio

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stvp/assert"

	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/codec"
	"github.com/fingon/go-zpool/vdev"
)

// testEnv wires a pool to in-memory devices behind fault injectors
// and a freelist allocator, so tests can observe space accounting and
// program failures.
type testEnv struct {
	pool *Pool
	al   *alloc.FreelistAllocator
	inj  []*vdev.InjectDevice
}

func newTestEnv(devices int, devSize uint64, config Config) *testEnv {
	env := &testEnv{}
	var sizes []uint64
	for i := 0; i < devices; i++ {
		inj := vdev.InjectDevice{}.Init(vdev.MemDevice{}.Init(devSize, 2))
		env.inj = append(env.inj, inj)
		config.Devices = append(config.Devices, inj)
		sizes = append(sizes, devSize)
	}
	env.al = alloc.FreelistAllocator{}.Init(sizes...)
	if config.Alloc == nil {
		config.Alloc = env.al
	}
	if config.Deadman == 0 {
		config.Deadman = time.Minute
	}
	env.pool = Pool{}.Init(config)
	return env
}

func (self *testEnv) close(t *testing.T) {
	require.NoError(t, self.pool.Close())
}

func dataProps() WriteProps {
	return WriteProps{
		Checksum: blkptr.ChecksumFletcher4,
		Compress: blkptr.CompressLZ4,
		Type:     blkptr.TypeObjectData,
		Copies:   1,
	}
}

func randData(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func compressibleData(n int) []byte {
	return bytes.Repeat([]byte("zpoolzpoolzpool!"), n/16)
}

func writeSync(t *testing.T, p *Pool, data []byte, props WriteProps, txg uint64) blkptr.Ptr {
	op := p.Write(props, data, len(data), PriSyncWrite, 0,
		blkptr.Bookmark{}, txg, nil, nil)
	require.NoError(t, op.Wait())
	return op.Ptr()
}

func readSync(t *testing.T, p *Pool, bp blkptr.Ptr, mark blkptr.Bookmark) []byte {
	op := p.Read(bp, PriSyncRead, 0, mark, nil)
	require.NoError(t, op.Wait())
	return op.Data()
}

func freeSync(t *testing.T, p *Pool, bp blkptr.Ptr, txg uint64) {
	require.NoError(t, p.Free(bp, txg).Wait())
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	comp := compressibleData(8192)
	bp1 := writeSync(t, env.pool, comp, dataProps(), 1)
	assert.Equal(t, bp1.Compress, blkptr.CompressLZ4)
	assert.Equal(t, bp1.LogicalSize, 8192)
	assert.True(t, bp1.PhysicalSize < 8192)
	assert.Equal(t, bp1.NDVAs(), 1)
	require.True(t, bytes.Equal(comp, readSync(t, env.pool, bp1, blkptr.Bookmark{})))

	// Incompressible content is stored as-is.
	raw := randData(8192, 1)
	bp2 := writeSync(t, env.pool, raw, dataProps(), 1)
	assert.Equal(t, bp2.Compress, blkptr.CompressOff)
	assert.Equal(t, bp2.PhysicalSize, 8192)
	require.True(t, bytes.Equal(raw, readSync(t, env.pool, bp2, blkptr.Bookmark{})))

	assert.Equal(t, env.al.Used(), bp1.DVA[0].Asize+bp2.DVA[0].Asize)
	freeSync(t, env.pool, bp1, 2)
	freeSync(t, env.pool, bp2, 2)
	assert.Equal(t, env.al.Used(), 0)
}

func TestZeroElision(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	bp := writeSync(t, env.pool, make([]byte, 4096), dataProps(), 7)
	assert.True(t, bp.IsHole())
	assert.Equal(t, bp.BirthTxg, uint64(7))
	assert.Equal(t, env.al.Used(), 0)

	got := readSync(t, env.pool, bp, blkptr.Bookmark{})
	require.True(t, bytes.Equal(make([]byte, 4096), got))

	// Freeing a hole is a no-op.
	freeSync(t, env.pool, bp, 8)
	assert.Equal(t, env.al.Used(), 0)
}

func TestEmbedded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	props := dataProps()
	props.Embedded = true
	data := compressibleData(512)
	bp := writeSync(t, env.pool, data, props, 3)
	assert.True(t, bp.IsEmbedded())
	assert.Equal(t, bp.NDVAs(), 0)
	assert.Equal(t, env.al.Used(), 0)
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, blkptr.Bookmark{})))
	freeSync(t, env.pool, bp, 4)

	// Without the embedded property a single-sector frame cannot save
	// anything, so the block goes out uncompressed.
	bp2 := writeSync(t, env.pool, data, dataProps(), 5)
	assert.True(t, !bp2.IsEmbedded())
	assert.Equal(t, bp2.Compress, blkptr.CompressOff)
	assert.Equal(t, bp2.PhysicalSize, 512)
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp2, blkptr.Bookmark{})))
	freeSync(t, env.pool, bp2, 6)
}

func TestEncrypted(t *testing.T) {
	t.Parallel()
	cipher := codec.NewCipher(codec.CipherAESGCM, []byte("pw"), []byte("salt"), 16)
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue, Cipher: cipher})
	defer env.close(t)

	props := dataProps()
	props.Encrypt = true
	mark := blkptr.Bookmark{Objset: 1, Object: 2, Blkid: 3}
	data := compressibleData(8192)
	op := env.pool.Write(props, data, len(data), PriSyncWrite, 0, mark, 5, nil, nil)
	require.NoError(t, op.Wait())
	bp := op.Ptr()
	assert.True(t, bp.Encrypted)
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, mark)))

	// Ciphertext is bound to the block's logical identity; a read
	// claiming another one fails authentication.
	rop := env.pool.Read(bp, PriSyncRead, 0, blkptr.Bookmark{Objset: 9}, nil)
	err := rop.Wait()
	assert.Equal(t, err, EChecksum)
}

func TestChecksumTamper(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	props := dataProps()
	props.Compress = blkptr.CompressOff
	bp := writeSync(t, env.pool, randData(4096, 2), props, 1)
	bp.Digest[0] ^= 1
	err := env.pool.Read(bp, PriSyncRead, 0, blkptr.Bookmark{}, nil).Wait()
	assert.Equal(t, err, EChecksum)
}

func TestReadCopySwitch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(2, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	props := dataProps()
	props.Compress = blkptr.CompressOff
	props.Copies = 2
	data := randData(16384, 3)
	bp := writeSync(t, env.pool, data, props, 1)
	require.Equal(t, 2, bp.NDVAs())
	assert.True(t, bp.DVA[0].Vdev != bp.DVA[1].Vdev)

	// Break the first copy; the read recovers from the second after
	// the physical retry is also exhausted.
	rd := vdev.OpRead
	d0 := bp.DVA[0]
	rule := &vdev.InjectRule{Op: &rd, Offset: d0.Offset, Length: d0.Asize,
		Err: vdev.ErrUnavailable}
	env.inj[d0.Vdev].AddRule(rule)

	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, blkptr.Bookmark{})))
	assert.Equal(t, rule.Hits, 2)
}

func TestPhysicalRetry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	wr := vdev.OpWrite
	rule := &vdev.InjectRule{Op: &wr, Count: 1, Err: vdev.ErrUnavailable}
	env.inj[0].AddRule(rule)

	data := randData(4096, 4)
	bp := writeSync(t, env.pool, data, dataProps(), 1)
	assert.Equal(t, rule.Hits, 1)
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, blkptr.Bookmark{})))
}

func TestNopWrite(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	props := WriteProps{
		Checksum: blkptr.ChecksumSHA256,
		Compress: blkptr.CompressOff,
		Type:     blkptr.TypeObjectData,
		Copies:   1,
		NopWrite: true,
	}
	data := randData(4096, 5)
	prev := writeSync(t, env.pool, data, props, 1)
	used := env.al.Used()

	// Same content against the previous version: no new allocation,
	// new logical birth, old physical one.
	props.PrevPtr = &prev
	bp := writeSync(t, env.pool, data, props, 2)
	assert.Equal(t, bp.DVA, prev.DVA)
	assert.Equal(t, bp.BirthTxg, uint64(2))
	assert.Equal(t, bp.PhysBirthTxg, uint64(1))
	assert.Equal(t, env.al.Used(), used)
	require.True(t, bytes.Equal(data, readSync(t, env.pool, bp, blkptr.Bookmark{})))

	// Changed content allocates for real.
	other := randData(4096, 6)
	bp2 := writeSync(t, env.pool, other, props, 3)
	assert.True(t, bp2.DVA != prev.DVA)
	assert.True(t, env.al.Used() > used)
}

func TestTrimAndFlush(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	props := dataProps()
	props.Compress = blkptr.CompressOff
	bp := writeSync(t, env.pool, randData(4096, 7), props, 1)
	d := bp.DVA[0]
	require.NoError(t, env.pool.Trim(d.Vdev, d.Offset, d.Asize, PriAsyncWrite, nil).Wait())

	// The trimmed content reads back as zeroes, which no longer
	// matches the recorded digest.
	err := env.pool.Read(bp, PriSyncRead, 0, blkptr.Bookmark{}, nil).Wait()
	assert.Equal(t, err, EChecksum)

	require.NoError(t, env.pool.Flush(nil).Wait())
}

func TestClaim(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	props := dataProps()
	props.Compress = blkptr.CompressOff
	bp := writeSync(t, env.pool, randData(4096, 8), props, 1)
	used := env.al.Used()

	// Claiming an already-allocated extent changes nothing.
	require.NoError(t, env.pool.Claim(bp, 2).Wait())
	assert.Equal(t, env.al.Used(), used)

	// After a free, a replayed claim takes the extent back.
	freeSync(t, env.pool, bp, 2)
	assert.Equal(t, env.al.Used(), 0)
	require.NoError(t, env.pool.Claim(bp, 3).Wait())
	assert.Equal(t, env.al.Used(), used)
}

func TestWorstError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, WorstError(OK, EUnavailable), EUnavailable)
	assert.Equal(t, WorstError(EUnavailable, EChecksum), EChecksum)
	assert.Equal(t, WorstError(EChecksum, EIO), EIO)
	assert.Equal(t, WorstError(EIO, ENoSpace), ENoSpace)
	// Equal rank keeps the first comer.
	assert.Equal(t, WorstError(EInvalid, ENoSpace), EInvalid)
	assert.Equal(t, WorstError(ENoSpace, EInvalid), ENoSpace)
	assert.Equal(t, WorstError(EIO, OK), EIO)
}

func TestOpTree(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	var lock sync.Mutex
	var order []string
	record := func(name string) DoneFunc {
		return func(op *Op) {
			lock.Lock()
			order = append(order, name)
			lock.Unlock()
		}
	}
	root := env.pool.Root(0, record("root"))
	a := env.pool.Null(root, 0, record("a"))
	b := env.pool.Null(root, 0, record("b"))
	a.Submit()
	b.Submit()
	require.NoError(t, root.Wait())

	require.Equal(t, 3, len(order))
	assert.Equal(t, order[2], "root")
}

func TestAddChildOrdering(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	// A logical child may not hang under a vdev-level parent.
	parent := env.pool.newOp(TypeNull, ChildVdev, PriNow, 0, interlockPipeline)
	child := env.pool.Null(nil, 0, nil)
	require.Panics(t, func() { parent.AddChild(child) })
}

func TestAddChildCompletedParent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})
	defer env.close(t)

	// Children may arrive at any point while the parent is in flight
	// (the device stages hang physical children under a parent well
	// past its ready stage); only full completion closes the door.
	parent := env.pool.Null(nil, 0, nil)
	require.NoError(t, parent.Wait())
	require.Panics(t, func() { parent.AddChild(env.pool.Null(nil, 0, nil)) })
}

func TestAsyncSubmit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(1, 1<<20, Config{FailMode: FailModeContinue})

	const n = 4
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		data := randData(4096, int64(10+i))
		op := env.pool.Write(dataProps(), data, len(data), PriAsyncWrite, 0,
			blkptr.Bookmark{Blkid: uint64(i)}, 1, nil,
			func(op *Op) { done <- op.Err() })
		op.Submit()
	}
	// Close drains the async root, so every callback has fired.
	require.NoError(t, env.pool.Close())
	require.Equal(t, n, len(done))
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}
}
