/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 15:01:26 2019 mstenber
 * Last modified: Tue May  7 09:50:33 2019 mstenber
 * Edit time:     66 min
 *
 */

package codec

import (
	"bytes"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-zpool/blkptr"
)

var compressible = bytes.Repeat([]byte("zpool pipeline test data! "), 200)

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()
	for _, id := range []blkptr.CompressID{blkptr.CompressLZ4, blkptr.CompressSnappy} {
		dst, ok := Compress(id, compressible, len(compressible)-1)
		assert.True(t, ok)
		assert.True(t, len(dst) < len(compressible))
		back, err := Decompress(id, dst, len(compressible))
		assert.Nil(t, err)
		assert.Equal(t, back, compressible)
	}
}

func TestCompressIncompressible(t *testing.T) {
	t.Parallel()
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i*7 + i>>3*13)
	}
	_, ok := Compress(blkptr.CompressLZ4, data, 16)
	assert.False(t, ok)
	_, ok = Compress(blkptr.CompressOff, data, len(data))
	assert.False(t, ok)
}

func TestCompressEmpty(t *testing.T) {
	t.Parallel()
	zero := make([]byte, 8192)
	dst, ok := Compress(blkptr.CompressEmpty, zero, 0)
	assert.True(t, ok)
	assert.Equal(t, len(dst), 0)
	back, err := Decompress(blkptr.CompressEmpty, dst, 8192)
	assert.Nil(t, err)
	assert.Equal(t, back, zero)

	zero[100] = 1
	_, ok = Compress(blkptr.CompressEmpty, zero, 0)
	assert.False(t, ok)
}

func TestSum(t *testing.T) {
	t.Parallel()
	d1 := Sum(blkptr.ChecksumFletcher4, compressible)
	d2 := Sum(blkptr.ChecksumFletcher4, compressible)
	assert.True(t, d1.Equal(d2))
	d3 := Sum(blkptr.ChecksumSHA256, compressible)
	assert.False(t, d1.Equal(d3))

	other := append([]byte{}, compressible...)
	other[0] ^= 1
	assert.False(t, Sum(blkptr.ChecksumFletcher4, other).Equal(d1))
	assert.False(t, Sum(blkptr.ChecksumSHA256, other).Equal(d3))
}

func TestFletcher4Tail(t *testing.T) {
	t.Parallel()
	// Not word-aligned; tail bytes must still affect the digest.
	a := Sum(blkptr.ChecksumFletcher4, []byte{1, 2, 3, 4, 5})
	b := Sum(blkptr.ChecksumFletcher4, []byte{1, 2, 3, 4, 6})
	assert.False(t, a.Equal(b))
}

func TestCiphers(t *testing.T) {
	t.Parallel()
	ad := []byte("objset=1 object=2 blkid=3")
	for _, id := range []CipherID{CipherAESGCM, CipherAESSIV} {
		c := NewCipher(id, []byte("assword"), []byte("alt"), 100)
		ct, err := c.Encrypt(compressible, ad)
		assert.Nil(t, err)
		assert.False(t, bytes.Equal(ct, compressible))
		pt, err := c.Decrypt(ct, ad)
		assert.Nil(t, err)
		assert.Equal(t, pt, compressible)

		// Wrong identity must not authenticate.
		_, err = c.Decrypt(ct, []byte("objset=1 object=2 blkid=4"))
		assert.NotNil(t, err)
	}
}

func TestSIVDeterministic(t *testing.T) {
	t.Parallel()
	c := NewCipher(CipherAESSIV, []byte("assword"), []byte("alt"), 100)
	ad := []byte("id")
	ct1, err := c.Encrypt(compressible, ad)
	assert.Nil(t, err)
	ct2, err := c.Encrypt(compressible, ad)
	assert.Nil(t, err)
	assert.Equal(t, ct1, ct2)
}

func BenchmarkFletcher4(b *testing.B) {
	data := make([]byte, 128*1024)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Sum(blkptr.ChecksumFletcher4, data)
	}
}

func BenchmarkSHA256(b *testing.B) {
	data := make([]byte, 128*1024)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Sum(blkptr.ChecksumSHA256, data)
	}
}
