/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 09:12:40 2019 mstenber
 * Last modified: Mon May  6 10:15:02 2019 mstenber
 * Edit time:     40 min
 *
 */

package blkptr

import (
	"testing"

	"github.com/minio/sha256-simd"
	"github.com/stvp/assert"
)

func sha256Sum(data []byte) (d Digest) {
	raw := sha256.Sum256(data)
	for i := range d {
		for b := 0; b < 8; b++ {
			d[i] |= uint64(raw[i*8+b]) << (8 * b)
		}
	}
	return
}

func TestGangHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	gh := NewGangHeader(LegacyGangHeaderSize)
	assert.Equal(t, len(gh.Slots), LegacyGangSlots)
	gh.Slots[0] = examplePtr()
	verifier := GangVerifier(1, 0x10000, 42)
	buf := gh.Encode(verifier, sha256Sum)
	assert.Equal(t, len(buf), LegacyGangHeaderSize)

	gh2, err := DecodeGangHeader(buf, verifier, sha256Sum, nil)
	assert.Nil(t, err)
	assert.Equal(t, gh2.Slots[0], gh.Slots[0])
	assert.True(t, gh2.Slots[1].IsHole())
}

func TestGangHeaderBadVerifier(t *testing.T) {
	t.Parallel()
	gh := NewGangHeader(LegacyGangHeaderSize)
	buf := gh.Encode(GangVerifier(1, 0x10000, 42), sha256Sum)
	_, err := DecodeGangHeader(buf, GangVerifier(1, 0x18000, 42), sha256Sum, nil)
	assert.NotNil(t, err)
}

func TestGangHeaderCorrupt(t *testing.T) {
	t.Parallel()
	gh := NewGangHeader(LegacyGangHeaderSize)
	gh.Slots[0] = examplePtr()
	verifier := GangVerifier(3, 0x8000, 9)
	buf := gh.Encode(verifier, sha256Sum)
	buf[17] ^= 0xff
	_, err := DecodeGangHeader(buf, verifier, sha256Sum, nil)
	assert.NotNil(t, err)
}

func TestGangHeaderDynamicSize(t *testing.T) {
	t.Parallel()
	gh := NewGangHeader(4096)
	assert.Equal(t, len(gh.Slots), GangSlots(4096))
	assert.True(t, len(gh.Slots) > LegacyGangSlots)
	verifier := GangVerifier(0, 0, 1)
	buf := gh.Encode(verifier, sha256Sum)
	gh2, err := DecodeGangHeader(buf, verifier, sha256Sum, nil)
	assert.Nil(t, err)
	assert.Equal(t, gh2.Size, 4096)
}
