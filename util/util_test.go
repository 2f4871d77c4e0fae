/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Fri Dec 29 09:04:44 2017 mstenber
 * Last modified: Fri Dec 29 09:05:17 2017 mstenber
 * Edit time:     0 min
 *
 */

package util

import (
	"testing"

	"github.com/stvp/assert"
)

func TestConcatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ConcatBytes([]byte("foo"), []byte("bar")), []byte("foobar"))
}

func TestUint64Bytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Uint64Bytes(0x0102030405060708),
		[]byte{1, 2, 3, 4, 5, 6, 7, 8})
}

func TestIMinMax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, IMin(3, 1, 2), 1)
	assert.Equal(t, IMin(3), 3)
	assert.Equal(t, IMax(3, 1, 7), 7)
	assert.Equal(t, IMax(3), 3)
}
