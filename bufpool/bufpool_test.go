/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 10:02:11 2019 mstenber
 * Last modified: Fri Mar 15 10:40:08 2019 mstenber
 * Edit time:     30 min
 *
 */

package bufpool

import (
	"testing"

	"github.com/stvp/assert"
)

func TestGetPut(t *testing.T) {
	t.Parallel()
	p := &Pool{}
	b := p.Get(1000)
	assert.Equal(t, len(b), 1000)
	assert.Equal(t, cap(b), 1024)
	assert.Equal(t, p.Outstanding.GetInt(), 1)
	p.Put(b)
	assert.Equal(t, p.Outstanding.GetInt(), 0)
	b2 := p.Get(1024)
	assert.Equal(t, len(b2), 1024)
	p.Put(b2)
}

func TestDebugCanaryOk(t *testing.T) {
	t.Parallel()
	p := &Pool{Debug: true}
	b := p.Get(512)
	for i := range b {
		b[i] = byte(i)
	}
	p.Put(b)
}

func TestDebugCanaryOverflow(t *testing.T) {
	t.Parallel()
	p := &Pool{Debug: true}
	b := p.Get(512)
	// Scribble past the logical end, inside the canary area.
	b[:cap(b)][cap(b)-1] = 0x42
	defer func() {
		assert.NotNil(t, recover())
	}()
	p.Put(b)
}

func TestBadSize(t *testing.T) {
	t.Parallel()
	defer func() {
		assert.NotNil(t, recover())
	}()
	Get(0)
}
