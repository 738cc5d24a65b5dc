/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bigalloc

import (
	"testing"
	"unsafe"

	"github.com/heapcraft/tcmalloc/arena"
	"github.com/heapcraft/tcmalloc/spanhdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	arena.Init()
}

func TestOrderFor(t *testing.T) {
	tests := []struct {
		need int
		want int
	}{
		{1, 0},
		{spanhdr.SpanSize, 0},
		{spanhdr.SpanSize + 1, 1},
		{2 * spanhdr.SpanSize, 1},
		{4 * spanhdr.SpanSize, 2},
		{4*spanhdr.SpanSize + 1, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, orderFor(tt.need), "need=%d", tt.need)
	}
}

func TestAllocLargeRoundTrip(t *testing.T) {
	// 100000+128 bytes needs two spans, i.e. order 1.
	const size = 100000
	before := arena.LoadActive()

	p := AllocLarge(size)
	require.NotNil(t, p)
	assert.Equal(t, before+2, arena.LoadActive())

	s := arena.SpanAt(arena.SpanIndex(unsafe.Pointer(uintptr(p) - spanhdr.HeaderSize)))
	assert.Equal(t, spanhdr.KindLarge, s.Kind)
	assert.Equal(t, uint8(1), s.Order)
	assert.Equal(t, uint8(spanhdr.ClassOrphanLarge), s.Class)
	assert.GreaterOrEqual(t, UsableSize(s.Order), size)

	// The whole payload must be writable.
	b := unsafe.Slice((*byte)(p), size)
	b[0], b[size-1] = 0xAB, 0xCD

	FreeLarge(s)
	assert.Equal(t, before, arena.LoadActive())
}

func TestAllocLargeOversizeReturnsNil(t *testing.T) {
	assert.Nil(t, AllocLarge(spanhdr.SpanSize<<arena.MaxOrder))
	assert.Nil(t, AllocLarge(-1))
}

func TestHugeRoundTrip(t *testing.T) {
	const size = 1 << 20
	const align = 4096

	p := AllocHuge(size, align)
	require.NotNil(t, p)
	assert.Equal(t, uintptr(0), uintptr(p)%align)
	assert.False(t, arena.Contains(p), "huge mappings live outside the arena")

	s := LookupHuge(p)
	require.NotNil(t, s)
	assert.Equal(t, spanhdr.KindHuge, s.Kind)
	assert.GreaterOrEqual(t, HugeUsableSize(s), size)

	b := unsafe.Slice((*byte)(p), size)
	b[0], b[size-1] = 0x11, 0x22

	require.NoError(t, FreeHuge(s))
}

func TestHugeDefaultAlignment(t *testing.T) {
	p := AllocHuge(4096, 0)
	require.NotNil(t, p)
	assert.Equal(t, uintptr(0), uintptr(p)%hugeMinAlign)
	require.NoError(t, FreeHuge(LookupHuge(p)))
}

func TestLookupHugeRejectsForeignPointer(t *testing.T) {
	var buf [2 * spanhdr.HeaderSize]byte
	assert.Nil(t, LookupHuge(unsafe.Pointer(&buf[spanhdr.HeaderSize])))
}
