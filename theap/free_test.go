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

package theap

import (
	"testing"
	"unsafe"

	"github.com/heapcraft/tcmalloc/arena"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFreeReusesHotBlock(t *testing.T) {
	const class = 1 // 32-byte blocks
	p1 := AllocSmall(class)
	require.NotNil(t, p1)

	idx := arena.SpanIndex(p1)
	s := arena.SpanAt(idx)

	FreeSmall(s, p1, s.LoadOwner())
	assert.Equal(t, p1, s.HotBlock)

	p2 := AllocSmall(class)
	assert.Equal(t, p1, p2, "hot block must be served before bumping further")
}

// TestLocalFreeDisplacesHotBlockOntoLocalFree frees two distinct owner-
// local blocks into the same span before allocating again. The first free
// fills the empty hot block; the second must displace that hot block onto
// local_free with a *correctly linked* next-pointer, not leave local_free's
// head carrying stale user data from whatever p used to hold. A prior bug
// wrote the next-pointer into p (which is about to become the new hot
// block and never traversed as a list node) instead of into the displaced
// old hot block, corrupting the first word alloc.go's local-free pop
// later reads as a next-pointer.
func TestLocalFreeDisplacesHotBlockOntoLocalFree(t *testing.T) {
	const class = 1 // 32-byte blocks
	p1 := AllocSmall(class)
	require.NotNil(t, p1)
	p2 := AllocSmall(class)
	require.NotNil(t, p2)

	idx := arena.SpanIndex(p1)
	s := arena.SpanAt(idx)

	FreeSmall(s, p1, s.LoadOwner()) // p1 becomes hot_block
	require.Equal(t, p1, s.HotBlock)

	FreeSmall(s, p2, s.LoadOwner()) // p2 displaces p1 onto local_free
	assert.Equal(t, p2, s.HotBlock)
	assert.Equal(t, p1, s.LocalFree, "the displaced hot block must become the local_free head")
	assert.Equal(t, unsafe.Pointer(nil), *(*unsafe.Pointer)(p1), "p1's next-pointer word must be written, not p2's")

	// Hot block is served first, then local_free; both pointers handed
	// back out must be the same two blocks, none of them corrupted.
	got2 := AllocSmall(class)
	assert.Equal(t, p2, got2)
	got1 := AllocSmall(class)
	assert.Equal(t, p1, got1)
}

// TestRemoteFreePath: a pointer freed with a tid that does not match the
// span's owner must take the remote-free branch (Treiber push) rather
// than the local hot-block path.
func TestRemoteFreePath(t *testing.T) {
	const class = 2 // 48-byte blocks
	p := AllocSmall(class)
	require.NotNil(t, p)

	idx := arena.SpanIndex(p)
	s := arena.SpanAt(idx)
	owner := s.LoadOwner()
	foreignTid := owner + 1000 // guaranteed not to equal the real owner

	usedBefore := s.LoadUsed()
	remoteBefore := RemoteFrees()
	FreeSmall(s, p, foreignTid)

	assert.NotEqual(t, owner, foreignTid)
	assert.NotNil(t, s.LoadRemoteFree(), "remote free must be pushed onto the Treiber stack")
	assert.Equal(t, usedBefore-1, s.LoadUsed())
	assert.Equal(t, remoteBefore+1, RemoteFrees(), "the remote-free counter must record the push")
}

// TestRetireOrphansSpanWithLiveBlocks exhausts a fresh span's bump region
// without freeing anything, forcing retirement of a span that is still
// fully live: non-zero used, no pending remote_free, so the span is
// simply marked orphan and left untouched until a future remote free
// enqueues it.
func TestRetireOrphansSpanWithLiveBlocks(t *testing.T) {
	const class = 3 // 64-byte blocks

	blockSize := 64
	capacity := (65536 - 128) / blockSize

	var first unsafe.Pointer
	for i := 0; i < capacity; i++ {
		p := AllocSmall(class)
		require.NotNil(t, p)
		if i == 0 {
			first = p
		}
	}
	idx := arena.SpanIndex(first)
	s := arena.SpanAt(idx)
	require.NotEqual(t, uint32(0), s.LoadOwner(), "the active span must still be owned")
	require.Equal(t, uint32(capacity), s.LoadUsed())

	// One more allocation finds bump exhausted with every fast path empty,
	// which retires the active span before acquiring a replacement.
	next := AllocSmall(class)
	require.NotNil(t, next)

	assert.Equal(t, uint32(0), s.LoadOwner(), "retired span must become orphan")
	assert.Equal(t, uint32(capacity), s.LoadUsed(), "no blocks were freed, so used is unchanged")
}
