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

func init() {
	arena.Init()
}

func TestAllocSmallDistinctAndWritable(t *testing.T) {
	const class = 0 // 16-byte blocks
	seen := make(map[unsafe.Pointer]bool, 100)
	for i := 0; i < 100; i++ {
		p := AllocSmall(class)
		require.NotNil(t, p)
		assert.False(t, seen[p], "allocator returned the same pointer twice while both were live")
		seen[p] = true
		*(*byte)(p) = byte(i)
	}
}

func TestAllocSmallAcrossSpanBoundary(t *testing.T) {
	const class = 0
	capacity := (65536 - 128) / 16
	// Allocate enough blocks to force at least one retire-and-reacquire
	// cycle.
	ptrs := make([]unsafe.Pointer, 0, capacity+10)
	for i := 0; i < capacity+10; i++ {
		p := AllocSmall(class)
		require.NotNil(t, p, "allocation %d failed", i)
		ptrs = append(ptrs, p)
	}
	seen := make(map[unsafe.Pointer]bool, len(ptrs))
	for _, p := range ptrs {
		assert.False(t, seen[p])
		seen[p] = true
	}
}

func TestAllocSmallReentrancyGuard(t *testing.T) {
	h := Current()
	require.True(t, h.enter())
	defer h.exit()
	// A second enter while already inside the allocator must be refused,
	// so an allocation triggered from the allocator's own bootstrap fails
	// cleanly instead of recursing.
	assert.False(t, h.enter())
}
