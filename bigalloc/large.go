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

// Package bigalloc implements the two paths small-object size classes
// don't cover: large allocations (multi-span buddy runs) and huge
// allocations (direct mmap).
package bigalloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/heapcraft/tcmalloc/arena"
	"github.com/heapcraft/tcmalloc/spanhdr"
)

// MaxLargeSize is the largest request servable by the large path: the
// whole arena in one buddy run (order 14).
const MaxLargeSize = (spanhdr.SpanSize << arena.MaxOrder) - spanhdr.HeaderSize

// orderFor returns the smallest buddy order whose span run covers need
// bytes.
func orderFor(need int) int {
	order := 0
	run := spanhdr.SpanSize
	for run < need && order < arena.MaxOrder {
		order++
		run <<= 1
	}
	return order
}

// AllocLarge reserves the smallest buddy run covering size+HeaderSize
// bytes and returns a pointer to the first usable byte, or nil on buddy
// exhaustion or an oversize request.
func AllocLarge(size int) unsafe.Pointer {
	if size < 0 {
		return nil
	}
	need := size + spanhdr.HeaderSize
	if need <= 0 || need > spanhdr.SpanSize<<arena.MaxOrder {
		return nil
	}
	order := orderFor(need)
	idx, ok := arena.AllocSpans(order)
	if !ok {
		return nil
	}
	s := arena.SpanAt(idx)
	s.Kind = spanhdr.KindLarge
	s.Order = uint8(order)
	s.Class = spanhdr.ClassOrphanLarge
	s.StoreOwner(0)
	atomic.StoreUint32(&s.Used, 0)
	s.HdrMagic = spanhdr.Magic
	return unsafe.Pointer(uintptr(unsafe.Pointer(s)) + spanhdr.HeaderSize)
}

// FreeLarge releases a span returned by AllocLarge back to the buddy
// allocator. s must be the span header recovered from the user pointer by
// the caller's pointer classification.
func FreeLarge(s *spanhdr.Header) {
	idx := arena.SpanIndex(unsafe.Pointer(s))
	arena.FreeSpans(idx, int(s.Order))
}

// UsableSize returns the number of bytes of payload available in a large
// span of the given order.
func UsableSize(order uint8) int {
	return (spanhdr.SpanSize << order) - spanhdr.HeaderSize
}
