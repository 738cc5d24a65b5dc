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
	"sync/atomic"
	"unsafe"

	"github.com/heapcraft/tcmalloc/arena"
	"github.com/heapcraft/tcmalloc/cache"
	"github.com/heapcraft/tcmalloc/sizeclass"
	"github.com/heapcraft/tcmalloc/spanhdr"
)

func pushGlobal(class uint8, s *spanhdr.Header) { cache.Push(class, s) }
func popGlobal(class uint8) *spanhdr.Header     { return cache.Pop(class) }

// AllocSmall serves an allocation of the given size class from the
// calling goroutine's thread heap. It returns nil on allocator exhaustion
// or on a reentrant call observed during bootstrap.
func AllocSmall(class uint8) unsafe.Pointer {
	h := Current()
	if !h.enter() {
		return nil // reentrancy guard: fall back to OS allocator
	}
	defer h.exit()
	return h.allocSmallLocked(class)
}

func (h *ThreadHeap) allocSmallLocked(class uint8) unsafe.Pointer {
	slot := &h.classes[class]
	for {
		s := slot.active
		if s == nil {
			s = h.acquireSpan(class)
			if s == nil {
				return nil
			}
			slot.active = s
		}

		// Hot block.
		if s.HotBlock != nil {
			p := s.HotBlock
			s.HotBlock = nil
			s.AddUsed(1)
			return p
		}

		// Local free list.
		if s.LocalFree != nil {
			p := s.LocalFree
			s.LocalFree = *(*unsafe.Pointer)(p)
			s.AddUsed(1)
			return p
		}

		// Drain remote free: publishes cross-thread frees into
		// local_free and restarts the search from the hot block.
		if drained := s.DrainRemoteFree(); drained != nil {
			s.LocalFree = drained
			continue
		}

		// Bump allocation.
		blockSize := uintptr(s.BlockSize)
		if uintptr(s.Bump)+blockSize <= uintptr(s.BumpEnd) {
			p := s.Bump
			s.Bump = unsafe.Pointer(uintptr(s.Bump) + blockSize)
			s.AddUsed(1)
			return p
		}

		// Span exhausted: retire it and loop back to acquire a new one.
		slot.active = nil
		retireSmallSpan(h, class, s)
	}
}

// acquireSpan is the four-tier fallback behind AllocSmall: thread
// mini-cache, then the global cache (scanning all shards), then the reuse
// cache (with ownership CAS), then a fresh span from the buddy allocator.
func (h *ThreadHeap) acquireSpan(class uint8) *spanhdr.Header {
	slot := &h.classes[class]

	if slot.miniCount > 0 {
		slot.miniCount--
		s := slot.miniCache[slot.miniCount]
		slot.miniCache[slot.miniCount] = nil
		initSpan(s, class, h.pid)
		return s
	}

	if s := popGlobal(class); s != nil {
		initSpan(s, class, h.pid)
		return s
	}

	if s := cache.PopReuse(class, h.pid); s != nil {
		if s.LoadUsed() == 0 {
			initSpan(s, class, h.pid)
		} else {
			if drained := s.DrainRemoteFree(); drained != nil {
				s.LocalFree = drained
			}
			s.HotBlock = nil
			s.StoreOwner(h.pid)
		}
		return s
	}

	idx, ok := arena.AllocSpans(0)
	if !ok {
		return nil
	}
	s := arena.SpanAt(idx)
	atomic.StoreUint32(&s.Used, 0)
	initSpan(s, class, h.pid)
	return s
}

// initSpan resets a span for small-object service under a new owner. It
// deliberately leaves Used untouched: frees in flight from a previous
// owner may still be pending against it.
func initSpan(s *spanhdr.Header, class uint8, owner uint32) {
	blockSize := sizeclass.ClassToSize(int(class))
	capacity := (spanhdr.SpanSize - spanhdr.HeaderSize) / blockSize

	base := unsafe.Pointer(uintptr(unsafe.Pointer(s)) + spanhdr.HeaderSize)
	s.Bump = base
	s.BumpEnd = unsafe.Pointer(uintptr(base) + uintptr(capacity*blockSize))
	s.HotBlock = nil
	s.LocalFree = nil
	s.BlockSize = uint32(blockSize)
	s.Class = class
	s.Kind = spanhdr.KindSmall
	s.Order = 0
	s.DrainRemoteFree()
	s.StoreOwner(owner)
	s.CASInReuse(1, 0)
	s.HdrMagic = spanhdr.Magic
}
