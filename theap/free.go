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
	"github.com/heapcraft/tcmalloc/spanhdr"
)

// remoteFrees counts every block that took the cross-thread free path.
// It is the only allocator-wide statistic kept; tests use it to prove a
// free wave actually went through the remote stacks rather than the
// owner-local lists.
var remoteFrees uint64

// RemoteFrees reports the total number of remote-free pushes so far.
func RemoteFrees() uint64 { return atomic.LoadUint64(&remoteFrees) }

// FreeSmall returns p, a block belonging to span s, to the allocator. It
// takes the freeing P's identity rather than calling Current() itself so
// tests can exercise the cross-thread path directly.
func FreeSmall(s *spanhdr.Header, p unsafe.Pointer, tid uint32) {
	if !freeLocal(s, p, tid) {
		// Remote free: CAS-push onto the span's Treiber stack.
		s.PushRemoteFree(p)
		atomic.AddUint64(&remoteFrees, 1)
		if s.LoadOwner() == 0 {
			cache.TryPush(s.Class, s)
		}
	}

	newUsed := s.AddUsed(-1) // fetch_sub(1), AddUsed returns the post-decrement value
	if debugAssertions && newUsed == ^uint32(0) {
		panic("theap: used count underflow on free")
	}
	if newUsed != 0 {
		return
	}
	// used just hit zero: reload owner under the implied acquire fence.
	if s.LoadOwner() != 0 {
		return // the owning thread will reclaim on its next retire
	}
	if !s.CASInReuse(0, 1) {
		return // another thread is already reclaiming this span
	}
	if s.LoadOwner() != 0 {
		s.CASInReuse(1, 0)
		return
	}
	// The claim is held from here until the span is re-initialized by its
	// next owner; clearing it earlier would reopen the double-enqueue
	// window against a concurrent retire.
	if !cache.PushClaimed(s.Class, s) {
		s.DrainRemoteFree()
		pushGlobal(s.Class, s)
	}
}

// freeLocal attempts the owner-local fast path: swap p into hot_block,
// displacing any previous occupant onto local_free. Line-0 fields may only
// be touched while holding the owning heap's guard (the same guard the
// alloc path holds), because a goroutine can be preempted between sampling
// its P id and mutating the heap, letting another goroutine with the same
// id in. If the guard is busy, or ownership moved, the caller falls back
// to the remote-free path, which is valid from any thread at any time.
func freeLocal(s *spanhdr.Header, p unsafe.Pointer, tid uint32) bool {
	h := heapFor(tid)
	if h == nil || s.LoadOwner() != tid || !h.enter() {
		return false
	}
	defer h.exit()
	if s.LoadOwner() != tid {
		return false // retired or reclaimed while we acquired the guard
	}
	if s.HotBlock != nil {
		*(*unsafe.Pointer)(s.HotBlock) = s.LocalFree
		s.LocalFree = s.HotBlock
	}
	s.HotBlock = p
	return true
}

// retireSmallSpan relinquishes the owner's claim on an exhausted active
// span. h is the owning thread heap; s is the span being retired, either
// because it ran out of blocks or because the heap is draining.
func retireSmallSpan(h *ThreadHeap, class uint8, s *spanhdr.Header) {
	if debugAssertions && s.LoadOwner() != h.pid {
		panic("theap: retiring a span this heap does not own")
	}
	// Splice hot_block and local_free into one list and publish it via a
	// release-ordered CAS push before releasing ownership, so any later
	// free that observes orphan has visibility into every owner-published
	// block.
	if s.HotBlock != nil {
		*(*unsafe.Pointer)(s.HotBlock) = s.LocalFree
		s.LocalFree = s.HotBlock
		s.HotBlock = nil
	}
	if first := s.LocalFree; first != nil {
		last := first
		for {
			next := *(*unsafe.Pointer)(last)
			if next == nil {
				break
			}
			last = next
		}
		s.PushRemoteFreeList(first, last)
		s.LocalFree = nil
	}

	s.StoreOwner(0)

	if s.LoadUsed() == 0 {
		// Claim in_reuse so the freeing thread whose decrement just
		// hit zero cannot also enqueue the span; whoever wins the
		// claim owns final placement, and the flag stays set until
		// the next owner re-initializes the span.
		if !s.CASInReuse(0, 1) {
			return
		}
		s.DrainRemoteFree()
		slot := &h.classes[class]
		if arena.LoadActive() <= spanhdr.MaxGlobalActiveSpans && slot.miniCount < spanhdr.ThreadLocalCacheSize {
			slot.miniCache[slot.miniCount] = s
			slot.miniCount++
		} else {
			pushGlobal(class, s)
		}
		return
	}

	if s.LoadRemoteFree() != nil {
		cache.TryPush(class, s)
	}
	// If remote_free is empty here, the span stays orphan with no cache
	// entry; a subsequent remote free will observe owner==orphan and
	// enqueue it itself.
}
