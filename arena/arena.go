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

// Package arena owns the single process-wide virtual-memory reservation
// and the buddy allocator that partitions it into 64KiB spans. The
// reservation is one fixed 1GiB anonymous mapping, demand-paged and never
// returned to the OS; the buddy allocator hands out power-of-two runs of
// spans with one independently locked free list per order and a global
// active-span counter gating cache growth.
package arena

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/heapcraft/tcmalloc/internal/osmem"
	"github.com/heapcraft/tcmalloc/spanhdr"
)

const (
	stateCold = iota
	stateInitializing
	stateReady
)

var (
	state       uint32
	basePtr     unsafe.Pointer // published with release-ordered atomic store
	reservation []byte
	active      int64 // spans currently checked out of the buddy allocator
	buddy       Buddy
)

// Init performs the arena's one-shot reservation. It is safe to call from
// many goroutines concurrently; exactly one performs the mmap and the rest
// spin until it publishes the base pointer.
func Init() bool {
	for {
		switch atomic.LoadUint32(&state) {
		case stateReady:
			return true
		case stateCold:
			if atomic.CompareAndSwapUint32(&state, stateCold, stateInitializing) {
				// mmap only promises page alignment, but span-index
				// arithmetic and the ABA tags packed into the low 16
				// bits of span pointers both need the base on a span
				// boundary. Reserve one span extra and round the base
				// up, the same way the huge path places its header.
				mem, err := osmem.ReserveArena(spanhdr.ArenaSize + spanhdr.SpanSize)
				if err != nil {
					atomic.StoreUint32(&state, stateCold)
					return false
				}
				reservation = mem
				base := uintptr(unsafe.Pointer(&mem[0]))
				base = (base + spanhdr.SpanSize - 1) &^ uintptr(spanhdr.SpanSize-1)
				// The base must be visible before initLocked builds the
				// order-14 free list, since SpanAt computes addresses
				// from it. AllocSpans gates on state; Base and Contains
				// read basePtr directly and can see it before state
				// becomes ready.
				atomic.StorePointer(&basePtr, unsafe.Pointer(base))
				buddy.initLocked()
				atomic.StoreUint32(&state, stateReady)
				return true
			}
		default: // stateInitializing: another goroutine is doing the mmap
			// Reentrancy note: this spin only ever blocks very briefly
			// (a single mmap syscall); a caller that hits this during its
			// own TLS bootstrap should have already been turned away by
			// the reentrancy guard in theap before reaching here.
			runtime.Gosched()
		}
	}
}

// Base returns the published arena base, or nil if not yet initialized.
func Base() unsafe.Pointer {
	return atomic.LoadPointer(&basePtr)
}

// Contains reports whether p falls inside the arena's reserved range.
func Contains(p unsafe.Pointer) bool {
	base := Base()
	if base == nil {
		return false
	}
	off := uintptr(p) - uintptr(base)
	return off < spanhdr.ArenaSize
}

// SpanIndex returns the index of the span containing p. p must satisfy
// Contains(p).
func SpanIndex(p unsafe.Pointer) int {
	off := uintptr(p) - uintptr(Base())
	return int(off >> spanhdr.SpanShift)
}

// SpanAt returns the header for span idx.
func SpanAt(idx int) *spanhdr.Header {
	return (*spanhdr.Header)(unsafe.Pointer(uintptr(Base()) + uintptr(idx)<<spanhdr.SpanShift))
}

// AddActive adjusts the global active-span counter and returns the new
// value.
func AddActive(delta int64) int64 {
	return atomic.AddInt64(&active, delta)
}

// LoadActive reads the global active-span counter.
func LoadActive() int64 {
	return atomic.LoadInt64(&active)
}

// AllocSpans requests 1<<order contiguous spans from the buddy allocator.
// Returns the index of the first span and true on success.
func AllocSpans(order int) (int, bool) {
	if !Init() {
		return 0, false
	}
	return buddy.alloc(order)
}

// FreeSpans returns 1<<order contiguous spans starting at idx to the buddy
// allocator, coalescing with adjacent free runs where possible.
func FreeSpans(idx, order int) {
	buddy.free(idx, order)
}
