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

// Package spanhdr defines the per-span metadata shared by arena, cache,
// theap and bigalloc. It is split into its own package because every other
// package needs the same layout and none of them should own it.
package spanhdr

import (
	"sync/atomic"
	"unsafe"
)

// Kind classifies what a span is being used for.
type Kind uint8

const (
	KindSmall Kind = iota
	KindLarge
	KindHuge
)

func (k Kind) String() string {
	switch k {
	case KindSmall:
		return "small"
	case KindLarge:
		return "large"
	case KindHuge:
		return "huge"
	default:
		return "unknown"
	}
}

const (
	// SpanShift/SpanSize: every span is a 64KiB, span-aligned region.
	SpanShift = 16
	SpanSize  = 1 << SpanShift // 64KiB

	// ArenaShift/ArenaSize: the arena is a single 1GiB reservation.
	ArenaShift = 30
	ArenaSize  = 1 << ArenaShift // 1GiB
	NumSpans   = ArenaSize / SpanSize

	// HeaderSize is the fixed two-cache-line header carved out of the
	// front of every span. Verified against unsafe.Sizeof(Header{}) below.
	HeaderSize = 128

	// ShardCount is the number of global/reuse cache shard replicas.
	ShardCount = 8

	// ReuseCacheLimit bounds how many partially-used orphan spans a
	// single (shard, class) reuse-cache slot will hold.
	ReuseCacheLimit = 4

	// ThreadLocalCacheSize bounds the per-class mini-cache in a thread
	// (per-P, see internal/cpupin) heap.
	ThreadLocalCacheSize = 2

	// MaxGlobalActiveSpans bounds total spans checked out of the buddy
	// allocator (≈256MiB at SpanSize=64KiB).
	MaxGlobalActiveSpans = 4096

	// Magic identifies a valid span header, including out-of-arena huge
	// spans discovered purely from pointer arithmetic on free.
	Magic uint64 = 0x494E4943_54555321

	// ClassOrphanLarge is the sentinel Class value used for large/huge
	// spans, which have no small-allocation size class.
	ClassOrphanLarge = 255
)

// Header is exactly 128 bytes (two cache lines). Line 0 (offset 0..63) is
// touched only by the owning thread/P and never needs atomics. Line 1
// (offset 64..127) is contended: RemoteFree, Used, Owner and InReuse are
// accessed through sync/atomic; CacheNext is written plainly by the buddy
// allocator under its lock and atomically by lfstack, and the huge-mapping
// fields and HdrMagic are plain writes made before the span is published.
type Header struct {
	// ---- line 0: owner-only ----
	Bump      unsafe.Pointer // next bump-allocation point
	BumpEnd   unsafe.Pointer // one-past-last valid bump position
	HotBlock  unsafe.Pointer // MRU single-block cache
	LocalFree unsafe.Pointer // owner-only free list head
	BlockSize uint32
	Class     uint8
	Kind      Kind
	Order     uint8
	line0Pad  [25]byte

	// ---- line 1: contended, offset 64 ----
	RemoteFree unsafe.Pointer // Treiber stack of cross-thread frees
	CacheNext  unsafe.Pointer // intrusive link for global/reuse cache stacks
	Used       uint32         // outstanding live blocks (atomic)
	Owner      uint32         // pid+1, 0 == orphan (atomic)
	InReuse    uint32         // 0/1, serializes reuse-cache enqueue (atomic)
	line1Pad0  [4]byte
	HugeBase   uintptr // huge-mapping base, for munmap on free
	HugeSize   uintptr // huge-mapping size, for munmap on free
	HdrMagic   uint64  // spanhdr.Magic once initialized
	HugePad    uintptr // bytes from HugeBase to the user pointer (header + alignment pad)
}

func init() {
	var h Header
	if unsafe.Sizeof(h) != HeaderSize {
		panic("spanhdr: Header size drifted from the two-cache-line contract")
	}
	if unsafe.Offsetof(h.RemoteFree) != 64 {
		panic("spanhdr: contended line must start at offset 64")
	}
}

// LoadOwner reads Owner with acquire semantics.
func (h *Header) LoadOwner() uint32 { return atomic.LoadUint32(&h.Owner) }

// StoreOwner writes Owner with release semantics.
func (h *Header) StoreOwner(v uint32) { atomic.StoreUint32(&h.Owner, v) }

// CASOwner attempts to move Owner from old to new.
func (h *Header) CASOwner(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&h.Owner, old, new)
}

// AddUsed adjusts Used atomically and returns the new value. Increments
// come from the owning thread's alloc path; decrements come from
// FreeSmall on whichever thread frees the block.
func (h *Header) AddUsed(delta int32) uint32 {
	return atomic.AddUint32(&h.Used, uint32(delta))
}

// LoadUsed reads Used.
func (h *Header) LoadUsed() uint32 { return atomic.LoadUint32(&h.Used) }

// CASInReuse attempts to move InReuse from old to new (0/1).
func (h *Header) CASInReuse(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&h.InReuse, old, new)
}

// LoadInReuse reads InReuse.
func (h *Header) LoadInReuse() uint32 { return atomic.LoadUint32(&h.InReuse) }

// PushRemoteFree CAS-pushes block onto the remote-free Treiber stack.
func (h *Header) PushRemoteFree(block unsafe.Pointer) {
	for {
		old := atomic.LoadPointer(&h.RemoteFree)
		*(*unsafe.Pointer)(block) = old // block's first word is its next-pointer
		if atomic.CompareAndSwapPointer(&h.RemoteFree, old, block) {
			return
		}
	}
}

// PushRemoteFreeList CAS-pushes a whole pre-linked chain (first..last)
// onto the remote-free stack in one shot. last's next-word is overwritten
// to splice the chain above whatever the stack already held.
func (h *Header) PushRemoteFreeList(first, last unsafe.Pointer) {
	for {
		old := atomic.LoadPointer(&h.RemoteFree)
		*(*unsafe.Pointer)(last) = old
		if atomic.CompareAndSwapPointer(&h.RemoteFree, old, first) {
			return
		}
	}
}

// DrainRemoteFree atomically detaches the whole remote-free list.
func (h *Header) DrainRemoteFree() unsafe.Pointer {
	return atomic.SwapPointer(&h.RemoteFree, nil)
}

// LoadRemoteFree peeks at the remote-free list head without detaching it.
func (h *Header) LoadRemoteFree() unsafe.Pointer {
	return atomic.LoadPointer(&h.RemoteFree)
}
