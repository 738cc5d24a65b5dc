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

// Package tcmalloc is the general-purpose, thread-caching heap allocator's
// top-level adapter: size-dispatch on Alloc/Dealloc/Realloc, and
// pointer-origin classification on free. It wires together sizeclass,
// arena, cache, theap and bigalloc, none of which know about each other's
// callers.
package tcmalloc

import (
	"unsafe"

	"github.com/heapcraft/tcmalloc/arena"
	"github.com/heapcraft/tcmalloc/bigalloc"
	"github.com/heapcraft/tcmalloc/sizeclass"
	"github.com/heapcraft/tcmalloc/spanhdr"
	"github.com/heapcraft/tcmalloc/theap"
)

// maxFastAlign is the largest alignment the small-object fast path can
// satisfy on its own: every small block is 16-byte aligned by
// construction, so anything stricter routes to the huge path.
const maxFastAlign = 16

// Alloc returns a pointer to at least size bytes aligned to align, or nil
// on allocation failure. align must be a power of two; align > 16 always
// routes to the huge path.
func Alloc(size, align uintptr) unsafe.Pointer {
	n := int(size)
	if align > maxFastAlign {
		return bigalloc.AllocHuge(n, align)
	}
	if n <= sizeclass.MaxSmallSize {
		class := sizeclass.SizeToClass(n)
		return theap.AllocSmall(uint8(class))
	}
	if n <= bigalloc.MaxLargeSize {
		if p := bigalloc.AllocLarge(n); p != nil {
			return p
		}
	}
	return bigalloc.AllocHuge(n, align)
}

// AllocZeroed is Alloc followed by zeroing the returned region. Small and
// large spans never hand out stale foreign memory (everything originates
// from a zero-filled mmap or a prior allocation of the same class that the
// caller is responsible for not reading past its own writes), but calloc
// semantics require zeroing unconditionally regardless of provenance.
func AllocZeroed(size, align uintptr) unsafe.Pointer {
	p := Alloc(size, align)
	if p == nil {
		return nil
	}
	b := unsafe.Slice((*byte)(p), int(size))
	for i := range b {
		b[i] = 0
	}
	return p
}

// Dealloc frees a pointer previously returned by Alloc/AllocZeroed/Realloc.
// Foreign pointers (not recognized as arena or huge-magic) are silently
// ignored.
func Dealloc(p unsafe.Pointer, size, align uintptr) {
	if p == nil {
		return
	}

	if arena.Contains(p) {
		idx := arena.SpanIndex(p)
		s := arena.SpanAt(idx)
		switch s.Kind {
		case spanhdr.KindSmall:
			theap.FreeSmall(s, p, theap.Current().Pid())
		case spanhdr.KindLarge:
			bigalloc.FreeLarge(s)
		}
		return
	}

	if s := bigalloc.LookupHuge(p); s != nil {
		bigalloc.FreeHuge(s)
		return
	}
	// Foreign pointer: ignored silently.
}

// Realloc resizes the allocation at p from oldSize to newSize bytes,
// preserving contents up to min(oldSize, newSize). If old and new sizes
// map to the same small size class, the same pointer is returned
// unchanged.
func Realloc(p unsafe.Pointer, oldSize, newSize, align uintptr) unsafe.Pointer {
	if p == nil {
		return Alloc(newSize, align)
	}
	if newSize == 0 {
		Dealloc(p, oldSize, align)
		return nil
	}

	if align <= maxFastAlign && int(oldSize) <= sizeclass.MaxSmallSize && int(newSize) <= sizeclass.MaxSmallSize {
		if sizeclass.SizeToClass(int(oldSize)) == sizeclass.SizeToClass(int(newSize)) {
			return p
		}
	}

	np := Alloc(newSize, align)
	if np == nil {
		return nil
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	src := unsafe.Slice((*byte)(p), int(n))
	dst := unsafe.Slice((*byte)(np), int(n))
	copy(dst, src)
	Dealloc(p, oldSize, align)
	return np
}

// UsableSize reports the number of bytes actually usable at p, the
// malloc_usable_size analogue: block size for small, span capacity minus
// the header for large, mapping size minus header-and-alignment pad for
// huge, 0 for an unrecognized pointer.
func UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	if arena.Contains(p) {
		idx := arena.SpanIndex(p)
		s := arena.SpanAt(idx)
		switch s.Kind {
		case spanhdr.KindSmall:
			return int(s.BlockSize)
		case spanhdr.KindLarge:
			return bigalloc.UsableSize(s.Order)
		}
		return 0
	}
	if s := bigalloc.LookupHuge(p); s != nil {
		return bigalloc.HugeUsableSize(s)
	}
	return 0
}
