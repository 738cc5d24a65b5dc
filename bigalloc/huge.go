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
	"unsafe"

	"github.com/heapcraft/tcmalloc/internal/osmem"
	"github.com/heapcraft/tcmalloc/spanhdr"
)

// hugeMinAlign is the alignment AllocHuge guarantees even when the caller
// asks for less, matching the 64-byte placement the native allocator's
// huge path gives for free off a page-granular mapping.
const hugeMinAlign = 64

// AllocHuge mmaps enough room to place the span header immediately before
// a user pointer aligned to align, records the mapping's
// base and length for later munmap, and remembers how many bytes were
// spent on header-plus-alignment padding so HugeUsableSize can report the
// caller's actual usable capacity.
func AllocHuge(size int, align uintptr) unsafe.Pointer {
	if size < 0 {
		return nil
	}
	if align < hugeMinAlign {
		align = hugeMinAlign
	}

	need := size + spanhdr.HeaderSize + int(align) - 1
	if need < size {
		return nil // size + header + alignment pad overflowed
	}
	mapped, err := osmem.MapHuge(need)
	if err != nil {
		return nil
	}

	base := uintptr(unsafe.Pointer(&mapped[0]))
	userRaw := base + spanhdr.HeaderSize
	user := (userRaw + align - 1) &^ (align - 1)
	hdrAddr := user - spanhdr.HeaderSize

	s := (*spanhdr.Header)(unsafe.Pointer(hdrAddr))
	s.Kind = spanhdr.KindHuge
	s.Order = 0
	s.Class = spanhdr.ClassOrphanLarge
	s.StoreOwner(0)
	s.HugeBase = base
	s.HugeSize = uintptr(len(mapped))
	s.HugePad = user - base
	s.HdrMagic = spanhdr.Magic

	return unsafe.Pointer(user)
}

// FreeHuge munmaps the mapping backing a huge span.
func FreeHuge(s *spanhdr.Header) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(s.HugeBase)), int(s.HugeSize))
	return osmem.ReleaseArena(mem)
}

// HugeUsableSize returns the payload capacity of a huge span, i.e. the
// mapping size minus whatever header-and-alignment pad that allocation
// actually spent reaching its requested alignment.
func HugeUsableSize(s *spanhdr.Header) int {
	return int(s.HugeSize) - int(s.HugePad)
}

// LookupHuge recovers the span header for an out-of-arena pointer
// returned by AllocHuge, validating the magic constant before trusting
// it. Returns nil if p does not look like a valid huge-allocation
// pointer.
func LookupHuge(p unsafe.Pointer) *spanhdr.Header {
	hdrAddr := uintptr(p) - spanhdr.HeaderSize
	s := (*spanhdr.Header)(unsafe.Pointer(hdrAddr))
	if s.HdrMagic != spanhdr.Magic || s.Kind != spanhdr.KindHuge {
		return nil
	}
	return s
}
