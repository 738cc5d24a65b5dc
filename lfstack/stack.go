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

// Package lfstack is a lock-free Treiber stack of *spanhdr.Header nodes,
// linked through Header.CacheNext, with ABA protection via a 16-bit tag
// packed into the low bits of the head word. Packing is safe because every
// span is 64KiB-aligned, leaving spanhdr.SpanShift guaranteed-zero low
// bits; the tag increments on every successful CAS, so a head recycled
// through pop/push cannot masquerade as the value an in-flight CAS read.
package lfstack

import (
	"sync/atomic"
	"unsafe"

	"github.com/heapcraft/tcmalloc/spanhdr"
)

const tagMask = uint64(0xFFFF)
const ptrMask = ^tagMask

// Stack is the global-cache/reuse-cache/multi-shard building block. The
// zero value is an empty stack.
type Stack struct {
	head uint64
}

func pack(h *spanhdr.Header, tag uint16) uint64 {
	return uint64(uintptr(unsafe.Pointer(h))) | uint64(tag)
}

func unpackPtr(word uint64) *spanhdr.Header {
	addr := uintptr(word & ptrMask)
	if addr == 0 {
		return nil
	}
	return (*spanhdr.Header)(unsafe.Pointer(addr))
}

func unpackTag(word uint64) uint16 {
	return uint16(word & tagMask)
}

// Push installs h as the new top of the stack.
func (s *Stack) Push(h *spanhdr.Header) {
	for {
		old := atomic.LoadUint64(&s.head)
		tag := unpackTag(old)
		atomic.StorePointer(&h.CacheNext, unsafe.Pointer(unpackPtr(old)))
		next := pack(h, tag+1)
		if atomic.CompareAndSwapUint64(&s.head, old, next) {
			return
		}
	}
}

// Pop removes and returns the top of the stack, or nil if empty.
func (s *Stack) Pop() *spanhdr.Header {
	for {
		old := atomic.LoadUint64(&s.head)
		top := unpackPtr(old)
		if top == nil {
			return nil
		}
		tag := unpackTag(old)
		next := (*spanhdr.Header)(atomic.LoadPointer(&top.CacheNext))
		word := pack(next, tag+1)
		if atomic.CompareAndSwapUint64(&s.head, old, word) {
			return top
		}
	}
}

// Empty reports whether the stack currently has no elements. Racy by
// nature (another goroutine may push/pop concurrently); useful only for
// metrics and tests.
func (s *Stack) Empty() bool {
	return unpackPtr(atomic.LoadUint64(&s.head)) == nil
}
