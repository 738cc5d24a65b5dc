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

// Package theap implements the thread-heap: the per-thread active-span
// array, its small secondary mini-cache, and the small allocation/free
// fast paths built on top of the arena, global cache and reuse cache.
//
// A native thread heap is keyed by OS thread ID and torn down by a
// thread-exit destructor. Go gives library code no such hook, so this
// package re-keys the thread heap to the calling goroutine's current P
// (logical processor) instead, using the same runtime_procPin/
// runtime_procUnpin trick sync.Pool uses internally (internal/cpupin).
// "Thread exit" becomes the explicit Drain operation: a caller that knows
// a P-bound worker pool is finished calls Drain(shard) directly, or
// DrainAsync(shard) to run it off a small background pool instead of
// blocking the caller. Reentrancy is handled with a per-P guard that
// short-circuits to allocation failure if the allocator re-enters itself.
package theap

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/heapcraft/tcmalloc/cache"
	"github.com/heapcraft/tcmalloc/internal/cpupin"
	"github.com/heapcraft/tcmalloc/internal/reclaim"
	"github.com/heapcraft/tcmalloc/sizeclass"
	"github.com/heapcraft/tcmalloc/spanhdr"
)

var drainPool = reclaim.NewPool(Drain)

// DrainAsync queues shard's heap for a background drain instead of
// running it on the calling goroutine.
func DrainAsync(shard int) {
	drainPool.Schedule(shard)
}

// classSlot is one size class's worth of per-heap state: the active span
// doing bump/hot-block/local-free service, and a tiny LIFO of retired
// spans kept warm instead of flushed straight to the global cache.
type classSlot struct {
	active    *spanhdr.Header
	miniCache [spanhdr.ThreadLocalCacheSize]*spanhdr.Header
	miniCount int
}

// ThreadHeap is the per-P allocator state. pid is the owner value (>=1)
// stamped into every span this heap currently owns; 0 is reserved for
// orphan, so pid is always shardIndex+1.
type ThreadHeap struct {
	pid     uint32
	reenter uint32 // 0/1 guard: set while inside the allocator core
	classes []classSlot
}

var slots [cpupin.MaxShards]unsafe.Pointer // *ThreadHeap, atomic

func newHeap(shard int) *ThreadHeap {
	return &ThreadHeap{
		pid:     uint32(shard) + 1,
		classes: make([]classSlot, sizeclass.NumClasses),
	}
}

// Current returns the calling goroutine's thread heap, creating it lazily
// on first use. The returned heap must only be used by the calling P;
// callers obtain it fresh on every allocator entry rather than caching it
// across a function that might migrate Ps.
func Current() *ThreadHeap {
	shard := cpupin.Pin()
	if h := (*ThreadHeap)(atomic.LoadPointer(&slots[shard])); h != nil {
		return h
	}
	h := newHeap(shard)
	if atomic.CompareAndSwapPointer(&slots[shard], nil, unsafe.Pointer(h)) {
		return h
	}
	return (*ThreadHeap)(atomic.LoadPointer(&slots[shard]))
}

// Pid returns this heap's owner stamp, for callers (the root package's
// free path) that need to pass the caller's identity into FreeSmall.
func (h *ThreadHeap) Pid() uint32 { return h.pid }

// heapFor maps an owner stamp back to its heap, or nil if that shard
// never allocated.
func heapFor(tid uint32) *ThreadHeap {
	if tid == 0 || tid > cpupin.MaxShards {
		return nil
	}
	return (*ThreadHeap)(atomic.LoadPointer(&slots[tid-1]))
}

// enter acquires the reentrancy guard. It returns false if the allocator
// is already active on this P, meaning the call arrived from inside the
// allocator's own bootstrap (e.g. a TLS-style lazy init triggering an
// allocation); the caller must treat that as allocation failure rather
// than recursing.
func (h *ThreadHeap) enter() bool {
	return atomic.CompareAndSwapUint32(&h.reenter, 0, 1)
}

func (h *ThreadHeap) exit() {
	atomic.StoreUint32(&h.reenter, 0)
}

// Drain is the thread-heap destructor: for every class, retire the active
// span and flush the mini-cache to the global cache after resetting
// ownership to orphan. Call it when a P-bound worker is known to be
// finished, or let it run from the finalizer installed by Register.
func (h *ThreadHeap) Drain() {
	for !h.enter() {
		runtime.Gosched() // wait out an in-flight alloc or local free
	}
	defer h.exit()
	for c := range h.classes {
		slot := &h.classes[c]
		if slot.active != nil {
			retireSmallSpan(h, uint8(c), slot.active)
			slot.active = nil
		}
		for slot.miniCount > 0 {
			slot.miniCount--
			s := slot.miniCache[slot.miniCount]
			slot.miniCache[slot.miniCount] = nil
			flushToGlobal(uint8(c), s)
		}
	}
}

// flushToGlobal resets a fully-idle span's ownership before publishing it
// to the global cache. It uses cache.PushFlush rather than the home-shard
// Push a live allocation/free
// would use, spreading spans from a batch of simultaneous drains across
// shards instead of piling them onto whichever shard each draining P
// happened to be pinned to (see PushFlush's doc comment).
func flushToGlobal(class uint8, s *spanhdr.Header) {
	s.StoreOwner(0)
	s.DrainRemoteFree()
	s.CASInReuse(1, 0)
	cache.PushFlush(class, s)
}

// Drain is the package-level substitute for a thread-exit hook: a caller
// that knows a shard's worker pool has quiesced (or a finalizer set up
// around that worker) invokes Drain(shard) to retire and flush every span
// that shard's heap still owns. shard is the cpupin.Pin() index, i.e. the
// heap's pid minus one. It is a no-op if the shard never acquired a heap.
func Drain(shard int) {
	if shard < 0 || shard >= cpupin.MaxShards {
		return
	}
	if h := (*ThreadHeap)(atomic.LoadPointer(&slots[shard])); h != nil {
		h.Drain()
	}
}

// DrainAll drains every shard that ever acquired a heap. Hosts call it at
// quiesce points (worker-pool shutdown, before shrinking GOMAXPROCS) when
// they cannot name the individual shards their workers touched.
func DrainAll() {
	for shard := range slots {
		if h := (*ThreadHeap)(atomic.LoadPointer(&slots[shard])); h != nil {
			h.Drain()
		}
	}
}

// sentinel is the handle Register hands back: a caller-held object whose
// finalizer schedules a shard drain once the caller lets it go.
type sentinel struct{ shard int }

// Register returns a handle tied to shard's thread heap, for hosts that
// cannot call Drain explicitly at the right moment (e.g. a worker-pool
// abstraction with no shutdown hook of its own). The caller should keep
// the returned value reachable for exactly as long as the P-bound work
// using that shard is expected to continue, then drop every reference to
// it; once the garbage collector reclaims the sentinel, its finalizer
// calls DrainAsync(shard). This is a best-effort backstop against
// long-idle heaps under GC pressure, not a substitute for an explicit
// Drain: a caller that keeps the sentinel reachable forever (e.g. a
// package-level variable) never benefits from it, and a caller with no GC
// pressure at all may simply never see the finalizer run promptly.
func Register(shard int) *sentinel {
	s := &sentinel{shard: shard}
	runtime.SetFinalizer(s, func(s *sentinel) {
		DrainAsync(s.shard)
	})
	return s
}
