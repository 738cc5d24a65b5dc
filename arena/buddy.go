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

package arena

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/heapcraft/tcmalloc/spanhdr"
)

// MaxOrder is the highest buddy order: 2^14 spans covers the whole arena
// (NumSpans == 1<<14).
const MaxOrder = 14

// spinlock is a test-and-test-and-set spinlock. Critical sections here
// are a handful of pointer writes; the small-allocation hot path never
// takes one (only free-side coalescing and the alloc-miss path do), so a
// spin beats parking.
type spinlock struct{ state uint32 }

func (l *spinlock) Lock() {
	for {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}
		runtime.Gosched()
	}
}

func (l *spinlock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}

// orderList is an intrusive singly-linked free list of span runs of a
// fixed order, guarded by its own spinlock so orders never contend with
// each other.
type orderList struct {
	lock spinlock
	head *spanhdr.Header
}

func (o *orderList) pushLocked(h *spanhdr.Header) {
	h.CacheNext = unsafe.Pointer(o.head)
	o.head = h
}

func (o *orderList) popLocked() *spanhdr.Header {
	h := o.head
	if h == nil {
		return nil
	}
	o.head = (*spanhdr.Header)(h.CacheNext)
	return h
}

// removeLocked scans the list for a span with the given index and unlinks
// it. O(list length), tolerable because free is the cold path and lists
// stay short in practice.
func (o *orderList) removeLocked(idx int) *spanhdr.Header {
	var prev *spanhdr.Header
	cur := o.head
	for cur != nil {
		if SpanIndex(unsafe.Pointer(cur)) == idx {
			if prev == nil {
				o.head = (*spanhdr.Header)(cur.CacheNext)
			} else {
				prev.CacheNext = cur.CacheNext
			}
			return cur
		}
		prev = cur
		cur = (*spanhdr.Header)(cur.CacheNext)
	}
	return nil
}

// Buddy partitions the arena's NumSpans spans into power-of-two runs.
type Buddy struct {
	orders [MaxOrder + 1]orderList
}

func (b *Buddy) initLocked() {
	b.orders[MaxOrder].head = SpanAt(0)
	cur := b.orders[MaxOrder].head
	for i := 1 << MaxOrder; i < spanhdr.NumSpans; i += 1 << MaxOrder {
		next := SpanAt(i)
		cur.CacheNext = unsafe.Pointer(next)
		cur = next
	}
	cur.CacheNext = nil
}

// alloc pops a run of 1<<order spans, splitting a larger run if
// necessary: on a miss it walks the orders upward, pops the first
// non-empty one, and pushes the buddy halves back down as it descends.
func (b *Buddy) alloc(order int) (int, bool) {
	if order < 0 || order > MaxOrder {
		return 0, false
	}
	for o := order; o <= MaxOrder; o++ {
		b.orders[o].lock.Lock()
		h := b.orders[o].popLocked()
		b.orders[o].lock.Unlock()
		if h == nil {
			continue
		}
		idx := SpanIndex(unsafe.Pointer(h))
		for o > order {
			o--
			right := idx + (1 << o)
			b.orders[o].lock.Lock()
			b.orders[o].pushLocked(SpanAt(right))
			b.orders[o].lock.Unlock()
		}
		AddActive(int64(1) << uint(order))
		return idx, true
	}
	return 0, false
}

// free returns a run of 1<<order spans to the allocator, opportunistically
// coalescing with its buddy at each level. Between releasing order k's
// lock and acquiring order k+1's, another thread may transiently observe
// the lower half unmerged; this is safe because the merge is opportunistic
// and no invariant crosses the unlock.
func (b *Buddy) free(idx, order int) {
	AddActive(-(int64(1) << uint(order)))
	for order < MaxOrder {
		buddyIdx := idx ^ (1 << order)
		b.orders[order].lock.Lock()
		buddy := b.orders[order].removeLocked(buddyIdx)
		b.orders[order].lock.Unlock()
		if buddy == nil {
			break
		}
		if buddyIdx < idx {
			idx = buddyIdx
		}
		order++
	}
	b.orders[order].lock.Lock()
	b.orders[order].pushLocked(SpanAt(idx))
	b.orders[order].lock.Unlock()
}
