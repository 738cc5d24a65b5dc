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

package cache

import (
	"sync/atomic"

	"github.com/heapcraft/tcmalloc/arena"
	"github.com/heapcraft/tcmalloc/lfstack"
	"github.com/heapcraft/tcmalloc/sizeclass"
	"github.com/heapcraft/tcmalloc/spanhdr"
)

// reuse holds orphaned spans: mostly ones whose owning thread retired or
// exited without the span reaching zero live blocks, still carrying
// outstanding blocks another thread can adopt rather than waiting for every
// block to free back to the arena, plus fully-free spans placed here by
// PushClaimed. One stack (plus an entry counter) per (shard, class) pair;
// TryPush refuses once the counter reaches spanhdr.ReuseCacheLimit, while
// PushClaimed ignores the cap. The sharding is the same as the global
// cache's, so a push never contends with a push on another shard's copy of
// the same class.
var (
	reuse      [spanhdr.ShardCount][]lfstack.Stack
	reuseCount [spanhdr.ShardCount][]int32
)

func init() {
	for s := range reuse {
		reuse[s] = make([]lfstack.Stack, sizeclass.NumClasses)
		reuseCount[s] = make([]int32, sizeclass.NumClasses)
	}
}

// TryPush offers h, an orphaned span, to the calling P's home shard of the
// reuse cache. It implements the enqueue protocol: drop under global
// memory pressure, claim in_reuse exclusively, re-check that ownership is
// still orphan, and only then attempt the stack push, unwinding in_reuse
// on any failure. Both the retire path and the remote-free path call
// this; neither may elide a step, since in_reuse plus the owner re-check
// are what stops a span from being enqueued twice or enqueued after
// another thread already reclaimed it.
func TryPush(class uint8, h *spanhdr.Header) bool {
	if arena.LoadActive() > spanhdr.MaxGlobalActiveSpans {
		return false
	}
	if !h.CASInReuse(0, 1) {
		return false // someone else already enqueued it
	}
	if h.LoadOwner() != 0 {
		h.CASInReuse(1, 0)
		return false // claimed between the check above and here
	}
	shard := homeShard()
	if atomic.AddInt32(&reuseCount[shard][class], 1) > spanhdr.ReuseCacheLimit {
		atomic.AddInt32(&reuseCount[shard][class], -1)
		h.CASInReuse(1, 0)
		return false
	}
	reuse[shard][class].Push(h)
	return true
}

// PushClaimed is the variant used by the final-free and retire
// reclamation paths: the caller has already won the in_reuse claim (so
// the check-then-act guard ran on its side), and the count cap is
// ignored, since a span whose used count just hit zero must land
// somewhere. Only the global active-span gate can still reject; the
// caller's fallback is the global cache.
func PushClaimed(class uint8, h *spanhdr.Header) bool {
	if arena.LoadActive() > spanhdr.MaxGlobalActiveSpans {
		return false
	}
	shard := homeShard()
	atomic.AddInt32(&reuseCount[shard][class], 1)
	reuse[shard][class].Push(h)
	return true
}

// PopReuse removes one span of the given class from the reuse cache and
// transfers ownership to newOwner, preferring the calling P's home shard
// and falling back to scanning the others. The owner CAS can race a
// concurrent claim (e.g. a remote free re-deriving the same span for
// TryPush, or another thread's get_span_small); CASOwner only succeeds
// while Owner is still the orphan sentinel (0), so a losing candidate is
// simply discarded in favor of the next one, possibly from another shard.
func PopReuse(class uint8, newOwner uint32) *spanhdr.Header {
	home := homeShard()
	for s := 0; s < spanhdr.ShardCount; s++ {
		shard := (home + s) % spanhdr.ShardCount
		for {
			h := reuse[shard][class].Pop()
			if h == nil {
				break
			}
			atomic.AddInt32(&reuseCount[shard][class], -1)
			if h.CASOwner(0, newOwner) {
				h.CASInReuse(1, 0)
				return h
			}
		}
	}
	return nil
}
