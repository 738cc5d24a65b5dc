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

// Package cache holds the two span caches that sit between a thread's
// mini-cache and the arena's buddy allocator: the global cache of
// fully-idle spans, sharded to spread CAS traffic, and the reuse cache of
// partially-used spans an exiting owner handed back. Both are built on
// lfstack.Stack, the lock-free ABA-tagged Treiber stack.
package cache

import (
	"github.com/bytedance/gopkg/lang/fastrand"

	"github.com/heapcraft/tcmalloc/internal/cpupin"
	"github.com/heapcraft/tcmalloc/lfstack"
	"github.com/heapcraft/tcmalloc/sizeclass"
	"github.com/heapcraft/tcmalloc/spanhdr"
)

// global is one lock-free stack per (shard, size class) pair. Sharding by
// cpupin.Pin() lets independent Ps push/pop without fighting over a single
// stack's CAS word; a pop scans the other shards on a home miss so the
// cache still drains evenly.
var global [spanhdr.ShardCount][]lfstack.Stack

func init() {
	for s := range global {
		global[s] = make([]lfstack.Stack, sizeclass.NumClasses)
	}
}

// homeShard masks the calling P's id down to a cache shard. Pin can
// return ids well above ShardCount on big machines; ids wrap rather than
// grow the shard arrays.
func homeShard() int {
	return cpupin.Pin() & (spanhdr.ShardCount - 1)
}

// Push installs a fully-idle span of the given class onto the calling P's
// home shard.
func Push(class uint8, h *spanhdr.Header) {
	global[homeShard()][class].Push(h)
}

// PushFlush installs a fully-idle span onto a shard chosen at random
// rather than the calling P's own home shard. theap.Drain calls this
// instead of Push when flushing a mini-cache during a P-drain: many Ps can
// drain in the same window (e.g. a GOMAXPROCS shrink), and if each one
// deposits its spans on its own home shard, later allocators scanning from
// a *different* home shard pay extra scan misses before they reach the
// overloaded ones. Randomizing spreads the flush across shards instead of
// reproducing whatever shard layout the draining Ps happened to have. This
// does not change Pop's deterministic home-shard-first scan order.
func PushFlush(class uint8, h *spanhdr.Header) {
	shard := int(fastrand.Uint32n(uint32(spanhdr.ShardCount)))
	global[shard][class].Push(h)
}

// Pop removes a span of the given class, preferring the calling P's home
// shard and falling back to scanning the others, which keeps the hit rate
// up when goroutines migrate between Ps.
func Pop(class uint8) *spanhdr.Header {
	home := homeShard()
	if h := global[home][class].Pop(); h != nil {
		return h
	}
	for s := 0; s < spanhdr.ShardCount; s++ {
		if s == home {
			continue
		}
		if h := global[s][class].Pop(); h != nil {
			return h
		}
	}
	return nil
}
