/*
 * Copyright 2025 CloudWeGo Authors
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

// Package reclaim schedules thread-heap drains off the goroutine that
// discovers a shard needs one. A drain walks every size class's active
// span and mini-cache, which is more work than a GC finalizer callback
// should do inline; this package queues the shard id instead and lets a
// small pool of background workers run the drain.
//
// The pool is bounded with on-demand growth: an idle-worker cap, max-age
// eviction driven by a self-resetting ticker, and a panic-swallowing task
// wrapper so one bad drain cannot take the workers down.
package reclaim

import (
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// DrainFunc is the operation the pool runs for each queued shard id. It is
// supplied by the caller (theap.Drain) rather than imported directly, so
// this package stays independent of theap.
type DrainFunc func(shard int)

const (
	defaultMaxIdleWorkers = 8
	defaultWorkerMaxAge   = time.Minute
	defaultQueueBuffer    = 256
)

// Pool is a bounded worker pool specialized to run DrainFunc against
// queued shard ids.
type Pool struct {
	drain DrainFunc

	workers int32
	maxIdle int32
	maxage  int64 // milliseconds

	shards    chan int
	unixMilli int64
}

// NewPool creates a drain-scheduling pool that invokes fn for every shard
// id queued via Schedule.
func NewPool(fn DrainFunc) *Pool {
	return &Pool{
		drain:   fn,
		maxIdle: defaultMaxIdleWorkers,
		maxage:  defaultWorkerMaxAge.Milliseconds(),
		shards:  make(chan int, defaultQueueBuffer),
	}
}

// Schedule queues shard for an asynchronous drain. If the queue is full,
// it falls back to spawning a one-off goroutine rather than blocking the
// caller.
func (p *Pool) Schedule(shard int) {
	select {
	case p.shards <- shard:
	default:
		go p.runOne(shard)
		return
	}
	if len(p.shards) == 0 {
		return
	}
	go p.runWorker()
}

// CurrentWorkers reports how many drain workers are currently alive.
func (p *Pool) CurrentWorkers() int {
	return int(atomic.LoadInt32(&p.workers))
}

func (p *Pool) runOne(shard int) {
	if shard == noopShard {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("reclaim: panic draining shard %d: %v: %s", shard, r, debug.Stack())
		}
	}()
	p.drain(shard)
}

func (p *Pool) runWorker() {
	id := atomic.AddInt32(&p.workers, 1)
	defer atomic.AddInt32(&p.workers, -1)

	if id > p.maxIdle {
		for {
			select {
			case shard := <-p.shards:
				p.runOne(shard)
			default:
				return
			}
		}
	}

	createdAt := time.Now().UnixMilli()
	for shard := range p.shards {
		p.runOne(shard)

		now := atomic.LoadInt64(&p.unixMilli)
		if now == 0 {
			now = time.Now().UnixMilli()
			if atomic.CompareAndSwapInt64(&p.unixMilli, 0, now) {
				go p.runTicker()
			}
		}
		if now-createdAt > p.maxage {
			return
		}
	}
}

// noopShard wakes idle workers up so runWorker can re-check its max age
// even when no real drain request has arrived.
const noopShard = -1

func (p *Pool) runTicker() {
	defer atomic.StoreInt64(&p.unixMilli, 0)

	d := time.Duration(p.maxage) * time.Millisecond / 100
	if d < time.Millisecond {
		d = time.Millisecond
	}

	t := time.NewTicker(d)
	defer t.Stop()

	for now := range t.C {
		if p.CurrentWorkers() == 0 {
			return
		}
		atomic.StoreInt64(&p.unixMilli, now.UnixMilli())
		p.shards <- noopShard
	}
}
