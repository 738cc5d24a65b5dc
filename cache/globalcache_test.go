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
	"testing"

	"github.com/heapcraft/tcmalloc/arena"
	"github.com/heapcraft/tcmalloc/spanhdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	arena.Init()
}

// grabSpan hands tests a real span header out of the arena. The stacks
// under test pack an ABA tag into the low bits of each pointer, so nodes
// must carry genuine 64KiB span alignment; a header fabricated from
// ordinary heap memory would be mangled by the packing.
func grabSpan(t *testing.T) *spanhdr.Header {
	t.Helper()
	idx, ok := arena.AllocSpans(0)
	require.True(t, ok)
	return arena.SpanAt(idx)
}

func TestGlobalPushPop(t *testing.T) {
	h := grabSpan(t)
	Push(0, h)
	got := Pop(0)
	require.NotNil(t, got)
	assert.Equal(t, h, got)
}

func TestGlobalPopEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, Pop(1))
}

func TestGlobalMultiplePushPopLIFO(t *testing.T) {
	a, b := grabSpan(t), grabSpan(t)
	Push(2, a)
	Push(2, b)
	assert.Equal(t, b, Pop(2))
	assert.Equal(t, a, Pop(2))
	assert.Nil(t, Pop(2))
}

// TestPushFlushLandsSomewhereScannable confirms PushFlush's random shard
// placement is still observable by Pop's all-shard scan, regardless of
// which shard it randomly picked.
func TestPushFlushLandsSomewhereScannable(t *testing.T) {
	h := grabSpan(t)
	PushFlush(3, h)
	assert.Equal(t, h, Pop(3), "a span pushed to a random shard must still be found by Pop's multi-shard scan")
}
