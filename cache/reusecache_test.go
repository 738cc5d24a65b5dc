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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReuseTryPushAndPop(t *testing.T) {
	h := grabSpan(t)
	h.StoreOwner(0)

	require.True(t, TryPush(3, h))
	assert.Equal(t, uint32(1), h.LoadInReuse())

	got := PopReuse(3, 7)
	require.NotNil(t, got)
	assert.Equal(t, h, got)
	assert.Equal(t, uint32(7), got.LoadOwner())
	assert.Equal(t, uint32(0), got.LoadInReuse())
}

func TestReuseTryPushRejectsAlreadyInReuse(t *testing.T) {
	h := grabSpan(t)
	h.StoreOwner(0)
	h.CASInReuse(0, 1) // simulate a concurrent enqueue already in flight

	assert.False(t, TryPush(4, h))
}

func TestReuseTryPushRejectsNonOrphan(t *testing.T) {
	h := grabSpan(t)
	h.StoreOwner(42) // not orphan

	assert.False(t, TryPush(4, h))
	assert.Equal(t, uint32(0), h.LoadInReuse(), "in_reuse must be unwound on abort")
}

func TestReusePopEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, PopReuse(5, 1))
}

func TestReuseCapEnforced(t *testing.T) {
	const class = 6
	for i := 0; i < 4; i++ {
		h := grabSpan(t)
		h.StoreOwner(0)
		require.True(t, TryPush(class, h))
	}
	over := grabSpan(t)
	over.StoreOwner(0)
	assert.False(t, TryPush(class, over), "fifth push must be rejected by ReuseCacheLimit")

	for i := 0; i < 4; i++ {
		require.NotNil(t, PopReuse(class, 1))
	}
}

func TestReusePushClaimedBypassesCap(t *testing.T) {
	const class = 7
	for i := 0; i < 4; i++ {
		h := grabSpan(t)
		h.StoreOwner(0)
		require.True(t, TryPush(class, h))
	}

	// A reclamation push arrives with the in_reuse claim already won and
	// must land despite the cap.
	over := grabSpan(t)
	over.StoreOwner(0)
	require.True(t, over.CASInReuse(0, 1))
	assert.True(t, PushClaimed(class, over))

	for i := 0; i < 5; i++ {
		require.NotNil(t, PopReuse(class, 1))
	}
	assert.Nil(t, PopReuse(class, 1))
}
