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

package theap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDrainOrphansOwnedSpans: after Drain, the heap's active span for the
// class must be cleared from its slot and show owner==orphan. Mini-cache
// spans are not exercised here.
func TestDrainOrphansOwnedSpans(t *testing.T) {
	const class = 4

	h := Current()
	p := AllocSmall(class)
	require.NotNil(t, p)

	slot := &h.classes[class]
	require.NotNil(t, slot.active, "the allocation above must have set an active span")
	active := slot.active

	h.Drain()

	assert.Nil(t, slot.active, "Drain must clear the active slot")
	assert.Equal(t, uint32(0), active.LoadOwner(), "the retired span must become orphan")
}

// TestRegisterThenDrainDoesNotPanic registers a sentinel for the current
// heap's shard and then drains that shard explicitly. It does not force a
// GC, so the sentinel's finalizer is not observed; it checks only that
// Register followed by an explicit Drain of the same (existing) heap does
// not panic.
func TestRegisterThenDrainDoesNotPanic(t *testing.T) {
	h := Current()
	shard := int(h.pid - 1)

	assert.NotPanics(t, func() {
		_ = Register(shard)
		Drain(shard)
	})
}
