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

// Package sizeclass maps allocation request sizes to small-object size
// classes and back. The table is linear in 16-byte strides up to 128
// bytes, then geometric with four sub-classes per power-of-two octave:
// log2 of the size selects the octave, and four per-octave thresholds
// decide the sub-class.
package sizeclass

import "math/bits"

const (
	// linearClasses is the number of 16-byte-stride classes at the front
	// of the table: 16, 32, 48, ..., 128.
	linearClasses = 8
	linearMax     = linearClasses * 16 // 128

	// geometricOrders is how many power-of-two octaves the geometric
	// range spans before the table is capped by MaxSmallSize.
	geometricOrders = 9

	// MaxSmallSize is the largest size served by the small-allocation
	// path. It is derived from span capacity: a 64KiB span minus its
	// 128-byte header must fit at least two blocks of the largest small
	// class, so MaxSmallSize = floor((SpanSize-HeaderSize)/2) rounded
	// down to a 16-byte boundary. Requests above this go to the
	// large/huge path.
	MaxSmallSize = 32704

	// geometric multipliers, expressed as numerators over 100 to avoid
	// floating point in the hot path.
)

var geomNumerators = [4]int{100, 119, 144, 169}

// NumClasses is the total number of small-object size classes.
var NumClasses int

func init() {
	NumClasses = rawSizeToClass(MaxSmallSize) + 1
}

func roundUp16(n int) int {
	return (n + 15) &^ 15
}

func ceilDiv100(n int) int {
	return (n + 99) / 100
}

// thresholds returns the four class-boundary sizes for the given geometric
// order, each rounded up to a 16-byte boundary.
func thresholds(order int) [4]int {
	base := 1 << uint(7+order)
	var t [4]int
	for i, num := range geomNumerators {
		t[i] = roundUp16(ceilDiv100(base * num))
	}
	return t
}

// rawSizeToClass maps a size to its class without the MaxSmallSize clamp,
// used both by SizeToClass and to compute NumClasses at init time.
func rawSizeToClass(n int) int {
	if n <= 0 {
		return 0
	}
	if n <= linearMax {
		return (n+15)/16 - 1
	}
	order := bits.Len(uint(n)) - 1 - 7
	if order < 0 {
		order = 0
	}
	for iter := 0; iter < geometricOrders; iter++ {
		t := thresholds(order)
		exceeded := 0
		for _, v := range t {
			if v < n {
				exceeded++
			}
		}
		if exceeded < 4 {
			return linearClasses + order*4 + exceeded - 1
		}
		order++
	}
	// Only reachable if n is far beyond MaxSmallSize; callers must route
	// such sizes to the large/huge path before consulting this table.
	return linearClasses + (geometricOrders-1)*4 + 3
}

// SizeToClass returns the size class index serving requests of n bytes.
// Callers MUST route n > MaxSmallSize to the large/huge path instead of
// calling this function; n == 0 maps to class 0.
func SizeToClass(n int) int {
	c := rawSizeToClass(n)
	if c >= NumClasses {
		c = NumClasses - 1
	}
	return c
}

// ClassToSize returns the block size backing class c.
func ClassToSize(c int) int {
	if c < 0 {
		c = 0
	}
	if c >= NumClasses {
		c = NumClasses - 1
	}
	if c < linearClasses {
		return (c + 1) * 16
	}
	rel := c + 1 - linearClasses
	order := rel / 4
	sub := rel % 4
	t := thresholds(order)
	size := t[sub]
	if size > MaxSmallSize {
		size = MaxSmallSize
	}
	return size
}
