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

// Package osmem wraps the anonymous-mapping syscalls the allocator needs:
// one big demand-paged arena reservation, plus direct huge-allocation
// mappings. Flag probing is silent: try the fast flag combination first,
// fall back if the kernel rejects it.
package osmem

import (
	"fmt"
	"syscall"
)

// mapNoReserve is MAP_NORESERVE on Linux. syscall doesn't export it on all
// GOOS, so it's named here rather than imported.
const mapNoReserve = 0x4000

// ReserveArena reserves size bytes of anonymous, private, demand-paged
// virtual memory with no backing swap/RAM reservation. The returned slice's
// length equals size; pages are not actually charged against RSS until
// touched. The base is page-aligned only; a caller needing stronger
// alignment must over-reserve and round the base up itself.
func ReserveArena(size int) ([]byte, error) {
	b, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANON|mapNoReserve)
	if err != nil {
		// Some sandboxed kernels reject MAP_NORESERVE combined with
		// MAP_ANON; retry without it rather than failing the whole
		// arena reservation over an advisory flag.
		b, err = syscall.Mmap(-1, 0, size,
			syscall.PROT_READ|syscall.PROT_WRITE,
			syscall.MAP_PRIVATE|syscall.MAP_ANON)
		if err != nil {
			return nil, fmt.Errorf("osmem: mmap arena of %d bytes: %w", size, err)
		}
	}
	return b, nil
}

// ReleaseArena unmaps a region obtained from ReserveArena or MapHuge. The
// allocator never calls this for the main arena (memory below the huge
// threshold is never returned to the OS), but huge allocations are
// munmap'd individually.
func ReleaseArena(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return syscall.Munmap(b)
}

// MapHuge reserves size bytes for a single huge/direct-mapped allocation.
func MapHuge(size int) ([]byte, error) {
	return ReserveArena(size)
}
