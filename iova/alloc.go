/*
 * Copyright 2026 CloudWeGo Authors
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

package iova

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vfnio/vfn/vfnerr"
)

// Allocator bump-allocates IOVA from a set of kernel-permitted ranges. Two
// modes share one bump cursor: sticky allocations remain valid until
// explicitly released, ephemeral allocations are valid only for the
// duration of one command and are recycled in bulk once none remain
// outstanding.
type Allocator struct {
	pageSize uint64

	mu     sync.Mutex
	ranges []Range // ordered, as reported by the backend (or DefaultRange)
	next   uint64  // bump cursor across the ordered ranges

	nephemeral         int64  // outstanding ephemeral allocations; also read via atomic by EphemeralRelease
	ephemeralWatermark uint64 // cursor snapshot taken on the 0->1 transition
}

// NewAllocator builds an allocator over ranges, sorted by Start. An empty
// ranges slice falls back to DefaultRange. pageSize must be a positive
// power of two; it bounds StickyAllocate's alignment requirement.
func NewAllocator(ranges []Range, pageSize uint64) *Allocator {
	if len(ranges) == 0 {
		ranges = []Range{DefaultRange}
	}
	sorted := append([]Range(nil), ranges...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Start > sorted[j].Start; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return &Allocator{
		pageSize: pageSize,
		ranges:   sorted,
		next:     sorted[0].Start,
	}
}

// place finds the first range that can hold length bytes at or after the
// current bump cursor, and advances the cursor past it. Callers must hold
// a.mu.
func (a *Allocator) place(op string, length uint64) (uint64, error) {
	for _, r := range a.ranges {
		start := a.next
		if start < r.Start {
			start = r.Start
		}
		if start > r.Last {
			continue
		}
		end := start + length - 1
		if end < start || end > r.Last { // overflow, or doesn't fit in r
			continue
		}
		a.next = start + length
		return start, nil
	}
	return 0, vfnerr.New(op, vfnerr.NoSpace, fmt.Sprintf("no range fits %d bytes", length))
}

// StickyAllocate returns an IOVA that remains valid until the caller
// explicitly unmaps it. length must be a multiple of the page size.
func (a *Allocator) StickyAllocate(length uint64) (uint64, error) {
	const op = "iova.Allocator.StickyAllocate"
	if length == 0 || length%a.pageSize != 0 {
		return 0, vfnerr.New(op, vfnerr.Invalid, fmt.Sprintf("length %d not a multiple of page size %d", length, a.pageSize))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.place(op, length)
}

// EphemeralAllocate returns an IOVA valid only until the owning command
// completes. The caller must release it with EphemeralRelease.
func (a *Allocator) EphemeralAllocate(length uint64) (uint64, error) {
	const op = "iova.Allocator.EphemeralAllocate"
	if length == 0 {
		return 0, vfnerr.New(op, vfnerr.Invalid, "length must be > 0")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	iovaAddr, err := a.place(op, length)
	if err != nil {
		return 0, err
	}
	if atomic.LoadInt64(&a.nephemeral) == 0 {
		a.ephemeralWatermark = iovaAddr
	}
	atomic.AddInt64(&a.nephemeral, 1)
	return iovaAddr, nil
}

// EphemeralRelease releases one outstanding ephemeral allocation. When the
// count drops to zero, the bump cursor rewinds to the watermark recorded at
// the latest 0->1 transition, recycling all ephemeral space in bulk without
// fragmenting sticky allocations made since.
func (a *Allocator) EphemeralRelease() {
	if atomic.AddInt64(&a.nephemeral, -1) != 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check under the lock: a concurrent EphemeralAllocate may have
	// observed nephemeral==0 transiently and already bumped it back up.
	if atomic.LoadInt64(&a.nephemeral) == 0 {
		a.next = a.ephemeralWatermark
	}
}

// Outstanding reports the current number of live ephemeral allocations.
func (a *Allocator) Outstanding() int64 {
	return atomic.LoadInt64(&a.nephemeral)
}
