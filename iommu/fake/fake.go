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

// Package fake provides an in-memory iommu.Backend used by tests in this
// module (and available to callers writing their own tests) that need a
// Backend without real hardware or root privileges. It performs no kernel
// calls; it only tracks the mappings it was asked to install.
package fake

import (
	"fmt"
	"sync"

	"github.com/vfnio/vfn/iommu"
	"github.com/vfnio/vfn/iova"
	"github.com/vfnio/vfn/vfnerr"
)

var _ iommu.Backend = (*Backend)(nil)

// Backend is a trivial in-memory stand-in for a real VFIO/iommufd backend.
type Backend struct {
	Ranges []iova.Range

	mu         sync.Mutex
	opened     bool
	devicePath string
	mappings   map[uint64]uint64 // iova -> length
	irqs       []int

	// Inject lets a test force the next MapDMA/UnmapDMA call to fail.
	FailNextMap   error
	FailNextUnmap error
}

// New returns a fake backend that will report ranges (or iova.DefaultRange
// if empty) from QueryIOVARanges.
func New(ranges ...iova.Range) *Backend {
	return &Backend{Ranges: ranges, mappings: make(map[uint64]uint64)}
}

func (b *Backend) Open(devicePath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = true
	b.devicePath = devicePath
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = false
	return nil
}

func (b *Backend) MapDMA(vaddr, iovaAddr, length uint64, flags iommu.DMAFlags) error {
	_ = vaddr
	_ = flags
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailNextMap != nil {
		err := b.FailNextMap
		b.FailNextMap = nil
		return err
	}
	b.mappings[iovaAddr] = length
	return nil
}

func (b *Backend) UnmapDMA(iovaAddr, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailNextUnmap != nil {
		err := b.FailNextUnmap
		b.FailNextUnmap = nil
		return err
	}
	got, ok := b.mappings[iovaAddr]
	if !ok || got != length {
		return vfnerr.New("fake.Backend.UnmapDMA", vfnerr.NotFound, fmt.Sprintf("no mapping at iova %#x", iovaAddr))
	}
	delete(b.mappings, iovaAddr)
	return nil
}

func (b *Backend) ResetDevice() error { return nil }

func (b *Backend) SetIRQs(eventfds []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.irqs = append([]int(nil), eventfds...)
	return nil
}

func (b *Backend) DisableIRQs() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.irqs = nil
	return nil
}

func (b *Backend) QueryIOVARanges() ([]iova.Range, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Ranges) == 0 {
		return []iova.Range{iova.DefaultRange}, nil
	}
	return append([]iova.Range(nil), b.Ranges...), nil
}

// MappingCount reports how many live mappings the fake backend holds, for
// test assertions.
func (b *Backend) MappingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mappings)
}
