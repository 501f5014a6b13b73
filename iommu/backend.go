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

// Package iommu implements the IOMMU context (component C): it aggregates
// an iova.Index and an iova.Allocator, and drives DMA mapping through a
// Backend (component D, the port). Two concrete backends exist — a legacy
// VFIO group-based one and a modern iommufd-based one. DefaultProbe reports
// which one the host supports; NewContext takes an already constructed
// Backend and does not probe.
package iommu

import "github.com/vfnio/vfn/iova"

// DMAFlags describes the access permissions requested for a DMA_MAP call.
type DMAFlags uint32

const (
	// DMAReadable permits the device to read the mapped region.
	DMAReadable DMAFlags = 1 << iota
	// DMAWritable permits the device to write the mapped region.
	DMAWritable
)

// Backend is the port every IOMMU passthrough facility must implement: open
// a container/device, query the IOVA ranges it permits, install and remove
// DMA mappings, and manage device reset/IRQs. Both the legacy group-based
// variant and the modern fd-based variant expose this identical façade.
type Backend interface {
	// Open binds the backend to the device at devicePath.
	Open(devicePath string) error
	// Close releases every backend resource. Open mappings are the caller's
	// responsibility to unmap first.
	Close() error

	// MapDMA installs a DMA mapping from iovaAddr to vaddr, length bytes,
	// with the given access flags.
	MapDMA(vaddr, iovaAddr, length uint64, flags DMAFlags) error
	// UnmapDMA removes a previously installed DMA mapping.
	UnmapDMA(iovaAddr, length uint64) error

	// ResetDevice issues a function-level reset. Returns an Unsupported
	// error if the backend cannot perform one.
	ResetDevice() error
	// SetIRQs arms MSI-X vectors using the given eventfds. Returns an
	// Unsupported error if the backend cannot arm IRQs.
	SetIRQs(eventfds []int) error
	// DisableIRQs tears down any armed IRQ vectors.
	DisableIRQs() error

	// QueryIOVARanges returns the IOVA ranges the kernel permits mapping
	// into for this device's isolation domain.
	QueryIOVARanges() ([]iova.Range, error)
}
