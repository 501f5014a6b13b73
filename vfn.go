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

// Package vfn implements the core of a user-space NVMe driver: an IOMMU
// address-space manager (package iova, package iommu) and an NVMe
// queue-pair engine (package nvme) that sits on top of it.
//
// The design follows OpenMPDK/libvfn: a process maps DMA-safe buffers
// through an IOMMU context, then drives an NVMe controller directly over
// its PCIe BAR using submission/completion queue pairs it owns.
package vfn

import (
	"sync"
	"syscall"
)

// Runtime carries process-wide constants derived once at startup: the page
// size and its shift. It holds no clock value. The original source treats
// these as process globals; here they are fields of a value. No constructor
// in this module takes a Runtime: they take the page size as a plain
// parameter (iommu.Options.PageSize, nvme.NewController's pageSize), which
// a caller can read from a Runtime.
type Runtime struct {
	// PageSize is the host MMU page size in bytes, e.g. 4096.
	PageSize int
	// PageShift is log2(PageSize).
	PageShift uint
}

var (
	defaultRuntime     *Runtime
	defaultRuntimeOnce sync.Once
)

// DefaultRuntime derives a Runtime from the running process once, and
// returns the cached value on subsequent calls.
func DefaultRuntime() *Runtime {
	defaultRuntimeOnce.Do(func() {
		ps := syscall.Getpagesize()
		defaultRuntime = NewRuntime(ps)
	})
	return defaultRuntime
}

// NewRuntime builds a Runtime from an explicit page size. pageSize must be a
// power of two; NewRuntime panics otherwise, since an unaligned page size
// indicates a caller bug, not a recoverable runtime condition.
func NewRuntime(pageSize int) *Runtime {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		panic("vfn: page size must be a positive power of two")
	}
	shift := uint(0)
	for v := pageSize; v > 1; v >>= 1 {
		shift++
	}
	return &Runtime{PageSize: pageSize, PageShift: shift}
}
