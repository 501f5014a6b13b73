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

//go:build !linux

package iommufd

import (
	"syscall"

	"github.com/vfnio/vfn/iommu"
	"github.com/vfnio/vfn/iova"
)

var _ iommu.Backend = (*Backend)(nil)

// Backend is a stub on non-Linux platforms; iommufd is Linux-only.
type Backend struct{}

// New returns a Backend whose every method fails with ENOSYS.
func New() *Backend { return &Backend{} }

func (b *Backend) Open(devicePath string) error                             { return syscall.ENOSYS }
func (b *Backend) Close() error                                             { return syscall.ENOSYS }
func (b *Backend) MapDMA(vaddr, iovaAddr, length uint64, flags iommu.DMAFlags) error { return syscall.ENOSYS }
func (b *Backend) UnmapDMA(iovaAddr, length uint64) error                   { return syscall.ENOSYS }
func (b *Backend) ResetDevice() error                                       { return syscall.ENOSYS }
func (b *Backend) SetIRQs(eventfds []int) error                             { return syscall.ENOSYS }
func (b *Backend) DisableIRQs() error                                       { return syscall.ENOSYS }
func (b *Backend) QueryIOVARanges() ([]iova.Range, error)                   { return nil, syscall.ENOSYS }
