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

package iommu

import (
	"github.com/vfnio/vfn/iova"
	"github.com/vfnio/vfn/vfnerr"
)

// Options configures a Context. Mirrors the Option/DefaultOption shape used
// throughout this module's constructors.
type Options struct {
	// PageSize is the host page size; sticky allocations must be a
	// multiple of it.
	PageSize uint64
	// DevicePath is passed to Backend.Open.
	DevicePath string
}

// DefaultOptions returns an Options with a fixed 4096-byte page size; it
// does not query the host.
func DefaultOptions(devicePath string) *Options {
	return &Options{PageSize: 4096, DevicePath: devicePath}
}

// Context owns one iova.Index, one iova.Allocator, and one Backend handle.
// Its lifetime begins at NewContext and ends at Close, which removes every
// mapping before releasing backend resources.
type Context struct {
	backend Backend
	idx     *iova.Index
	alloc   *iova.Allocator
}

// NewContext opens backend, queries its permitted IOVA ranges, and builds
// the index/allocator pair over them.
func NewContext(backend Backend, opts *Options) (*Context, error) {
	const op = "iommu.NewContext"
	if opts == nil {
		opts = DefaultOptions("")
	}

	if err := backend.Open(opts.DevicePath); err != nil {
		return nil, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	ranges, err := backend.QueryIOVARanges()
	if err != nil {
		_ = backend.Close()
		return nil, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	return &Context{
		backend: backend,
		idx:     iova.NewIndex(),
		alloc:   iova.NewAllocator(ranges, opts.PageSize),
	}, nil
}

// Map installs a sticky DMA mapping for [vaddr, vaddr+length) and returns
// its IOVA. If a mapping already covers the full range, Map is idempotent
// and returns the existing IOVA.
func (c *Context) Map(vaddr, length uint64) (uint64, error) {
	const op = "iommu.Context.Map"

	if e, ok := c.idx.Find(vaddr); ok && vaddr+length <= e.VAddr+e.Len {
		return e.IOVA + (vaddr - e.VAddr), nil
	}

	iovaAddr, err := c.alloc.StickyAllocate(length)
	if err != nil {
		return 0, err
	}

	if err := c.backend.MapDMA(vaddr, iovaAddr, length, DMAReadable|DMAWritable); err != nil {
		return 0, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	if err := c.idx.Insert(vaddr, length, iovaAddr); err != nil {
		// The kernel mapping succeeded but we couldn't record it; undo the
		// kernel side and surface the indexing error.
		_ = c.backend.UnmapDMA(iovaAddr, length)
		return 0, err
	}

	return iovaAddr, nil
}

// Unmap removes the sticky mapping covering vaddr. Unmapping an address with
// no mapping succeeds silently (idempotent).
func (c *Context) Unmap(vaddr uint64) error {
	const op = "iommu.Context.Unmap"

	e, ok := c.idx.Find(vaddr)
	if !ok {
		return nil
	}
	if err := c.backend.UnmapDMA(e.IOVA, e.Len); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return c.idx.Remove(e.VAddr)
}

// MapEphemeral installs a short-lived DMA mapping not tracked by the index.
// The caller must release it with UnmapEphemeral once the owning command
// completes.
func (c *Context) MapEphemeral(vaddr, length uint64) (uint64, error) {
	const op = "iommu.Context.MapEphemeral"

	iovaAddr, err := c.alloc.EphemeralAllocate(length)
	if err != nil {
		return 0, err
	}
	if err := c.backend.MapDMA(vaddr, iovaAddr, length, DMAReadable|DMAWritable); err != nil {
		c.alloc.EphemeralRelease()
		return 0, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return iovaAddr, nil
}

// UnmapEphemeral releases an ephemeral mapping obtained from MapEphemeral.
func (c *Context) UnmapEphemeral(iovaAddr, length uint64) error {
	const op = "iommu.Context.UnmapEphemeral"
	err := c.backend.UnmapDMA(iovaAddr, length)
	c.alloc.EphemeralRelease()
	if err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

// Translate returns the IOVA that vaddr currently maps to, if any.
func (c *Context) Translate(vaddr uint64) (uint64, bool) {
	e, ok := c.idx.Find(vaddr)
	if !ok {
		return 0, false
	}
	return e.IOVA + (vaddr - e.VAddr), true
}

// Close removes every remaining mapping and releases the backend.
func (c *Context) Close() error {
	var firstErr error
	c.idx.Clear(func(e iova.Entry) {
		if err := c.backend.UnmapDMA(e.IOVA, e.Len); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if err := c.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
