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

package iommu_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vfnio/vfn/iommu"
	"github.com/vfnio/vfn/iommu/fake"
	"github.com/vfnio/vfn/iova"
	"github.com/vfnio/vfn/vfnerr"
)

// TestMapTranslateUnmap exercises end-to-end scenario 1: map a 4096-byte
// buffer, translate an address within it, unmap, and re-unmap idempotently.
func TestMapTranslateUnmap(t *testing.T) {
	backend := fake.New(iova.Range{Start: 0x10000, Last: 0x7fffffffff})
	ctx, err := iommu.NewContext(backend, iommu.DefaultOptions("/dev/fake0"))
	require.NoError(t, err)

	const vaddr = uint64(0x7f0000000000)
	iovaAddr, err := ctx.Map(vaddr, 4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), iovaAddr)

	got, ok := ctx.Translate(vaddr + 8)
	require.True(t, ok)
	require.Equal(t, uint64(0x10008), got)

	require.NoError(t, ctx.Unmap(vaddr))
	require.NoError(t, ctx.Unmap(vaddr)) // idempotent

	_, ok = ctx.Translate(vaddr)
	require.False(t, ok)
}

func TestMapIsIdempotentWithinExistingMapping(t *testing.T) {
	backend := fake.New(iova.Range{Start: 0x10000, Last: 0x7fffffffff})
	ctx, err := iommu.NewContext(backend, iommu.DefaultOptions("/dev/fake0"))
	require.NoError(t, err)

	iova1, err := ctx.Map(0x1000, 8192)
	require.NoError(t, err)

	iova2, err := ctx.Map(0x1000, 4096) // same start, smaller, already covered
	require.NoError(t, err)
	require.Equal(t, iova1, iova2)
	require.Equal(t, 1, backend.MappingCount())
}

func TestMapBackendFailureSurfacesAsBackendError(t *testing.T) {
	backend := fake.New(iova.Range{Start: 0x10000, Last: 0x7fffffffff})
	backend.FailNextMap = errors.New("EINVAL")
	ctx, err := iommu.NewContext(backend, iommu.DefaultOptions("/dev/fake0"))
	require.NoError(t, err)

	_, err = ctx.Map(0x1000, 4096)
	require.True(t, errors.Is(err, vfnerr.Sentinel(vfnerr.BackendError)))
}

func TestMapEphemeralUnmapEphemeral(t *testing.T) {
	backend := fake.New(iova.Range{Start: 0x10000, Last: 0x7fffffffff})
	ctx, err := iommu.NewContext(backend, iommu.DefaultOptions("/dev/fake0"))
	require.NoError(t, err)

	iovaAddr, err := ctx.MapEphemeral(0x9000, 4096)
	require.NoError(t, err)
	require.Equal(t, 1, backend.MappingCount())

	require.NoError(t, ctx.UnmapEphemeral(iovaAddr, 4096))
	require.Equal(t, 0, backend.MappingCount())
}

func TestCloseRemovesAllMappings(t *testing.T) {
	backend := fake.New(iova.Range{Start: 0x10000, Last: 0x7fffffffff})
	ctx, err := iommu.NewContext(backend, iommu.DefaultOptions("/dev/fake0"))
	require.NoError(t, err)

	_, err = ctx.Map(0x1000, 4096)
	require.NoError(t, err)
	_, err = ctx.Map(0x2000000, 4096)
	require.NoError(t, err)

	require.NoError(t, ctx.Close())
	require.Equal(t, 0, backend.MappingCount())
}
