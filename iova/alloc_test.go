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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vfnio/vfn/vfnerr"
)

const pageSize = 4096

func TestStickyAllocateBumpsCursor(t *testing.T) {
	a := NewAllocator([]Range{{Start: 0x10000, Last: 0x7fffffffff}}, pageSize)

	iova1, err := a.StickyAllocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), iova1)

	iova2, err := a.StickyAllocate(8192)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11000), iova2)
}

func TestStickyAllocateUnalignedInvalid(t *testing.T) {
	a := NewAllocator(nil, pageSize)
	_, err := a.StickyAllocate(100)
	require.True(t, errors.Is(err, vfnerr.Sentinel(vfnerr.Invalid)))
}

func TestStickyAllocateExactFitThenNoSpace(t *testing.T) {
	a := NewAllocator([]Range{{Start: 0x1000, Last: 0x1fff}}, pageSize)
	iova1, err := a.StickyAllocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), iova1)

	_, err = a.StickyAllocate(4096)
	require.True(t, errors.Is(err, vfnerr.Sentinel(vfnerr.NoSpace)))
}

// TestEphemeralWatermarkRewind exercises testable property 4 and end-to-end
// scenario 2: sticky allocations, then two ephemeral allocations, then both
// released, rewinding the cursor back to the watermark so the next sticky
// allocation reuses the space.
func TestEphemeralWatermarkRewind(t *testing.T) {
	a := NewAllocator([]Range{{Start: 0x10000, Last: 0x7fffffffff}}, pageSize)

	_, err := a.StickyAllocate(4096)
	require.NoError(t, err)
	_, err = a.StickyAllocate(8192)
	require.NoError(t, err)

	eph1, err := a.EphemeralAllocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x13000), eph1)

	eph2, err := a.EphemeralAllocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x14000), eph2)

	require.EqualValues(t, 2, a.Outstanding())

	a.EphemeralRelease()
	require.EqualValues(t, 1, a.Outstanding())
	a.EphemeralRelease()
	require.EqualValues(t, 0, a.Outstanding())

	iova3, err := a.StickyAllocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x13000), iova3)
}

func TestEphemeralAllocateZeroLenInvalid(t *testing.T) {
	a := NewAllocator(nil, pageSize)
	_, err := a.EphemeralAllocate(0)
	require.True(t, errors.Is(err, vfnerr.Sentinel(vfnerr.Invalid)))
}

func TestLongLivedEphemeralDelaysRewind(t *testing.T) {
	a := NewAllocator([]Range{{Start: 0x10000, Last: 0x7fffffffff}}, pageSize)

	long, err := a.EphemeralAllocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), long)

	for i := 0; i < 3; i++ {
		short, err := a.EphemeralAllocate(4096)
		require.NoError(t, err)
		a.EphemeralRelease()
		_ = short
	}
	require.EqualValues(t, 1, a.Outstanding())

	a.EphemeralRelease() // releases the long-lived one, now drains to 0
	require.EqualValues(t, 0, a.Outstanding())

	next, err := a.StickyAllocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), next) // rewinds to the watermark from the long-lived allocation
}
