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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vfnio/vfn/vfnerr"
)

func TestInsertFindRemove(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Insert(0x1000, 0x1000, 0x20000))

	e, ok := idx.Find(0x1000)
	require.True(t, ok)
	require.Equal(t, Entry{VAddr: 0x1000, Len: 0x1000, IOVA: 0x20000}, e)

	require.NoError(t, idx.Remove(0x1000))

	_, ok = idx.Find(0x1000)
	require.False(t, ok)
}

func TestFindWithinRange(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Insert(0x7f0000000000, 0x1000, 0x10000))

	e, ok := idx.Find(0x7f0000000000 + 8)
	require.True(t, ok)
	require.Equal(t, uint64(0x7f0000000000), e.VAddr)

	_, ok = idx.Find(0x7f0000001000) // one past the end
	require.False(t, ok)
}

func TestInsertZeroLenInvalid(t *testing.T) {
	idx := NewIndex()
	err := idx.Insert(0x1000, 0, 0x20000)
	require.Error(t, err)
	require.True(t, errors.Is(err, vfnerr.Sentinel(vfnerr.Invalid)))
}

func TestInsertOverlapExists(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Insert(0x1000, 0x1000, 0x20000))
	err := idx.Insert(0x1000, 0x1000, 0x30000)
	require.True(t, errors.Is(err, vfnerr.Sentinel(vfnerr.Exists)))
}

func TestRemoveNotFound(t *testing.T) {
	idx := NewIndex()
	err := idx.Remove(0x1000)
	require.True(t, errors.Is(err, vfnerr.Sentinel(vfnerr.NotFound)))
}

func TestClearInvokesCallbackAndResetsHeight(t *testing.T) {
	idx := NewIndex()
	for i := uint64(0); i < 64; i++ {
		require.NoError(t, idx.Insert(i*0x1000, 0x1000, i*0x2000))
	}

	var seen []Entry
	idx.Clear(func(e Entry) { seen = append(seen, e) })

	require.Len(t, seen, 64)
	require.Equal(t, 0, idx.Height())
	_, ok := idx.Find(0)
	require.False(t, ok)
}

// TestRandomNonOverlappingRoundTrip exercises testable property 1 and the
// end-to-end scenario 6: insert many adjacent, non-overlapping mappings,
// remove them in a random permutation, and verify every key is gone and the index
// collapses back to height zero.
func TestRandomNonOverlappingRoundTrip(t *testing.T) {
	const n = 10000
	idx := NewIndex()

	vaddrs := make([]uint64, n)
	for i := 0; i < n; i++ {
		vaddrs[i] = uint64(i) * 0x1000 // fixed-size, non-overlapping by construction
		require.NoError(t, idx.Insert(vaddrs[i], 0x1000, uint64(i)*0x1000+0x10000))
	}

	for i := 0; i < n; i++ {
		e, ok := idx.Find(vaddrs[i] + 1)
		require.True(t, ok)
		require.Equal(t, vaddrs[i], e.VAddr)
	}

	perm := rand.Perm(n)
	for _, i := range perm {
		require.NoError(t, idx.Remove(vaddrs[i]))
	}

	for i := 0; i < n; i++ {
		_, ok := idx.Find(vaddrs[i])
		require.False(t, ok)
	}
	require.Equal(t, 0, idx.Height())
}
