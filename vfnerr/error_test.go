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

package vfnerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	err := New("iova.Index.Find", NotFound, "vaddr 0x1000")
	require.True(t, errors.Is(err, Sentinel(NotFound)))
	require.False(t, errors.Is(err, Sentinel(Exists)))
	require.Equal(t, "iova.Index.Find: not found: vaddr 0x1000", err.Error())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("einval")
	err := Wrap("iommu.Backend.MapDMA", BackendError, cause)
	require.True(t, errors.Is(err, Sentinel(BackendError)))
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestWrapDevice(t *testing.T) {
	err := WrapDevice("nvme.QueuePair.WaitOne", 0x0002)
	require.True(t, errors.Is(err, Sentinel(DeviceError)))
	require.Equal(t, uint16(0x0002), err.StatusField)
}
