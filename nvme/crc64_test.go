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

package nvme_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vfnio/vfn/nvme"
)

// TestCRC64ReferenceVector checks the package's table against the NVMe base
// specification's published CRC-64/NVME check value for the standard
// "123456789" check string.
func TestCRC64ReferenceVector(t *testing.T) {
	got := nvme.CRC64(0xffffffffffffffff, []byte("123456789"))
	require.Equal(t, uint64(0xae8b14860a799888), got)
}

func TestCRC64EmptyBufferIsSeedInverted(t *testing.T) {
	got := nvme.CRC64(0xffffffffffffffff, nil)
	require.Equal(t, uint64(0), got)
}
