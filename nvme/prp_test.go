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

package nvme

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func newTestSlot(prpCap int) *RequestSlot {
	pool := NewSlotPool(2, prpCap)
	s, err := pool.AcquireRQ()
	if err != nil {
		panic(err)
	}
	s.setPRPListIOVA(0x90000)
	return s
}

func TestMapPRPSinglePage(t *testing.T) {
	slot := newTestSlot(64)
	buf := make([]byte, SQESize)
	sqe := NewSQE(buf)

	require.NoError(t, MapPRP(slot, sqe, 0x1000, 4096, testPageSize))
	require.Equal(t, uint64(0x1000), sqePRP1(sqe))
	require.Equal(t, uint64(0), sqePRP2(sqe))
}

func TestMapPRPTwoPages(t *testing.T) {
	slot := newTestSlot(64)
	buf := make([]byte, SQESize)
	sqe := NewSQE(buf)

	require.NoError(t, MapPRP(slot, sqe, 0x1000, 8192, testPageSize))
	require.Equal(t, uint64(0x1000), sqePRP1(sqe))
	require.Equal(t, uint64(0x1000+testPageSize), sqePRP2(sqe))
}

func TestMapPRPListForLargeTransfer(t *testing.T) {
	slot := newTestSlot(64)
	buf := make([]byte, SQESize)
	sqe := NewSQE(buf)

	require.NoError(t, MapPRP(slot, sqe, 0x1000, 3*testPageSize, testPageSize))
	require.Equal(t, uint64(0x1000), sqePRP1(sqe))
	require.Equal(t, uint64(0x90000), sqePRP2(sqe))
}

func TestMapPRPTooLargeForListBuffer(t *testing.T) {
	slot := newTestSlot(8) // room for exactly one PRP list entry
	buf := make([]byte, SQESize)
	sqe := NewSQE(buf)

	err := MapPRP(slot, sqe, 0x1000, 4*testPageSize, testPageSize)
	require.Error(t, err)
}

func sqePRP1(s SQE) uint64 { return leUint64(s[sqePRP1Offset:]) }
func sqePRP2(s SQE) uint64 { return leUint64(s[sqePRP2Offset:]) }

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
