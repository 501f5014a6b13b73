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

// Package iova implements the IOVA index (a probabilistic ordered map from
// virtual address to IOVA mapping) and the IOVA allocator (a bump allocator
// over a set of kernel-permitted IOVA ranges) described by components A and
// B of the design. Neither type talks to the kernel; iommu.Context wires
// them to a Backend.
package iova

// Range is a contiguous region of IOVA space the kernel permits mapping
// into, inclusive of both endpoints.
type Range struct {
	Start uint64
	Last  uint64
}

// Len returns the number of addressable bytes in the range.
func (r Range) Len() uint64 {
	return r.Last - r.Start + 1
}

// DefaultRange is used when a backend reports no permitted ranges at all.
var DefaultRange = Range{Start: 0x10000, Last: (1 << 39) - 1}
