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
	"encoding/binary"

	"github.com/vfnio/vfn/vfnerr"
)

// MapPRP writes the PRP1/PRP2 fields of sqe so the controller can DMA
// length bytes starting at iovaAddr. pageSize must be the host page size
// (the same value a Context was built with).
//
//   - length <= pageSize: PRP1 = iovaAddr, PRP2 = 0.
//   - pageSize < length <= 2*pageSize: PRP1 = iovaAddr, PRP2 = iovaAddr+pageSize.
//   - larger: PRP1 = iovaAddr; PRP2 points at slot.PRPList(), filled with
//     successive page-aligned IOVAs. Fails TooLarge if that buffer is too
//     small to hold every subsequent page's IOVA.
func MapPRP(slot *RequestSlot, sqe SQE, iovaAddr, length, pageSize uint64) error {
	const op = "nvme.MapPRP"

	sqe.SetPRP1(iovaAddr)

	if length <= pageSize {
		sqe.SetPRP2(0)
		return nil
	}
	if length <= 2*pageSize {
		sqe.SetPRP2(iovaAddr + pageSize)
		return nil
	}

	// First page is covered by PRP1; every subsequent page-aligned IOVA up
	// to length goes into the PRP list, addressed by PRP2.
	firstPageEnd := (iovaAddr/pageSize + 1) * pageSize
	remaining := length - (firstPageEnd - iovaAddr)
	nEntries := int((remaining + pageSize - 1) / pageSize)

	list := slot.PRPList()
	if nEntries*8 > len(list) {
		return vfnerr.New(op, vfnerr.TooLarge, "PRP list buffer too small for transfer")
	}

	addr := firstPageEnd
	for i := 0; i < nEntries; i++ {
		binary.LittleEndian.PutUint64(list[i*8:], addr)
		addr += pageSize
	}

	sqe.SetPRP2(slot.prpListIOVA)
	return nil
}
