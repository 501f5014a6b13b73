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

//go:build linux

// Package legacy implements the VFIO group-based iommu.Backend: open a
// container, verify the API version and Type-1 IOMMU extension, open the
// device's isolation group, attach it to the container, and discover the
// permitted IOVA ranges by walking the IOMMU_GET_INFO capability list.
package legacy

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vfnio/vfn/iommu"
	"github.com/vfnio/vfn/iova"
	"github.com/vfnio/vfn/vfnerr"
)

var _ iommu.Backend = (*Backend)(nil)

// VFIO ioctl numbers. VFIO defines these as bare _IO(type, nr) with no size
// encoded into the command word; variable-length payloads instead carry
// their own ArgSz header field, sized and resized by the caller.
const (
	vfioType = 0x3b // ';'
	vfioBase = 100

	vfioGetAPIVersion       = vfioType<<8 | vfioBase + 0
	vfioCheckExtension      = vfioType<<8 | vfioBase + 1
	vfioSetIOMMU            = vfioType<<8 | vfioBase + 2
	vfioGroupGetStatus      = vfioType<<8 | vfioBase + 3
	vfioGroupSetContainer   = vfioType<<8 | vfioBase + 4
	vfioGroupUnsetContainer = vfioType<<8 | vfioBase + 5
	vfioGroupGetDeviceFD    = vfioType<<8 | vfioBase + 6
	vfioDeviceSetIRQs       = vfioType<<8 | vfioBase + 10
	vfioDeviceReset         = vfioType<<8 | vfioBase + 11
	vfioIOMMUGetInfo        = vfioType<<8 | vfioBase + 12
	vfioIOMMUMapDMA         = vfioType<<8 | vfioBase + 13
	vfioIOMMUUnmapDMA       = vfioType<<8 | vfioBase + 14
)

const (
	vfioAPIVersion   = 0
	vfioType1IOMMU   = 1
	groupFlagViable  = 1 << 0
	groupFlagHasCont = 1 << 1

	dmaMapFlagRead  = 1 << 0
	dmaMapFlagWrite = 1 << 1

	irqSetDataEventFD    = 1 << 2
	irqSetActionTrigger  = 1 << 0
	iommuInfoCapIOVARange = 1
)

type groupStatus struct {
	ArgSz uint32
	Flags uint32
}

type iommuTypeInfo struct {
	ArgSz       uint32
	Flags       uint32
	IOVAPgsizes uint64
	CapOffset   uint32
	Pad         uint32
}

type infoCapHeader struct {
	ID      uint16
	Version uint16
	Next    uint32
}

type iovaRange struct {
	Start uint64
	End   uint64 // inclusive
}

type dmaMap struct {
	ArgSz uint32
	Flags uint32
	VAddr uint64
	IOVA  uint64
	Size  uint64
}

type dmaUnmap struct {
	ArgSz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

type irqSetHeader struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

// Backend is the legacy group-based VFIO backend.
type Backend struct {
	containerFd int
	groupFd     int
	deviceFd    int
}

// New returns an unopened legacy backend.
func New() *Backend { return &Backend{containerFd: -1, groupFd: -1, deviceFd: -1} }

// Open expects devicePath to be the VFIO group device node (e.g.
// "/dev/vfio/42"). Binding a specific PCI function to that group is an
// external concern (PCI config-space parsing is out of scope here); Open
// only performs the container/group/IOMMU setup sequence. DMA-range
// discovery is done separately by QueryIOVARanges.
func (b *Backend) Open(devicePath string) error {
	const op = "legacy.Backend.Open"

	containerFd, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	version, err := ioctlNoArg(containerFd, vfioGetAPIVersion)
	if err != nil {
		unix.Close(containerFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	if version != vfioAPIVersion {
		unix.Close(containerFd)
		return vfnerr.New(op, vfnerr.Unsupported, fmt.Sprintf("unexpected VFIO API version %d", version))
	}

	has1, err := ioctlArg(containerFd, vfioCheckExtension, vfioType1IOMMU)
	if err != nil || has1 == 0 {
		unix.Close(containerFd)
		return vfnerr.New(op, vfnerr.Unsupported, "Type-1 IOMMU extension not supported")
	}

	groupFd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(containerFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	var status groupStatus
	status.ArgSz = uint32(unsafe.Sizeof(status))
	if err := ioctlPtr(groupFd, vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		unix.Close(groupFd)
		unix.Close(containerFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	if status.Flags&groupFlagViable == 0 {
		unix.Close(groupFd)
		unix.Close(containerFd)
		return vfnerr.New(op, vfnerr.BackendError, "VFIO group is not viable (not all devices in the group are bound)")
	}

	if err := ioctlPtr(groupFd, vfioGroupSetContainer, unsafe.Pointer(&containerFd)); err != nil {
		unix.Close(groupFd)
		unix.Close(containerFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	if _, err := ioctlArg(containerFd, vfioSetIOMMU, vfioType1IOMMU); err != nil {
		unix.Close(groupFd)
		unix.Close(containerFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	b.containerFd = containerFd
	b.groupFd = groupFd
	b.deviceFd = -1
	return nil
}

// Close tears down the group/container file descriptors.
func (b *Backend) Close() error {
	var firstErr error
	if b.deviceFd >= 0 {
		if err := unix.Close(b.deviceFd); err != nil && firstErr == nil {
			firstErr = err
		}
		b.deviceFd = -1
	}
	if b.groupFd >= 0 {
		if err := unix.Close(b.groupFd); err != nil && firstErr == nil {
			firstErr = err
		}
		b.groupFd = -1
	}
	if b.containerFd >= 0 {
		if err := unix.Close(b.containerFd); err != nil && firstErr == nil {
			firstErr = err
		}
		b.containerFd = -1
	}
	return firstErr
}

func (b *Backend) MapDMA(vaddr, iovaAddr, length uint64, flags iommu.DMAFlags) error {
	const op = "legacy.Backend.MapDMA"
	m := dmaMap{
		ArgSz: uint32(unsafe.Sizeof(dmaMap{})),
		VAddr: vaddr,
		IOVA:  iovaAddr,
		Size:  length,
	}
	if flags&iommu.DMAReadable != 0 {
		m.Flags |= dmaMapFlagRead
	}
	if flags&iommu.DMAWritable != 0 {
		m.Flags |= dmaMapFlagWrite
	}
	if err := ioctlPtr(b.containerFd, vfioIOMMUMapDMA, unsafe.Pointer(&m)); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) UnmapDMA(iovaAddr, length uint64) error {
	const op = "legacy.Backend.UnmapDMA"
	u := dmaUnmap{
		ArgSz: uint32(unsafe.Sizeof(dmaUnmap{})),
		IOVA:  iovaAddr,
		Size:  length,
	}
	if err := ioctlPtr(b.containerFd, vfioIOMMUUnmapDMA, unsafe.Pointer(&u)); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) ResetDevice() error {
	const op = "legacy.Backend.ResetDevice"
	if b.deviceFd < 0 {
		return vfnerr.New(op, vfnerr.Unsupported, "no device fd bound")
	}
	if _, err := ioctlNoArg(b.deviceFd, vfioDeviceReset); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) SetIRQs(eventfds []int) error {
	const op = "legacy.Backend.SetIRQs"
	if b.deviceFd < 0 {
		return vfnerr.New(op, vfnerr.Unsupported, "no device fd bound")
	}

	hdrSize := int(unsafe.Sizeof(irqSetHeader{}))
	buf := make([]byte, hdrSize+4*len(eventfds))
	hdr := irqSetHeader{
		ArgSz: uint32(len(buf)),
		Flags: irqSetDataEventFD | irqSetActionTrigger,
		Index: 0, // MSI-X vector 0-based index; caller arms one block at a time
		Start: 0,
		Count: uint32(len(eventfds)),
	}
	*(*irqSetHeader)(unsafe.Pointer(&buf[0])) = hdr
	for i, fd := range eventfds {
		binary.LittleEndian.PutUint32(buf[hdrSize+4*i:], uint32(fd))
	}

	if err := ioctlPtr(b.deviceFd, vfioDeviceSetIRQs, unsafe.Pointer(&buf[0])); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) DisableIRQs() error {
	return b.SetIRQs(nil)
}

// QueryIOVARanges walks the IOMMU_GET_INFO capability list looking for the
// IOVA-range capability, resizing the request buffer if the kernel reports
// that more space was needed than a first, headroom-only call provided.
func (b *Backend) QueryIOVARanges() ([]iova.Range, error) {
	const op = "legacy.Backend.QueryIOVARanges"

	var info iommuTypeInfo
	info.ArgSz = uint32(unsafe.Sizeof(info))
	if err := ioctlPtr(b.containerFd, vfioIOMMUGetInfo, unsafe.Pointer(&info)); err != nil {
		return nil, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	if info.ArgSz <= uint32(unsafe.Sizeof(info)) || info.CapOffset == 0 {
		// Kernel has nothing more to report: no capability list at all.
		return nil, nil
	}

	buf := make([]byte, info.ArgSz)
	*(*iommuTypeInfo)(unsafe.Pointer(&buf[0])) = info
	if err := ioctlPtr(b.containerFd, vfioIOMMUGetInfo, unsafe.Pointer(&buf[0])); err != nil {
		return nil, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	return parseIOVARangeCap(buf)
}

func parseIOVARangeCap(buf []byte) ([]iova.Range, error) {
	const op = "legacy.Backend.QueryIOVARanges"
	info := *(*iommuTypeInfo)(unsafe.Pointer(&buf[0]))

	offset := info.CapOffset
	for offset != 0 && int(offset)+int(unsafe.Sizeof(infoCapHeader{})) <= len(buf) {
		hdr := *(*infoCapHeader)(unsafe.Pointer(&buf[offset]))
		if hdr.ID == iommuInfoCapIOVARange {
			const headerFields = 8 // nr_iovas (4) + reserved (4), following infoCapHeader
			base := int(offset) + int(unsafe.Sizeof(infoCapHeader{}))
			if base+headerFields > len(buf) {
				return nil, vfnerr.New(op, vfnerr.BackendError, "truncated IOVA range capability")
			}
			nrIOVAs := binary.LittleEndian.Uint32(buf[base:])
			rangesOff := base + headerFields
			ranges := make([]iova.Range, 0, nrIOVAs)
			for i := uint32(0); i < nrIOVAs; i++ {
				o := rangesOff + int(i)*int(unsafe.Sizeof(iovaRange{}))
				if o+int(unsafe.Sizeof(iovaRange{})) > len(buf) {
					return nil, vfnerr.New(op, vfnerr.BackendError, "truncated IOVA range array")
				}
				r := *(*iovaRange)(unsafe.Pointer(&buf[o]))
				ranges = append(ranges, iova.Range{Start: r.Start, Last: r.End})
			}
			return ranges, nil
		}
		offset = hdr.Next
	}
	return nil, nil
}

func ioctlNoArg(fd int, req uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func ioctlArg(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}
