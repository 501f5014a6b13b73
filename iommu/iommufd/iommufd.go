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

// Package iommufd implements the modern fd-based iommu.Backend: open a
// /dev/iommu control descriptor, allocate an I/O address space (an "ioas"),
// bind the device directly by file descriptor, and discover the permitted
// IOVA ranges through the ioas's own info ioctl rather than a capability
// list walk.
package iommufd

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vfnio/vfn/iommu"
	"github.com/vfnio/vfn/iova"
	"github.com/vfnio/vfn/vfnerr"
)

var _ iommu.Backend = (*Backend)(nil)

// iommufd ioctl numbers. Distinct numbering space from the legacy VFIO
// group ioctls, even though both happen to share the ';' type byte.
const (
	iommufdType = 0x3b
	iommufdBase = 0x80

	iommufdIOASAlloc      = iommufdType<<8 | iommufdBase + 0
	iommufdIOASIOVARanges = iommufdType<<8 | iommufdBase + 1
	iommufdIOASMap        = iommufdType<<8 | iommufdBase + 2
	iommufdIOASUnmap      = iommufdType<<8 | iommufdBase + 3

	vfioType = 0x3b
	vfioBase = 100

	vfioDeviceBindIOMMUFD   = vfioType<<8 | vfioBase + 20
	vfioDeviceAttachIOMMUFD = vfioType<<8 | vfioBase + 21
	vfioDeviceSetIRQs       = vfioType<<8 | vfioBase + 10
	vfioDeviceReset         = vfioType<<8 | vfioBase + 11

	mapFlagRead     = 1 << 0
	mapFlagWrite    = 1 << 1
	irqSetDataEvent = 1 << 2
	irqSetTrigger   = 1 << 0
)

type ioasAlloc struct {
	ArgSz uint32
	Flags uint32
	OutIOASID uint32
	pad   uint32
}

type deviceBind struct {
	ArgSz     uint32
	Flags     uint32
	IOMMUFD   int32
	OutDevID  uint32
}

type deviceAttach struct {
	ArgSz uint32
	Flags uint32
	PTID  uint32
}

type ioasRangesHeader struct {
	ArgSz        uint32
	NumIOVARanges uint32
	OutIOASID    uint32
	Pad          uint32
	// []ioasRange follows, sized to NumIOVARanges by a first, zero-count probe
}

type ioasRange struct {
	Start uint64
	Last  uint64
}

type ioasMap struct {
	ArgSz   uint32
	Flags   uint32
	IOVA    uint64
	VAddr   uint64
	Length  uint64
	IOASID  uint32
	pad     uint32
}

type ioasUnmap struct {
	ArgSz  uint32
	IOVA   uint64
	Length uint64
	IOASID uint32
}

type irqSetHeader struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

// Backend is the modern iommufd-based backend.
type Backend struct {
	iommufdFd int
	deviceFd  int
	ioasID    uint32
}

// New returns an unopened iommufd backend.
func New() *Backend { return &Backend{iommufdFd: -1, deviceFd: -1} }

// Open expects devicePath to be the device's own VFIO cdev node (e.g.
// "/dev/vfio/devices/vfio0"), the modern per-device interface that replaces
// the legacy group node. Open binds that device directly to the iommufd
// control descriptor and attaches it to a freshly allocated ioas.
func (b *Backend) Open(devicePath string) error {
	const op = "iommufd.Backend.Open"

	iommufdFd, err := unix.Open("/dev/iommu", unix.O_RDWR, 0)
	if err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	deviceFd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(iommufdFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	bind := deviceBind{ArgSz: uint32(unsafe.Sizeof(deviceBind{})), IOMMUFD: int32(iommufdFd)}
	if err := ioctlPtr(deviceFd, vfioDeviceBindIOMMUFD, unsafe.Pointer(&bind)); err != nil {
		unix.Close(deviceFd)
		unix.Close(iommufdFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	var alloc ioasAlloc
	alloc.ArgSz = uint32(unsafe.Sizeof(alloc))
	if err := ioctlPtr(iommufdFd, iommufdIOASAlloc, unsafe.Pointer(&alloc)); err != nil {
		unix.Close(deviceFd)
		unix.Close(iommufdFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	attach := deviceAttach{ArgSz: uint32(unsafe.Sizeof(deviceAttach{})), PTID: alloc.OutIOASID}
	if err := ioctlPtr(deviceFd, vfioDeviceAttachIOMMUFD, unsafe.Pointer(&attach)); err != nil {
		unix.Close(deviceFd)
		unix.Close(iommufdFd)
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	b.iommufdFd = iommufdFd
	b.deviceFd = deviceFd
	b.ioasID = alloc.OutIOASID
	return nil
}

func (b *Backend) Close() error {
	var firstErr error
	if b.deviceFd >= 0 {
		if err := unix.Close(b.deviceFd); err != nil && firstErr == nil {
			firstErr = err
		}
		b.deviceFd = -1
	}
	if b.iommufdFd >= 0 {
		if err := unix.Close(b.iommufdFd); err != nil && firstErr == nil {
			firstErr = err
		}
		b.iommufdFd = -1
	}
	return firstErr
}

func (b *Backend) MapDMA(vaddr, iovaAddr, length uint64, flags iommu.DMAFlags) error {
	const op = "iommufd.Backend.MapDMA"
	m := ioasMap{
		ArgSz:  uint32(unsafe.Sizeof(ioasMap{})),
		IOVA:   iovaAddr,
		VAddr:  vaddr,
		Length: length,
		IOASID: b.ioasID,
	}
	if flags&iommu.DMAReadable != 0 {
		m.Flags |= mapFlagRead
	}
	if flags&iommu.DMAWritable != 0 {
		m.Flags |= mapFlagWrite
	}
	if err := ioctlPtr(b.iommufdFd, iommufdIOASMap, unsafe.Pointer(&m)); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) UnmapDMA(iovaAddr, length uint64) error {
	const op = "iommufd.Backend.UnmapDMA"
	u := ioasUnmap{
		ArgSz:  uint32(unsafe.Sizeof(ioasUnmap{})),
		IOVA:   iovaAddr,
		Length: length,
		IOASID: b.ioasID,
	}
	if err := ioctlPtr(b.iommufdFd, iommufdIOASUnmap, unsafe.Pointer(&u)); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) ResetDevice() error {
	const op = "iommufd.Backend.ResetDevice"
	if _, err := ioctlNoArg(b.deviceFd, vfioDeviceReset); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) SetIRQs(eventfds []int) error {
	const op = "iommufd.Backend.SetIRQs"
	hdrSize := int(unsafe.Sizeof(irqSetHeader{}))
	buf := make([]byte, hdrSize+4*len(eventfds))
	hdr := irqSetHeader{
		ArgSz: uint32(len(buf)),
		Flags: irqSetDataEvent | irqSetTrigger,
		Count: uint32(len(eventfds)),
	}
	*(*irqSetHeader)(unsafe.Pointer(&buf[0])) = hdr
	for i, fd := range eventfds {
		o := hdrSize + 4*i
		*(*int32)(unsafe.Pointer(&buf[o])) = int32(fd)
	}
	if err := ioctlPtr(b.deviceFd, vfioDeviceSetIRQs, unsafe.Pointer(&buf[0])); err != nil {
		return vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	return nil
}

func (b *Backend) DisableIRQs() error {
	return b.SetIRQs(nil)
}

// QueryIOVARanges probes the ioas's own range ioctl: a zero-capacity call
// reports the count, then a sized call fills the range array.
func (b *Backend) QueryIOVARanges() ([]iova.Range, error) {
	const op = "iommufd.Backend.QueryIOVARanges"

	var probe ioasRangesHeader
	probe.ArgSz = uint32(unsafe.Sizeof(probe))
	probe.OutIOASID = b.ioasID
	if err := ioctlPtr(b.iommufdFd, iommufdIOASIOVARanges, unsafe.Pointer(&probe)); err != nil {
		return nil, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	if probe.NumIOVARanges == 0 {
		return nil, nil
	}

	hdrSize := int(unsafe.Sizeof(ioasRangesHeader{}))
	rangeSize := int(unsafe.Sizeof(ioasRange{}))
	buf := make([]byte, hdrSize+int(probe.NumIOVARanges)*rangeSize)
	hdr := ioasRangesHeader{
		ArgSz:         uint32(len(buf)),
		NumIOVARanges: probe.NumIOVARanges,
		OutIOASID:     b.ioasID,
	}
	*(*ioasRangesHeader)(unsafe.Pointer(&buf[0])) = hdr
	if err := ioctlPtr(b.iommufdFd, iommufdIOASIOVARanges, unsafe.Pointer(&buf[0])); err != nil {
		return nil, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	got := *(*ioasRangesHeader)(unsafe.Pointer(&buf[0]))
	ranges := make([]iova.Range, 0, got.NumIOVARanges)
	for i := uint32(0); i < got.NumIOVARanges; i++ {
		o := hdrSize + int(i)*rangeSize
		r := *(*ioasRange)(unsafe.Pointer(&buf[o]))
		ranges = append(ranges, iova.Range{Start: r.Start, Last: r.Last})
	}
	return ranges, nil
}

func ioctlNoArg(fd int, req uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
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
