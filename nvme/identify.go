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
	"bytes"
	"encoding/binary"
)

// ControllerInfo is the decoded subset of a 4096-byte Identify Controller
// payload (CNS=1) this module cares about.
type ControllerInfo struct {
	VendorID        uint16
	ModelNumber     string
	SerialNumber    string
	FirmwareVersion string
	MaxDataXferSize uint32 // bytes, derived from Mdts and the host page size
	NumNamespaces   uint32
}

type rawIdentController struct {
	VendorID     uint16
	Ssvid        uint16
	SerialNumber [20]byte
	ModelNumber  [40]byte
	Firmware     [8]byte
	Rab          uint8
	IEEE         [3]byte
	Cmic         uint8
	Mdts         uint8
	Cntlid       uint16
	Ver          uint32
	Rtd3r        uint32
	Rtd3e        uint32
	Oaes         uint32
	Rsvd96       [160]byte
	Oacs         uint16
	Acl          uint8
	Aerl         uint8
	Frmw         uint8
	Lpa          uint8
	Elpe         uint8
	Npss         uint8
	Avscc        uint8
	Apsta        uint8
	Wctemp       uint16
	Cctemp       uint16
	Mtfa         uint16
	Hmpre        uint32
	Hmmin        uint32
	Tnvmcap      [16]byte
	Unvmcap      [16]byte
	Rpmbs        uint32
	Rsvd316      [196]byte
	Sqes         uint8
	Cqes         uint8
	Rsvd514      [2]byte
	Nn           uint32
	Oncs         uint16
	Fuses        uint16
	Fna          uint8
	Vwc          uint8
	Awun         uint16
	Awupf        uint16
	Nvscc        uint8
	Rsvd531      [3509]byte
}

// DecodeControllerInfo parses a 4096-byte Identify Controller payload.
func DecodeControllerInfo(buf []byte, pageSize uint64) ControllerInfo {
	var raw rawIdentController
	_ = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw)

	maxXfer := uint32(0)
	if raw.Mdts > 0 {
		maxXfer = uint32(pageSize) << raw.Mdts
	}

	return ControllerInfo{
		VendorID:        raw.VendorID,
		ModelNumber:     string(bytes.TrimSpace(raw.ModelNumber[:])),
		SerialNumber:    string(bytes.TrimSpace(raw.SerialNumber[:])),
		FirmwareVersion: string(bytes.TrimSpace(raw.Firmware[:])),
		MaxDataXferSize: maxXfer,
		NumNamespaces:   raw.Nn,
	}
}

// NamespaceInfo is the decoded subset of a 4096-byte Identify Namespace
// payload (CNS=0, nsid=target namespace).
type NamespaceInfo struct {
	Size        uint64 // Nsze, logical blocks
	Capacity    uint64 // Ncap, logical blocks
	Utilization uint64 // Nuse, logical blocks
	LBADataSize uint32 // bytes per logical block, from the active LBA format
}

type nvmeLBAF struct {
	MS uint16
	DS uint8
	RP uint8
}

type rawIdentNamespace struct {
	Nsze    uint64
	Ncap    uint64
	Nuse    uint64
	Nsfeat  uint8
	Nlbaf   uint8
	Flbas   uint8
	Mc      uint8
	Dpc     uint8
	Dps     uint8
	Nmic    uint8
	Rescap  uint8
	Fpi     uint8
	Rsvd33  uint8
	Nawun   uint16
	Nawupf  uint16
	Nacwu   uint16
	Nabsn   uint16
	Nabo    uint16
	Nabspf  uint16
	Rsvd46  [2]byte
	Nvmcap  [16]byte
	Rsvd64  [40]byte
	Nguid   [16]byte
	EUI64   [8]byte
	Lbaf    [16]nvmeLBAF
	Rsvd192 [192]byte
	Vs      [3712]byte
}

// DecodeNamespaceInfo parses a 4096-byte Identify Namespace payload.
func DecodeNamespaceInfo(buf []byte) NamespaceInfo {
	var raw rawIdentNamespace
	_ = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw)

	active := raw.Flbas & 0xf
	lbaDataSize := uint32(0)
	if int(active) < len(raw.Lbaf) {
		lbaDataSize = 1 << raw.Lbaf[active].DS
	}

	return NamespaceInfo{
		Size:        raw.Nsze,
		Capacity:    raw.Ncap,
		Utilization: raw.Nuse,
		LBADataSize: lbaDataSize,
	}
}
