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

package iommu

import "os"

// BackendKind names which concrete Backend a Probe selected.
type BackendKind int

const (
	// BackendLegacyGroup is the VFIO group/container based backend.
	BackendLegacyGroup BackendKind = iota
	// BackendIOMMUFD is the modern /dev/iommu fd-based backend.
	BackendIOMMUFD
)

func (k BackendKind) String() string {
	if k == BackendIOMMUFD {
		return "iommufd"
	}
	return "legacy-group"
}

// iommufdSentinelPath is the device node whose presence indicates the host
// kernel supports the modern iommufd API. Probe records the iommufd backend
// as unavailable ("broken") when this path is absent, falling back to the
// legacy group backend.
const iommufdSentinelPath = "/dev/iommu"

// Probe is the runtime probe that selects a backend variant. NewContext
// does not run it: the caller runs a Probe, constructs the Backend it
// names, and passes that Backend to NewContext.
type Probe func() BackendKind

// DefaultProbe selects BackendIOMMUFD when the kernel exposes /dev/iommu,
// and BackendLegacyGroup otherwise.
func DefaultProbe() BackendKind {
	if _, err := os.Stat(iommufdSentinelPath); err == nil {
		return BackendIOMMUFD
	}
	return BackendLegacyGroup
}
