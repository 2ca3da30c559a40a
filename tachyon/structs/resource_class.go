// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"regexp"
)

// Standard resource class names. The set is frozen; deployments extend it
// with CUSTOM_ prefixed classes only.
const (
	ResourceVCPU     = "VCPU"
	ResourcePCPU     = "PCPU"
	ResourceMemoryMB = "MEMORY_MB"
	ResourceDiskGB   = "DISK_GB"

	ResourceVGPU            = "VGPU"
	ResourceVGPUDisplayHead = "VGPU_DISPLAY_HEAD"
	ResourcePGPU            = "PGPU"

	ResourceSRIOVNetVF = "SRIOV_NET_VF"
	ResourcePCIDevice  = "PCI_DEVICE"

	ResourceNetBWEgrKilobitPerSec = "NET_BW_EGR_KILOBIT_PER_SEC"
	ResourceNetBWIgrKilobitPerSec = "NET_BW_IGR_KILOBIT_PER_SEC"
	ResourceIPv4Address           = "IPV4_ADDRESS"

	ResourceNUMASocket   = "NUMA_SOCKET"
	ResourceNUMACore     = "NUMA_CORE"
	ResourceNUMAThread   = "NUMA_THREAD"
	ResourceNUMAMemoryMB = "NUMA_MEMORY_MB"

	ResourceFPGA                 = "FPGA"
	ResourceMemEncryptionContext = "MEM_ENCRYPTION_CONTEXT"
)

// CustomPrefix is the mandatory prefix for deployment defined resource
// classes and traits.
const CustomPrefix = "CUSTOM_"

// standardResourceClasses is the frozen set of built-in classes.
var standardResourceClasses = map[string]struct{}{
	ResourceVCPU:                  {},
	ResourcePCPU:                  {},
	ResourceMemoryMB:              {},
	ResourceDiskGB:                {},
	ResourceVGPU:                  {},
	ResourceVGPUDisplayHead:       {},
	ResourcePGPU:                  {},
	ResourceSRIOVNetVF:            {},
	ResourcePCIDevice:             {},
	ResourceNetBWEgrKilobitPerSec: {},
	ResourceNetBWIgrKilobitPerSec: {},
	ResourceIPv4Address:           {},
	ResourceNUMASocket:            {},
	ResourceNUMACore:              {},
	ResourceNUMAThread:            {},
	ResourceNUMAMemoryMB:          {},
	ResourceFPGA:                  {},
	ResourceMemEncryptionContext:  {},
}

// validCustomName matches CUSTOM_ prefixed class and trait names.
var validCustomName = regexp.MustCompile(`^CUSTOM_[A-Z0-9_]+$`)

// ResourceClass names a countable kind of resource. Standard classes are
// compiled in; custom classes are created by operators and always carry
// the CUSTOM_ prefix.
type ResourceClass struct {
	Name string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the resource class.
func (rc *ResourceClass) Copy() *ResourceClass {
	if rc == nil {
		return nil
	}
	nrc := new(ResourceClass)
	*nrc = *rc
	return nrc
}

// IsStandard returns true for a compiled-in class name.
func (rc *ResourceClass) IsStandard() bool {
	return IsStandardResourceClass(rc.Name)
}

// Validate checks the class name. Only custom classes may be created by
// operators; standard classes exist implicitly.
func (rc *ResourceClass) Validate() error {
	if IsStandardResourceClass(rc.Name) {
		return nil
	}
	return ValidResourceClassName(rc.Name)
}

// IsStandardResourceClass returns true if name is in the frozen standard
// set.
func IsStandardResourceClass(name string) bool {
	_, ok := standardResourceClasses[name]
	return ok
}

// StandardResourceClasses returns the frozen standard class names in no
// particular order.
func StandardResourceClasses() []string {
	out := make([]string, 0, len(standardResourceClasses))
	for name := range standardResourceClasses {
		out = append(out, name)
	}
	return out
}

// ValidResourceClassName checks that name is either a standard class or a
// well-formed CUSTOM_ class name.
func ValidResourceClassName(name string) error {
	if IsStandardResourceClass(name) {
		return nil
	}
	if !validCustomName.MatchString(name) {
		return fmt.Errorf("invalid resource class %q: custom classes must match %s",
			name, validCustomName.String())
	}
	return nil
}
