// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "fmt"

// Standard trait names. Like resource classes the standard set is frozen
// per release; deployments add CUSTOM_ prefixed traits.
const (
	TraitCPUAVX    = "HW_CPU_X86_AVX"
	TraitCPUAVX2   = "HW_CPU_X86_AVX2"
	TraitCPUSSE42  = "HW_CPU_X86_SSE42"
	TraitCPUAMDSEV = "HW_CPU_X86_AMD_SEV"
	TraitCPUVMX    = "HW_CPU_X86_VMX"

	TraitNUMARoot  = "HW_NUMA_ROOT"
	TraitGPUVulkan = "HW_GPU_API_VULKAN"

	TraitStorageSSD = "STORAGE_DISK_SSD"
	TraitStorageHDD = "STORAGE_DISK_HDD"

	TraitComputeDisabled       = "COMPUTE_STATUS_DISABLED"
	TraitComputeMultiAttach    = "COMPUTE_VOLUME_MULTI_ATTACH"
	TraitComputeTrustedCerts   = "COMPUTE_TRUSTED_CERTS"
	TraitComputeRescueBFV      = "COMPUTE_RESCUE_BFV"
	TraitComputeSameHost       = "COMPUTE_SAME_HOST_COLD_MIGRATE"
	TraitComputeAccelerators   = "COMPUTE_ACCELERATORS"
	TraitComputeLiveMigratable = "COMPUTE_LIVE_MIGRATABLE"

	TraitNetVirtio    = "COMPUTE_NET_VIF_MODEL_VIRTIO"
	TraitNetSwitchdev = "NET_VF_OFFLOAD_SWITCHDEV"

	TraitSharesViaAggregate = "MISC_SHARES_VIA_AGGREGATE"
)

// StandardTraitsSourceBuiltin is the only compiled-in standard trait list.
const StandardTraitsSourceBuiltin = "builtin"

var standardTraits = map[string]struct{}{
	TraitCPUAVX:                {},
	TraitCPUAVX2:               {},
	TraitCPUSSE42:              {},
	TraitCPUAMDSEV:             {},
	TraitCPUVMX:                {},
	TraitNUMARoot:              {},
	TraitGPUVulkan:             {},
	TraitStorageSSD:            {},
	TraitStorageHDD:            {},
	TraitComputeDisabled:       {},
	TraitComputeMultiAttach:    {},
	TraitComputeTrustedCerts:   {},
	TraitComputeRescueBFV:      {},
	TraitComputeSameHost:       {},
	TraitComputeAccelerators:   {},
	TraitComputeLiveMigratable: {},
	TraitNetVirtio:             {},
	TraitNetSwitchdev:          {},
	TraitSharesViaAggregate:    {},
}

// Trait is a named boolean capability attachable to resource providers.
type Trait struct {
	Name string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the trait.
func (t *Trait) Copy() *Trait {
	if t == nil {
		return nil
	}
	nt := new(Trait)
	*nt = *t
	return nt
}

// IsStandard returns true for a compiled-in trait name.
func (t *Trait) IsStandard() bool {
	return IsStandardTrait(t.Name)
}

// Validate checks the trait name.
func (t *Trait) Validate() error {
	if IsStandardTrait(t.Name) {
		return nil
	}
	return ValidTraitName(t.Name)
}

// IsStandardTrait returns true if name is in the frozen standard set.
func IsStandardTrait(name string) bool {
	_, ok := standardTraits[name]
	return ok
}

// StandardTraits returns the trait list identified by source. The empty
// string selects the builtin list. Unknown sources are an error so a typo
// in configuration fails loudly at startup.
func StandardTraits(source string) ([]string, error) {
	switch source {
	case "", StandardTraitsSourceBuiltin:
		out := make([]string, 0, len(standardTraits))
		for name := range standardTraits {
			out = append(out, name)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown standard traits source %q", source)
	}
}

// ValidTraitName checks that name is either a standard trait or a
// well-formed CUSTOM_ trait name.
func ValidTraitName(name string) error {
	if IsStandardTrait(name) {
		return nil
	}
	if !validCustomName.MatchString(name) {
		return fmt.Errorf("invalid trait %q: custom traits must match %s",
			name, validCustomName.String())
	}
	return nil
}

// TraitFilter expresses the trait constraints of a single resource group:
// every Required trait must be present on the providers satisfying the
// group, no Forbidden trait may be present, and each AnyOf set must be
// satisfied by at least one present trait.
type TraitFilter struct {
	Required  []string
	Forbidden []string
	AnyOf     [][]string
}

// Copy returns a deep copy of the filter.
func (tf *TraitFilter) Copy() *TraitFilter {
	if tf == nil {
		return nil
	}
	ntf := new(TraitFilter)
	ntf.Required = copySliceString(tf.Required)
	ntf.Forbidden = copySliceString(tf.Forbidden)
	if tf.AnyOf != nil {
		ntf.AnyOf = make([][]string, len(tf.AnyOf))
		for i, set := range tf.AnyOf {
			ntf.AnyOf[i] = copySliceString(set)
		}
	}
	return ntf
}

// Empty returns true if the filter constrains nothing.
func (tf *TraitFilter) Empty() bool {
	return tf == nil ||
		(len(tf.Required) == 0 && len(tf.Forbidden) == 0 && len(tf.AnyOf) == 0)
}

// Validate checks every referenced trait name.
func (tf *TraitFilter) Validate() error {
	if tf == nil {
		return nil
	}
	for _, name := range tf.Required {
		if err := ValidTraitName(name); err != nil {
			return err
		}
	}
	for _, name := range tf.Forbidden {
		if err := ValidTraitName(name); err != nil {
			return err
		}
	}
	for i, set := range tf.AnyOf {
		if len(set) == 0 {
			return fmt.Errorf("any-of trait set %d is empty", i)
		}
		for _, name := range set {
			if err := ValidTraitName(name); err != nil {
				return err
			}
		}
	}
	return nil
}
