// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/hashicorp/tachyon/ci"
	"github.com/shoenig/test/must"
)

func TestValidResourceClassName(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, ValidResourceClassName(ResourceVCPU))
	must.NoError(t, ValidResourceClassName(ResourceMemoryMB))
	must.NoError(t, ValidResourceClassName("CUSTOM_FPGA_V2"))
	must.NoError(t, ValidResourceClassName("CUSTOM_1"))

	must.Error(t, ValidResourceClassName(""))
	must.Error(t, ValidResourceClassName("vcpu"))
	must.Error(t, ValidResourceClassName("CUSTOM_"))
	must.Error(t, ValidResourceClassName("CUSTOM_lowercase"))
	must.Error(t, ValidResourceClassName("CUSTOM_HYPHEN-ATED"))
	must.Error(t, ValidResourceClassName("MY_CLASS"))
}

func TestValidTraitName(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, ValidTraitName(TraitCPUAVX2))
	must.NoError(t, ValidTraitName(TraitComputeDisabled))
	must.NoError(t, ValidTraitName("CUSTOM_NIC_OFFLOAD"))

	must.Error(t, ValidTraitName(""))
	must.Error(t, ValidTraitName("HW_MADE_UP_TRAIT"))
	must.Error(t, ValidTraitName("custom_nic"))
}

func TestStandardTraits(t *testing.T) {
	ci.Parallel(t)

	builtin, err := StandardTraits("")
	must.NoError(t, err)
	must.SliceContains(t, builtin, TraitCPUAVX2)

	same, err := StandardTraits(StandardTraitsSourceBuiltin)
	must.NoError(t, err)
	must.Eq(t, len(builtin), len(same))

	_, err = StandardTraits("os-traits-2031.1")
	must.Error(t, err)
}

func TestTraitFilter(t *testing.T) {
	ci.Parallel(t)

	var nilFilter *TraitFilter
	must.True(t, nilFilter.Empty())
	must.NoError(t, nilFilter.Validate())

	tf := &TraitFilter{
		Required:  []string{TraitCPUAVX2},
		Forbidden: []string{TraitComputeDisabled},
		AnyOf:     [][]string{{TraitStorageSSD, TraitStorageHDD}},
	}
	must.False(t, tf.Empty())
	must.NoError(t, tf.Validate())

	bad := &TraitFilter{AnyOf: [][]string{{}}}
	must.Error(t, bad.Validate())
}
