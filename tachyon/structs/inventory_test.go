// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/hashicorp/tachyon/ci"
	"github.com/shoenig/test/must"
)

func TestInventory_Capacity(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name     string
		total    int64
		reserved int64
		ratio    float64
		expect   int64
	}{
		{name: "plain", total: 8, reserved: 0, ratio: 1.0, expect: 8},
		{name: "reserved", total: 8, reserved: 2, ratio: 1.0, expect: 6},
		{name: "overcommit", total: 8, reserved: 0, ratio: 4.0, expect: 32},
		{name: "overcommit after reservation", total: 8, reserved: 2, ratio: 4.0, expect: 24},
		{name: "undercommit floors", total: 10, reserved: 0, ratio: 0.75, expect: 7},
		{name: "fractional floors", total: 3, reserved: 0, ratio: 1.5, expect: 4},
		{name: "fully reserved", total: 8, reserved: 8, ratio: 16.0, expect: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := &Inventory{
				Total:           tc.total,
				Reserved:        tc.reserved,
				AllocationRatio: tc.ratio,
			}
			must.Eq(t, tc.expect, inv.Capacity())
		})
	}
}

func TestInventory_Accepts(t *testing.T) {
	ci.Parallel(t)

	inv := &Inventory{
		ProviderID:      "p1",
		Class:           ResourceMemoryMB,
		Total:           8192,
		Reserved:        512,
		MinUnit:         256,
		MaxUnit:         4096,
		StepSize:        256,
		AllocationRatio: 1.0,
	}

	// capacity is 7680
	must.NoError(t, inv.Accepts(0, 4096))
	must.NoError(t, inv.Accepts(7168, 512))

	must.Error(t, inv.Accepts(0, 128))     // below min_unit
	must.Error(t, inv.Accepts(0, 8192))    // above max_unit
	must.Error(t, inv.Accepts(0, 300))     // not a step multiple
	must.Error(t, inv.Accepts(7424, 512))  // exceeds capacity
	must.Error(t, inv.Accepts(7680, 256))  // already full
}

func TestInventory_Validate(t *testing.T) {
	ci.Parallel(t)

	good := DefaultInventory("p1", ResourceVCPU, 8)
	must.NoError(t, good.Validate())

	bad := good.Copy()
	bad.Reserved = 9
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.MinUnit = 0
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.MaxUnit = 0
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.AllocationRatio = 0
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.Class = "vcpu"
	must.Error(t, bad.Validate())
}

func TestDefaultInventory(t *testing.T) {
	ci.Parallel(t)

	inv := DefaultInventory("p1", ResourceDiskGB, 500)
	must.Eq(t, int64(500), inv.Total)
	must.Eq(t, int64(500), inv.MaxUnit)
	must.Eq(t, int64(1), inv.MinUnit)
	must.Eq(t, int64(1), inv.StepSize)
	must.Eq(t, 1.0, inv.AllocationRatio)
	must.Eq(t, int64(500), inv.Capacity())
}
