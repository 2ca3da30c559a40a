// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/hashicorp/tachyon/ci"
	"github.com/shoenig/test/must"
)

func TestSchedulerConfiguration_Multiplier(t *testing.T) {
	ci.Parallel(t)

	sc := &SchedulerConfiguration{
		WeigherMultipliers: map[string]float64{
			WeigherRAM: 2.5,
		},
	}

	must.Eq(t, 2.5, sc.Multiplier(WeigherRAM))

	// Unconfigured weighers fall back to the compiled-in default.
	must.Eq(t, -1.0, sc.Multiplier(WeigherIOOps))
	must.Eq(t, 1.0, sc.Multiplier(WeigherCPU))

	// A nil configuration behaves like the default.
	var nilCfg *SchedulerConfiguration
	must.Eq(t, 1.0, nilCfg.Multiplier(WeigherRAM))
}

func TestSchedulerConfiguration_EffectiveMultiplier(t *testing.T) {
	ci.Parallel(t)

	sc := DefaultSchedulerConfiguration()

	aggNone := &Aggregate{ID: "a0", Name: "plain"}
	aggLow := &Aggregate{
		ID:   "a1",
		Name: "stacking-zone",
		Properties: map[string]string{
			AggregateMultiplierKey(WeigherRAM): "-1.0",
		},
	}
	aggHigh := &Aggregate{
		ID:   "a2",
		Name: "spreading-zone",
		Properties: map[string]string{
			AggregateMultiplierKey(WeigherRAM): "3.0",
		},
	}
	aggJunk := &Aggregate{
		ID:   "a3",
		Name: "typo-zone",
		Properties: map[string]string{
			AggregateMultiplierKey(WeigherRAM): "not-a-number",
		},
	}

	// No overrides: global value.
	must.Eq(t, 1.0, sc.EffectiveMultiplier(WeigherRAM, []*Aggregate{aggNone}))

	// Single override wins over global.
	must.Eq(t, 3.0, sc.EffectiveMultiplier(WeigherRAM, []*Aggregate{aggNone, aggHigh}))

	// Multiple overrides: the minimum wins.
	must.Eq(t, -1.0, sc.EffectiveMultiplier(WeigherRAM, []*Aggregate{aggHigh, aggLow}))

	// Unparseable overrides are ignored.
	must.Eq(t, 1.0, sc.EffectiveMultiplier(WeigherRAM, []*Aggregate{aggJunk}))
}

func TestSchedulerConfiguration_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, DefaultSchedulerConfiguration().Validate())

	bad := DefaultSchedulerConfiguration()
	bad.CandidateLimit = -1
	must.Error(t, bad.Validate())
}
