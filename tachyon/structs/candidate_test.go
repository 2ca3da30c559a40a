// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/hashicorp/tachyon/ci"
	"github.com/shoenig/test/must"
)

func TestSortCandidates(t *testing.T) {
	ci.Parallel(t)

	candidates := []*AllocationCandidate{
		{RootID: "b", Score: 1.0, Freshness: 10},
		{RootID: "a", Score: 1.0, Freshness: 10},
		{RootID: "c", Score: 2.0, Freshness: 5},
		{RootID: "d", Score: 1.0, Freshness: 20},
	}

	SortCandidates(candidates)

	// Score first, then freshness, then root ID.
	must.Eq(t, "c", candidates[0].RootID)
	must.Eq(t, "d", candidates[1].RootID)
	must.Eq(t, "a", candidates[2].RootID)
	must.Eq(t, "b", candidates[3].RootID)
}

func TestAllocationCandidate_Copy(t *testing.T) {
	ci.Parallel(t)

	ac := &AllocationCandidate{
		RootID:      "h1",
		Allocations: AllocationSet{"h1": {ResourceVCPU: 2}},
		GroupAssignments: map[string][]string{
			UnsuffixedGroupName: {"h1"},
		},
		ProviderGenerations: map[string]uint64{"h1": 3},
		Scores:              map[string]float64{WeigherRAM: 0.5},
		Score:               0.5,
	}

	cp := ac.Copy()
	cp.Allocations["h1"][ResourceVCPU] = 99
	cp.ProviderGenerations["h1"] = 99
	cp.Scores[WeigherRAM] = 99

	must.Eq(t, int64(2), ac.Allocations["h1"][ResourceVCPU])
	must.Eq(t, uint64(3), ac.ProviderGenerations["h1"])
	must.Eq(t, 0.5, ac.Scores[WeigherRAM])
}
