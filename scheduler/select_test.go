// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/tachyon/mock"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

func TestSelector_Basic(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	host := seedCustomHost(t, store, 1000, map[string]int64{structs.ResourceVCPU: 8})

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))
	sel.SetRequest(singleGroupRequest(map[string]int64{structs.ResourceVCPU: 4}), usage)

	cand, err := sel.Select(host)
	must.NoError(t, err)
	must.NotNil(t, cand)
	must.Eq(t, host.ID, cand.RootID)
	must.Eq(t, int64(4), cand.Allocations[host.ID][structs.ResourceVCPU])
	must.Eq(t, []string{host.ID}, cand.GroupAssignments[structs.UnsuffixedGroupName])
	must.Eq(t, host.Generation, cand.ProviderGenerations[host.ID])
	must.Eq(t, host.ModifyIndex, cand.Freshness)
}

func TestSelector_InsufficientCapacity(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	host := seedCustomHost(t, store, 1000, map[string]int64{structs.ResourceVCPU: 8})

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))
	sel.SetRequest(singleGroupRequest(map[string]int64{structs.ResourceVCPU: 9}), usage)

	cand, err := sel.Select(host)
	must.NoError(t, err)
	must.Nil(t, cand)
}

func TestSelector_NUMASplit(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	root := mock.Provider()
	must.NoError(t, store.UpsertResourceProvider(1000, root))

	cells := make([]*structs.ResourceProvider, 2)
	for i := range cells {
		cells[i] = seedChild(t, store, 1010+uint64(i)*10, root, []string{structs.ProviderRoleNUMANode}, map[string]int64{
			structs.ResourceVCPU:     4,
			structs.ResourceMemoryMB: 8192,
		})
	}
	root = refreshProvider(t, store, root.ID)

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))

	req := singleGroupRequest(map[string]int64{
		structs.ResourceVCPU:     8,
		structs.ResourceMemoryMB: 16384,
	})
	req.SplitAcrossNUMA = 2
	sel.SetRequest(req, usage)

	cand, err := sel.Select(root)
	must.NoError(t, err)
	must.NotNil(t, cand)

	for _, cell := range cells {
		must.Eq(t, int64(4), cand.Allocations[cell.ID][structs.ResourceVCPU])
		must.Eq(t, int64(8192), cand.Allocations[cell.ID][structs.ResourceMemoryMB])
	}
	must.Len(t, 2, cand.GroupAssignments[structs.UnsuffixedGroupName])

	over := singleGroupRequest(map[string]int64{structs.ResourceVCPU: 10})
	over.SplitAcrossNUMA = 2
	sel.SetRequest(over, usage)

	cand, err = sel.Select(root)
	must.NoError(t, err)
	must.Nil(t, cand)
}

func TestSelector_GranularBacktrack(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	root := seedCustomHost(t, store, 1000, map[string]int64{structs.ResourceVCPU: 8})
	child := seedChild(t, store, 1010, root, []string{structs.ProviderRoleNUMANode}, map[string]int64{
		structs.ResourceVCPU: 4,
	})
	root = refreshProvider(t, store, root.ID)

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))

	// g1 fits either provider, g2 only fits the root. Isolation forces the
	// first pick of g1 onto the root to be undone.
	req := &structs.CandidateRequest{
		GroupPolicy: structs.GroupPolicyIsolate,
		Groups: []*structs.ResourceGroup{
			{Name: "g1", Resources: map[string]int64{structs.ResourceVCPU: 4}},
			{Name: "g2", Resources: map[string]int64{structs.ResourceVCPU: 8}},
		},
	}
	sel.SetRequest(req, usage)

	cand, err := sel.Select(root)
	must.NoError(t, err)
	must.NotNil(t, cand)
	must.Eq(t, []string{child.ID}, cand.GroupAssignments["g1"])
	must.Eq(t, []string{root.ID}, cand.GroupAssignments["g2"])
	must.Eq(t, int64(4), cand.Allocations[child.ID][structs.ResourceVCPU])
	must.Eq(t, int64(8), cand.Allocations[root.ID][structs.ResourceVCPU])
}

func TestSelector_GranularNoIsolation(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	root := seedCustomHost(t, store, 1000, map[string]int64{structs.ResourceVCPU: 8})

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))

	req := &structs.CandidateRequest{
		GroupPolicy: structs.GroupPolicyNone,
		Groups: []*structs.ResourceGroup{
			{Name: "g1", Resources: map[string]int64{structs.ResourceVCPU: 2}},
			{Name: "g2", Resources: map[string]int64{structs.ResourceVCPU: 2}},
		},
	}
	sel.SetRequest(req, usage)

	cand, err := sel.Select(root)
	must.NoError(t, err)
	must.NotNil(t, cand)
	must.Eq(t, []string{root.ID}, cand.GroupAssignments["g1"])
	must.Eq(t, []string{root.ID}, cand.GroupAssignments["g2"])
	must.Eq(t, int64(4), cand.Allocations[root.ID][structs.ResourceVCPU])
}

func TestSelector_Sharing(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	host := seedCustomHost(t, store, 1000, map[string]int64{structs.ResourceVCPU: 8})

	share := mock.SharingProvider()
	must.NoError(t, store.UpsertResourceProvider(1010, share))
	must.NoError(t, store.SetInventories(1011, share.ID, 0, []*structs.Inventory{
		structs.DefaultInventory(share.ID, structs.ResourceDiskGB, 500),
	}))
	must.NoError(t, store.UpsertShare(1012, &structs.SharedEdge{
		SourceID: share.ID,
		TargetID: host.ID,
		Classes:  []string{structs.ResourceDiskGB},
	}))

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))
	sel.SetRequest(singleGroupRequest(map[string]int64{
		structs.ResourceVCPU:   2,
		structs.ResourceDiskGB: 50,
	}), usage)

	cand, err := sel.Select(host)
	must.NoError(t, err)
	must.NotNil(t, cand)
	must.Eq(t, int64(2), cand.Allocations[host.ID][structs.ResourceVCPU])
	must.Eq(t, int64(50), cand.Allocations[share.ID][structs.ResourceDiskGB])

	share = refreshProvider(t, store, share.ID)
	must.Eq(t, share.Generation, cand.ProviderGenerations[share.ID])
}

func TestSelector_PCIDistinctSubtrees(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	root := seedCustomHost(t, store, 1000, map[string]int64{structs.ResourceVCPU: 8})

	pf1 := seedChild(t, store, 1010, root, []string{structs.ProviderRolePCIPF}, map[string]int64{
		structs.ResourceSRIOVNetVF: 4,
	})
	pf2 := seedChild(t, store, 1020, root, []string{structs.ProviderRolePCIPF}, map[string]int64{
		structs.ResourceSRIOVNetVF: 4,
	})
	root = refreshProvider(t, store, root.ID)

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))

	req := singleGroupRequest(map[string]int64{structs.ResourceVCPU: 2})
	req.PCIRequests = []*structs.PCIRequest{
		{Class: structs.ResourceSRIOVNetVF, Count: 2},
	}
	sel.SetRequest(req, usage)

	cand, err := sel.Select(root)
	must.NoError(t, err)
	must.NotNil(t, cand)
	must.Eq(t, int64(1), cand.Allocations[pf1.ID][structs.ResourceSRIOVNetVF])
	must.Eq(t, int64(1), cand.Allocations[pf2.ID][structs.ResourceSRIOVNetVF])

	req.PCIRequests[0].Count = 3
	sel.SetRequest(req, usage)
	cand, err = sel.Select(root)
	must.NoError(t, err)
	must.Nil(t, cand)
}

func TestSelector_PCINUMAAffinity(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	root := mock.Provider()
	must.NoError(t, store.UpsertResourceProvider(1000, root))

	// Only n1 carries CPU, so a NUMA split anchors there. One device
	// function sits under each node.
	n1 := seedChild(t, store, 1010, root, []string{structs.ProviderRoleNUMANode}, map[string]int64{
		structs.ResourceVCPU: 4,
	})
	n2 := seedChild(t, store, 1020, root, []string{structs.ProviderRoleNUMANode}, nil)
	pf1 := seedChild(t, store, 1030, n1, []string{structs.ProviderRolePCIPF}, map[string]int64{
		structs.ResourceSRIOVNetVF: 4,
	})
	pf2 := seedChild(t, store, 1040, n2, []string{structs.ProviderRolePCIPF}, map[string]int64{
		structs.ResourceSRIOVNetVF: 4,
	})
	root = refreshProvider(t, store, root.ID)

	// Exhaust the affine function with another consumer.
	seedClaim(t, store, 1100, structs.AllocationSet{
		pf1.ID: {structs.ResourceSRIOVNetVF: 4},
	})

	usage, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))

	req := singleGroupRequest(map[string]int64{structs.ResourceVCPU: 2})
	req.SplitAcrossNUMA = 1
	req.PCIRequests = []*structs.PCIRequest{
		{Class: structs.ResourceSRIOVNetVF, Count: 1, NUMAPolicy: structs.PCINUMAPolicyRequired},
	}
	sel.SetRequest(req, usage)

	cand, err := sel.Select(root)
	must.NoError(t, err)
	must.Nil(t, cand)

	req.PCIRequests[0].NUMAPolicy = structs.PCINUMAPolicyAny
	sel.SetRequest(req, usage)

	cand, err = sel.Select(root)
	must.NoError(t, err)
	must.NotNil(t, cand)
	must.Eq(t, int64(1), cand.Allocations[pf2.ID][structs.ResourceSRIOVNetVF])
}

func TestSelector_SelfExclusion(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	host := seedCustomHost(t, store, 1000, map[string]int64{structs.ResourceVCPU: 8})

	holder := mock.Consumer()
	must.NoError(t, store.ClaimAllocations(1100, &structs.ClaimRequest{
		ConsumerID:    holder.ID,
		ProjectID:     holder.ProjectID,
		UserID:        holder.UserID,
		ConsumerType:  structs.ConsumerTypeInstance,
		ConsumerState: structs.ConsumerStateActive,
		Allocations: structs.AllocationSet{
			host.ID: {structs.ResourceVCPU: 6},
		},
	}))

	// Replanning the holder ignores its own footprint.
	usage, err := newUsageReader(ctx, nil, holder.ID)
	must.NoError(t, err)
	sel := NewSelector(ctx, nil, newTreeCache(ctx, nil))
	req := singleGroupRequest(map[string]int64{structs.ResourceVCPU: 8})
	req.ConsumerID = holder.ID
	sel.SetRequest(req, usage)

	cand, err := sel.Select(refreshProvider(t, store, host.ID))
	must.NoError(t, err)
	must.NotNil(t, cand)

	// A different consumer sees only the leftover capacity.
	other, err := newUsageReader(ctx, nil, "")
	must.NoError(t, err)
	req2 := singleGroupRequest(map[string]int64{structs.ResourceVCPU: 8})
	sel.SetRequest(req2, other)

	cand, err = sel.Select(refreshProvider(t, store, host.ID))
	must.NoError(t, err)
	must.Nil(t, cand)
}
