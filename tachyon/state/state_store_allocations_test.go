// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"

	"github.com/hashicorp/go-memdb"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/helper/pointer"
	"github.com/hashicorp/tachyon/tachyon/mock"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

func TestStateStore_ClaimAllocations(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)

	ws := memdb.WatchSet{}
	_, err := state.AllocationsByConsumer(ws, "nope")
	must.NoError(t, err)

	claim := seedClaim(t, state, 1002, rp, 4, 4096)
	must.True(t, watchFired(ws))

	// The consumer is registered as part of the first claim.
	consumer, err := state.ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.NotNil(t, consumer)
	must.Eq(t, uint64(1), consumer.Generation)
	must.Eq(t, claim.ProjectID, consumer.ProjectID)
	must.Eq(t, structs.ConsumerTypeInstance, consumer.Type)
	must.Eq(t, structs.ConsumerStateActive, consumer.State)

	allocs, err := state.AllocationsByConsumer(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Len(t, 2, allocs)
	byClass := make(map[string]int64)
	for _, alloc := range allocs {
		byClass[alloc.Class] = alloc.Used
		must.Eq(t, rp.ID, alloc.ProviderID)
		must.Eq(t, uint64(1002), alloc.CreateIndex)
	}
	must.Eq(t, int64(4), byClass[structs.ResourceVCPU])
	must.Eq(t, int64(4096), byClass[structs.ResourceMemoryMB])

	// Every touched provider moves forward one generation.
	out, err := state.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.Eq(t, rp.Generation+1, out.Generation)

	idx, err := state.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(1002), idx)
}

func TestStateStore_ClaimAllocations_ConsumerDefaults(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)

	c := mock.Consumer()
	err := state.ClaimAllocations(1002, &structs.ClaimRequest{
		ConsumerID: c.ID,
		ProjectID:  c.ProjectID,
		UserID:     c.UserID,
		Allocations: structs.AllocationSet{
			rp.ID: {structs.ResourceVCPU: 1},
		},
	})
	must.NoError(t, err)

	consumer, err := state.ConsumerByID(nil, c.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ConsumerTypeInstance, consumer.Type)
	must.Eq(t, structs.ConsumerStateActive, consumer.State)
}

func TestStateStore_ClaimAllocations_ConsumerGeneration(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)

	// A generation for a consumer that does not exist.
	c := mock.Consumer()
	err := state.ClaimAllocations(1002, &structs.ClaimRequest{
		ConsumerID:         c.ID,
		ConsumerGeneration: pointer.Of(uint64(1)),
		Allocations: structs.AllocationSet{
			rp.ID: {structs.ResourceVCPU: 1},
		},
	})
	must.Error(t, err)
	must.Eq(t, structs.ErrKindNotFound, structs.KindOf(err))

	claim := seedClaim(t, state, 1003, rp, 4, 4096)

	resize := func(gen *uint64, vcpu int64) error {
		return state.ClaimAllocations(1004, &structs.ClaimRequest{
			ConsumerID:         claim.ConsumerID,
			ConsumerGeneration: gen,
			Allocations: structs.AllocationSet{
				rp.ID: {
					structs.ResourceVCPU:     vcpu,
					structs.ResourceMemoryMB: 4096,
				},
			},
		})
	}

	// Nil generation asserts a new consumer, but one exists.
	err = resize(nil, 6)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictGeneration, structs.KindOf(err))

	// A stale generation is rejected.
	err = resize(pointer.Of(uint64(9)), 6)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictGeneration, structs.KindOf(err))

	// The observed generation goes through and bumps the consumer.
	must.NoError(t, resize(pointer.Of(uint64(1)), 6))

	consumer, err := state.ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Eq(t, uint64(2), consumer.Generation)

	used, err := state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(6), used)
}

func TestStateStore_ClaimAllocations_ProviderPin(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)

	c := mock.Consumer()
	pinned := func(gen uint64) *structs.ClaimRequest {
		return &structs.ClaimRequest{
			ConsumerID: c.ID,
			ProjectID:  c.ProjectID,
			UserID:     c.UserID,
			Allocations: structs.AllocationSet{
				rp.ID: {structs.ResourceVCPU: 2},
			},
			ProviderGenerations: map[string]uint64{rp.ID: gen},
		}
	}

	// The pin must match the provider's live generation.
	err := state.ClaimAllocations(1002, pinned(rp.Generation+5))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictGeneration, structs.KindOf(err))

	must.NoError(t, state.ClaimAllocations(1003, pinned(rp.Generation)))
}

func TestStateStore_ClaimAllocations_Capacity(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := mock.Provider()
	must.NoError(t, state.UpsertResourceProvider(1000, rp))

	cpu := structs.DefaultInventory(rp.ID, structs.ResourceVCPU, 8)
	mem := structs.DefaultInventory(rp.ID, structs.ResourceMemoryMB, 8192)
	mem.MinUnit = 1024
	mem.StepSize = 512
	must.NoError(t, state.SetInventories(1001, rp.ID, 0, []*structs.Inventory{cpu, mem}))

	newClaim := func(set structs.AllocationSet) *structs.ClaimRequest {
		c := mock.Consumer()
		return &structs.ClaimRequest{
			ConsumerID:  c.ID,
			ProjectID:   c.ProjectID,
			UserID:      c.UserID,
			Allocations: set,
		}
	}

	// Above max_unit.
	err := state.ClaimAllocations(1002, newClaim(structs.AllocationSet{
		rp.ID: {structs.ResourceVCPU: 9},
	}))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))

	// Below min_unit.
	err = state.ClaimAllocations(1003, newClaim(structs.AllocationSet{
		rp.ID: {structs.ResourceMemoryMB: 512},
	}))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))

	// Not a step multiple.
	err = state.ClaimAllocations(1004, newClaim(structs.AllocationSet{
		rp.ID: {structs.ResourceMemoryMB: 1300},
	}))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))

	// No inventory for the class at all.
	err = state.ClaimAllocations(1005, newClaim(structs.AllocationSet{
		rp.ID: {structs.ResourceDiskGB: 10},
	}))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindBadRequest, structs.KindOf(err))

	// Unknown provider.
	err = state.ClaimAllocations(1006, newClaim(structs.AllocationSet{
		mock.Provider().ID: {structs.ResourceVCPU: 1},
	}))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindNotFound, structs.KindOf(err))

	// Oversubscription past effective capacity.
	must.NoError(t, state.ClaimAllocations(1007, newClaim(structs.AllocationSet{
		rp.ID: {structs.ResourceVCPU: 6},
	})))
	err = state.ClaimAllocations(1008, newClaim(structs.AllocationSet{
		rp.ID: {structs.ResourceVCPU: 4},
	}))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))

	must.NoError(t, state.ClaimAllocations(1009, newClaim(structs.AllocationSet{
		rp.ID: {structs.ResourceVCPU: 2},
	})))

	used, err := state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(8), used)
}

func TestStateStore_ClaimAllocations_ResizeExcludesSelf(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := mock.Provider()
	must.NoError(t, state.UpsertResourceProvider(1000, rp))
	must.NoError(t, state.SetInventories(1001, rp.ID, 0,
		[]*structs.Inventory{structs.DefaultInventory(rp.ID, structs.ResourceVCPU, 8)}))

	a := mock.Consumer()
	resizeA := func(index uint64, gen *uint64, vcpu int64) error {
		return state.ClaimAllocations(index, &structs.ClaimRequest{
			ConsumerID:         a.ID,
			ConsumerGeneration: gen,
			ProjectID:          a.ProjectID,
			UserID:             a.UserID,
			Allocations: structs.AllocationSet{
				rp.ID: {structs.ResourceVCPU: vcpu},
			},
		})
	}

	must.NoError(t, resizeA(1002, nil, 6))

	// Growing to the full capacity works because the current footprint
	// of the consumer is not double counted.
	must.NoError(t, resizeA(1003, pointer.Of(uint64(1)), 8))
	must.NoError(t, resizeA(1004, pointer.Of(uint64(2)), 6))

	b := mock.Consumer()
	must.NoError(t, state.ClaimAllocations(1005, &structs.ClaimRequest{
		ConsumerID: b.ID,
		ProjectID:  b.ProjectID,
		UserID:     b.UserID,
		Allocations: structs.AllocationSet{
			rp.ID: {structs.ResourceVCPU: 2},
		},
	}))

	// With 2 held by another consumer only 6 remain for the resize.
	err := resizeA(1006, pointer.Of(uint64(3)), 7)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))

	// The failed resize left everything alone.
	consumer, err := state.ConsumerByID(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, uint64(3), consumer.Generation)

	used, err := state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(8), used)
}

func TestStateStore_ClaimAllocations_Move(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	src := seedHost(t, state, 1000)
	dst := seedHost(t, state, 1002)

	claim := seedClaim(t, state, 1004, src, 4, 4096)

	// Replace the footprint wholesale on the destination host.
	err := state.ClaimAllocations(1005, &structs.ClaimRequest{
		ConsumerID:         claim.ConsumerID,
		ConsumerGeneration: pointer.Of(uint64(1)),
		Allocations: structs.AllocationSet{
			dst.ID: {
				structs.ResourceVCPU:     4,
				structs.ResourceMemoryMB: 4096,
			},
		},
	})
	must.NoError(t, err)

	used, err := state.UsedByInventory(nil, src.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(0), used)

	used, err = state.UsedByInventory(nil, dst.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(4), used)

	// Both ends of the move advance.
	srcOut, err := state.ProviderByID(nil, src.ID)
	must.NoError(t, err)
	must.Eq(t, src.Generation+2, srcOut.Generation)

	dstOut, err := state.ProviderByID(nil, dst.ID)
	must.NoError(t, err)
	must.Eq(t, dst.Generation+1, dstOut.Generation)
}

func TestStateStore_ClaimAllocations_ReleaseViaEmpty(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	claim := seedClaim(t, state, 1002, rp, 4, 4096)

	err := state.ClaimAllocations(1003, &structs.ClaimRequest{
		ConsumerID:         claim.ConsumerID,
		ConsumerGeneration: pointer.Of(uint64(1)),
		Allocations:        structs.AllocationSet{},
	})
	must.NoError(t, err)

	// The consumer record goes with its last allocation.
	consumer, err := state.ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Nil(t, consumer)

	allocs, err := state.AllocationsByConsumer(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Len(t, 0, allocs)

	// An empty claim for a consumer that never existed is a no-op.
	must.NoError(t, state.ClaimAllocations(1004, &structs.ClaimRequest{
		ConsumerID:  mock.Consumer().ID,
		Allocations: structs.AllocationSet{},
	}))
}

func TestStateStore_ReleaseAllocations(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	claim := seedClaim(t, state, 1002, rp, 4, 4096)

	must.NoError(t, state.ReleaseAllocations(1003, claim.ConsumerID))

	consumer, err := state.ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Nil(t, consumer)

	used, err := state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(0), used)

	out, err := state.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.Eq(t, rp.Generation+2, out.Generation)

	// Releasing again is a no-op that does not move the index.
	must.NoError(t, state.ReleaseAllocations(1004, claim.ConsumerID))

	idx, err := state.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(1003), idx)
}

func TestStateStore_ClaimAllocations_PreservesStamps(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	claim := seedClaim(t, state, 1002, rp, 4, 4096)

	err := state.ClaimAllocations(1004, &structs.ClaimRequest{
		ConsumerID:         claim.ConsumerID,
		ConsumerGeneration: pointer.Of(uint64(1)),
		Allocations: structs.AllocationSet{
			rp.ID: {
				structs.ResourceVCPU:     6,
				structs.ResourceMemoryMB: 4096,
			},
		},
	})
	must.NoError(t, err)

	// A surviving (provider, class) keeps its create stamps across the
	// replace; only the modify index moves.
	allocs, err := state.AllocationsByConsumer(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Len(t, 2, allocs)
	for _, alloc := range allocs {
		must.Eq(t, uint64(1002), alloc.CreateIndex)
		must.Eq(t, uint64(1004), alloc.ModifyIndex)
	}
}
