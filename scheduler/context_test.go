// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/helper/testlog"
	"github.com/hashicorp/tachyon/tachyon/mock"
	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// testContext returns a state store and an eval context reading from it
// directly. Production wraps a snapshot or an overlay; the live store
// satisfies the same read interface and keeps tests short.
func testContext(t *testing.T) (*state.StateStore, *EvalContext) {
	store := state.TestStateStore(t)
	ctx := NewEvalContext(store, nil, testlog.HCLogger(t))
	return store, ctx
}

// seedHost creates a compute host with the standard inventory set.
func seedHost(t *testing.T, store *state.StateStore, index uint64) *structs.ResourceProvider {
	rp := mock.Provider()
	must.NoError(t, store.UpsertResourceProvider(index, rp))
	must.NoError(t, store.SetInventories(index+1, rp.ID, rp.Generation, mock.HostInventories(rp)))

	out, err := store.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	return out
}

// seedCustomHost creates a root compute host carrying exactly the given
// classes with default unit constraints.
func seedCustomHost(t *testing.T, store *state.StateStore, index uint64, classes map[string]int64) *structs.ResourceProvider {
	rp := mock.Provider()
	must.NoError(t, store.UpsertResourceProvider(index, rp))

	invs := make([]*structs.Inventory, 0, len(classes))
	for class, total := range classes {
		invs = append(invs, structs.DefaultInventory(rp.ID, class, total))
	}
	must.NoError(t, store.SetInventories(index+1, rp.ID, rp.Generation, invs))

	out, err := store.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	return out
}

// seedChild nests a provider under parent with the given roles and
// classes.
func seedChild(t *testing.T, store *state.StateStore, index uint64, parent *structs.ResourceProvider, roles []string, classes map[string]int64) *structs.ResourceProvider {
	rp := mock.NUMANode(parent)
	rp.Roles = roles
	must.NoError(t, store.UpsertResourceProvider(index, rp))

	if len(classes) > 0 {
		invs := make([]*structs.Inventory, 0, len(classes))
		for class, total := range classes {
			invs = append(invs, structs.DefaultInventory(rp.ID, class, total))
		}
		must.NoError(t, store.SetInventories(index+1, rp.ID, 0, invs))
	}

	out, err := store.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	return out
}

// seedClaim places a new consumer with the given footprint.
func seedClaim(t *testing.T, store *state.StateStore, index uint64, allocs structs.AllocationSet) *structs.ClaimRequest {
	c := mock.Consumer()
	claim := &structs.ClaimRequest{
		ConsumerID:    c.ID,
		ProjectID:     c.ProjectID,
		UserID:        c.UserID,
		ConsumerType:  structs.ConsumerTypeInstance,
		ConsumerState: structs.ConsumerStateActive,
		Allocations:   allocs,
	}
	must.NoError(t, store.ClaimAllocations(index, claim))
	return claim
}

// refreshProvider re-reads a provider after writes bumped its metadata.
func refreshProvider(t *testing.T, store *state.StateStore, id string) *structs.ResourceProvider {
	out, err := store.ProviderByID(nil, id)
	must.NoError(t, err)
	must.NotNil(t, out)
	return out
}

// singleGroupRequest builds a request with one unsuffixed group.
func singleGroupRequest(resources map[string]int64) *structs.CandidateRequest {
	return &structs.CandidateRequest{
		Groups: []*structs.ResourceGroup{
			{Resources: resources},
		},
	}
}

func TestEvalContext_SchedulerConfig_Defaults(t *testing.T) {
	ci.Parallel(t)

	_, ctx := testContext(t)

	cfg := ctx.SchedulerConfig()
	must.NotNil(t, cfg)
	must.Eq(t, structs.DefaultCandidateLimit, cfg.CandidateLimit)
	must.Eq(t, 1.0, cfg.Multiplier(structs.WeigherRAM))
	must.Eq(t, -1.0, cfg.Multiplier(structs.WeigherIOOps))
}

func TestEvalContext_SchedulerConfig_Custom(t *testing.T) {
	ci.Parallel(t)

	store, _ := testContext(t)
	custom := &structs.SchedulerConfiguration{
		CandidateLimit: 5,
		WeigherMultipliers: map[string]float64{
			structs.WeigherRAM: 2.5,
		},
	}
	ctx := NewEvalContext(store, custom, testlog.HCLogger(t))

	cfg := ctx.SchedulerConfig()
	must.Eq(t, 5, cfg.CandidateLimit)
	must.Eq(t, 2.5, cfg.Multiplier(structs.WeigherRAM))
	must.Eq(t, 1.0, cfg.Multiplier(structs.WeigherCPU))
}

func TestEvalContext_SetState(t *testing.T) {
	ci.Parallel(t)

	store, ctx := testContext(t)
	rp := seedHost(t, store, 1000)

	snap, err := store.Snapshot()
	must.NoError(t, err)

	overlay, err := state.NewOverlay(snap, []*structs.SpeculativeDelta{
		mock.ClaimDelta("session-1", rp),
	})
	must.NoError(t, err)

	base, err := ctx.State().UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(0), base)

	ctx.SetState(overlay)

	shifted, err := ctx.State().UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(2), shifted)
}
