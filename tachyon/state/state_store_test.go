// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/tachyon/mock"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

func testStateStore(t *testing.T) *StateStore {
	return TestStateStore(t)
}

// watchFired is a helper for unit tests that returns if the given watch set
// fired (it doesn't care which watch actually fired). This uses a fixed
// timeout since we already expect the event to happen, to avoid blocking.
func watchFired(ws memdb.WatchSet) bool {
	timedOut := ws.Watch(time.After(time.Millisecond * 100))
	return !timedOut
}

// seedHost creates a compute host with the standard inventory set and
// returns the stored provider, fresh from the state store.
func seedHost(t *testing.T, state *StateStore, index uint64) *structs.ResourceProvider {
	rp := mock.Provider()
	must.NoError(t, state.UpsertResourceProvider(index, rp))
	must.NoError(t, state.SetInventories(index+1, rp.ID, rp.Generation, mock.HostInventories(rp)))

	out, err := state.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	return out
}

// seedClaim places a new consumer on the host and returns the claim.
func seedClaim(t *testing.T, state *StateStore, index uint64, rp *structs.ResourceProvider, vcpu, memory int64) *structs.ClaimRequest {
	c := mock.Consumer()
	claim := &structs.ClaimRequest{
		ConsumerID:    c.ID,
		ProjectID:     c.ProjectID,
		UserID:        c.UserID,
		ConsumerType:  structs.ConsumerTypeInstance,
		ConsumerState: structs.ConsumerStateActive,
		Allocations: structs.AllocationSet{
			rp.ID: {
				structs.ResourceVCPU:     vcpu,
				structs.ResourceMemoryMB: memory,
			},
		},
	}
	must.NoError(t, state.ClaimAllocations(index, claim))
	return claim
}

func TestStateStore_LatestIndex(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)

	idx, err := state.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(0), idx)

	must.NoError(t, state.UpsertCell(1000, mock.Cell()))

	idx, err = state.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(1000), idx)

	tableIdx, err := state.Index(TableCells)
	must.NoError(t, err)
	must.Eq(t, uint64(1000), tableIdx)

	// Unwritten tables have no index.
	tableIdx, err = state.Index(TableProviders)
	must.NoError(t, err)
	must.Eq(t, uint64(0), tableIdx)
}

func TestStateStore_Snapshot_Isolation(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)

	snap, err := state.Snapshot()
	must.NoError(t, err)

	// Writes after the snapshot are invisible to it.
	seedClaim(t, state, 1002, rp, 4, 4096)

	used, err := snap.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(0), used)

	used, err = state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(4), used)
}

func TestStateStore_Abandon(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	abandonCh := state.AbandonCh()
	state.Abandon()

	select {
	case <-abandonCh:
	default:
		t.Fatalf("bad")
	}
}

func TestStateStore_RestoreRoundTrip(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := mock.Provider()
	rp.RootID = rp.ID
	cell := mock.Cell()

	restore, err := state.Restore()
	must.NoError(t, err)
	must.NoError(t, restore.ProviderRestore(rp))
	must.NoError(t, restore.CellRestore(cell))
	must.NoError(t, restore.IndexRestore(&IndexEntry{TableProviders, 99}))
	must.NoError(t, restore.Commit())

	out, err := state.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.NotNil(t, out)

	idx, err := state.Index(TableProviders)
	must.NoError(t, err)
	must.Eq(t, uint64(99), idx)
}
