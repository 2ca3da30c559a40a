// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/helper/boltdd"
	"github.com/hashicorp/tachyon/tachyon/mock"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

func setupSnapshotDB(t *testing.T) *boltdd.DB {
	db, err := boltdd.Open(filepath.Join(t.TempDir(), "tachyon-state.db"), 0600, nil)
	must.NoError(t, err)

	t.Cleanup(func() {
		must.NoError(t, db.Close())
	})

	return db
}

func TestPersist_RoundTrip(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	now := time.Now().UTC()

	rp := seedHost(t, state, 1000)
	claim := seedClaim(t, state, 1002, rp, 4, 4096)

	must.NoError(t, state.UpsertCell(1003, mock.Cell()))
	must.NoError(t, state.UpsertFlavor(1004, mock.Flavor()))
	must.NoError(t, state.UpsertTrait(1005, &structs.Trait{Name: "CUSTOM_LIQUID_COOLED"}))
	must.NoError(t, state.UpsertResourceClass(1006, &structs.ResourceClass{Name: "CUSTOM_FPGA_SLOT"}))

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1007, sess))
	must.NoError(t, state.AppendDelta(1008, now, mock.ClaimDelta(sess.ID, rp)))
	must.NoError(t, state.AppendDelta(1009, now, mock.ClaimDelta(sess.ID, rp)))

	db := setupSnapshotDB(t)
	must.NoError(t, state.PersistSnapshot(db))

	restored := testStateStore(t)
	must.NoError(t, restored.RestoreSnapshot(db))

	// The restored store resumes from the same index.
	idx, err := restored.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(1009), idx)

	out, err := restored.ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, rp.Generation+1, out.Generation)

	used, err := restored.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(4), used)

	consumer, err := restored.ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.NotNil(t, consumer)
	must.Eq(t, claim.ProjectID, consumer.ProjectID)

	outSess, err := restored.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.NotNil(t, outSess)
	must.Eq(t, structs.SessionStatusActive, outSess.Status)
	must.Eq(t, 2, outSess.DeltaCount)

	// The delta log comes back in append order.
	deltas, err := restored.DeltasBySession(nil, sess.ID)
	must.NoError(t, err)
	must.Len(t, 2, deltas)
	must.Eq(t, uint64(1), deltas[0].Sequence)
	must.Eq(t, uint64(2), deltas[1].Sequence)

	trait, err := restored.TraitByName(nil, "CUSTOM_LIQUID_COOLED")
	must.NoError(t, err)
	must.NotNil(t, trait)

	rc, err := restored.ResourceClassByName(nil, "CUSTOM_FPGA_SLOT")
	must.NoError(t, err)
	must.NotNil(t, rc)
}

func TestPersist_SweepsDeletedRows(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)

	keep := mock.Provider()
	must.NoError(t, state.UpsertResourceProvider(1000, keep))
	goner := mock.Provider()
	must.NoError(t, state.UpsertResourceProvider(1001, goner))

	db := setupSnapshotDB(t)
	must.NoError(t, state.PersistSnapshot(db))

	// A second snapshot after the delete must not resurrect the row.
	must.NoError(t, state.DeleteResourceProvider(1002, goner.ID))
	must.NoError(t, state.PersistSnapshot(db))

	restored := testStateStore(t)
	must.NoError(t, restored.RestoreSnapshot(db))

	out, err := restored.ProviderByID(nil, keep.ID)
	must.NoError(t, err)
	must.NotNil(t, out)

	out, err = restored.ProviderByID(nil, goner.ID)
	must.NoError(t, err)
	must.Nil(t, out)
}

func TestPersist_RestoreEmpty(t *testing.T) {
	ci.Parallel(t)

	db := setupSnapshotDB(t)

	state := testStateStore(t)
	must.NoError(t, state.RestoreSnapshot(db))

	idx, err := state.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(0), idx)
}
