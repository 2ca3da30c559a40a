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

func TestStateStore_CreateSession(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	seedHost(t, state, 1000)

	ws := memdb.WatchSet{}
	_, err := state.SessionByID(ws, "nope")
	must.NoError(t, err)

	sess := mock.Session()
	sess.Status = "committed" // callers cannot pick the initial status
	must.NoError(t, state.CreateSession(1002, sess))
	must.True(t, watchFired(ws))

	out, err := state.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, structs.SessionStatusActive, out.Status)
	must.Eq(t, 0, out.DeltaCount)

	// The session anchors to the graph state it was opened against.
	must.Eq(t, uint64(1001), out.BaseGeneration)

	// Session IDs are unique.
	err = state.CreateSession(1003, mock.Session())
	must.NoError(t, err)
	dup := mock.Session()
	dup.ID = sess.ID
	err = state.CreateSession(1004, dup)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictUniqueness, structs.KindOf(err))
}

func TestStateStore_AppendDelta(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1002, sess))

	// Sequences are assigned densely from one.
	for i := 0; i < 3; i++ {
		delta := mock.ClaimDelta(sess.ID, rp)
		must.NoError(t, state.AppendDelta(uint64(1003+i), now, delta))
		must.Eq(t, uint64(i+1), delta.Sequence)
	}

	out, err := state.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.Eq(t, 3, out.DeltaCount)

	deltas, err := state.DeltasBySession(nil, sess.ID)
	must.NoError(t, err)
	must.Len(t, 3, deltas)
	for i, delta := range deltas {
		must.Eq(t, uint64(i+1), delta.Sequence)
		must.Eq(t, now, delta.CreatedAt)
	}

	// Unknown session.
	err = state.AppendDelta(1006, now, mock.ClaimDelta(mock.Session().ID, rp))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindNotFound, structs.KindOf(err))

	// Malformed delta.
	bad := mock.ClaimDelta(sess.ID, rp)
	bad.Resources = nil
	err = state.AppendDelta(1007, now, bad)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindBadRequest, structs.KindOf(err))

	// A lapsed TTL refuses appends even before the sweeper runs.
	stale := mock.Session()
	stale.ExpiresAt = now.Add(-time.Minute)
	must.NoError(t, state.CreateSession(1008, stale))
	err = state.AppendDelta(1009, now, mock.ClaimDelta(stale.ID, rp))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindInvalidState, structs.KindOf(err))
}

func TestStateStore_UndoDelta(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1002, sess))

	first := mock.ClaimDelta(sess.ID, rp)
	must.NoError(t, state.AppendDelta(1003, now, first))
	second := mock.ClaimDelta(sess.ID, rp)
	must.NoError(t, state.AppendDelta(1004, now, second))

	// Undo removes the newest entry only.
	must.NoError(t, state.UndoDelta(1005, now, sess.ID))

	deltas, err := state.DeltasBySession(nil, sess.ID)
	must.NoError(t, err)
	must.Len(t, 1, deltas)
	must.Eq(t, first.ConsumerID, deltas[0].ConsumerID)

	out, err := state.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.Eq(t, 1, out.DeltaCount)

	// The freed sequence number is reused by the next append.
	third := mock.ClaimDelta(sess.ID, rp)
	must.NoError(t, state.AppendDelta(1006, now, third))
	must.Eq(t, uint64(2), third.Sequence)

	must.NoError(t, state.UndoDelta(1007, now, sess.ID))
	must.NoError(t, state.UndoDelta(1008, now, sess.ID))

	err = state.UndoDelta(1009, now, sess.ID)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindInvalidState, structs.KindOf(err))
}

func TestStateStore_CloseSession(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1002, sess))
	must.NoError(t, state.AppendDelta(1003, now, mock.ClaimDelta(sess.ID, rp)))

	// Committed is not a status a close can pick.
	err := state.CloseSession(1004, sess.ID, structs.SessionStatusCommitted)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindBadRequest, structs.KindOf(err))

	must.NoError(t, state.CloseSession(1005, sess.ID, structs.SessionStatusRolledBack))

	// The log is dropped with the session.
	out, err := state.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.Eq(t, structs.SessionStatusRolledBack, out.Status)
	must.Eq(t, 0, out.DeltaCount)

	deltas, err := state.DeltasBySession(nil, sess.ID)
	must.NoError(t, err)
	must.Len(t, 0, deltas)

	// Terminal sessions cannot close twice.
	err = state.CloseSession(1006, sess.ID, structs.SessionStatusRolledBack)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindInvalidState, structs.KindOf(err))

	err = state.CloseSession(1007, mock.Session().ID, structs.SessionStatusRolledBack)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindNotFound, structs.KindOf(err))
}

func TestStateStore_ExpireSessions(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	fresh := mock.Session()
	must.NoError(t, state.CreateSession(1002, fresh))

	stale := mock.Session()
	stale.ExpiresAt = now.Add(-time.Hour)
	must.NoError(t, state.CreateSession(1003, stale))
	// Deltas appended while the session was still fresh are purged with it.
	must.NoError(t, state.AppendDelta(1004, now.Add(-2*time.Hour), mock.ClaimDelta(stale.ID, rp)))

	expired, err := state.ExpireSessions(1005, now)
	must.NoError(t, err)
	must.Eq(t, []string{stale.ID}, expired)

	out, err := state.SessionByID(nil, stale.ID)
	must.NoError(t, err)
	must.Eq(t, structs.SessionStatusExpired, out.Status)

	deltas, err := state.DeltasBySession(nil, stale.ID)
	must.NoError(t, err)
	must.Len(t, 0, deltas)

	out, err = state.SessionByID(nil, fresh.ID)
	must.NoError(t, err)
	must.Eq(t, structs.SessionStatusActive, out.Status)

	// With nothing left to expire, the state index does not move.
	expired, err = state.ExpireSessions(1006, now)
	must.NoError(t, err)
	must.Nil(t, expired)

	idx, err := state.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(1005), idx)
}

func TestStateStore_CommitSession(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1002, sess))

	delta := mock.ClaimDelta(sess.ID, rp)
	must.NoError(t, state.AppendDelta(1003, now, delta))

	must.NoError(t, state.CommitSession(1004, now, sess.ID))

	// The speculative consumer is live now, attributed from the delta.
	consumer, err := state.ConsumerByID(nil, delta.ConsumerID)
	must.NoError(t, err)
	must.NotNil(t, consumer)
	must.Eq(t, delta.ProjectID, consumer.ProjectID)
	must.Eq(t, delta.UserID, consumer.UserID)
	must.Eq(t, uint64(1), consumer.Generation)

	used, err := state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(2), used)

	out, err := state.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.Eq(t, structs.SessionStatusCommitted, out.Status)
	must.Eq(t, 0, out.DeltaCount)

	deltas, err := state.DeltasBySession(nil, sess.ID)
	must.NoError(t, err)
	must.Len(t, 0, deltas)

	// Terminal sessions accept neither appends nor a second commit.
	err = state.AppendDelta(1005, now, mock.ClaimDelta(sess.ID, rp))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindInvalidState, structs.KindOf(err))

	err = state.CommitSession(1006, now, sess.ID)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindInvalidState, structs.KindOf(err))
}

func TestStateStore_CommitSession_Conflict(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1002, sess))

	delta := mock.ClaimDelta(sess.ID, rp)
	must.NoError(t, state.AppendDelta(1003, now, delta))

	// An interleaved live claim moves the provider generation past the
	// session's observation.
	seedClaim(t, state, 1004, rp, 1, 1024)

	err := state.CommitSession(1005, now, sess.ID)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictGeneration, structs.KindOf(err))

	// The failed commit leaves the session active with its log intact, so
	// the caller can refresh observations and retry.
	out, err := state.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.Eq(t, structs.SessionStatusActive, out.Status)
	must.Eq(t, 1, out.DeltaCount)

	consumer, err := state.ConsumerByID(nil, delta.ConsumerID)
	must.NoError(t, err)
	must.Nil(t, consumer)
}

func TestStateStore_CommitSession_OutOfCapacity(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1002, sess))

	// No observed generations, so the commit goes straight to the apply
	// phase and fails the capacity check there.
	delta := mock.ClaimDelta(sess.ID, rp)
	delta.Resources = structs.AllocationSet{
		rp.ID: {structs.ResourceVCPU: 33},
	}
	delta.ObservedGenerations = nil
	must.NoError(t, state.AppendDelta(1003, now, delta))

	err := state.CommitSession(1004, now, sess.ID)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))

	out, err := state.SessionByID(nil, sess.ID)
	must.NoError(t, err)
	must.Eq(t, structs.SessionStatusActive, out.Status)

	used, err := state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(0), used)
}

func TestStateStore_CommitSession_Release(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	claim := seedClaim(t, state, 1002, rp, 4, 4096)

	live, err := state.ProviderByID(nil, rp.ID)
	must.NoError(t, err)

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1003, sess))

	release := &structs.SpeculativeDelta{
		SessionID:  sess.ID,
		Type:       structs.DeltaTypeRelease,
		ConsumerID: claim.ConsumerID,
		FromRootID: rp.RootID,
		ObservedGenerations: map[string]uint64{
			rp.ID: live.Generation,
		},
	}
	must.NoError(t, state.AppendDelta(1004, now, release))

	must.NoError(t, state.CommitSession(1005, now, sess.ID))

	consumer, err := state.ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Nil(t, consumer)

	used, err := state.UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(0), used)
}

func TestStateStore_CommitSession_Move(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	src := seedHost(t, state, 1000)
	dst := seedHost(t, state, 1002)
	now := time.Now().UTC()

	claim := seedClaim(t, state, 1004, src, 4, 4096)

	liveSrc, err := state.ProviderByID(nil, src.ID)
	must.NoError(t, err)

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1005, sess))

	move := &structs.SpeculativeDelta{
		SessionID:  sess.ID,
		Type:       structs.DeltaTypeMove,
		ConsumerID: claim.ConsumerID,
		FromRootID: src.RootID,
		ToRootID:   dst.RootID,
		Resources: structs.AllocationSet{
			dst.ID: {
				structs.ResourceVCPU:     4,
				structs.ResourceMemoryMB: 4096,
			},
		},
		ObservedGenerations: map[string]uint64{
			src.ID: liveSrc.Generation,
			dst.ID: dst.Generation,
		},
	}
	must.NoError(t, state.AppendDelta(1006, now, move))

	must.NoError(t, state.CommitSession(1007, now, sess.ID))

	used, err := state.UsedByInventory(nil, src.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(0), used)

	used, err = state.UsedByInventory(nil, dst.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(4), used)

	// The move leaves the consumer a generation older and both trees
	// bumped.
	consumer, err := state.ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Eq(t, uint64(2), consumer.Generation)

	srcOut, err := state.ProviderByID(nil, src.ID)
	must.NoError(t, err)
	must.Eq(t, liveSrc.Generation+1, srcOut.Generation)

	dstOut, err := state.ProviderByID(nil, dst.ID)
	must.NoError(t, err)
	must.Eq(t, dst.Generation+1, dstOut.Generation)
}

func TestStateStore_CommitSession_SessionOnlyConsumerSentinel(t *testing.T) {
	ci.Parallel(t)

	state := testStateStore(t)
	rp := seedHost(t, state, 1000)
	now := time.Now().UTC()

	sess := mock.Session()
	must.NoError(t, state.CreateSession(1002, sess))

	// A delta that never named a tenant registers the consumer under the
	// incomplete sentinel at commit.
	delta := mock.ClaimDelta(sess.ID, rp)
	delta.ProjectID = ""
	delta.UserID = ""
	must.NoError(t, state.AppendDelta(1003, now, delta))

	must.NoError(t, state.CommitSession(1004, now, sess.ID))

	consumer, err := state.ConsumerByID(nil, delta.ConsumerID)
	must.NoError(t, err)
	must.NotNil(t, consumer)
	must.Eq(t, structs.IncompleteProject, consumer.ProjectID)
	must.Eq(t, structs.IncompleteUser, consumer.UserID)
}
