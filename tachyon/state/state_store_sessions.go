// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/helper/pointer"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// CreateSession opens a simulation session. The base generation is read
// inside the write transaction so the session is anchored to a graph
// state it is guaranteed to have seen in full.
func (s *StateStore) CreateSession(index uint64, sess *structs.SimulationSession) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if sess.ID == "" {
		return structs.NewErr(structs.ErrKindBadRequest, "session requires an ID")
	}

	existing, err := txn.First(TableSessions, indexID, sess.ID)
	if err != nil {
		return fmt.Errorf("session lookup failed: %v", err)
	}
	if existing != nil {
		return structs.NewErrUniqueness("session", sess.ID)
	}

	base, err := s.latestIndexTxn(txn)
	if err != nil {
		return err
	}

	sess.BaseGeneration = base
	sess.Status = structs.SessionStatusActive
	sess.DeltaCount = 0
	sess.CreateIndex = index
	sess.ModifyIndex = index

	if err := txn.Insert(TableSessions, sess); err != nil {
		return fmt.Errorf("session insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableSessions, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// AppendDelta appends to a session's delta log. The sequence number is
// assigned here, densely from one.
func (s *StateStore) AppendDelta(index uint64, now time.Time, delta *structs.SpeculativeDelta) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	sess, err := s.activeSessionTxn(txn, delta.SessionID, now)
	if err != nil {
		return err
	}

	if err := delta.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid delta: %v", err)
	}

	last, err := s.lastDeltaTxn(txn, delta.SessionID)
	if err != nil {
		return err
	}
	if last == nil {
		delta.Sequence = 1
	} else {
		delta.Sequence = last.Sequence + 1
	}

	delta.CreatedAt = now
	delta.CreateIndex = index

	if err := txn.Insert(TableDeltas, delta); err != nil {
		return fmt.Errorf("delta insert failed: %v", err)
	}

	updated := sess.Copy()
	updated.DeltaCount = sess.DeltaCount + 1
	updated.ModifyIndex = index
	if err := txn.Insert(TableSessions, updated); err != nil {
		return fmt.Errorf("session update failed: %v", err)
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableDeltas, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableSessions, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// UndoDelta removes the newest delta from a session's log.
func (s *StateStore) UndoDelta(index uint64, now time.Time, sessionID string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	sess, err := s.activeSessionTxn(txn, sessionID, now)
	if err != nil {
		return err
	}

	last, err := s.lastDeltaTxn(txn, sessionID)
	if err != nil {
		return err
	}
	if last == nil {
		return structs.NewErr(structs.ErrKindInvalidState,
			"session %s has no deltas to undo", sessionID)
	}

	if err := txn.Delete(TableDeltas, last); err != nil {
		return fmt.Errorf("delta delete failed: %v", err)
	}

	updated := sess.Copy()
	updated.DeltaCount = sess.DeltaCount - 1
	updated.ModifyIndex = index
	if err := txn.Insert(TableSessions, updated); err != nil {
		return fmt.Errorf("session update failed: %v", err)
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableDeltas, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableSessions, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// CloseSession moves an active session to a terminal status (rolled back
// or expired) and drops its delta log.
func (s *StateStore) CloseSession(index uint64, sessionID, status string) error {
	if status != structs.SessionStatusRolledBack && status != structs.SessionStatusExpired {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid terminal status %q", status)
	}

	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableSessions, indexID, sessionID)
	if err != nil {
		return fmt.Errorf("session lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("session", sessionID)
	}
	sess := raw.(*structs.SimulationSession)
	if !sess.Active() {
		return structs.NewErr(structs.ErrKindInvalidState,
			"session %s is %s, not active", sessionID, sess.Status)
	}

	if err := s.closeSessionTxn(index, txn, sess, status); err != nil {
		return err
	}

	return txn.Commit()
}

func (s *StateStore) closeSessionTxn(index uint64, txn *txn, sess *structs.SimulationSession, status string) error {
	if err := s.purgeDeltasTxn(txn, sess.ID); err != nil {
		return err
	}

	updated := sess.Copy()
	updated.Status = status
	updated.DeltaCount = 0
	updated.ModifyIndex = index
	if err := txn.Insert(TableSessions, updated); err != nil {
		return fmt.Errorf("session update failed: %v", err)
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableSessions, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableDeltas, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}

// ExpireSessions marks every active session whose TTL lapsed before now
// as expired, dropping their logs. It returns the expired session IDs.
func (s *StateStore) ExpireSessions(index uint64, now time.Time) ([]string, error) {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	iter, err := txn.Get(TableSessions, indexStatus, structs.SessionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %v", err)
	}

	var stale []*structs.SimulationSession
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		sess := raw.(*structs.SimulationSession)
		if sess.Expired(now) {
			stale = append(stale, sess)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	expired := make([]string, 0, len(stale))
	for _, sess := range stale {
		if err := s.closeSessionTxn(index, txn, sess, structs.SessionStatusExpired); err != nil {
			return nil, err
		}
		expired = append(expired, sess.ID)
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

// CommitSession atomically folds a session's delta log into live state.
// The conflict phase compares, for every provider any delta observed, the
// last observed generation against the live one; a mismatch aborts with a
// generation conflict and the session stays active so the caller can
// refresh and retry. The apply phase replays the log in order as
// capacity-checked claims. Success marks the session committed and empties
// its log; failure of any phase leaves live state untouched.
func (s *StateStore) CommitSession(index uint64, now time.Time, sessionID string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	sess, err := s.activeSessionTxn(txn, sessionID, now)
	if err != nil {
		return err
	}

	deltas, err := s.deltasBySessionTxn(txn, sessionID)
	if err != nil {
		return err
	}

	// Conflict phase.
	lastObserved := make(map[string]uint64)
	for _, delta := range deltas {
		for providerID, gen := range delta.ObservedGenerations {
			lastObserved[providerID] = gen
		}
	}
	for providerID, observed := range lastObserved {
		raw, err := txn.First(TableProviders, indexID, providerID)
		if err != nil {
			return fmt.Errorf("provider lookup failed: %v", err)
		}
		if raw == nil {
			return structs.NewErrNotFound("resource provider", providerID)
		}
		live := raw.(*structs.ResourceProvider)
		if live.Generation != observed {
			return structs.NewErrGenerationConflict(
				"resource provider", providerID, observed, live.Generation)
		}
	}

	// Apply phase: replay the log in order. Consumer generations are read
	// live inside the transaction; capacity failures surface as
	// out_of_capacity and abort the whole commit.
	for _, delta := range deltas {
		if err := s.applyDeltaTxn(index, txn, delta); err != nil {
			return err
		}
	}

	if err := s.purgeDeltasTxn(txn, sessionID); err != nil {
		return err
	}

	updated := sess.Copy()
	updated.Status = structs.SessionStatusCommitted
	updated.DeltaCount = 0
	updated.ModifyIndex = index
	if err := txn.Insert(TableSessions, updated); err != nil {
		return fmt.Errorf("session update failed: %v", err)
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableSessions, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableDeltas, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableAllocations, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// applyDeltaTxn replays one delta against live state as a claim.
func (s *StateStore) applyDeltaTxn(index uint64, txn *txn, delta *structs.SpeculativeDelta) error {
	claim := &structs.ClaimRequest{
		ConsumerID:    delta.ConsumerID,
		ProjectID:     delta.ProjectID,
		UserID:        delta.UserID,
		ConsumerType:  structs.ConsumerTypeInstance,
		ConsumerState: structs.ConsumerStateActive,
	}

	raw, err := txn.First(TableConsumers, indexID, delta.ConsumerID)
	if err != nil {
		return fmt.Errorf("consumer lookup failed: %v", err)
	}
	if raw != nil {
		claim.ConsumerGeneration = pointer.Of(raw.(*structs.Consumer).Generation)
	}

	switch delta.Type {
	case structs.DeltaTypeClaim, structs.DeltaTypeMove:
		claim.Allocations = delta.Resources.Copy()
	case structs.DeltaTypeRelease:
		claim.Allocations = structs.AllocationSet{}
	default:
		return structs.NewErr(structs.ErrKindFatal, "unknown delta type %q", delta.Type)
	}

	// Simulated consumers may not exist live; if the delta never named a
	// tenant the consumer registers under the incomplete sentinel.
	if raw == nil && claim.ProjectID == "" {
		claim.ProjectID = structs.IncompleteProject
		claim.UserID = structs.IncompleteUser
	}

	return s.claimAllocationsTxn(index, txn, claim)
}

func (s *StateStore) activeSessionTxn(txn ReadTxn, sessionID string, now time.Time) (*structs.SimulationSession, error) {
	raw, err := txn.First(TableSessions, indexID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewErrNotFound("session", sessionID)
	}
	sess := raw.(*structs.SimulationSession)

	if !sess.Active() {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"session %s is %s, not active", sessionID, sess.Status)
	}
	if sess.Expired(now) {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"session %s expired at %s", sessionID, sess.ExpiresAt.Format(time.RFC3339))
	}
	return sess, nil
}

func (s *StateStore) lastDeltaTxn(txn ReadTxn, sessionID string) (*structs.SpeculativeDelta, error) {
	iter, err := txn.Get(TableDeltas, indexID+"_prefix", sessionID)
	if err != nil {
		return nil, fmt.Errorf("delta lookup failed: %v", err)
	}

	var last *structs.SpeculativeDelta
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		last = raw.(*structs.SpeculativeDelta)
	}
	return last, nil
}

func (s *StateStore) deltasBySessionTxn(txn ReadTxn, sessionID string) ([]*structs.SpeculativeDelta, error) {
	iter, err := txn.Get(TableDeltas, indexID+"_prefix", sessionID)
	if err != nil {
		return nil, fmt.Errorf("delta lookup failed: %v", err)
	}

	var out []*structs.SpeculativeDelta
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.SpeculativeDelta))
	}
	return out, nil
}

func (s *StateStore) purgeDeltasTxn(txn *txn, sessionID string) error {
	deltas, err := s.deltasBySessionTxn(txn, sessionID)
	if err != nil {
		return err
	}
	for _, delta := range deltas {
		if err := txn.Delete(TableDeltas, delta); err != nil {
			return fmt.Errorf("delta delete failed: %v", err)
		}
	}
	return nil
}

// latestIndexTxn computes the greatest table index inside a transaction.
func (s *StateStore) latestIndexTxn(txn ReadTxn) (uint64, error) {
	iter, err := txn.Get(tableIndex, indexID)
	if err != nil {
		return 0, fmt.Errorf("index lookup failed: %v", err)
	}

	var max uint64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if entry := raw.(*IndexEntry); entry.Value > max {
			max = entry.Value
		}
	}
	return max, nil
}

// SessionByID looks up a session by UUID.
func (s *StateStore) SessionByID(ws memdb.WatchSet, id string) (*structs.SimulationSession, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableSessions, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.SimulationSession), nil
	}
	return nil, nil
}

// Sessions returns an iterator over all sessions.
func (s *StateStore) Sessions(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableSessions, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// Deltas returns an iterator over every delta of every session.
func (s *StateStore) Deltas(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableDeltas, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// DeltasBySession returns a session's delta log in append order.
func (s *StateStore) DeltasBySession(ws memdb.WatchSet, sessionID string) ([]*structs.SpeculativeDelta, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableDeltas, indexID+"_prefix", sessionID)
	if err != nil {
		return nil, fmt.Errorf("delta lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.SpeculativeDelta
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.SpeculativeDelta))
	}
	return out, nil
}
