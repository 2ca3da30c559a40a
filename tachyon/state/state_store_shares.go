// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpsertShare creates or replaces a shares_resources edge. Both endpoints
// must exist and the source must expose inventory for every shared class,
// otherwise the edge could never satisfy a request.
func (s *StateStore) UpsertShare(index uint64, edge *structs.SharedEdge) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := edge.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid share: %v", err)
	}

	for _, id := range []string{edge.SourceID, edge.TargetID} {
		raw, err := txn.First(TableProviders, indexID, id)
		if err != nil {
			return fmt.Errorf("provider lookup failed: %v", err)
		}
		if raw == nil {
			return structs.NewErrNotFound("resource provider", id)
		}
	}

	for _, class := range edge.Classes {
		invRaw, err := txn.First(TableInventories, indexID, edge.SourceID, class)
		if err != nil {
			return fmt.Errorf("inventory lookup failed: %v", err)
		}
		if invRaw == nil {
			return structs.NewErr(structs.ErrKindBadRequest,
				"sharing provider %s has no %s inventory", edge.SourceID, class)
		}
	}

	existingRaw, err := txn.First(TableShares, indexID, edge.SourceID, edge.TargetID)
	if err != nil {
		return fmt.Errorf("share lookup failed: %v", err)
	}
	if existingRaw != nil {
		edge.CreateIndex = existingRaw.(*structs.SharedEdge).CreateIndex
		edge.ModifyIndex = index
	} else {
		edge.CreateIndex = index
		edge.ModifyIndex = index
	}

	if err := txn.Insert(TableShares, edge); err != nil {
		return fmt.Errorf("share insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableShares, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// DeleteShare removes a shares_resources edge.
func (s *StateStore) DeleteShare(index uint64, sourceID, targetID string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableShares, indexID, sourceID, targetID)
	if err != nil {
		return fmt.Errorf("share lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("share", sourceID+"->"+targetID)
	}

	if err := txn.Delete(TableShares, raw); err != nil {
		return fmt.Errorf("share delete failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableShares, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// deleteSharesForProviderTxn drops every edge touching a provider as part
// of provider deletion.
func (s *StateStore) deleteSharesForProviderTxn(txn *txn, providerID string) error {
	var pending []*structs.SharedEdge

	for _, idx := range []string{indexSource, indexTarget} {
		iter, err := txn.Get(TableShares, idx, providerID)
		if err != nil {
			return fmt.Errorf("share lookup failed: %v", err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			pending = append(pending, raw.(*structs.SharedEdge))
		}
	}

	for _, edge := range pending {
		if err := txn.Delete(TableShares, edge); err != nil {
			return fmt.Errorf("share delete failed: %v", err)
		}
	}
	return nil
}

// SharesBySource returns the edges a provider contributes.
func (s *StateStore) SharesBySource(ws memdb.WatchSet, sourceID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableShares, indexSource, sourceID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// SharesByTarget returns the edges contributing resources to a provider's
// tree.
func (s *StateStore) SharesByTarget(ws memdb.WatchSet, targetID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableShares, indexTarget, targetID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// Shares returns an iterator over all share edges.
func (s *StateStore) Shares(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableShares, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
