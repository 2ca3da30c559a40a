// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpsertServerGroup creates or updates a server group. The policy is
// immutable once members hold allocations, since changing it would
// retroactively invalidate placements made under the old policy.
func (s *StateStore) UpsertServerGroup(index uint64, sg *structs.ServerGroup) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := sg.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid server group: %v", err)
	}

	nameRaw, err := txn.First(TableServerGroups, indexName, sg.Name)
	if err != nil {
		return fmt.Errorf("server group name lookup failed: %v", err)
	}
	if nameRaw != nil && nameRaw.(*structs.ServerGroup).ID != sg.ID {
		return structs.NewErrUniqueness("server group name", sg.Name)
	}

	existingRaw, err := txn.First(TableServerGroups, indexID, sg.ID)
	if err != nil {
		return fmt.Errorf("server group lookup failed: %v", err)
	}
	if existingRaw != nil {
		existing := existingRaw.(*structs.ServerGroup)
		if existing.Policy != sg.Policy {
			placed, err := s.groupHasPlacedMembersTxn(txn, existing)
			if err != nil {
				return err
			}
			if placed {
				return structs.NewErr(structs.ErrKindInvalidState,
					"server group %s policy cannot change while members hold allocations", sg.ID)
			}
		}
		sg.CreateIndex = existing.CreateIndex
		sg.ModifyIndex = index
	} else {
		sg.CreateIndex = index
		sg.ModifyIndex = index
	}

	if err := txn.Insert(TableServerGroups, sg); err != nil {
		return fmt.Errorf("server group insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableServerGroups, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

func (s *StateStore) groupHasPlacedMembersTxn(txn ReadTxn, sg *structs.ServerGroup) (bool, error) {
	for _, member := range sg.Members {
		raw, err := txn.First(TableAllocations, indexConsumer, member)
		if err != nil {
			return false, fmt.Errorf("allocation lookup failed: %v", err)
		}
		if raw != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteServerGroup removes a server group.
func (s *StateStore) DeleteServerGroup(index uint64, id string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableServerGroups, indexID, id)
	if err != nil {
		return fmt.Errorf("server group lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("server group", id)
	}

	if err := txn.Delete(TableServerGroups, raw); err != nil {
		return fmt.Errorf("server group delete failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableServerGroups, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// ServerGroupByID looks up a server group by UUID.
func (s *StateStore) ServerGroupByID(ws memdb.WatchSet, id string) (*structs.ServerGroup, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableServerGroups, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("server group lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.ServerGroup), nil
	}
	return nil, nil
}

// ServerGroupByMember returns the group a consumer belongs to, or nil.
// Consumers belong to at most one group.
func (s *StateStore) ServerGroupByMember(ws memdb.WatchSet, consumerID string) (*structs.ServerGroup, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableServerGroups, indexMember, consumerID)
	if err != nil {
		return nil, fmt.Errorf("server group lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.ServerGroup), nil
	}
	return nil, nil
}

// ServerGroups returns an iterator over all server groups.
func (s *StateStore) ServerGroups(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableServerGroups, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
