// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpsertFlavor creates or updates a flavor definition.
func (s *StateStore) UpsertFlavor(index uint64, f *structs.Flavor) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := f.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid flavor: %v", err)
	}

	// Custom classes referenced by the flavor must exist so a flavor can
	// never request something no inventory could satisfy by definition.
	for class := range f.Resources {
		if err := s.checkClassRegisteredTxn(txn, class); err != nil {
			return err
		}
	}

	nameRaw, err := txn.First(TableFlavors, indexName, f.Name)
	if err != nil {
		return fmt.Errorf("flavor name lookup failed: %v", err)
	}
	if nameRaw != nil && nameRaw.(*structs.Flavor).ID != f.ID {
		return structs.NewErrUniqueness("flavor name", f.Name)
	}

	existingRaw, err := txn.First(TableFlavors, indexID, f.ID)
	if err != nil {
		return fmt.Errorf("flavor lookup failed: %v", err)
	}
	if existingRaw != nil {
		f.CreateIndex = existingRaw.(*structs.Flavor).CreateIndex
		f.ModifyIndex = index
	} else {
		f.CreateIndex = index
		f.ModifyIndex = index
	}

	if err := txn.Insert(TableFlavors, f); err != nil {
		return fmt.Errorf("flavor insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableFlavors, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// DeleteFlavor removes a flavor definition.
func (s *StateStore) DeleteFlavor(index uint64, id string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableFlavors, indexID, id)
	if err != nil {
		return fmt.Errorf("flavor lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("flavor", id)
	}

	if err := txn.Delete(TableFlavors, raw); err != nil {
		return fmt.Errorf("flavor delete failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableFlavors, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// FlavorByID looks up a flavor by UUID.
func (s *StateStore) FlavorByID(ws memdb.WatchSet, id string) (*structs.Flavor, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableFlavors, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("flavor lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Flavor), nil
	}
	return nil, nil
}

// FlavorByName looks up a flavor by its unique name.
func (s *StateStore) FlavorByName(ws memdb.WatchSet, name string) (*structs.Flavor, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableFlavors, indexName, name)
	if err != nil {
		return nil, fmt.Errorf("flavor lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Flavor), nil
	}
	return nil, nil
}

// Flavors returns an iterator over all flavors.
func (s *StateStore) Flavors(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableFlavors, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
