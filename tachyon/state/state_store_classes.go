// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpsertResourceClass registers a custom resource class. Standard classes
// exist implicitly and cannot be written.
func (s *StateStore) UpsertResourceClass(index uint64, rc *structs.ResourceClass) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if structs.IsStandardResourceClass(rc.Name) {
		return structs.NewErr(structs.ErrKindBadRequest,
			"resource class %s is standard and cannot be modified", rc.Name)
	}
	if err := rc.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid resource class: %v", err)
	}

	existing, err := txn.First(TableResourceClasses, indexID, rc.Name)
	if err != nil {
		return fmt.Errorf("resource class lookup failed: %v", err)
	}
	if existing != nil {
		// Creation is idempotent; there is nothing to update on a class.
		return nil
	}

	rc.CreateIndex = index
	rc.ModifyIndex = index
	if err := txn.Insert(TableResourceClasses, rc); err != nil {
		return fmt.Errorf("resource class insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableResourceClasses, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// DeleteResourceClass removes a custom class that no inventory references.
func (s *StateStore) DeleteResourceClass(index uint64, name string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if structs.IsStandardResourceClass(name) {
		return structs.NewErr(structs.ErrKindBadRequest,
			"resource class %s is standard and cannot be deleted", name)
	}

	raw, err := txn.First(TableResourceClasses, indexID, name)
	if err != nil {
		return fmt.Errorf("resource class lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("resource class", name)
	}

	invRaw, err := txn.First(TableInventories, indexClass, name)
	if err != nil {
		return fmt.Errorf("inventory lookup failed: %v", err)
	}
	if invRaw != nil {
		return structs.NewErr(structs.ErrKindInvalidState,
			"resource class %s is referenced by inventories", name)
	}

	if err := txn.Delete(TableResourceClasses, raw); err != nil {
		return fmt.Errorf("resource class delete failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableResourceClasses, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// ResourceClassByName looks up a custom class registration.
func (s *StateStore) ResourceClassByName(ws memdb.WatchSet, name string) (*structs.ResourceClass, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableResourceClasses, indexID, name)
	if err != nil {
		return nil, fmt.Errorf("resource class lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.ResourceClass), nil
	}
	return nil, nil
}

// ResourceClasses returns the registered custom classes.
func (s *StateStore) ResourceClasses(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableResourceClasses, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// UpsertTrait registers a custom trait. Standard traits exist implicitly.
func (s *StateStore) UpsertTrait(index uint64, t *structs.Trait) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if structs.IsStandardTrait(t.Name) {
		return structs.NewErr(structs.ErrKindBadRequest,
			"trait %s is standard and cannot be modified", t.Name)
	}
	if err := t.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid trait: %v", err)
	}

	existing, err := txn.First(TableTraits, indexID, t.Name)
	if err != nil {
		return fmt.Errorf("trait lookup failed: %v", err)
	}
	if existing != nil {
		return nil
	}

	t.CreateIndex = index
	t.ModifyIndex = index
	if err := txn.Insert(TableTraits, t); err != nil {
		return fmt.Errorf("trait insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableTraits, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// DeleteTrait removes a custom trait no provider carries.
func (s *StateStore) DeleteTrait(index uint64, name string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if structs.IsStandardTrait(name) {
		return structs.NewErr(structs.ErrKindBadRequest,
			"trait %s is standard and cannot be deleted", name)
	}

	raw, err := txn.First(TableTraits, indexID, name)
	if err != nil {
		return fmt.Errorf("trait lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("trait", name)
	}

	carrierRaw, err := txn.First(TableProviders, indexTrait, name)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if carrierRaw != nil {
		return structs.NewErr(structs.ErrKindInvalidState,
			"trait %s is in use by providers", name)
	}

	if err := txn.Delete(TableTraits, raw); err != nil {
		return fmt.Errorf("trait delete failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableTraits, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// TraitByName looks up a custom trait registration.
func (s *StateStore) TraitByName(ws memdb.WatchSet, name string) (*structs.Trait, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableTraits, indexID, name)
	if err != nil {
		return nil, fmt.Errorf("trait lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Trait), nil
	}
	return nil, nil
}

// Traits returns the registered custom traits.
func (s *StateStore) Traits(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableTraits, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
