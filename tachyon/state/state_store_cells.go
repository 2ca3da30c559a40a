// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpsertCell creates or updates a cell. Disabling a cell makes every root
// provider assigned to it ineligible for new claims without touching
// provider rows.
func (s *StateStore) UpsertCell(index uint64, cell *structs.Cell) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if cell.ID == "" || cell.Name == "" {
		return structs.NewErr(structs.ErrKindBadRequest, "cell requires an ID and a name")
	}

	nameRaw, err := txn.First(TableCells, indexName, cell.Name)
	if err != nil {
		return fmt.Errorf("cell name lookup failed: %v", err)
	}
	if nameRaw != nil && nameRaw.(*structs.Cell).ID != cell.ID {
		return structs.NewErrUniqueness("cell name", cell.Name)
	}

	existingRaw, err := txn.First(TableCells, indexID, cell.ID)
	if err != nil {
		return fmt.Errorf("cell lookup failed: %v", err)
	}
	if existingRaw != nil {
		cell.CreateIndex = existingRaw.(*structs.Cell).CreateIndex
		cell.ModifyIndex = index
	} else {
		cell.CreateIndex = index
		cell.ModifyIndex = index
	}

	if err := txn.Insert(TableCells, cell); err != nil {
		return fmt.Errorf("cell insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableCells, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// DeleteCell removes a cell no provider is assigned to.
func (s *StateStore) DeleteCell(index uint64, id string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableCells, indexID, id)
	if err != nil {
		return fmt.Errorf("cell lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("cell", id)
	}

	memberRaw, err := txn.First(TableProviders, indexCell, id)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if memberRaw != nil {
		return structs.NewErr(structs.ErrKindInvalidState,
			"cell %s has assigned providers", id)
	}

	if err := txn.Delete(TableCells, raw); err != nil {
		return fmt.Errorf("cell delete failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableCells, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// CellByID looks up a cell by UUID.
func (s *StateStore) CellByID(ws memdb.WatchSet, id string) (*structs.Cell, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableCells, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("cell lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Cell), nil
	}
	return nil, nil
}

// Cells returns an iterator over all cells.
func (s *StateStore) Cells(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableCells, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
