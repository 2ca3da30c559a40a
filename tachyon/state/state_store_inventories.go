// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// SetInventories replaces the full inventory set of a provider. The
// caller's generation must match the provider's; the provider generation
// is bumped so racing writers of the same provider serialize. An update
// that would strand existing usage above the new capacity is rejected.
func (s *StateStore) SetInventories(index uint64, providerID string, generation uint64, invs []*structs.Inventory) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableProviders, indexID, providerID)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("resource provider", providerID)
	}
	rp := raw.(*structs.ResourceProvider)

	if generation != rp.Generation {
		return structs.NewErrGenerationConflict("resource provider", providerID, generation, rp.Generation)
	}

	// Validate the new rows and check each class against current usage.
	seen := make(map[string]struct{}, len(invs))
	for _, inv := range invs {
		inv.ProviderID = providerID
		if err := inv.Validate(); err != nil {
			return structs.NewErr(structs.ErrKindBadRequest, "invalid inventory: %v", err)
		}
		if _, ok := seen[inv.Class]; ok {
			return structs.NewErr(structs.ErrKindBadRequest,
				"duplicate inventory for class %s", inv.Class)
		}
		seen[inv.Class] = struct{}{}

		if err := s.checkClassRegisteredTxn(txn, inv.Class); err != nil {
			return err
		}

		used, err := s.usedByInventoryTxn(txn, providerID, inv.Class)
		if err != nil {
			return err
		}
		if used > inv.Capacity() {
			return structs.NewErr(structs.ErrKindInvalidState,
				"inventory %s/%s update would strand usage: used %d exceeds new capacity %d",
				providerID, inv.Class, used, inv.Capacity())
		}
	}

	// Classes disappearing from the set must have no usage left.
	existing, err := txn.Get(TableInventories, indexProvider, providerID)
	if err != nil {
		return fmt.Errorf("inventory lookup failed: %v", err)
	}
	var stale []*structs.Inventory
	for rawInv := existing.Next(); rawInv != nil; rawInv = existing.Next() {
		inv := rawInv.(*structs.Inventory)
		if _, ok := seen[inv.Class]; ok {
			continue
		}
		used, err := s.usedByInventoryTxn(txn, providerID, inv.Class)
		if err != nil {
			return err
		}
		if used > 0 {
			return structs.NewErr(structs.ErrKindInvalidState,
				"inventory %s/%s is in use and cannot be removed", providerID, inv.Class)
		}
		stale = append(stale, inv)
	}

	for _, inv := range stale {
		if err := txn.Delete(TableInventories, inv); err != nil {
			return fmt.Errorf("inventory delete failed: %v", err)
		}
	}
	for _, inv := range invs {
		prevRaw, err := txn.First(TableInventories, indexID, providerID, inv.Class)
		if err != nil {
			return fmt.Errorf("inventory lookup failed: %v", err)
		}
		if prevRaw != nil {
			inv.CreateIndex = prevRaw.(*structs.Inventory).CreateIndex
		} else {
			inv.CreateIndex = index
		}
		inv.ModifyIndex = index
		if err := txn.Insert(TableInventories, inv); err != nil {
			return fmt.Errorf("inventory insert failed: %v", err)
		}
	}

	updated := rp.Copy()
	updated.Generation = rp.Generation + 1
	updated.ModifyIndex = index
	if err := txn.Insert(TableProviders, updated); err != nil {
		return fmt.Errorf("provider update failed: %v", err)
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableInventories, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableProviders, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// DeleteInventory removes one inventory row, refusing while allocations
// consume from it.
func (s *StateStore) DeleteInventory(index uint64, providerID string, generation uint64, class string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableProviders, indexID, providerID)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("resource provider", providerID)
	}
	rp := raw.(*structs.ResourceProvider)

	if generation != rp.Generation {
		return structs.NewErrGenerationConflict("resource provider", providerID, generation, rp.Generation)
	}

	invRaw, err := txn.First(TableInventories, indexID, providerID, class)
	if err != nil {
		return fmt.Errorf("inventory lookup failed: %v", err)
	}
	if invRaw == nil {
		return structs.NewErrNotFound("inventory", providerID+"/"+class)
	}

	used, err := s.usedByInventoryTxn(txn, providerID, class)
	if err != nil {
		return err
	}
	if used > 0 {
		return structs.NewErr(structs.ErrKindInvalidState,
			"inventory %s/%s is in use and cannot be removed", providerID, class)
	}

	if err := txn.Delete(TableInventories, invRaw); err != nil {
		return fmt.Errorf("inventory delete failed: %v", err)
	}

	updated := rp.Copy()
	updated.Generation = rp.Generation + 1
	updated.ModifyIndex = index
	if err := txn.Insert(TableProviders, updated); err != nil {
		return fmt.Errorf("provider update failed: %v", err)
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableInventories, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableProviders, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// deleteInventoriesForProviderTxn drops every inventory row of a provider
// as part of provider deletion. The caller has already verified that no
// allocations remain.
func (s *StateStore) deleteInventoriesForProviderTxn(txn *txn, providerID string) error {
	iter, err := txn.Get(TableInventories, indexProvider, providerID)
	if err != nil {
		return fmt.Errorf("inventory lookup failed: %v", err)
	}

	var pending []*structs.Inventory
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		pending = append(pending, raw.(*structs.Inventory))
	}
	for _, inv := range pending {
		if err := txn.Delete(TableInventories, inv); err != nil {
			return fmt.Errorf("inventory delete failed: %v", err)
		}
	}
	return nil
}

// checkClassRegisteredTxn verifies the resource class exists: standard
// classes always do, custom classes must have been created.
func (s *StateStore) checkClassRegisteredTxn(txn ReadTxn, class string) error {
	if structs.IsStandardResourceClass(class) {
		return nil
	}
	raw, err := txn.First(TableResourceClasses, indexID, class)
	if err != nil {
		return fmt.Errorf("resource class lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("resource class", class)
	}
	return nil
}

// usedByInventoryTxn sums the allocations consuming one inventory.
func (s *StateStore) usedByInventoryTxn(txn ReadTxn, providerID, class string) (int64, error) {
	iter, err := txn.Get(TableAllocations, "inventory", providerID, class)
	if err != nil {
		return 0, fmt.Errorf("allocation lookup failed: %v", err)
	}

	var used int64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		used += raw.(*structs.Allocation).Used
	}
	return used, nil
}

// InventoryByProviderAndClass looks up a single inventory row.
func (s *StateStore) InventoryByProviderAndClass(ws memdb.WatchSet, providerID, class string) (*structs.Inventory, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableInventories, indexID, providerID, class)
	if err != nil {
		return nil, fmt.Errorf("inventory lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Inventory), nil
	}
	return nil, nil
}

// InventoriesByProvider returns the inventory rows of one provider.
func (s *StateStore) InventoriesByProvider(ws memdb.WatchSet, providerID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableInventories, indexProvider, providerID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// Inventories returns an iterator over every inventory row.
func (s *StateStore) Inventories(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableInventories, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// InventoriesByClass returns every inventory row of one resource class
// across the fleet, feeding the utilization rollups.
func (s *StateStore) InventoriesByClass(ws memdb.WatchSet, class string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableInventories, indexClass, class)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// UsedByInventory sums the allocations consuming one inventory.
func (s *StateStore) UsedByInventory(ws memdb.WatchSet, providerID, class string) (int64, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAllocations, "inventory", providerID, class)
	if err != nil {
		return 0, fmt.Errorf("allocation lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var used int64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		used += raw.(*structs.Allocation).Used
	}
	return used, nil
}

// ProviderUsage reports used amounts per class for one provider.
func (s *StateStore) ProviderUsage(ws memdb.WatchSet, providerID string) (map[string]int64, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAllocations, indexProvider, providerID)
	if err != nil {
		return nil, fmt.Errorf("allocation lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	usage := make(map[string]int64)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		alloc := raw.(*structs.Allocation)
		usage[alloc.Class] += alloc.Used
	}
	return usage, nil
}

// ClassUtilization summarizes one resource class across every provider
// exposing it: raw totals plus the spread of per-provider utilization
// ratios.
func (s *StateStore) ClassUtilization(class string) (*structs.ClassUtilization, error) {
	iter, err := s.InventoriesByClass(nil, class)
	if err != nil {
		return nil, err
	}

	cu := &structs.ClassUtilization{}
	var ratios []float64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		inv := raw.(*structs.Inventory)
		used, err := s.UsedByInventory(nil, inv.ProviderID, class)
		if err != nil {
			return nil, err
		}
		cu.Providers++
		cu.Capacity += inv.Capacity()
		cu.Used += used
		ratios = append(ratios, structs.UtilizationRatio(inv, used))
	}
	cu.Mean, cu.StdDev, cu.Min, cu.Max = structs.SummarizeRatios(ratios)
	return cu, nil
}

// UsageByProject reports used amounts per class summed over all consumers
// of a project, optionally narrowed to one user.
func (s *StateStore) UsageByProject(ws memdb.WatchSet, projectID, userID string) (map[string]int64, error) {
	txn := s.db.ReadTxn()

	consumers, err := txn.Get(TableConsumers, indexProject, projectID)
	if err != nil {
		return nil, fmt.Errorf("consumer lookup failed: %v", err)
	}
	ws.Add(consumers.WatchCh())

	usage := make(map[string]int64)
	for raw := consumers.Next(); raw != nil; raw = consumers.Next() {
		consumer := raw.(*structs.Consumer)
		if userID != "" && consumer.UserID != userID {
			continue
		}

		allocs, err := txn.Get(TableAllocations, indexConsumer, consumer.ID)
		if err != nil {
			return nil, fmt.Errorf("allocation lookup failed: %v", err)
		}
		for allocRaw := allocs.Next(); allocRaw != nil; allocRaw = allocs.Next() {
			alloc := allocRaw.(*structs.Allocation)
			usage[alloc.Class] += alloc.Used
		}
	}
	return usage, nil
}
