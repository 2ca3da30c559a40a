// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpsertResourceProvider is used to create or update a resource provider.
// On update the provider's Generation must equal the stored generation;
// the stored provider then moves to generation+1. Structural rules are
// enforced here: the parent must exist, reparenting may not create a
// cycle, and RootID is derived in the same transaction so it can never
// drift from the parent edge it summarizes.
func (s *StateStore) UpsertResourceProvider(index uint64, rp *structs.ResourceProvider) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := s.upsertProviderTxn(index, txn, rp); err != nil {
		return err
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableProviders, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

func (s *StateStore) upsertProviderTxn(index uint64, txn *txn, rp *structs.ResourceProvider) error {
	// Check for an existing provider under the same ID.
	existingRaw, err := txn.First(TableProviders, indexID, rp.ID)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	var existing *structs.ResourceProvider
	if existingRaw != nil {
		existing = existingRaw.(*structs.ResourceProvider)
	}

	// The name is unique across the forest.
	nameRaw, err := txn.First(TableProviders, indexName, rp.Name)
	if err != nil {
		return fmt.Errorf("provider name lookup failed: %v", err)
	}
	if nameRaw != nil && nameRaw.(*structs.ResourceProvider).ID != rp.ID {
		return structs.NewErrUniqueness("resource provider name", rp.Name)
	}

	// Resolve the parent and derive the root.
	if rp.ParentID != "" {
		parentRaw, err := txn.First(TableProviders, indexID, rp.ParentID)
		if err != nil {
			return fmt.Errorf("parent lookup failed: %v", err)
		}
		if parentRaw == nil {
			return structs.NewErrNotFound("parent provider", rp.ParentID)
		}
		parent := parentRaw.(*structs.ResourceProvider)

		// Walking up from the parent must never pass through the provider
		// being written, otherwise the reparent closes a cycle.
		if err := s.checkAncestryTxn(txn, parent, rp.ID); err != nil {
			return err
		}

		rp.RootID = parent.RootID
		if rp.CellID != "" {
			return structs.NewErr(structs.ErrKindBadRequest,
				"cell assignment is only valid on root providers")
		}
	} else {
		rp.RootID = rp.ID
		if rp.CellID != "" {
			cellRaw, err := txn.First(TableCells, indexID, rp.CellID)
			if err != nil {
				return fmt.Errorf("cell lookup failed: %v", err)
			}
			if cellRaw == nil {
				return structs.NewErrNotFound("cell", rp.CellID)
			}
		}
	}

	if existing != nil {
		if rp.Generation != existing.Generation {
			return structs.NewErrGenerationConflict(
				"resource provider", rp.ID, rp.Generation, existing.Generation)
		}
		rp.Generation = existing.Generation + 1
		rp.CreateIndex = existing.CreateIndex
		rp.ModifyIndex = index

		// Traits and aggregates are written through their own endpoints;
		// a provider update never touches them.
		rp.Traits = existing.Traits
		rp.AggregateIDs = existing.AggregateIDs
	} else {
		rp.Generation = 0
		rp.CreateIndex = index
		rp.ModifyIndex = index
	}

	if err := rp.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid provider: %v", err)
	}

	if err := txn.Insert(TableProviders, rp); err != nil {
		return fmt.Errorf("provider insert failed: %v", err)
	}

	// A reparent moves the whole subtree to the new root.
	if existing != nil && existing.ParentID != rp.ParentID {
		if err := s.rehomeSubtreeTxn(index, txn, rp); err != nil {
			return err
		}
	}

	return nil
}

// checkAncestryTxn walks from start towards the root and fails if the walk
// passes through forbiddenID. Depth is bounded by the table size so a
// corrupt edge cannot loop forever.
func (s *StateStore) checkAncestryTxn(txn ReadTxn, start *structs.ResourceProvider, forbiddenID string) error {
	const maxDepth = 1 << 16

	current := start
	for depth := 0; depth < maxDepth; depth++ {
		if current.ID == forbiddenID {
			return structs.NewErr(structs.ErrKindBadRequest,
				"reparenting provider %s under %s would create a cycle", forbiddenID, start.ID)
		}
		if current.ParentID == "" {
			return nil
		}
		raw, err := txn.First(TableProviders, indexID, current.ParentID)
		if err != nil {
			return fmt.Errorf("ancestor lookup failed: %v", err)
		}
		if raw == nil {
			return structs.NewErrNotFound("ancestor provider", current.ParentID)
		}
		current = raw.(*structs.ResourceProvider)
	}
	return structs.NewErr(structs.ErrKindFatal, "provider ancestry exceeds depth bound")
}

// rehomeSubtreeTxn rewrites RootID for every descendant of rp. The
// descendants keep their generations; only the derived column moves.
func (s *StateStore) rehomeSubtreeTxn(index uint64, txn *txn, rp *structs.ResourceProvider) error {
	children, err := txn.Get(TableProviders, indexParent, rp.ID)
	if err != nil {
		return fmt.Errorf("child lookup failed: %v", err)
	}

	// Collect before writing so the iterator never observes its own
	// updates.
	var pending []*structs.ResourceProvider
	for raw := children.Next(); raw != nil; raw = children.Next() {
		pending = append(pending, raw.(*structs.ResourceProvider))
	}

	for _, child := range pending {
		updated := child
		if child.RootID != rp.RootID {
			updated = child.Copy()
			updated.RootID = rp.RootID
			updated.ModifyIndex = index
			if err := txn.Insert(TableProviders, updated); err != nil {
				return fmt.Errorf("subtree update failed: %v", err)
			}
		}
		if err := s.rehomeSubtreeTxn(index, txn, updated); err != nil {
			return err
		}
	}
	return nil
}

// DeleteResourceProvider removes a provider that has no children and no
// allocations against it. Its inventories and share edges go with it.
func (s *StateStore) DeleteResourceProvider(index uint64, id string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableProviders, indexID, id)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("resource provider", id)
	}

	childRaw, err := txn.First(TableProviders, indexParent, id)
	if err != nil {
		return fmt.Errorf("child lookup failed: %v", err)
	}
	if childRaw != nil {
		return structs.NewErr(structs.ErrKindInvalidState,
			"resource provider %s has nested providers", id)
	}

	allocRaw, err := txn.First(TableAllocations, indexProvider, id)
	if err != nil {
		return fmt.Errorf("allocation lookup failed: %v", err)
	}
	if allocRaw != nil {
		return structs.NewErr(structs.ErrKindInvalidState,
			"resource provider %s has allocations", id)
	}

	if err := s.deleteInventoriesForProviderTxn(txn, id); err != nil {
		return err
	}
	if err := s.deleteSharesForProviderTxn(txn, id); err != nil {
		return err
	}

	if err := txn.Delete(TableProviders, raw); err != nil {
		return fmt.Errorf("provider delete failed: %v", err)
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableProviders, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// SetProviderTraits replaces the trait set of a provider. The caller's
// generation must match; custom traits must already be registered.
func (s *StateStore) SetProviderTraits(index uint64, id string, generation uint64, traits []string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableProviders, indexID, id)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("resource provider", id)
	}
	rp := raw.(*structs.ResourceProvider)

	if generation != rp.Generation {
		return structs.NewErrGenerationConflict("resource provider", id, generation, rp.Generation)
	}

	for _, name := range traits {
		if err := structs.ValidTraitName(name); err != nil {
			return structs.NewErr(structs.ErrKindBadRequest, "%v", err)
		}
		if structs.IsStandardTrait(name) {
			continue
		}
		traitRaw, err := txn.First(TableTraits, indexID, name)
		if err != nil {
			return fmt.Errorf("trait lookup failed: %v", err)
		}
		if traitRaw == nil {
			return structs.NewErrNotFound("trait", name)
		}
	}

	updated := rp.Copy()
	updated.Traits = traits
	updated.Generation = rp.Generation + 1
	updated.ModifyIndex = index

	if err := txn.Insert(TableProviders, updated); err != nil {
		return fmt.Errorf("provider update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableProviders, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// SetProviderAggregates replaces the aggregate memberships of a provider.
// Unknown aggregates are created empty on the fly so membership can be
// declared before the aggregate is configured.
func (s *StateStore) SetProviderAggregates(index uint64, id string, generation uint64, aggregateIDs []string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableProviders, indexID, id)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("resource provider", id)
	}
	rp := raw.(*structs.ResourceProvider)

	if generation != rp.Generation {
		return structs.NewErrGenerationConflict("resource provider", id, generation, rp.Generation)
	}

	for _, aggID := range aggregateIDs {
		aggRaw, err := txn.First(TableAggregates, indexID, aggID)
		if err != nil {
			return fmt.Errorf("aggregate lookup failed: %v", err)
		}
		if aggRaw != nil {
			continue
		}
		agg := &structs.Aggregate{
			ID:          aggID,
			Name:        aggID,
			CreateIndex: index,
			ModifyIndex: index,
		}
		if err := txn.Insert(TableAggregates, agg); err != nil {
			return fmt.Errorf("aggregate insert failed: %v", err)
		}
		if err := txn.Insert(tableIndex, &IndexEntry{TableAggregates, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	updated := rp.Copy()
	updated.AggregateIDs = aggregateIDs
	updated.Generation = rp.Generation + 1
	updated.ModifyIndex = index

	if err := txn.Insert(TableProviders, updated); err != nil {
		return fmt.Errorf("provider update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableProviders, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// ProviderByID is used to lookup a provider by its UUID.
func (s *StateStore) ProviderByID(ws memdb.WatchSet, id string) (*structs.ResourceProvider, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableProviders, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("provider lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.ResourceProvider), nil
	}
	return nil, nil
}

// ProviderByName is used to lookup a provider by its unique name.
func (s *StateStore) ProviderByName(ws memdb.WatchSet, name string) (*structs.ResourceProvider, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableProviders, indexName, name)
	if err != nil {
		return nil, fmt.Errorf("provider lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.ResourceProvider), nil
	}
	return nil, nil
}

// Providers returns an iterator over the whole provider table.
func (s *StateStore) Providers(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableProviders, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// ProvidersByRoot returns every member of the tree rooted at rootID,
// including the root itself.
func (s *StateStore) ProvidersByRoot(ws memdb.WatchSet, rootID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableProviders, indexRoot, rootID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// ProvidersByParent returns the direct children of a provider.
func (s *StateStore) ProvidersByParent(ws memdb.WatchSet, parentID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableProviders, indexParent, parentID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// ProvidersByAggregate returns the providers that are members of the
// aggregate.
func (s *StateStore) ProvidersByAggregate(ws memdb.WatchSet, aggregateID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableProviders, indexAggregate, aggregateID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// ProvidersByTrait returns the providers carrying the trait.
func (s *StateStore) ProvidersByTrait(ws memdb.WatchSet, trait string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableProviders, indexTrait, trait)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// RootProviders returns every root of the forest.
func (s *StateStore) RootProviders(ws memdb.WatchSet) ([]*structs.ResourceProvider, error) {
	iter, err := s.Providers(ws)
	if err != nil {
		return nil, err
	}

	var out []*structs.ResourceProvider
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rp := raw.(*structs.ResourceProvider)
		if rp.IsRoot() {
			out = append(out, rp)
		}
	}
	return out, nil
}
