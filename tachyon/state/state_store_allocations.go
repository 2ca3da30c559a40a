// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// ClaimAllocations atomically replaces a consumer's footprint. The whole
// claim protocol runs in one write transaction:
//
//  1. verify the consumer generation (nil expects a new consumer),
//  2. verify any provider generations the claim pins,
//  3. re-verify capacity against usage excluding this consumer,
//  4. replace the allocation rows,
//  5. bump the consumer and every touched provider, and the table indexes.
//
// Any failure aborts the transaction, so a failed claim changes nothing.
// Retry policy belongs to the caller; this executor only reports precise
// kinds.
func (s *StateStore) ClaimAllocations(index uint64, claim *structs.ClaimRequest) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := s.claimAllocationsTxn(index, txn, claim); err != nil {
		return err
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableAllocations, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

func (s *StateStore) claimAllocationsTxn(index uint64, txn *txn, claim *structs.ClaimRequest) error {
	if err := claim.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid claim: %v", err)
	}

	// Step 1: consumer generation.
	consumerRaw, err := txn.First(TableConsumers, indexID, claim.ConsumerID)
	if err != nil {
		return fmt.Errorf("consumer lookup failed: %v", err)
	}
	var consumer *structs.Consumer
	if consumerRaw != nil {
		consumer = consumerRaw.(*structs.Consumer)
	}

	switch {
	case consumer == nil && claim.ConsumerGeneration != nil:
		return structs.NewErrNotFound("consumer", claim.ConsumerID)
	case consumer != nil && claim.ConsumerGeneration == nil:
		return structs.NewErrGenerationConflict(
			"consumer", claim.ConsumerID, 0, consumer.Generation)
	case consumer != nil && *claim.ConsumerGeneration != consumer.Generation:
		return structs.NewErrGenerationConflict(
			"consumer", claim.ConsumerID, *claim.ConsumerGeneration, consumer.Generation)
	}

	// Step 2: provider existence and pinned generations.
	providers := make(map[string]*structs.ResourceProvider)
	for _, providerID := range claim.Allocations.Providers() {
		raw, err := txn.First(TableProviders, indexID, providerID)
		if err != nil {
			return fmt.Errorf("provider lookup failed: %v", err)
		}
		if raw == nil {
			return structs.NewErrNotFound("resource provider", providerID)
		}
		rp := raw.(*structs.ResourceProvider)
		if pinned, ok := claim.ProviderGenerations[providerID]; ok && pinned != rp.Generation {
			return structs.NewErrGenerationConflict(
				"resource provider", providerID, pinned, rp.Generation)
		}
		providers[providerID] = rp
	}

	// Step 3: capacity, with this consumer's current footprint excluded
	// so a move or resize is checked against the state it would leave.
	current, err := s.allocationsByConsumerTxn(txn, claim.ConsumerID)
	if err != nil {
		return err
	}

	inventories := make(map[string]map[string]*structs.Inventory)
	usage := make(map[string]map[string]int64)
	for providerID, classes := range claim.Allocations {
		inventories[providerID] = make(map[string]*structs.Inventory)
		usage[providerID] = make(map[string]int64)
		for class := range classes {
			invRaw, err := txn.First(TableInventories, indexID, providerID, class)
			if err != nil {
				return fmt.Errorf("inventory lookup failed: %v", err)
			}
			if invRaw == nil {
				return structs.NewErr(structs.ErrKindBadRequest,
					"provider %s has no %s inventory", providerID, class)
			}
			inventories[providerID][class] = invRaw.(*structs.Inventory)

			used, err := s.usedByInventoryTxn(txn, providerID, class)
			if err != nil {
				return err
			}
			usage[providerID][class] = used
		}
	}
	for _, alloc := range current {
		if classes, ok := usage[alloc.ProviderID]; ok {
			if _, ok := classes[alloc.Class]; ok {
				classes[alloc.Class] -= alloc.Used
			}
		}
	}

	if fit, dimension, err := structs.AllocationsFit(claim.Allocations, inventories, usage); err != nil {
		return err
	} else if !fit {
		return structs.NewErr(structs.ErrKindOutOfCapacity, "claim does not fit: %s", dimension)
	}

	// Step 4: replace the rows. Rows surviving under the same
	// (provider, class) keep their create stamps.
	now := time.Now().UTC()
	previous := make(map[string]*structs.Allocation, len(current))
	for _, alloc := range current {
		previous[alloc.ProviderID+"|"+alloc.Class] = alloc
		if err := txn.Delete(TableAllocations, alloc); err != nil {
			return fmt.Errorf("allocation delete failed: %v", err)
		}
	}
	for _, alloc := range claim.Allocations.Allocations(claim.ConsumerID, now) {
		if prev, ok := previous[alloc.ProviderID+"|"+alloc.Class]; ok {
			alloc.CreateTime = prev.CreateTime
			alloc.CreateIndex = prev.CreateIndex
		} else {
			alloc.CreateIndex = index
		}
		alloc.ModifyIndex = index
		if err := txn.Insert(TableAllocations, alloc); err != nil {
			return fmt.Errorf("allocation insert failed: %v", err)
		}
	}

	// Step 5: bump the consumer and every provider whose usage moved.
	touched := make(map[string]struct{})
	for providerID := range claim.Allocations {
		touched[providerID] = struct{}{}
	}
	for _, alloc := range current {
		touched[alloc.ProviderID] = struct{}{}
	}
	if err := s.bumpProvidersTxn(index, txn, touched, providers); err != nil {
		return err
	}

	if claim.Allocations.Empty() {
		// An empty replacement is a release: the consumer record goes
		// with its last allocation.
		if consumer != nil {
			if err := txn.Delete(TableConsumers, consumer); err != nil {
				return fmt.Errorf("consumer delete failed: %v", err)
			}
		}
	} else if consumer == nil {
		newConsumer := &structs.Consumer{
			ID:          claim.ConsumerID,
			Generation:  1,
			ProjectID:   claim.ProjectID,
			UserID:      claim.UserID,
			Type:        claim.ConsumerType,
			State:       claim.ConsumerState,
			CreateIndex: index,
			ModifyIndex: index,
		}
		if newConsumer.Type == "" {
			newConsumer.Type = structs.ConsumerTypeInstance
		}
		if newConsumer.State == "" {
			newConsumer.State = structs.ConsumerStateActive
		}
		if err := newConsumer.Validate(); err != nil {
			return structs.NewErr(structs.ErrKindBadRequest, "invalid consumer: %v", err)
		}
		if err := txn.Insert(TableConsumers, newConsumer); err != nil {
			return fmt.Errorf("consumer insert failed: %v", err)
		}
	} else {
		updated := consumer.Copy()
		updated.Generation = consumer.Generation + 1
		updated.ModifyIndex = index
		if err := txn.Insert(TableConsumers, updated); err != nil {
			return fmt.Errorf("consumer update failed: %v", err)
		}
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableConsumers, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return nil
}

// bumpProvidersTxn advances the generation of every provider in touched.
// Providers already loaded by the caller are reused; the rest are looked
// up here.
func (s *StateStore) bumpProvidersTxn(index uint64, txn *txn, touched map[string]struct{}, loaded map[string]*structs.ResourceProvider) error {
	for providerID := range touched {
		rp := loaded[providerID]
		if rp == nil {
			raw, err := txn.First(TableProviders, indexID, providerID)
			if err != nil {
				return fmt.Errorf("provider lookup failed: %v", err)
			}
			if raw == nil {
				// The provider vanished while holding allocations; treat
				// as corruption rather than silently skipping.
				return structs.NewErr(structs.ErrKindFatal,
					"provider %s missing during generation bump", providerID)
			}
			rp = raw.(*structs.ResourceProvider)
		}
		updated := rp.Copy()
		updated.Generation = rp.Generation + 1
		updated.ModifyIndex = index
		if err := txn.Insert(TableProviders, updated); err != nil {
			return fmt.Errorf("provider update failed: %v", err)
		}
	}
	if len(touched) > 0 {
		if err := txn.Insert(tableIndex, &IndexEntry{TableProviders, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}
	return nil
}

// ReleaseAllocations drops a consumer's footprint and the consumer record
// itself. Releasing an absent consumer is a no-op so deletes are
// idempotent.
func (s *StateStore) ReleaseAllocations(index uint64, consumerID string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	consumerRaw, err := txn.First(TableConsumers, indexID, consumerID)
	if err != nil {
		return fmt.Errorf("consumer lookup failed: %v", err)
	}

	current, err := s.allocationsByConsumerTxn(txn, consumerID)
	if err != nil {
		return err
	}
	if consumerRaw == nil && len(current) == 0 {
		return nil
	}

	touched := make(map[string]struct{})
	for _, alloc := range current {
		touched[alloc.ProviderID] = struct{}{}
		if err := txn.Delete(TableAllocations, alloc); err != nil {
			return fmt.Errorf("allocation delete failed: %v", err)
		}
	}
	if err := s.bumpProvidersTxn(index, txn, touched, nil); err != nil {
		return err
	}

	if consumerRaw != nil {
		if err := txn.Delete(TableConsumers, consumerRaw); err != nil {
			return fmt.Errorf("consumer delete failed: %v", err)
		}
	}

	if err := txn.Insert(tableIndex, &IndexEntry{TableAllocations, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableConsumers, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

func (s *StateStore) allocationsByConsumerTxn(txn ReadTxn, consumerID string) ([]*structs.Allocation, error) {
	iter, err := txn.Get(TableAllocations, indexConsumer, consumerID)
	if err != nil {
		return nil, fmt.Errorf("allocation lookup failed: %v", err)
	}

	var out []*structs.Allocation
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Allocation))
	}
	return out, nil
}

// AllocationsByConsumer returns a consumer's footprint.
func (s *StateStore) AllocationsByConsumer(ws memdb.WatchSet, consumerID string) ([]*structs.Allocation, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAllocations, indexConsumer, consumerID)
	if err != nil {
		return nil, fmt.Errorf("allocation lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Allocation
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Allocation))
	}
	return out, nil
}

// AllocationsByProvider returns every allocation against a provider.
func (s *StateStore) AllocationsByProvider(ws memdb.WatchSet, providerID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAllocations, indexProvider, providerID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// Allocations returns an iterator over the whole allocation table.
func (s *StateStore) Allocations(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAllocations, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
