// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpsertAggregate creates or updates an aggregate. Availability zone names
// are unique across aggregates: a second aggregate claiming an owned zone
// is rejected.
func (s *StateStore) UpsertAggregate(index uint64, agg *structs.Aggregate) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := agg.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid aggregate: %v", err)
	}

	nameRaw, err := txn.First(TableAggregates, indexName, agg.Name)
	if err != nil {
		return fmt.Errorf("aggregate name lookup failed: %v", err)
	}
	if nameRaw != nil && nameRaw.(*structs.Aggregate).ID != agg.ID {
		return structs.NewErrUniqueness("aggregate name", agg.Name)
	}

	if agg.AvailabilityZone != "" {
		azRaw, err := txn.First(TableAggregates, indexAZ, agg.AvailabilityZone)
		if err != nil {
			return fmt.Errorf("availability zone lookup failed: %v", err)
		}
		if azRaw != nil && azRaw.(*structs.Aggregate).ID != agg.ID {
			return structs.NewErrUniqueness("availability zone", agg.AvailabilityZone)
		}
	}

	existingRaw, err := txn.First(TableAggregates, indexID, agg.ID)
	if err != nil {
		return fmt.Errorf("aggregate lookup failed: %v", err)
	}
	if existingRaw != nil {
		existing := existingRaw.(*structs.Aggregate)
		agg.CreateIndex = existing.CreateIndex
		agg.ModifyIndex = index
	} else {
		agg.CreateIndex = index
		agg.ModifyIndex = index
	}

	if err := txn.Insert(TableAggregates, agg); err != nil {
		return fmt.Errorf("aggregate insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableAggregates, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// DeleteAggregate removes an aggregate with no member providers.
func (s *StateStore) DeleteAggregate(index uint64, id string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableAggregates, indexID, id)
	if err != nil {
		return fmt.Errorf("aggregate lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("aggregate", id)
	}

	memberRaw, err := txn.First(TableProviders, indexAggregate, id)
	if err != nil {
		return fmt.Errorf("provider lookup failed: %v", err)
	}
	if memberRaw != nil {
		return structs.NewErr(structs.ErrKindInvalidState,
			"aggregate %s has member providers", id)
	}

	if err := txn.Delete(TableAggregates, raw); err != nil {
		return fmt.Errorf("aggregate delete failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableAggregates, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// AggregateByID looks up an aggregate by UUID.
func (s *StateStore) AggregateByID(ws memdb.WatchSet, id string) (*structs.Aggregate, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableAggregates, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("aggregate lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Aggregate), nil
	}
	return nil, nil
}

// AggregateByZone looks up the aggregate owning an availability zone.
func (s *StateStore) AggregateByZone(ws memdb.WatchSet, zone string) (*structs.Aggregate, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableAggregates, indexAZ, zone)
	if err != nil {
		return nil, fmt.Errorf("availability zone lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Aggregate), nil
	}
	return nil, nil
}

// Aggregates returns an iterator over all aggregates.
func (s *StateStore) Aggregates(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAggregates, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
