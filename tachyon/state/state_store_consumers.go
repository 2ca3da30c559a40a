// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UpdateConsumerState moves a consumer through its lifecycle (active,
// building, migrating, resizing). The generation guards the transition
// like any other consumer write.
func (s *StateStore) UpdateConsumerState(index uint64, id string, generation uint64, state string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableConsumers, indexID, id)
	if err != nil {
		return fmt.Errorf("consumer lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrNotFound("consumer", id)
	}
	consumer := raw.(*structs.Consumer)

	if generation != consumer.Generation {
		return structs.NewErrGenerationConflict("consumer", id, generation, consumer.Generation)
	}

	updated := consumer.Copy()
	updated.State = state
	updated.Generation = consumer.Generation + 1
	updated.ModifyIndex = index
	if err := updated.Validate(); err != nil {
		return structs.NewErr(structs.ErrKindBadRequest, "invalid consumer: %v", err)
	}

	if err := txn.Insert(TableConsumers, updated); err != nil {
		return fmt.Errorf("consumer update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableConsumers, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// ConsumerByID looks up a consumer by UUID.
func (s *StateStore) ConsumerByID(ws memdb.WatchSet, id string) (*structs.Consumer, error) {
	txn := s.db.ReadTxn()

	watchCh, existing, err := txn.FirstWatch(TableConsumers, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("consumer lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Consumer), nil
	}
	return nil, nil
}

// Consumers returns an iterator over all consumers.
func (s *StateStore) Consumers(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableConsumers, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// ConsumersByProject returns the consumers attributed to a project.
func (s *StateStore) ConsumersByProject(ws memdb.WatchSet, projectID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableConsumers, indexProject, projectID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
