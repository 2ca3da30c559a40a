// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// StateStoreConfig is used to configure a new state store
type StateStoreConfig struct {
	// Logger is used to output the state store's logs
	Logger hclog.Logger
}

// The StateStore is responsible for maintaining all the Tachyon
// state. It is manipulated by the server's serialized write path and
// maintains indexes against objects so reads never block writes. Every
// write stamps the rows it touches with a strictly increasing index; the
// highest index across tables is the global graph generation.
//
// The store enforces the structural invariants of the provider graph, the
// capacity invariant of every inventory, and the generation discipline of
// the claim protocol. Everything above it (planner, simulation engine,
// REST surface) reads through snapshots and never mutates directly.
type StateStore struct {
	logger hclog.Logger
	db     *changeTrackerDB

	config *StateStoreConfig

	// abandonCh is used to signal watchers that this state store has been
	// abandoned (usually during a restore).
	abandonCh chan struct{}
}

// NewStateStore is used to create a new state store
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	// Create the MemDB
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}

	// Create the state store
	s := &StateStore{
		logger:    config.Logger.Named("state_store"),
		config:    config,
		abandonCh: make(chan struct{}),
	}
	s.db = newChangeTrackerDB(db)

	return s, nil
}

// Config returns the state store configuration.
func (s *StateStore) Config() *StateStoreConfig {
	return s.config
}

// Snapshot is used to create a point in time snapshot. Because
// we use MemDB, we just need to snapshot the state of the underlying
// database.
func (s *StateStore) Snapshot() (*StateSnapshot, error) {
	memDBSnap := s.db.memdb.Snapshot()

	store := StateStore{
		logger: s.logger,
		config: s.config,
	}

	store.db = newChangeTrackerDB(memDBSnap)

	snap := &StateSnapshot{
		StateStore: store,
	}
	return snap, nil
}

// Restore is used to optimize the efficiency of rebuilding
// state by minimizing the number of transactions and checking
// overhead.
func (s *StateStore) Restore() (*StateRestore, error) {
	txn := s.db.WriteTxnRestore()
	r := &StateRestore{
		txn: txn,
	}
	return r, nil
}

// AbandonCh returns a channel you can wait on to know if the state store was
// abandoned.
func (s *StateStore) AbandonCh() <-chan struct{} {
	return s.abandonCh
}

// Abandon is used to signal that the given state store has been abandoned.
// Calling this more than one time will panic.
func (s *StateStore) Abandon() {
	close(s.abandonCh)
}

// Index finds the matching index value
func (s *StateStore) Index(name string) (uint64, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	// Lookup the first matching index
	out, err := txn.First(tableIndex, indexID, name)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// LatestIndex returns the greatest index value for all indexes: the
// global graph generation.
func (s *StateStore) LatestIndex() (uint64, error) {
	indexes, err := s.Indexes()
	if err != nil {
		return 0, err
	}

	var max uint64 = 0
	var raw interface{}

	// Determine the max
	for raw = indexes.Next(); raw != nil; raw = indexes.Next() {
		// Prepare the request struct
		idx := raw.(*IndexEntry)

		// Determine the max
		if idx.Value > max {
			max = idx.Value
		}
	}

	return max, nil
}

// Indexes returns an iterator over all the indexes
func (s *StateStore) Indexes() (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	// Walk the entire nodes table
	iter, err := txn.Get(tableIndex, indexID)
	if err != nil {
		return nil, err
	}
	return iter, nil
}

// IndexEntry is used with the "index" table
// for managing the latest Raft index affecting a table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateSnapshot is used to provide a point-in-time snapshot
type StateSnapshot struct {
	StateStore
}

// StateRestore is used to make restoring the whole state atomic: rows are
// inserted without individual invariant checks because a snapshot was
// valid when it was taken.
type StateRestore struct {
	txn *txn
}

// Abort is used to abort the restore operation
func (r *StateRestore) Abort() {
	r.txn.Abort()
}

// Commit is used to commit the restore operation
func (r *StateRestore) Commit() error {
	return r.txn.Commit()
}

// IndexRestore is used to restore an index entry.
func (r *StateRestore) IndexRestore(idx *IndexEntry) error {
	if err := r.txn.Insert(tableIndex, idx); err != nil {
		return fmt.Errorf("index insert failed: %v", err)
	}
	return nil
}

// ProviderRestore is used to restore a resource provider.
func (r *StateRestore) ProviderRestore(rp *structs.ResourceProvider) error {
	if err := r.txn.Insert(TableProviders, rp); err != nil {
		return fmt.Errorf("provider insert failed: %v", err)
	}
	return nil
}

// InventoryRestore is used to restore an inventory row.
func (r *StateRestore) InventoryRestore(inv *structs.Inventory) error {
	if err := r.txn.Insert(TableInventories, inv); err != nil {
		return fmt.Errorf("inventory insert failed: %v", err)
	}
	return nil
}

// AllocationRestore is used to restore an allocation row.
func (r *StateRestore) AllocationRestore(alloc *structs.Allocation) error {
	if err := r.txn.Insert(TableAllocations, alloc); err != nil {
		return fmt.Errorf("allocation insert failed: %v", err)
	}
	return nil
}

// ConsumerRestore is used to restore a consumer.
func (r *StateRestore) ConsumerRestore(c *structs.Consumer) error {
	if err := r.txn.Insert(TableConsumers, c); err != nil {
		return fmt.Errorf("consumer insert failed: %v", err)
	}
	return nil
}

// ResourceClassRestore is used to restore a custom resource class.
func (r *StateRestore) ResourceClassRestore(rc *structs.ResourceClass) error {
	if err := r.txn.Insert(TableResourceClasses, rc); err != nil {
		return fmt.Errorf("resource class insert failed: %v", err)
	}
	return nil
}

// TraitRestore is used to restore a trait.
func (r *StateRestore) TraitRestore(t *structs.Trait) error {
	if err := r.txn.Insert(TableTraits, t); err != nil {
		return fmt.Errorf("trait insert failed: %v", err)
	}
	return nil
}

// AggregateRestore is used to restore an aggregate.
func (r *StateRestore) AggregateRestore(agg *structs.Aggregate) error {
	if err := r.txn.Insert(TableAggregates, agg); err != nil {
		return fmt.Errorf("aggregate insert failed: %v", err)
	}
	return nil
}

// CellRestore is used to restore a cell.
func (r *StateRestore) CellRestore(c *structs.Cell) error {
	if err := r.txn.Insert(TableCells, c); err != nil {
		return fmt.Errorf("cell insert failed: %v", err)
	}
	return nil
}

// FlavorRestore is used to restore a flavor.
func (r *StateRestore) FlavorRestore(f *structs.Flavor) error {
	if err := r.txn.Insert(TableFlavors, f); err != nil {
		return fmt.Errorf("flavor insert failed: %v", err)
	}
	return nil
}

// ServerGroupRestore is used to restore a server group.
func (r *StateRestore) ServerGroupRestore(sg *structs.ServerGroup) error {
	if err := r.txn.Insert(TableServerGroups, sg); err != nil {
		return fmt.Errorf("server group insert failed: %v", err)
	}
	return nil
}

// ShareRestore is used to restore a shares_resources edge.
func (r *StateRestore) ShareRestore(e *structs.SharedEdge) error {
	if err := r.txn.Insert(TableShares, e); err != nil {
		return fmt.Errorf("share insert failed: %v", err)
	}
	return nil
}

// SessionRestore is used to restore a simulation session.
func (r *StateRestore) SessionRestore(sess *structs.SimulationSession) error {
	if err := r.txn.Insert(TableSessions, sess); err != nil {
		return fmt.Errorf("session insert failed: %v", err)
	}
	return nil
}

// DeltaRestore is used to restore a speculative delta.
func (r *StateRestore) DeltaRestore(d *structs.SpeculativeDelta) error {
	if err := r.txn.Insert(TableDeltas, d); err != nil {
		return fmt.Errorf("delta insert failed: %v", err)
	}
	return nil
}
