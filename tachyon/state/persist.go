// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"

	"github.com/hashicorp/tachyon/helper/boltdd"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// bucketSnapshotMeta records, per table bucket, the key set of the last
// persisted snapshot so rows deleted since then can be swept without a
// full scan of the bolt file.
var bucketSnapshotMeta = []byte("meta")

// PersistSnapshot writes a consistent view of every table into the bolt
// database. Rows whose encoding did not change since the last snapshot
// skip their disk writes through the boltdd hashing layer, so steady
// state snapshots touch few pages.
func (s *StateStore) PersistSnapshot(db *boltdd.DB) error {
	snap, err := s.Snapshot()
	if err != nil {
		return err
	}
	return snap.Persist(db)
}

// Persist writes this snapshot into the bolt database. All tables are
// written in one bolt transaction, so a crash mid-persist leaves the
// previous snapshot intact.
func (s *StateSnapshot) Persist(db *boltdd.DB) error {
	return db.Update(func(tx *boltdd.Tx) error {
		type dumper struct {
			table string
			rows  func(emit func(key string, obj interface{}) error) error
		}

		for _, d := range []dumper{
			{TableProviders, s.dumpProviders},
			{TableInventories, s.dumpInventories},
			{TableAllocations, s.dumpAllocations},
			{TableConsumers, s.dumpConsumers},
			{TableResourceClasses, s.dumpResourceClasses},
			{TableTraits, s.dumpTraits},
			{TableAggregates, s.dumpAggregates},
			{TableCells, s.dumpCells},
			{TableFlavors, s.dumpFlavors},
			{TableServerGroups, s.dumpServerGroups},
			{TableShares, s.dumpShares},
			{TableSessions, s.dumpSessions},
			{TableDeltas, s.dumpDeltas},
			{tableIndex, s.dumpIndexes},
		} {
			if err := persistBucket(tx, d.table, d.rows); err != nil {
				return fmt.Errorf("persisting %s failed: %v", d.table, err)
			}
		}
		return nil
	})
}

// persistBucket writes one table's rows into its bucket and sweeps keys
// that disappeared since the previous snapshot.
func persistBucket(tx *boltdd.Tx, table string, rows func(emit func(key string, obj interface{}) error) error) error {
	bkt, err := tx.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return err
	}
	meta, err := tx.CreateBucketIfNotExists(bucketSnapshotMeta)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{})
	emit := func(key string, obj interface{}) error {
		keep[key] = struct{}{}
		return bkt.Put([]byte(key), obj)
	}
	if err := rows(emit); err != nil {
		return err
	}

	var prev []string
	if err := meta.Get([]byte(table), &prev); err != nil && !boltdd.IsErrNotFound(err) {
		return err
	}
	for _, key := range prev {
		if _, ok := keep[key]; !ok {
			if err := bkt.Delete([]byte(key)); err != nil {
				return err
			}
		}
	}

	keys := make([]string, 0, len(keep))
	for key := range keep {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return meta.Put([]byte(table), keys)
}

func (s *StateSnapshot) dumpProviders(emit func(string, interface{}) error) error {
	iter, err := s.Providers(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rp := raw.(*structs.ResourceProvider)
		if err := emit(rp.ID, rp); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpInventories(emit func(string, interface{}) error) error {
	iter, err := s.Inventories(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		inv := raw.(*structs.Inventory)
		if err := emit(inv.ProviderID+"|"+inv.Class, inv); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpAllocations(emit func(string, interface{}) error) error {
	iter, err := s.Allocations(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		alloc := raw.(*structs.Allocation)
		if err := emit(alloc.Key(), alloc); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpConsumers(emit func(string, interface{}) error) error {
	iter, err := s.Consumers(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		c := raw.(*structs.Consumer)
		if err := emit(c.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpResourceClasses(emit func(string, interface{}) error) error {
	iter, err := s.ResourceClasses(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rc := raw.(*structs.ResourceClass)
		if err := emit(rc.Name, rc); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpTraits(emit func(string, interface{}) error) error {
	iter, err := s.Traits(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		t := raw.(*structs.Trait)
		if err := emit(t.Name, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpAggregates(emit func(string, interface{}) error) error {
	iter, err := s.Aggregates(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		agg := raw.(*structs.Aggregate)
		if err := emit(agg.ID, agg); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpCells(emit func(string, interface{}) error) error {
	iter, err := s.Cells(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		c := raw.(*structs.Cell)
		if err := emit(c.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpFlavors(emit func(string, interface{}) error) error {
	iter, err := s.Flavors(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		f := raw.(*structs.Flavor)
		if err := emit(f.ID, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpServerGroups(emit func(string, interface{}) error) error {
	iter, err := s.ServerGroups(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		sg := raw.(*structs.ServerGroup)
		if err := emit(sg.ID, sg); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpShares(emit func(string, interface{}) error) error {
	iter, err := s.Shares(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		e := raw.(*structs.SharedEdge)
		if err := emit(e.SourceID+"|"+e.TargetID, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpSessions(emit func(string, interface{}) error) error {
	iter, err := s.Sessions(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		sess := raw.(*structs.SimulationSession)
		if err := emit(sess.ID, sess); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpDeltas(emit func(string, interface{}) error) error {
	iter, err := s.Deltas(nil)
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		d := raw.(*structs.SpeculativeDelta)
		key := fmt.Sprintf("%s|%020d", d.SessionID, d.Sequence)
		if err := emit(key, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSnapshot) dumpIndexes(emit func(string, interface{}) error) error {
	iter, err := s.Indexes()
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		entry := raw.(*IndexEntry)
		if err := emit(entry.Key, entry); err != nil {
			return err
		}
	}
	return nil
}

// RestoreSnapshot loads a persisted snapshot into this state store,
// replacing nothing: the store must be freshly created. Missing buckets
// are fine, an empty file restores an empty graph.
func (s *StateStore) RestoreSnapshot(db *boltdd.DB) error {
	restore, err := s.Restore()
	if err != nil {
		return err
	}
	defer restore.Abort()

	err = db.View(func(tx *boltdd.Tx) error {
		if bkt := tx.Bucket([]byte(TableProviders)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, rp structs.ResourceProvider) {
				if ierr == nil {
					ierr = restore.ProviderRestore(&rp)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableInventories)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, inv structs.Inventory) {
				if ierr == nil {
					ierr = restore.InventoryRestore(&inv)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableAllocations)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, alloc structs.Allocation) {
				if ierr == nil {
					ierr = restore.AllocationRestore(&alloc)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableConsumers)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, c structs.Consumer) {
				if ierr == nil {
					ierr = restore.ConsumerRestore(&c)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableResourceClasses)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, rc structs.ResourceClass) {
				if ierr == nil {
					ierr = restore.ResourceClassRestore(&rc)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableTraits)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, tr structs.Trait) {
				if ierr == nil {
					ierr = restore.TraitRestore(&tr)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableAggregates)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, agg structs.Aggregate) {
				if ierr == nil {
					ierr = restore.AggregateRestore(&agg)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableCells)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, c structs.Cell) {
				if ierr == nil {
					ierr = restore.CellRestore(&c)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableFlavors)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, f structs.Flavor) {
				if ierr == nil {
					ierr = restore.FlavorRestore(&f)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableServerGroups)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, sg structs.ServerGroup) {
				if ierr == nil {
					ierr = restore.ServerGroupRestore(&sg)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableShares)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, e structs.SharedEdge) {
				if ierr == nil {
					ierr = restore.ShareRestore(&e)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableSessions)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, sess structs.SimulationSession) {
				if ierr == nil {
					ierr = restore.SessionRestore(&sess)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(TableDeltas)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, d structs.SpeculativeDelta) {
				if ierr == nil {
					ierr = restore.DeltaRestore(&d)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		if bkt := tx.Bucket([]byte(tableIndex)); bkt != nil {
			var ierr error
			if err := boltdd.Iterate(bkt, nil, func(_ []byte, entry IndexEntry) {
				if ierr == nil {
					ierr = restore.IndexRestore(&entry)
				}
			}); err != nil {
				return err
			}
			if ierr != nil {
				return ierr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return restore.Commit()
}
