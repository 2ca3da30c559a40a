// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/go-memdb"
)

// ReadTxn is implemented by memdb.Txn to perform read operations.
type ReadTxn interface {
	Get(table, index string, args ...interface{}) (memdb.ResultIterator, error)
	First(table, index string, args ...interface{}) (interface{}, error)
	FirstWatch(table, index string, args ...interface{}) (<-chan struct{}, interface{}, error)
	Abort()
}

// changeTrackerDB is a thin wrapper around memdb.DB which ties every write
// transaction to the graph generation it commits at. Blocking queries hang
// off memdb watch channels, so commit does not need to publish anything;
// the wrapper exists to keep the index stamp and the transaction together.
type changeTrackerDB struct {
	memdb *memdb.MemDB
}

func newChangeTrackerDB(db *memdb.MemDB) *changeTrackerDB {
	return &changeTrackerDB{memdb: db}
}

// ReadTxn returns a read-only transaction which behaves exactly the same
// as memdb.Txn.
func (c *changeTrackerDB) ReadTxn() *txn {
	return &txn{Txn: c.memdb.Txn(false)}
}

// WriteTxn returns a wrapped memdb.Txn suitable for writes to the state
// store. The idx argument must be the generation the write commits at;
// every row the transaction touches is stamped with it.
func (c *changeTrackerDB) WriteTxn(idx uint64) *txn {
	return &txn{
		Txn:   c.memdb.Txn(true),
		Index: idx,
	}
}

// WriteTxnRestore returns a RW transaction for Restore, which replaces the
// entire contents of the store. It uses a zero index since the restored
// rows carry the indexes they were originally written at.
func (c *changeTrackerDB) WriteTxnRestore() *txn {
	return &txn{
		Txn:   c.memdb.Txn(true),
		Index: 0,
	}
}

// txn wraps a memdb.Txn to carry the generation of the write.
type txn struct {
	*memdb.Txn

	// Index is the graph generation the write commits at. The value is
	// zero for a read-only or WriteTxnRestore transaction.
	Index uint64
}

// Commit commits the underlying transaction. Unlike memdb.Txn it returns
// an error so the signature stays stable if commit ever grows a failure
// path; callers must check it.
func (tx *txn) Commit() error {
	tx.Txn.Commit()
	return nil
}
