// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"sync"

	"github.com/hashicorp/go-memdb"
)

const (
	tableIndex = "index"

	TableProviders       = "providers"
	TableInventories     = "inventories"
	TableAllocations     = "allocations"
	TableConsumers       = "consumers"
	TableResourceClasses = "resource_classes"
	TableTraits          = "traits"
	TableAggregates      = "aggregates"
	TableCells           = "cells"
	TableFlavors         = "flavors"
	TableServerGroups    = "server_groups"
	TableShares          = "shares"
	TableSessions        = "sessions"
	TableDeltas          = "deltas"
)

const (
	indexID        = "id"
	indexName      = "name"
	indexParent    = "parent"
	indexRoot      = "root"
	indexCell      = "cell"
	indexAggregate = "aggregate"
	indexTrait     = "trait"
	indexRole      = "role"
	indexProvider  = "provider"
	indexConsumer  = "consumer"
	indexClass     = "class"
	indexProject   = "project"
	indexAZ        = "az"
	indexMember    = "member"
	indexSource    = "source"
	indexTarget    = "target"
	indexSession   = "session"
	indexStatus    = "status"
)

var (
	schemaFactories SchemaFactories
	factoriesLock   sync.Mutex
)

// SchemaFactory is the factory method for returning a TableSchema
type SchemaFactory func() *memdb.TableSchema
type SchemaFactories []SchemaFactory

// RegisterSchemaFactories is used to register a table schema.
func RegisterSchemaFactories(factories ...SchemaFactory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	schemaFactories = append(schemaFactories, factories...)
}

func GetFactories() SchemaFactories {
	return schemaFactories
}

func init() {
	// Register all schemas
	RegisterSchemaFactories([]SchemaFactory{
		indexTableSchema,
		providerTableSchema,
		inventoryTableSchema,
		allocationTableSchema,
		consumerTableSchema,
		resourceClassTableSchema,
		traitTableSchema,
		aggregateTableSchema,
		cellTableSchema,
		flavorTableSchema,
		serverGroupTableSchema,
		shareTableSchema,
		sessionTableSchema,
		deltaTableSchema,
	}...)
}

// stateStoreSchema is used to return the combined schema for the state store.
func stateStoreSchema() *memdb.DBSchema {
	// Create the root DB schema
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	// Add each of the tables
	for _, schemaFn := range GetFactories() {
		schema := schemaFn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic("duplicate table name: " + schema.Name)
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index used for each
// table so the global graph generation can be derived from any table's
// latest write.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

// providerTableSchema holds the resource provider forest. The parent, root
// and cell indexes drive tree traversal; the aggregate, trait and role
// indexes drive the candidate prefilters.
func providerTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableProviders,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexName: {
				Name:         indexName,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
			indexParent: {
				Name:         indexParent,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ParentID",
				},
			},
			indexRoot: {
				Name:         indexRoot,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "RootID",
				},
			},
			indexCell: {
				Name:         indexCell,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "CellID",
				},
			},
			indexAggregate: {
				Name:         indexAggregate,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringSliceFieldIndex{
					Field: "AggregateIDs",
				},
			},
			indexTrait: {
				Name:         indexTrait,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringSliceFieldIndex{
					Field: "Traits",
				},
			},
			indexRole: {
				Name:         indexRole,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringSliceFieldIndex{
					Field: "Roles",
				},
			},
		},
	}
}

// inventoryTableSchema keys inventories by (provider, class).
func inventoryTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableInventories,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ProviderID"},
						&memdb.StringFieldIndex{Field: "Class"},
					},
				},
			},
			indexProvider: {
				Name:         indexProvider,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ProviderID",
				},
			},
			indexClass: {
				Name:         indexClass,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Class",
				},
			},
		},
	}
}

// allocationTableSchema keys allocations by (consumer, provider, class).
// The inventory index serves the per-inventory usage sums of the capacity
// invariant; the consumer index serves footprint reads and replacement.
func allocationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableAllocations,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ConsumerID"},
						&memdb.StringFieldIndex{Field: "ProviderID"},
						&memdb.StringFieldIndex{Field: "Class"},
					},
				},
			},
			indexConsumer: {
				Name:         indexConsumer,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ConsumerID",
				},
			},
			indexProvider: {
				Name:         indexProvider,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ProviderID",
				},
			},
			"inventory": {
				Name:         "inventory",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ProviderID"},
						&memdb.StringFieldIndex{Field: "Class"},
					},
				},
			},
		},
	}
}

func consumerTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableConsumers,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexProject: {
				Name:         indexProject,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ProjectID",
				},
			},
		},
	}
}

func resourceClassTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableResourceClasses,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
		},
	}
}

func traitTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableTraits,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
		},
	}
}

// aggregateTableSchema enforces availability zone uniqueness through a
// unique sparse index: at most one aggregate may own a given zone name.
func aggregateTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableAggregates,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexName: {
				Name:         indexName,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
			indexAZ: {
				Name:         indexAZ,
				AllowMissing: true,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "AvailabilityZone",
				},
			},
		},
	}
}

func cellTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableCells,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexName: {
				Name:         indexName,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
		},
	}
}

func flavorTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableFlavors,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexName: {
				Name:         indexName,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
		},
	}
}

func serverGroupTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableServerGroups,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexName: {
				Name:         indexName,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
			indexMember: {
				Name:         indexMember,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringSliceFieldIndex{
					Field: "Members",
				},
			},
		},
	}
}

// shareTableSchema holds the shares_resources edges keyed by
// (source, target).
func shareTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableShares,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "SourceID"},
						&memdb.StringFieldIndex{Field: "TargetID"},
					},
				},
			},
			indexSource: {
				Name:         indexSource,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SourceID",
				},
			},
			indexTarget: {
				Name:         indexTarget,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "TargetID",
				},
			},
		},
	}
}

func sessionTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableSessions,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
		},
	}
}

// deltaTableSchema orders each session's delta log by sequence number. The
// fixed-width big-endian sequence encoding makes radix order equal numeric
// order, so iterating the id prefix of a session yields the log in append
// order.
func deltaTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableDeltas,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "SessionID"},
						&memdb.UintFieldIndex{Field: "Sequence"},
					},
				},
			},
			indexSession: {
				Name:         indexSession,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SessionID",
				},
			},
		},
	}
}
