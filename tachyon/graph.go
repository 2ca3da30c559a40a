// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// writeIndexed runs a store mutation under the write lock and reports
// the generation the graph sits at afterwards. Idempotent no-op writes
// commit nothing and leave the generation where it was, so the
// post-write read is authoritative where the allocated index is not.
func (s *Server) writeIndexed(fn func(index uint64) error) (uint64, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	index, err := s.nextIndexLocked()
	if err != nil {
		return 0, err
	}
	if err := fn(index); err != nil {
		return 0, err
	}
	return s.store.LatestIndex()
}

// UpsertProvider creates or updates a resource provider. Renames,
// re-parenting, and the generation precondition are enforced by the
// store; the returned index is the generation the write landed at.
func (s *Server) UpsertProvider(rp *structs.ResourceProvider) (uint64, error) {
	defer metrics.MeasureSince([]string{"graph", "upsert_provider"}, time.Now())

	return s.writeIndexed(func(index uint64) error {
		return s.store.UpsertResourceProvider(index, rp)
	})
}

// DeleteProvider removes an empty, childless provider.
func (s *Server) DeleteProvider(id string) (uint64, error) {
	defer metrics.MeasureSince([]string{"graph", "delete_provider"}, time.Now())

	return s.writeIndexed(func(index uint64) error {
		return s.store.DeleteResourceProvider(index, id)
	})
}

// SetInventories replaces a provider's full inventory set under its
// generation precondition.
func (s *Server) SetInventories(providerID string, generation uint64, invs []*structs.Inventory) (uint64, error) {
	defer metrics.MeasureSince([]string{"graph", "set_inventories"}, time.Now())

	return s.writeIndexed(func(index uint64) error {
		return s.store.SetInventories(index, providerID, generation, invs)
	})
}

// DeleteInventory removes a single inventory class from a provider.
func (s *Server) DeleteInventory(providerID string, generation uint64, class string) (uint64, error) {
	defer metrics.MeasureSince([]string{"graph", "delete_inventory"}, time.Now())

	return s.writeIndexed(func(index uint64) error {
		return s.store.DeleteInventory(index, providerID, generation, class)
	})
}

// SetProviderTraits replaces a provider's trait set under its
// generation precondition.
func (s *Server) SetProviderTraits(id string, generation uint64, traits []string) (uint64, error) {
	defer metrics.MeasureSince([]string{"graph", "set_traits"}, time.Now())

	return s.writeIndexed(func(index uint64) error {
		return s.store.SetProviderTraits(index, id, generation, traits)
	})
}

// SetProviderAggregates replaces a provider's aggregate memberships
// under its generation precondition.
func (s *Server) SetProviderAggregates(id string, generation uint64, aggregateIDs []string) (uint64, error) {
	defer metrics.MeasureSince([]string{"graph", "set_aggregates"}, time.Now())

	return s.writeIndexed(func(index uint64) error {
		return s.store.SetProviderAggregates(index, id, generation, aggregateIDs)
	})
}

// UpsertResourceClass registers a custom resource class. Registration
// is idempotent; re-registering an existing class leaves the
// generation untouched.
func (s *Server) UpsertResourceClass(rc *structs.ResourceClass) (uint64, error) {
	return s.writeIndexed(func(index uint64) error {
		return s.store.UpsertResourceClass(index, rc)
	})
}

// DeleteResourceClass removes a custom class no inventory references.
func (s *Server) DeleteResourceClass(name string) (uint64, error) {
	return s.writeIndexed(func(index uint64) error {
		return s.store.DeleteResourceClass(index, name)
	})
}

// UpsertTrait registers a custom trait.
func (s *Server) UpsertTrait(t *structs.Trait) (uint64, error) {
	return s.writeIndexed(func(index uint64) error {
		return s.store.UpsertTrait(index, t)
	})
}

// DeleteTrait removes a custom trait no provider carries.
func (s *Server) DeleteTrait(name string) (uint64, error) {
	return s.writeIndexed(func(index uint64) error {
		return s.store.DeleteTrait(index, name)
	})
}
