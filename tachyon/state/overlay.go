// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// Overlay presents a simulation session's view of the graph: a state
// snapshot with the session's delta log folded on top. Graph structure
// (providers, inventories, traits, aggregates) passes through unchanged
// since deltas only move allocations; the usage reads are shadowed to
// account for the speculative footprints.
//
// The fold keeps the last word per consumer: a later delta for the same
// consumer replaces the earlier one, and a release marks the consumer
// absent from the view.
type Overlay struct {
	*StateSnapshot

	// overrides maps consumer ID to its speculative footprint. A nil
	// entry means the session released the consumer.
	overrides map[string]structs.AllocationSet

	// overrideAt stamps each override with its delta's creation time so
	// synthesized allocation rows carry a plausible timestamp.
	overrideAt map[string]time.Time

	// usedAdj accumulates, per provider and class, the net usage movement
	// of all overrides against the snapshot.
	usedAdj map[string]map[string]int64
}

// NewOverlay folds a delta log over a snapshot. Deltas must be in append
// order, as DeltasBySession returns them.
func NewOverlay(snap *StateSnapshot, deltas []*structs.SpeculativeDelta) (*Overlay, error) {
	o := &Overlay{
		StateSnapshot: snap,
		overrides:     make(map[string]structs.AllocationSet),
		overrideAt:    make(map[string]time.Time),
		usedAdj:       make(map[string]map[string]int64),
	}

	for _, delta := range deltas {
		switch delta.Type {
		case structs.DeltaTypeClaim, structs.DeltaTypeMove:
			o.overrides[delta.ConsumerID] = delta.Resources.Copy()
		case structs.DeltaTypeRelease:
			o.overrides[delta.ConsumerID] = nil
		}
		o.overrideAt[delta.ConsumerID] = delta.CreatedAt
	}

	for consumerID, override := range o.overrides {
		live, err := snap.StateStore.AllocationsByConsumer(nil, consumerID)
		if err != nil {
			return nil, err
		}
		for _, alloc := range live {
			o.adjust(alloc.ProviderID, alloc.Class, -alloc.Used)
		}
		for providerID, classes := range override {
			for class, amount := range classes {
				o.adjust(providerID, class, amount)
			}
		}
	}

	return o, nil
}

func (o *Overlay) adjust(providerID, class string, amount int64) {
	if amount == 0 {
		return
	}
	classes, ok := o.usedAdj[providerID]
	if !ok {
		classes = make(map[string]int64)
		o.usedAdj[providerID] = classes
	}
	classes[class] += amount
}

// UsedByInventory reports an inventory's usage under the session view.
func (o *Overlay) UsedByInventory(ws memdb.WatchSet, providerID, class string) (int64, error) {
	used, err := o.StateSnapshot.UsedByInventory(ws, providerID, class)
	if err != nil {
		return 0, err
	}
	return used + o.usedAdj[providerID][class], nil
}

// ProviderUsage reports a provider's per-class usage under the session
// view. Classes whose speculative usage folds to zero are dropped, the
// same as a class nothing live consumes.
func (o *Overlay) ProviderUsage(ws memdb.WatchSet, providerID string) (map[string]int64, error) {
	usage, err := o.StateSnapshot.ProviderUsage(ws, providerID)
	if err != nil {
		return nil, err
	}
	for class, adj := range o.usedAdj[providerID] {
		if v := usage[class] + adj; v == 0 {
			delete(usage, class)
		} else {
			usage[class] = v
		}
	}
	return usage, nil
}

// AllocationsByConsumer returns the consumer's effective footprint:
// synthesized rows when the session overrode it, live rows otherwise.
func (o *Overlay) AllocationsByConsumer(ws memdb.WatchSet, consumerID string) ([]*structs.Allocation, error) {
	override, ok := o.overrides[consumerID]
	if !ok {
		return o.StateSnapshot.AllocationsByConsumer(ws, consumerID)
	}
	if override.Empty() {
		return nil, nil
	}
	return override.Allocations(consumerID, o.overrideAt[consumerID]), nil
}

// ConsumerByID resolves a consumer under the session view. Session-only
// consumers surface as synthetic records; released ones surface as
// absent even while their live record persists.
func (o *Overlay) ConsumerByID(ws memdb.WatchSet, id string) (*structs.Consumer, error) {
	override, ok := o.overrides[id]
	if !ok {
		return o.StateSnapshot.ConsumerByID(ws, id)
	}
	if override == nil {
		return nil, nil
	}

	live, err := o.StateSnapshot.ConsumerByID(ws, id)
	if err != nil {
		return nil, err
	}
	if live != nil {
		return live, nil
	}
	return &structs.Consumer{
		ID:    id,
		Type:  structs.ConsumerTypeInstance,
		State: structs.ConsumerStateBuilding,
	}, nil
}

// Placement maps every effective consumer to its footprint, merging the
// live allocation table with the session's overrides.
func (o *Overlay) Placement() (map[string]structs.AllocationSet, error) {
	out := make(map[string]structs.AllocationSet)

	iter, err := o.StateSnapshot.Allocations(nil)
	if err != nil {
		return nil, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		alloc := raw.(*structs.Allocation)
		if _, ok := o.overrides[alloc.ConsumerID]; ok {
			continue
		}
		set, ok := out[alloc.ConsumerID]
		if !ok {
			set = make(structs.AllocationSet)
			out[alloc.ConsumerID] = set
		}
		set.Add(alloc.ProviderID, alloc.Class, alloc.Used)
	}

	for consumerID, override := range o.overrides {
		if override.Empty() {
			continue
		}
		out[consumerID] = override.Copy()
	}
	return out, nil
}

// ClassUtilization summarizes one resource class across every provider
// exposing it, under the session view.
func (o *Overlay) ClassUtilization(class string) (*structs.ClassUtilization, error) {
	iter, err := o.StateSnapshot.InventoriesByClass(nil, class)
	if err != nil {
		return nil, err
	}

	cu := &structs.ClassUtilization{}
	var ratios []float64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		inv := raw.(*structs.Inventory)
		used, err := o.UsedByInventory(nil, inv.ProviderID, class)
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

// UtilizationDiff compares the session view against the underlying
// snapshot. With no classes named, every class the session moved usage in
// is reported.
func (o *Overlay) UtilizationDiff(classes []string) (*structs.UtilizationDiff, error) {
	if len(classes) == 0 {
		seen := make(map[string]struct{})
		for _, perClass := range o.usedAdj {
			for class := range perClass {
				seen[class] = struct{}{}
			}
		}
		for class := range seen {
			classes = append(classes, class)
		}
		sort.Strings(classes)
	}

	diff := &structs.UtilizationDiff{
		Classes: make(map[string]*structs.ClassDiff, len(classes)),
	}
	for _, class := range classes {
		iter, err := o.StateSnapshot.InventoriesByClass(nil, class)
		if err != nil {
			return nil, err
		}
		cd := &structs.ClassDiff{}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			inv := raw.(*structs.Inventory)
			before, err := o.StateSnapshot.UsedByInventory(nil, inv.ProviderID, class)
			if err != nil {
				return nil, err
			}
			cd.UsedBefore += before
			cd.UsedAfter += before + o.usedAdj[inv.ProviderID][class]
		}
		diff.Classes[class] = cd
	}

	for consumerID, override := range o.overrides {
		live, err := o.StateSnapshot.ConsumerByID(nil, consumerID)
		if err != nil {
			return nil, err
		}
		switch {
		case override == nil && live != nil:
			diff.ConsumersRemoved = append(diff.ConsumersRemoved, consumerID)
		case override != nil && live == nil:
			diff.ConsumersAdded = append(diff.ConsumersAdded, consumerID)
		}
	}
	sort.Strings(diff.ConsumersAdded)
	sort.Strings(diff.ConsumersRemoved)

	return diff, nil
}
