// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Allocation records actual consumption of one resource class on one
// provider by one consumer. The triple (ConsumerID, ProviderID, Class)
// is the primary key; a consumer's full footprint is the set of its
// allocations, which the claim protocol always replaces atomically.
type Allocation struct {
	ConsumerID string
	ProviderID string
	Class      string

	// Used is the amount consumed.
	Used int64

	// CreateTime and UpdateTime are wall-clock audit timestamps; ordering
	// guarantees come from CreateIndex/ModifyIndex, not from these.
	CreateTime time.Time
	UpdateTime time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the allocation.
func (a *Allocation) Copy() *Allocation {
	if a == nil {
		return nil
	}
	na := new(Allocation)
	*na = *a
	return na
}

// Key returns the composite primary key of the allocation.
func (a *Allocation) Key() string {
	return a.ConsumerID + "|" + a.ProviderID + "|" + a.Class
}

// Validate checks the allocation definition. Capacity and unit
// feasibility are checked against inventories at claim time, not here.
func (a *Allocation) Validate() error {
	var mErr multierror.Error

	if a.ConsumerID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing consumer ID"))
	}
	if a.ProviderID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing provider ID"))
	}
	if err := ValidResourceClassName(a.Class); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if a.Used <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("used %d must be > 0", a.Used))
	}

	return mErr.ErrorOrNil()
}

// AllocationSet is the footprint a claim writes for one consumer:
// amounts keyed by provider then class.
type AllocationSet map[string]map[string]int64

// Copy returns a deep copy of the set.
func (as AllocationSet) Copy() AllocationSet {
	if as == nil {
		return nil
	}
	c := make(AllocationSet, len(as))
	for provider, classes := range as {
		cc := make(map[string]int64, len(classes))
		for class, amount := range classes {
			cc[class] = amount
		}
		c[provider] = cc
	}
	return c
}

// Empty returns true if the set holds no amounts.
func (as AllocationSet) Empty() bool {
	for _, classes := range as {
		for _, amount := range classes {
			if amount != 0 {
				return false
			}
		}
	}
	return true
}

// Providers returns the provider IDs referenced by the set in no
// particular order.
func (as AllocationSet) Providers() []string {
	out := make([]string, 0, len(as))
	for provider := range as {
		out = append(out, provider)
	}
	return out
}

// Add accumulates amount for (providerID, class), creating nested maps as
// needed.
func (as AllocationSet) Add(providerID, class string, amount int64) {
	classes, ok := as[providerID]
	if !ok {
		classes = make(map[string]int64)
		as[providerID] = classes
	}
	classes[class] += amount
}

// Validate checks every amount in the set.
func (as AllocationSet) Validate() error {
	var mErr multierror.Error
	for provider, classes := range as {
		if provider == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("missing provider ID"))
		}
		if len(classes) == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("provider %s has no resources", provider))
		}
		for class, amount := range classes {
			if err := ValidResourceClassName(class); err != nil {
				mErr.Errors = append(mErr.Errors, err)
			}
			if amount <= 0 {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("amount %d for %s on %s must be > 0", amount, class, provider))
			}
		}
	}
	return mErr.ErrorOrNil()
}

// Allocations expands the set into allocation rows for the consumer.
func (as AllocationSet) Allocations(consumerID string, now time.Time) []*Allocation {
	var out []*Allocation
	for provider, classes := range as {
		for class, amount := range classes {
			out = append(out, &Allocation{
				ConsumerID: consumerID,
				ProviderID: provider,
				Class:      class,
				Used:       amount,
				CreateTime: now,
				UpdateTime: now,
			})
		}
	}
	return out
}
