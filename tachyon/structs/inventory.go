// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
)

// Inventory records how much of one resource class a provider exposes,
// keyed by (ProviderID, Class). Effective capacity is derived from the
// raw total, the reserved floor and the allocation ratio; consumption
// granularity is bounded by the unit fields.
type Inventory struct {
	ProviderID string
	Class      string

	// Total is the raw amount of the resource the provider physically has.
	Total int64

	// Reserved is withheld from placement, for example host OS overhead.
	Reserved int64

	// MinUnit and MaxUnit bound the amount a single allocation may
	// consume.
	MinUnit int64
	MaxUnit int64

	// StepSize is the granularity of consumption; allocated amounts must
	// be multiples of it.
	StepSize int64

	// AllocationRatio scales capacity for overcommit (ratio > 1) or
	// undercommit (ratio < 1).
	AllocationRatio float64

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the inventory.
func (inv *Inventory) Copy() *Inventory {
	if inv == nil {
		return nil
	}
	ninv := new(Inventory)
	*ninv = *inv
	return ninv
}

// Capacity returns the effective capacity of the inventory:
// floor((total - reserved) * allocation_ratio). Overcommit and
// undercommit are both expressed through the ratio.
func (inv *Inventory) Capacity() int64 {
	return int64(math.Floor(float64(inv.Total-inv.Reserved) * inv.AllocationRatio))
}

// FitsAmount checks whether a single allocation of amount would satisfy
// the inventory's unit constraints, ignoring current usage.
func (inv *Inventory) FitsAmount(amount int64) error {
	if amount < inv.MinUnit {
		return fmt.Errorf("amount %d below min_unit %d for %s", amount, inv.MinUnit, inv.Class)
	}
	if amount > inv.MaxUnit {
		return fmt.Errorf("amount %d above max_unit %d for %s", amount, inv.MaxUnit, inv.Class)
	}
	if inv.StepSize > 0 && amount%inv.StepSize != 0 {
		return fmt.Errorf("amount %d not a multiple of step_size %d for %s", amount, inv.StepSize, inv.Class)
	}
	return nil
}

// Accepts reports whether an allocation of amount fits the inventory
// given the current used sum: unit constraints plus used+amount within
// effective capacity.
func (inv *Inventory) Accepts(used, amount int64) error {
	if err := inv.FitsAmount(amount); err != nil {
		return err
	}
	if used+amount > inv.Capacity() {
		return fmt.Errorf("insufficient %s: used %d + requested %d exceeds capacity %d",
			inv.Class, used, amount, inv.Capacity())
	}
	return nil
}

// Validate checks the inventory definition.
func (inv *Inventory) Validate() error {
	var mErr multierror.Error

	if inv.ProviderID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing provider ID"))
	}
	if err := ValidResourceClassName(inv.Class); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if inv.Total < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("total %d must be >= 0", inv.Total))
	}
	if inv.Reserved < 0 || inv.Reserved > inv.Total {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("reserved %d must be within [0, total %d]", inv.Reserved, inv.Total))
	}
	if inv.MinUnit < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("min_unit %d must be >= 1", inv.MinUnit))
	}
	if inv.MaxUnit < inv.MinUnit {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_unit %d must be >= min_unit %d", inv.MaxUnit, inv.MinUnit))
	}
	if inv.StepSize < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("step_size %d must be >= 1", inv.StepSize))
	}
	if inv.AllocationRatio <= 0 || math.IsNaN(inv.AllocationRatio) || math.IsInf(inv.AllocationRatio, 0) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("allocation_ratio %v must be a positive finite number", inv.AllocationRatio))
	}

	return mErr.ErrorOrNil()
}

// DefaultInventory returns an inventory for the class with the permissive
// defaults used when an owner reports only a total: no reservation, unit
// range [1, total], step 1, ratio 1.0.
func DefaultInventory(providerID, class string, total int64) *Inventory {
	return &Inventory{
		ProviderID:      providerID,
		Class:           class,
		Total:           total,
		Reserved:        0,
		MinUnit:         1,
		MaxUnit:         total,
		StepSize:        1,
		AllocationRatio: 1.0,
	}
}
