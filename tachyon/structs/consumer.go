// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

const (
	// ConsumerStateActive is a steady-state consumer.
	ConsumerStateActive = "active"

	// ConsumerStateBuilding is a consumer whose workload is still being
	// provisioned on its providers.
	ConsumerStateBuilding = "building"

	// ConsumerStateMigrating is a consumer whose workload is moving
	// between providers and temporarily holds allocations on both sides.
	ConsumerStateMigrating = "migrating"

	// ConsumerStateResizing is a consumer whose workload is changing
	// shape in place.
	ConsumerStateResizing = "resizing"
)

const (
	// ConsumerTypeInstance is a normal workload consumer.
	ConsumerTypeInstance = "instance"

	// ConsumerTypeMigration is the shadow consumer that pins the source
	// side of a move while ConsumerStateMigrating is in effect.
	ConsumerTypeMigration = "migration"
)

const (
	// IncompleteProject and IncompleteUser attribute consumers registered
	// without explicit ownership, such as ones materialized from a
	// simulation log that never named a tenant.
	IncompleteProject = "00000000-0000-0000-0000-000000000000"
	IncompleteUser    = "00000000-0000-0000-0000-000000000000"
)

// Consumer is the owner of a set of allocations, typically one workload
// instance. Its generation guards read-modify-write cycles over all of
// its allocations at once.
type Consumer struct {
	// ID is the stable UUID of the consumer.
	ID string

	// Generation is incremented on every change to the consumer's
	// allocation set and checked by the claim protocol.
	Generation uint64

	// ProjectID and UserID attribute the consumer for quota accounting
	// and tenant isolation.
	ProjectID string
	UserID    string

	// Type distinguishes instances from migration shadows.
	Type string

	// State tracks the lifecycle phase. The transient states (building,
	// migrating, resizing) imply elevated I/O on the consumer's providers
	// and are weighed against by the ioops weigher.
	State string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the consumer.
func (c *Consumer) Copy() *Consumer {
	if c == nil {
		return nil
	}
	nc := new(Consumer)
	*nc = *c
	return nc
}

// InTransientState returns true while the consumer is building, migrating
// or resizing.
func (c *Consumer) InTransientState() bool {
	switch c.State {
	case ConsumerStateBuilding, ConsumerStateMigrating, ConsumerStateResizing:
		return true
	default:
		return false
	}
}

// Validate checks the consumer definition.
func (c *Consumer) Validate() error {
	var mErr multierror.Error

	if c.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing consumer ID"))
	}
	switch c.Type {
	case ConsumerTypeInstance, ConsumerTypeMigration:
	case "":
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing consumer type"))
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown consumer type %q", c.Type))
	}
	switch c.State {
	case ConsumerStateActive, ConsumerStateBuilding, ConsumerStateMigrating, ConsumerStateResizing:
	case "":
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing consumer state"))
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown consumer state %q", c.State))
	}

	return mErr.ErrorOrNil()
}
