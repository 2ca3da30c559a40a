// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// State is the subset of the graph the planner reads. Both a plain state
// snapshot and a simulation overlay satisfy it; the overlay shadows the
// usage and consumer reads so session deltas are visible to capacity
// checks without touching live state.
type State interface {
	ProviderByID(ws memdb.WatchSet, id string) (*structs.ResourceProvider, error)
	ProvidersByRoot(ws memdb.WatchSet, rootID string) (memdb.ResultIterator, error)
	RootProviders(ws memdb.WatchSet) ([]*structs.ResourceProvider, error)

	InventoriesByProvider(ws memdb.WatchSet, providerID string) (memdb.ResultIterator, error)
	InventoryByProviderAndClass(ws memdb.WatchSet, providerID, class string) (*structs.Inventory, error)
	UsedByInventory(ws memdb.WatchSet, providerID, class string) (int64, error)
	ProviderUsage(ws memdb.WatchSet, providerID string) (map[string]int64, error)

	AllocationsByProvider(ws memdb.WatchSet, providerID string) (memdb.ResultIterator, error)
	AllocationsByConsumer(ws memdb.WatchSet, consumerID string) ([]*structs.Allocation, error)
	ConsumerByID(ws memdb.WatchSet, id string) (*structs.Consumer, error)

	AggregateByID(ws memdb.WatchSet, id string) (*structs.Aggregate, error)
	AggregateByZone(ws memdb.WatchSet, zone string) (*structs.Aggregate, error)
	CellByID(ws memdb.WatchSet, id string) (*structs.Cell, error)
	ServerGroupByID(ws memdb.WatchSet, id string) (*structs.ServerGroup, error)
	SharesByTarget(ws memdb.WatchSet, targetID string) (memdb.ResultIterator, error)
	FlavorByName(ws memdb.WatchSet, name string) (*structs.Flavor, error)

	LatestIndex() (uint64, error)
}

// FailureTracker reports recent claim rejections per root provider. The
// build-failure weigher steers new placements away from roots that keep
// bouncing claims.
type FailureTracker interface {
	FailureScore(rootID string) float64
}

// Context carries the read view and tunables through one planning pass.
type Context interface {
	State() State
	SchedulerConfig() *structs.SchedulerConfiguration
	Failures() FailureTracker
	Logger() hclog.Logger
}

// EvalContext is the Context used for one candidates evaluation.
type EvalContext struct {
	state    State
	config   *structs.SchedulerConfiguration
	failures FailureTracker
	logger   hclog.Logger
}

// NewEvalContext constructs an EvalContext over the given read view.
func NewEvalContext(s State, config *structs.SchedulerConfiguration, logger hclog.Logger) *EvalContext {
	return &EvalContext{
		state:  s,
		config: config,
		logger: logger,
	}
}

func (e *EvalContext) State() State {
	return e.state
}

func (e *EvalContext) SchedulerConfig() *structs.SchedulerConfiguration {
	if e.config == nil {
		return structs.DefaultSchedulerConfiguration()
	}
	return e.config
}

func (e *EvalContext) Failures() FailureTracker {
	return e.failures
}

func (e *EvalContext) Logger() hclog.Logger {
	return e.logger
}

// SetState swaps the read view, used to route a request through a
// simulation overlay instead of the live snapshot.
func (e *EvalContext) SetState(s State) {
	e.state = s
}

// SetFailures attaches the claim rejection tracker.
func (e *EvalContext) SetFailures(ft FailureTracker) {
	e.failures = ft
}
