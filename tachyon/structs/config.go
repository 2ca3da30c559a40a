// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"math"
	"strconv"

	"github.com/hashicorp/go-multierror"
)

// Weigher names. Every weigher is registered under one of these and its
// global multiplier is configured as weigher.<name>_multiplier.
const (
	WeigherRAM             = "ram"
	WeigherCPU             = "cpu"
	WeigherDisk            = "disk"
	WeigherIOOps           = "ioops"
	WeigherPCI             = "pci"
	WeigherTraitAffinity   = "trait_affinity"
	WeigherGroupSoftPolicy = "server_group_soft_affinity"
	WeigherCrossCell       = "cross_cell"
	WeigherBuildFailure    = "build_failure"
	WeigherHypervisorVer   = "hypervisor_version"
)

// DefaultCandidateLimit caps returned candidates when neither the request
// nor the configuration says otherwise.
const DefaultCandidateLimit = 1000

// SchedulerConfiguration carries the tunables of the candidates pipeline:
// the default result limit and the global weigher multipliers. A positive
// multiplier spreads load across providers; a negative one stacks it.
type SchedulerConfiguration struct {
	// CandidateLimit is the default maximum number of candidates
	// returned when a request does not set its own limit.
	CandidateLimit int

	// WeigherMultipliers maps weigher name to its global multiplier.
	// Weighers absent from the map use their compiled-in default.
	WeigherMultipliers map[string]float64
}

// DefaultSchedulerConfiguration returns the compiled-in tunables. The
// capacity weighers spread by default; build failures and cross-cell
// moves carry large magnitudes so they dominate capacity scores.
func DefaultSchedulerConfiguration() *SchedulerConfiguration {
	return &SchedulerConfiguration{
		CandidateLimit: DefaultCandidateLimit,
		WeigherMultipliers: map[string]float64{
			WeigherRAM:             1.0,
			WeigherCPU:             1.0,
			WeigherDisk:            1.0,
			WeigherIOOps:           -1.0,
			WeigherPCI:             1.0,
			WeigherTraitAffinity:   1.0,
			WeigherGroupSoftPolicy: 1.0,
			WeigherCrossCell:       1000000.0,
			WeigherBuildFailure:    -1000000.0,
			WeigherHypervisorVer:   1.0,
		},
	}
}

// Copy returns a deep copy of the configuration.
func (sc *SchedulerConfiguration) Copy() *SchedulerConfiguration {
	if sc == nil {
		return nil
	}
	nsc := new(SchedulerConfiguration)
	*nsc = *sc
	if sc.WeigherMultipliers != nil {
		nsc.WeigherMultipliers = make(map[string]float64, len(sc.WeigherMultipliers))
		for k, v := range sc.WeigherMultipliers {
			nsc.WeigherMultipliers[k] = v
		}
	}
	return nsc
}

// Multiplier returns the global multiplier for a weigher, falling back to
// the compiled-in default for names the configuration does not mention.
func (sc *SchedulerConfiguration) Multiplier(name string) float64 {
	if sc != nil && sc.WeigherMultipliers != nil {
		if m, ok := sc.WeigherMultipliers[name]; ok {
			return m
		}
	}
	if m, ok := DefaultSchedulerConfiguration().WeigherMultipliers[name]; ok {
		return m
	}
	return 1.0
}

// AggregateMultiplierKey is the aggregate property that overrides one
// weigher's multiplier for members of the aggregate, for example
// "weigher.ram_multiplier".
func AggregateMultiplierKey(name string) string {
	return "weigher." + name + "_multiplier"
}

// EffectiveMultiplier resolves the multiplier for a weigher on a
// candidate that is a member of the given aggregates. Aggregate property
// overrides beat the global value; when several aggregates override the
// same weigher the minimum wins so the most conservative policy applies.
func (sc *SchedulerConfiguration) EffectiveMultiplier(name string, aggregates []*Aggregate) float64 {
	global := sc.Multiplier(name)
	key := AggregateMultiplierKey(name)

	override := math.Inf(1)
	found := false
	for _, agg := range aggregates {
		raw, ok := agg.Properties[key]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < override {
			override = v
		}
		found = true
	}
	if found {
		return override
	}
	return global
}

// Validate checks the configuration values.
func (sc *SchedulerConfiguration) Validate() error {
	var mErr multierror.Error

	if sc.CandidateLimit < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("candidate limit %d must be >= 0", sc.CandidateLimit))
	}
	for name, m := range sc.WeigherMultipliers {
		if math.IsNaN(m) || math.IsInf(m, 0) {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("multiplier for %q must be finite", name))
		}
	}

	return mErr.ErrorOrNil()
}
