// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

const (
	// DefaultSimulationTTL bounds a session's lifetime when the caller
	// does not ask for one.
	DefaultSimulationTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the sweeper expires stale
	// sessions.
	DefaultSweepInterval = time.Minute

	// DefaultSnapshotInterval is how often the graph is persisted when a
	// snapshot path is configured.
	DefaultSnapshotInterval = 5 * time.Minute

	// DefaultClaimRetryMax bounds transient retries of a single claim.
	DefaultClaimRetryMax = 3

	// DefaultClaimRetryBackoff is the base backoff between transient
	// claim retries.
	DefaultClaimRetryBackoff = 25 * time.Millisecond
)

// AuthStrategy values. Only noauth is implemented; keystone names the
// contract an external authenticator would fill.
const (
	AuthStrategyNoAuth   = "noauth"
	AuthStrategyKeystone = "keystone"
)

// Config parameterizes a placement server.
type Config struct {
	// Logger is the parent logger; sub-systems derive named loggers from
	// it.
	Logger hclog.Logger

	// DevMode disables durable snapshots regardless of SnapshotPath.
	DevMode bool

	// AuthStrategy selects the authentication collaborator.
	AuthStrategy string

	// SnapshotPath is the bolt file the graph is persisted to. Empty
	// disables persistence.
	SnapshotPath string

	// SnapshotInterval is the period between automatic persists.
	SnapshotInterval time.Duration

	// ClaimRetryMax and ClaimRetryBackoff bound the transient-retry
	// envelope of ClaimWithRetry. Conflict and capacity failures are
	// never retried here; those need fresh state or a re-plan.
	ClaimRetryMax     int
	ClaimRetryBackoff time.Duration

	// SchedulerConfig carries the candidate limit and the weigher
	// multipliers.
	SchedulerConfig *structs.SchedulerConfiguration

	// SimulationTTL is the session lifetime applied when a create request
	// does not carry one.
	SimulationTTL time.Duration

	// SweepInterval is the period of the session sweeper.
	SweepInterval time.Duration

	// StandardTraitsSource identifies the frozen standard trait list
	// seeded at boot.
	StandardTraitsSource string

	// ClaimTracker tunes the claim-rejection tracker feeding the
	// build-failure weigher.
	ClaimTracker *ClaimTrackerConfig
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		AuthStrategy:         AuthStrategyNoAuth,
		SnapshotInterval:     DefaultSnapshotInterval,
		ClaimRetryMax:        DefaultClaimRetryMax,
		ClaimRetryBackoff:    DefaultClaimRetryBackoff,
		SchedulerConfig:      structs.DefaultSchedulerConfiguration(),
		SimulationTTL:        DefaultSimulationTTL,
		SweepInterval:        DefaultSweepInterval,
		StandardTraitsSource: structs.StandardTraitsSourceBuiltin,
		ClaimTracker:         DefaultClaimTrackerConfig(),
	}
}

// Validate checks the config for values the server cannot run with.
func (c *Config) Validate() error {
	switch c.AuthStrategy {
	case "", AuthStrategyNoAuth:
	case AuthStrategyKeystone:
		return fmt.Errorf("auth strategy %q is recognized but not implemented", AuthStrategyKeystone)
	default:
		return fmt.Errorf("unknown auth strategy %q", c.AuthStrategy)
	}

	if c.SnapshotPath != "" && c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", c.SnapshotInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.SimulationTTL <= 0 {
		return fmt.Errorf("simulation TTL must be positive, got %s", c.SimulationTTL)
	}
	if c.ClaimRetryMax < 0 {
		return fmt.Errorf("claim retry max cannot be negative, got %d", c.ClaimRetryMax)
	}

	if _, err := structs.StandardTraits(c.StandardTraitsSource); err != nil {
		return err
	}

	return nil
}
