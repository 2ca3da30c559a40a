// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// SessionStatusActive accepts new deltas and serves overlay reads.
	SessionStatusActive = "active"

	// SessionStatusCommitted is terminal: the deltas were applied to the
	// live graph.
	SessionStatusCommitted = "committed"

	// SessionStatusRolledBack is terminal: the session was discarded by
	// the caller.
	SessionStatusRolledBack = "rolled_back"

	// SessionStatusExpired is terminal: the sweeper discarded the session
	// after its TTL lapsed.
	SessionStatusExpired = "expired"
)

const (
	// DeltaTypeClaim adds a consumer footprint.
	DeltaTypeClaim = "claim"

	// DeltaTypeRelease removes a consumer footprint.
	DeltaTypeRelease = "release"

	// DeltaTypeMove atomically rehomes a consumer footprint from one
	// root provider's tree to another.
	DeltaTypeMove = "move"
)

// SimulationSession is a speculative what-if workspace. Reads through the
// session see the live graph with the session's delta log folded in;
// nothing touches live state until commit.
type SimulationSession struct {
	// ID is the session UUID.
	ID string

	// BaseGeneration is the global graph generation the session was
	// opened against.
	BaseGeneration uint64

	// Status is one of active, committed, aborted, expired.
	Status string

	// DeltaCount caches the length of the delta log for listings.
	DeltaCount int

	// AuditID tags the session for external audit trails.
	AuditID string

	CreatedAt time.Time
	ExpiresAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the session.
func (s *SimulationSession) Copy() *SimulationSession {
	if s == nil {
		return nil
	}
	ns := new(SimulationSession)
	*ns = *s
	return ns
}

// Active returns true while the session accepts deltas.
func (s *SimulationSession) Active() bool {
	return s.Status == SessionStatusActive
}

// Expired returns true once the TTL has lapsed, regardless of whether the
// sweeper has marked the session yet.
func (s *SimulationSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Terminal returns true for committed, aborted and expired sessions.
func (s *SimulationSession) Terminal() bool {
	switch s.Status {
	case SessionStatusCommitted, SessionStatusRolledBack, SessionStatusExpired:
		return true
	default:
		return false
	}
}

// SpeculativeDelta is one entry in a session's ordered delta log. Deltas
// are append-only; sequence numbers are dense and start at one.
type SpeculativeDelta struct {
	SessionID string
	Sequence  uint64

	// Type is one of claim, release, move.
	Type string

	// ConsumerID is the consumer whose footprint changes.
	ConsumerID string

	// ProjectID and UserID attribute a consumer that exists only inside
	// the session, so commit can register it. Ignored when the consumer
	// is already live.
	ProjectID string
	UserID    string

	// FromRootID and ToRootID name the trees involved. Claims set only
	// ToRootID, releases only FromRootID, moves both.
	FromRootID string
	ToRootID   string

	// Resources is the footprint written by a claim or move. Releases
	// leave it nil and drop whatever the overlay currently holds.
	Resources AllocationSet

	// ObservedGenerations snapshots the generation of every provider the
	// delta touched, as seen through the overlay at append time. Commit
	// refuses the session if any live generation has moved past the last
	// observation.
	ObservedGenerations map[string]uint64

	CreatedAt time.Time

	CreateIndex uint64
}

// Copy returns a deep copy of the delta.
func (d *SpeculativeDelta) Copy() *SpeculativeDelta {
	if d == nil {
		return nil
	}
	nd := new(SpeculativeDelta)
	*nd = *d
	nd.Resources = d.Resources.Copy()
	if d.ObservedGenerations != nil {
		nd.ObservedGenerations = make(map[string]uint64, len(d.ObservedGenerations))
		for k, v := range d.ObservedGenerations {
			nd.ObservedGenerations[k] = v
		}
	}
	return nd
}

// Validate checks the delta shape for its type.
func (d *SpeculativeDelta) Validate() error {
	var mErr multierror.Error

	if d.SessionID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing session ID"))
	}
	if d.ConsumerID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing consumer ID"))
	}
	switch d.Type {
	case DeltaTypeClaim:
		if d.Resources.Empty() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("claim delta has no resources"))
		}
		if err := d.Resources.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	case DeltaTypeRelease:
		if !d.Resources.Empty() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("release delta must not carry resources"))
		}
	case DeltaTypeMove:
		if d.FromRootID == "" || d.ToRootID == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("move delta requires source and destination roots"))
		}
		if d.FromRootID == d.ToRootID {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("move delta source and destination are the same tree"))
		}
		if d.Resources.Empty() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("move delta has no resources"))
		}
		if err := d.Resources.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown delta type %q", d.Type))
	}

	return mErr.ErrorOrNil()
}

// ClassUtilization aggregates usage of one resource class across the
// providers visible to a simulation view.
type ClassUtilization struct {
	// Providers is the number of providers exposing the class.
	Providers int

	// Capacity and Used are fleet-wide sums.
	Capacity int64
	Used     int64

	// Mean, StdDev, Min and Max summarize the per-provider utilization
	// ratio used/capacity.
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// UtilizationReport is the metrics surface of a simulation session: one
// entry per resource class, computed over the overlay view.
type UtilizationReport struct {
	SessionID  string
	Generation uint64
	Classes    map[string]*ClassUtilization
}

// ClassDiff is the per-class delta between two views.
type ClassDiff struct {
	UsedBefore int64
	UsedAfter  int64
}

// UtilizationDiff compares a session view against the live graph or
// against another session.
type UtilizationDiff struct {
	SessionID string

	// Against is empty when diffing against live state, otherwise the
	// other session's ID.
	Against string

	// Classes maps resource class to the usage movement between views.
	Classes map[string]*ClassDiff

	// ConsumersAdded and ConsumersRemoved list consumer IDs present in
	// only one of the views.
	ConsumersAdded   []string
	ConsumersRemoved []string
}
