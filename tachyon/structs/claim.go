// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ClaimRequest is a request to atomically replace a consumer's footprint.
// The claim succeeds only if every generation it carries still matches
// live state and the new footprint fits current capacity; otherwise it
// fails with a precise kind and the caller decides whether to re-read and
// retry or to re-plan.
type ClaimRequest struct {
	// ConsumerID names the consumer whose footprint is replaced.
	ConsumerID string

	// ConsumerGeneration is the generation the caller observed. Nil
	// asserts the consumer does not exist yet and registers it as part of
	// the claim.
	ConsumerGeneration *uint64

	// ProjectID, UserID, ConsumerType and ConsumerState seed the consumer
	// record on first claim. They are ignored for existing consumers.
	ProjectID     string
	UserID        string
	ConsumerType  string
	ConsumerState string

	// Allocations is the full replacement footprint. An empty set drops
	// the consumer entirely, equivalent to a release.
	Allocations AllocationSet

	// ProviderGenerations optionally pins the providers the footprint
	// touches to the generations a candidate observed. Providers present
	// in the map are conflict-checked; absent providers are only capacity
	// checked.
	ProviderGenerations map[string]uint64
}

// Copy returns a deep copy of the claim request.
func (cr *ClaimRequest) Copy() *ClaimRequest {
	if cr == nil {
		return nil
	}
	ncr := new(ClaimRequest)
	*ncr = *cr
	if cr.ConsumerGeneration != nil {
		gen := *cr.ConsumerGeneration
		ncr.ConsumerGeneration = &gen
	}
	ncr.Allocations = cr.Allocations.Copy()
	if cr.ProviderGenerations != nil {
		ncr.ProviderGenerations = make(map[string]uint64, len(cr.ProviderGenerations))
		for k, v := range cr.ProviderGenerations {
			ncr.ProviderGenerations[k] = v
		}
	}
	return ncr
}

// Validate checks the claim request shape.
func (cr *ClaimRequest) Validate() error {
	var mErr multierror.Error

	if cr.ConsumerID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing consumer ID"))
	}
	if err := cr.Allocations.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if cr.ConsumerGeneration == nil {
		// First claim registers the consumer; it needs the attribution.
		if !cr.Allocations.Empty() {
			if cr.ProjectID == "" {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("missing project ID for new consumer"))
			}
			if cr.UserID == "" {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("missing user ID for new consumer"))
			}
		}
	}

	return mErr.ErrorOrNil()
}

// NewClaimFromCandidate builds the claim that realizes a candidate for the
// given consumer, carrying the candidate's provider generation snapshot so
// interleaved writes surface as conflicts instead of silent overcommit.
func NewClaimFromCandidate(ac *AllocationCandidate, consumerID string, consumerGen *uint64, projectID, userID string) *ClaimRequest {
	return &ClaimRequest{
		ConsumerID:          consumerID,
		ConsumerGeneration:  consumerGen,
		ProjectID:           projectID,
		UserID:              userID,
		ConsumerType:        ConsumerTypeInstance,
		ConsumerState:       ConsumerStateBuilding,
		Allocations:         ac.Allocations.Copy(),
		ProviderGenerations: ac.ProviderGenerations,
	}
}
