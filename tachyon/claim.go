// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"context"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// Claim atomically replaces a consumer's footprint, returning the global
// generation the write landed at. The whole claim protocol runs inside
// one store transaction; a failure changes nothing.
//
// Claims rejected for capacity or stale generations are recorded against
// the affected roots so the build-failure weigher demotes them on the
// next plan. Retry policy stays with the caller: use ClaimWithRetry for
// the standard transient envelope.
func (s *Server) Claim(claim *structs.ClaimRequest) (uint64, error) {
	defer metrics.MeasureSince([]string{"claim", "apply"}, time.Now())

	var applied uint64
	err := s.withWrite(func(index uint64) error {
		if err := s.store.ClaimAllocations(index, claim); err != nil {
			return err
		}
		applied = index
		return nil
	})
	if err != nil {
		switch structs.KindOf(err) {
		case structs.ErrKindOutOfCapacity, structs.ErrKindConflictGeneration:
			s.trackRejection(claim)
			metrics.IncrCounter([]string{"claim", "rejected"}, 1)
		}
		return 0, err
	}

	metrics.IncrCounter([]string{"claim", "applied"}, 1)
	return applied, nil
}

// ClaimWithRetry wraps Claim in the transient-retry envelope: transient
// store failures are retried with backoff up to the configured budget.
// Generation conflicts and capacity misses are returned immediately
// since they need fresh state or a re-plan, not a blind retry.
func (s *Server) ClaimWithRetry(ctx context.Context, claim *structs.ClaimRequest) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt <= s.config.ClaimRetryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * s.config.ClaimRetryBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, structs.NewErr(structs.ErrKindDeadlineExceeded,
					"claim for consumer %s: %v", claim.ConsumerID, ctx.Err())
			}
		}

		index, err := s.Claim(claim)
		if err == nil {
			return index, nil
		}
		if !structs.IsKind(err, structs.ErrKindTransient) {
			return 0, err
		}
		lastErr = err
		s.logger.Warn("transient claim failure, retrying",
			"consumer_id", claim.ConsumerID, "attempt", attempt+1, "error", err)
	}
	return 0, lastErr
}

// Release drops a consumer's footprint and the consumer record. Absent
// consumers release cleanly so deletes stay idempotent.
func (s *Server) Release(consumerID string) (uint64, error) {
	defer metrics.MeasureSince([]string{"claim", "release"}, time.Now())

	var applied uint64
	err := s.withWrite(func(index uint64) error {
		if err := s.store.ReleaseAllocations(index, consumerID); err != nil {
			return err
		}
		applied = index
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// trackRejection charges a failed claim to the roots of the providers it
// touched.
func (s *Server) trackRejection(claim *structs.ClaimRequest) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return
	}

	roots := make(map[string]struct{})
	for _, providerID := range claim.Allocations.Providers() {
		rp, err := snap.ProviderByID(nil, providerID)
		if err != nil || rp == nil {
			continue
		}
		roots[rp.RootID] = struct{}{}
	}
	for rootID := range roots {
		s.tracker.Add(rootID)
	}
}
