// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

func TestServer_Claim(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	rp := seedHost(t, s, 1000)

	claim := newClaim(rp, 4, 4096)
	index, err := s.Claim(claim)
	must.NoError(t, err)
	must.Positive(t, index)

	allocs, err := s.State().AllocationsByConsumer(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Len(t, 2, allocs)

	// The claim bumped the provider generation.
	out, err := s.State().ProviderByID(nil, rp.ID)
	must.NoError(t, err)
	must.Eq(t, rp.Generation+1, out.Generation)

	// Release drops the footprint and the consumer record.
	_, err = s.Release(claim.ConsumerID)
	must.NoError(t, err)

	allocs, err = s.State().AllocationsByConsumer(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Len(t, 0, allocs)

	c, err := s.State().ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.Nil(t, c)

	// Releasing again is a no-op.
	_, err = s.Release(claim.ConsumerID)
	must.NoError(t, err)
}

func TestServer_Claim_outOfCapacity(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	rp := seedHost(t, s, 1000)
	must.Zero(t, s.Tracker().FailureScore(rp.RootID))

	// The host has 32 VCPU at ratio 4.0; ask for more than the ceiling.
	_, err := s.Claim(newClaim(rp, 1000, 4096))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))

	// The rejection feeds the build-failure weigher.
	must.Eq(t, float64(1), s.Tracker().FailureScore(rp.RootID))
}

func TestServer_Claim_generationConflict(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	rp := seedHost(t, s, 1000)

	claim := newClaim(rp, 2, 2048)
	claim.ProviderGenerations = map[string]uint64{rp.ID: rp.Generation + 99}
	_, err := s.Claim(claim)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictGeneration, structs.KindOf(err))
	must.True(t, structs.IsRetryable(err))

	must.Eq(t, float64(1), s.Tracker().FailureScore(rp.RootID))
}

func TestServer_ClaimWithRetry(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	rp := seedHost(t, s, 1000)

	// Success on the first attempt.
	index, err := s.ClaimWithRetry(context.Background(), newClaim(rp, 2, 2048))
	must.NoError(t, err)
	must.Positive(t, index)

	// Generation conflicts are not retried here: the caller must re-read
	// candidates before trying again.
	stale := newClaim(rp, 2, 2048)
	stale.ProviderGenerations = map[string]uint64{rp.ID: 0}
	_, err = s.ClaimWithRetry(context.Background(), stale)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictGeneration, structs.KindOf(err))

	// Capacity errors are terminal.
	_, err = s.ClaimWithRetry(context.Background(), newClaim(rp, 1000, 2048))
	must.Error(t, err)
	must.Eq(t, structs.ErrKindOutOfCapacity, structs.KindOf(err))
}

func TestServer_Claim_resize(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	rp := seedHost(t, s, 1000)

	claim := newClaim(rp, 4, 4096)
	_, err := s.Claim(claim)
	must.NoError(t, err)

	c, err := s.State().ConsumerByID(nil, claim.ConsumerID)
	must.NoError(t, err)
	must.NotNil(t, c)

	// Replacing the footprint requires the consumer generation.
	resize := newClaim(rp, 8, 8192)
	resize.ConsumerID = claim.ConsumerID
	gen := c.Generation
	resize.ConsumerGeneration = &gen
	_, err = s.Claim(resize)
	must.NoError(t, err)

	used, err := s.State().UsedByInventory(nil, rp.ID, structs.ResourceVCPU)
	must.NoError(t, err)
	must.Eq(t, int64(8), used)

	// A stale consumer generation is refused.
	again := newClaim(rp, 2, 2048)
	again.ConsumerID = claim.ConsumerID
	again.ConsumerGeneration = &gen
	_, err = s.Claim(again)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindConflictGeneration, structs.KindOf(err))
}
