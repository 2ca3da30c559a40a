// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/tachyon/mock"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

func candidateReq(vcpu, memory int64) *structs.CandidateRequest {
	return &structs.CandidateRequest{
		Groups: []*structs.ResourceGroup{{
			Resources: map[string]int64{
				structs.ResourceVCPU:     vcpu,
				structs.ResourceMemoryMB: memory,
			},
		}},
	}
}

func TestServer_AllocationCandidates(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	h1 := seedHost(t, s, 1000)
	h2 := seedHost(t, s, 2000)

	resp, err := s.AllocationCandidates(candidateReq(4, 4096), "")
	must.NoError(t, err)
	must.Len(t, 2, resp.Candidates)
	must.Positive(t, resp.Generation)

	roots := []string{resp.Candidates[0].RootID, resp.Candidates[1].RootID}
	must.SliceContains(t, roots, h1.RootID)
	must.SliceContains(t, roots, h2.RootID)

	for _, cand := range resp.Candidates {
		must.MapContainsKey(t, cand.ProviderGenerations, cand.RootID)
		must.MapContainsKey(t, resp.Summaries, cand.RootID)
	}

	// Identical request, state and config produce an identical ranking.
	again, err := s.AllocationCandidates(candidateReq(4, 4096), "")
	must.NoError(t, err)
	must.Len(t, 2, again.Candidates)
	must.Eq(t, resp.Candidates[0].RootID, again.Candidates[0].RootID)
	must.Eq(t, resp.Candidates[1].RootID, again.Candidates[1].RootID)
}

func TestServer_AllocationCandidates_sessionView(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	tiny := mock.Provider()
	must.NoError(t, s.State().UpsertResourceProvider(1000, tiny))
	must.NoError(t, s.State().SetInventories(1001, tiny.ID, tiny.Generation, []*structs.Inventory{
		structs.DefaultInventory(tiny.ID, structs.ResourceVCPU, 4),
		structs.DefaultInventory(tiny.ID, structs.ResourceMemoryMB, 8192),
	}))

	sess, err := s.CreateSession(0, "")
	must.NoError(t, err)
	_, err = s.RecordAllocate(sess.ID, "cccccccc-0000-0000-0000-000000000000",
		structs.AllocationSet{tiny.ID: {structs.ResourceVCPU: 2, structs.ResourceMemoryMB: 1024}}, "", "")
	must.NoError(t, err)

	// Live state still fits the request.
	resp, err := s.AllocationCandidates(candidateReq(4, 1024), "")
	must.NoError(t, err)
	must.Len(t, 1, resp.Candidates)

	// The session view does not.
	resp, err = s.AllocationCandidates(candidateReq(4, 1024), sess.ID)
	must.NoError(t, err)
	must.Len(t, 0, resp.Candidates)

	// And a smaller request plans around the session's usage.
	resp, err = s.AllocationCandidates(candidateReq(2, 1024), sess.ID)
	must.NoError(t, err)
	must.Len(t, 1, resp.Candidates)

	// Unknown or terminal sessions refuse the query.
	_, err = s.AllocationCandidates(candidateReq(1, 1024), "nope")
	must.Error(t, err)
	must.True(t, structs.IsErrNotFound(err))

	must.NoError(t, s.Rollback(sess.ID))
	_, err = s.AllocationCandidates(candidateReq(1, 1024), sess.ID)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindInvalidState, structs.KindOf(err))
}

// TestServer_AllocationCandidates_rejectionSteering verifies hosts that
// keep rejecting claims sink in the ranking.
func TestServer_AllocationCandidates_rejectionSteering(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	h1 := seedHost(t, s, 1000)
	h2 := seedHost(t, s, 2000)

	// Identical hosts tie on capacity; break the tie with rejections
	// against h1.
	s.Tracker().Add(h1.RootID)
	s.Tracker().Add(h1.RootID)

	resp, err := s.AllocationCandidates(candidateReq(2, 2048), "")
	must.NoError(t, err)
	must.Len(t, 2, resp.Candidates)
	must.Eq(t, h2.RootID, resp.Candidates[0].RootID)
	must.Eq(t, h1.RootID, resp.Candidates[1].RootID)
}
