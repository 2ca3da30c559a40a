// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "sort"

// AllocationCandidate is one placement the pipeline produced: a provider
// tree (plus any sharing providers) together with the concrete
// allocations that would satisfy the request there.
type AllocationCandidate struct {
	// RootID is the root provider of the candidate tree.
	RootID string

	// CellID is the cell of the root, if any.
	CellID string

	// Allocations is the proposed footprint: amounts keyed by provider
	// then class.
	Allocations AllocationSet

	// GroupAssignments maps each resource group name to the providers
	// chosen for it. Granular groups always map to exactly one provider.
	GroupAssignments map[string][]string

	// ProviderGenerations snapshots the generation of every provider the
	// candidate touches, taken at read time. A claim built from this
	// candidate passes them through so the claim can detect interleaved
	// writes.
	ProviderGenerations map[string]uint64

	// Scores holds the weighted normalized score per weigher name.
	Scores map[string]float64

	// Score is the sum of Scores.
	Score float64

	// Freshness is the highest modify index among the touched providers,
	// used to break score ties in favor of recently updated trees.
	Freshness uint64
}

// Copy returns a deep copy of the candidate.
func (ac *AllocationCandidate) Copy() *AllocationCandidate {
	if ac == nil {
		return nil
	}
	nac := new(AllocationCandidate)
	*nac = *ac
	nac.Allocations = ac.Allocations.Copy()
	if ac.GroupAssignments != nil {
		nac.GroupAssignments = make(map[string][]string, len(ac.GroupAssignments))
		for k, v := range ac.GroupAssignments {
			nac.GroupAssignments[k] = copySliceString(v)
		}
	}
	if ac.ProviderGenerations != nil {
		nac.ProviderGenerations = make(map[string]uint64, len(ac.ProviderGenerations))
		for k, v := range ac.ProviderGenerations {
			nac.ProviderGenerations[k] = v
		}
	}
	if ac.Scores != nil {
		nac.Scores = make(map[string]float64, len(ac.Scores))
		for k, v := range ac.Scores {
			nac.Scores[k] = v
		}
	}
	return nac
}

// SortCandidates orders candidates for return: total score descending,
// then freshness descending, then root ID ascending. The final key makes
// the full order deterministic for identical inputs.
func SortCandidates(candidates []*AllocationCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Freshness != b.Freshness {
			return a.Freshness > b.Freshness
		}
		return a.RootID < b.RootID
	})
}

// ResourceSummary reports capacity and current usage of one class on one
// provider.
type ResourceSummary struct {
	Capacity int64
	Used     int64
}

// ProviderSummary describes one provider referenced by returned
// candidates so callers can render capacity without extra reads.
type ProviderSummary struct {
	ProviderID string
	Name       string
	RootID     string
	Generation uint64
	Resources  map[string]*ResourceSummary
	Traits     []string
}

// Copy returns a deep copy of the summary.
func (ps *ProviderSummary) Copy() *ProviderSummary {
	if ps == nil {
		return nil
	}
	nps := new(ProviderSummary)
	*nps = *ps
	if ps.Resources != nil {
		nps.Resources = make(map[string]*ResourceSummary, len(ps.Resources))
		for k, v := range ps.Resources {
			rc := *v
			nps.Resources[k] = &rc
		}
	}
	nps.Traits = copySliceString(ps.Traits)
	return nps
}

// CandidateResponse is the result of the allocation-candidates pipeline.
type CandidateResponse struct {
	// Candidates in final ranked order.
	Candidates []*AllocationCandidate

	// Summaries describes every provider referenced by any candidate,
	// keyed by provider ID.
	Summaries map[string]*ProviderSummary

	// Generation is the global graph generation the pipeline read from.
	Generation uint64
}
