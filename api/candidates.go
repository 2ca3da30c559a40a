// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

// Candidates is used to run the allocation-candidates pipeline.
type Candidates struct {
	client *Client
}

// Candidates returns a handle on the allocation-candidates endpoint.
func (c *Client) Candidates() *Candidates {
	return &Candidates{client: c}
}

// AllocationCandidate is one placement the pipeline proposes.
type AllocationCandidate struct {
	RootID              string
	CellID              string
	Allocations         map[string]map[string]int64
	GroupAssignments    map[string][]string
	ProviderGenerations map[string]uint64
	Scores              map[string]float64
	Score               float64
	Freshness           uint64
}

// ResourceSummary is the capacity and usage of one class on a provider.
type ResourceSummary struct {
	Capacity int64
	Used     int64
}

// ProviderSummary describes a provider referenced by returned candidates.
type ProviderSummary struct {
	ProviderID string
	Name       string
	RootID     string
	Generation uint64
	Resources  map[string]*ResourceSummary
	Traits     []string
}

// CandidateResponse is the ranked pipeline result.
type CandidateResponse struct {
	Candidates []*AllocationCandidate
	Summaries  map[string]*ProviderSummary
	Generation uint64
}

// List runs the pipeline. Selectors ride as query parameters, for example
// Params["resources"] = "VCPU:2,MEMORY_MB:1024".
func (cd *Candidates) List(q *QueryOptions) (*CandidateResponse, *QueryMeta, error) {
	var out CandidateResponse
	qm, err := cd.client.query("/v1/allocation_candidates", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}
