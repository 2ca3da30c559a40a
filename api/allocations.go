// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"fmt"
	"net/url"
)

// Allocations is used to query and rewrite consumer footprints.
type Allocations struct {
	client *Client
}

// Allocations returns a handle on the allocation endpoints.
func (c *Client) Allocations() *Allocations {
	return &Allocations{client: c}
}

// ConsumerAllocations is the footprint of one consumer across the graph.
// Unknown consumers read as an empty footprint with a nil generation.
type ConsumerAllocations struct {
	ConsumerID         string
	ConsumerGeneration *uint64
	ProjectID          string
	UserID             string
	ConsumerType       string
	ConsumerState      string
	Allocations        map[string]map[string]int64
}

// ClaimRequest atomically replaces the footprint of one consumer.
type ClaimRequest struct {
	ConsumerID         string
	ConsumerGeneration *uint64
	ProjectID          string
	UserID             string
	ConsumerType       string
	ConsumerState      string

	// Allocations is the desired footprint, keyed by provider then
	// resource class. Empty means release everything.
	Allocations map[string]map[string]int64

	// ProviderGenerations carries the provider generations the caller
	// based its decision on, usually from a candidate.
	ProviderGenerations map[string]uint64
}

// Info returns the current footprint of a consumer.
func (a *Allocations) Info(consumerID string, q *QueryOptions) (*ConsumerAllocations, *QueryMeta, error) {
	var out ConsumerAllocations
	qm, err := a.client.query("/v1/allocations/"+url.PathEscape(consumerID), &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}

// Claim rewrites the footprint of a consumer in one atomic step. The
// consumer generation rides in the request body; the write options
// Generation, when set, overrides it via If-Match.
func (a *Allocations) Claim(claim *ClaimRequest, w *WriteOptions) (*WriteMeta, error) {
	if claim.ConsumerID == "" {
		return nil, fmt.Errorf("missing consumer ID")
	}
	return a.client.put("/v1/allocations/"+url.PathEscape(claim.ConsumerID), claim, nil, w)
}

// Release drops every allocation held by a consumer. Releasing an unknown
// consumer is a no-op.
func (a *Allocations) Release(consumerID string, w *WriteOptions) (*WriteMeta, error) {
	return a.client.delete("/v1/allocations/"+url.PathEscape(consumerID), nil, w)
}
