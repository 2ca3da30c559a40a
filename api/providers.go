// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"fmt"
	"net/url"
)

// Providers is used to query the resource provider endpoints.
type Providers struct {
	client *Client
}

// Providers returns a handle on the resource provider endpoints.
func (c *Client) Providers() *Providers {
	return &Providers{client: c}
}

// ResourceProvider is one node of the provider forest.
type ResourceProvider struct {
	ID                string
	Name              string
	ParentID          string
	RootID            string
	CellID            string
	Generation        uint64
	Disabled          bool
	Traits            []string
	AggregateIDs      []string
	HypervisorVersion string
	CreateIndex       uint64
	ModifyIndex       uint64
}

// ProviderInventories is the full inventory set of one provider.
type ProviderInventories struct {
	ProviderID  string
	Generation  uint64
	Inventories map[string]*Inventory
}

// Inventory describes the capacity of one resource class on a provider.
type Inventory struct {
	Total           int64
	Reserved        int64
	MinUnit         int64
	MaxUnit         int64
	StepSize        int64
	AllocationRatio float64
}

// List queries resource providers. Use the QueryOptions Params to pass the
// server-side selectors such as in_tree, member_of and resources.
func (p *Providers) List(q *QueryOptions) ([]*ResourceProvider, *QueryMeta, error) {
	var out []*ResourceProvider
	qm, err := p.client.query("/v1/resource_providers", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Info queries a single resource provider by ID.
func (p *Providers) Info(providerID string, q *QueryOptions) (*ResourceProvider, *QueryMeta, error) {
	var out ResourceProvider
	qm, err := p.client.query("/v1/resource_providers/"+url.PathEscape(providerID), &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}

// Create registers a new resource provider. The returned provider carries
// the server-assigned ID and generation.
func (p *Providers) Create(provider *ResourceProvider, w *WriteOptions) (*ResourceProvider, *WriteMeta, error) {
	var out ResourceProvider
	wm, err := p.client.post("/v1/resource_providers", provider, &out, w)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// Update rewrites the attributes of an existing provider. The write options
// Generation is required as the concurrency precondition.
func (p *Providers) Update(provider *ResourceProvider, w *WriteOptions) (*ResourceProvider, *WriteMeta, error) {
	if provider.ID == "" {
		return nil, nil, fmt.Errorf("missing provider ID")
	}
	var out ResourceProvider
	wm, err := p.client.put("/v1/resource_providers/"+url.PathEscape(provider.ID), provider, &out, w)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// Delete removes an empty leaf provider.
func (p *Providers) Delete(providerID string, w *WriteOptions) (*WriteMeta, error) {
	return p.client.delete("/v1/resource_providers/"+url.PathEscape(providerID), nil, w)
}

// Inventories fetches the inventory set of a provider.
func (p *Providers) Inventories(providerID string, q *QueryOptions) (*ProviderInventories, *QueryMeta, error) {
	var out ProviderInventories
	qm, err := p.client.query("/v1/resource_providers/"+url.PathEscape(providerID)+"/inventories", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}

// SetInventories replaces the full inventory set of a provider. The write
// options Generation is required as the concurrency precondition.
func (p *Providers) SetInventories(providerID string, inventories map[string]*Inventory, w *WriteOptions) (*ProviderInventories, *WriteMeta, error) {
	req := struct {
		Inventories map[string]*Inventory
	}{Inventories: inventories}

	var out ProviderInventories
	wm, err := p.client.put("/v1/resource_providers/"+url.PathEscape(providerID)+"/inventories", &req, &out, w)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// Usages reports the allocated amounts against a provider by resource
// class.
func (p *Providers) Usages(providerID string, q *QueryOptions) (map[string]int64, *QueryMeta, error) {
	var out struct {
		ProviderID string
		Generation uint64
		Usages     map[string]int64
	}
	qm, err := p.client.query("/v1/resource_providers/"+url.PathEscape(providerID)+"/usages", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out.Usages, qm, nil
}
