// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Flavor is a canned workload shape: the resource amounts and trait
// constraints a class of workloads requests. Callers may place by flavor
// name instead of spelling out a full request.
type Flavor struct {
	ID   string
	Name string

	// Resources maps resource class to requested amount.
	Resources map[string]int64

	// Traits constrains the providers the flavor may land on.
	Traits *TraitFilter

	// PCIRequests lists passthrough device needs.
	PCIRequests []*PCIRequest

	// SplitAcrossNUMA requests that VCPU/PCPU and MEMORY_MB be satisfied
	// by NUMA node children instead of the root provider, spread over
	// this many nodes. Zero means no NUMA awareness.
	SplitAcrossNUMA int

	// Properties is an opaque bag of flavor extra specs that placement
	// does not interpret.
	Properties map[string]string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a deep copy of the flavor.
func (f *Flavor) Copy() *Flavor {
	if f == nil {
		return nil
	}
	nf := new(Flavor)
	*nf = *f
	if f.Resources != nil {
		nf.Resources = make(map[string]int64, len(f.Resources))
		for k, v := range f.Resources {
			nf.Resources[k] = v
		}
	}
	nf.Traits = f.Traits.Copy()
	if f.PCIRequests != nil {
		nf.PCIRequests = make([]*PCIRequest, len(f.PCIRequests))
		for i, pr := range f.PCIRequests {
			nf.PCIRequests[i] = pr.Copy()
		}
	}
	nf.Properties = copyMapStringString(f.Properties)
	return nf
}

// Validate checks the flavor definition.
func (f *Flavor) Validate() error {
	var mErr multierror.Error

	if f.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing flavor ID"))
	}
	if f.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing flavor name"))
	}
	if len(f.Resources) == 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("flavor requests no resources"))
	}
	for class, amount := range f.Resources {
		if err := ValidResourceClassName(class); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
		if amount <= 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("amount %d for %s must be > 0", amount, class))
		}
	}
	if err := f.Traits.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	for _, pr := range f.PCIRequests {
		if err := pr.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if f.SplitAcrossNUMA < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("numa node count %d must be >= 0", f.SplitAcrossNUMA))
	}

	return mErr.ErrorOrNil()
}
