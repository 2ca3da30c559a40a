// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

const (
	// GroupPolicyNone lets distinct named groups land on the same
	// provider.
	GroupPolicyNone = "none"

	// GroupPolicyIsolate forces distinct named groups onto distinct
	// providers.
	GroupPolicyIsolate = "isolate"
)

const (
	// PCINUMAPolicyRequired rejects candidates whose PCI device has no
	// NUMA affinity with the workload's NUMA nodes.
	PCINUMAPolicyRequired = "required"

	// PCINUMAPolicyPreferred prefers affine devices but accepts any.
	PCINUMAPolicyPreferred = "preferred"

	// PCINUMAPolicyAny ignores NUMA affinity for the device.
	PCINUMAPolicyAny = "any"
)

// UnsuffixedGroupName is the name of the request's main resource group.
// It may be satisfied collectively by a candidate's provider tree and its
// sharing providers, while named groups must each be satisfied by a
// single provider.
const UnsuffixedGroupName = ""

// ResourceGroup is one bundle of resources and constraints inside a
// candidate request.
type ResourceGroup struct {
	// Name is empty for the unsuffixed group and a request-unique suffix
	// for granular groups.
	Name string

	// Resources maps resource class to requested amount.
	Resources map[string]int64

	// Traits constrains the providers satisfying this group.
	Traits *TraitFilter

	// MemberOf constrains aggregate membership: every inner set must be
	// matched by at least one aggregate of the satisfying provider's
	// tree.
	MemberOf [][]string
}

// Copy returns a deep copy of the group.
func (g *ResourceGroup) Copy() *ResourceGroup {
	if g == nil {
		return nil
	}
	ng := new(ResourceGroup)
	*ng = *g
	if g.Resources != nil {
		ng.Resources = make(map[string]int64, len(g.Resources))
		for k, v := range g.Resources {
			ng.Resources[k] = v
		}
	}
	ng.Traits = g.Traits.Copy()
	if g.MemberOf != nil {
		ng.MemberOf = make([][]string, len(g.MemberOf))
		for i, set := range g.MemberOf {
			ng.MemberOf[i] = copySliceString(set)
		}
	}
	return ng
}

// IsGranular returns true for a named group, which must be satisfied by
// a single provider.
func (g *ResourceGroup) IsGranular() bool {
	return g.Name != UnsuffixedGroupName
}

// Validate checks the group definition.
func (g *ResourceGroup) Validate() error {
	var mErr multierror.Error

	if len(g.Resources) == 0 && g.Traits.Empty() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("group %q requests no resources and no traits", g.Name))
	}
	for class, amount := range g.Resources {
		if err := ValidResourceClassName(class); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
		if amount <= 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("amount %d for %s must be > 0", amount, class))
		}
	}
	if err := g.Traits.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	for i, set := range g.MemberOf {
		if len(set) == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("member_of set %d of group %q is empty", i, g.Name))
		}
	}

	return mErr.ErrorOrNil()
}

// PCIRequest asks for passthrough devices of one class, optionally bound
// to device traits (vendor, product, offload capabilities) and to the
// workload's NUMA topology.
type PCIRequest struct {
	// Class is the device resource class, PCI_DEVICE or SRIOV_NET_VF or
	// a custom class.
	Class string

	// Count is the number of devices requested.
	Count int64

	// Traits must all be present on the providing device provider.
	Traits []string

	// NUMAPolicy is one of required, preferred, any. Empty means any.
	NUMAPolicy string
}

// Copy returns a deep copy of the PCI request.
func (pr *PCIRequest) Copy() *PCIRequest {
	if pr == nil {
		return nil
	}
	npr := new(PCIRequest)
	*npr = *pr
	npr.Traits = copySliceString(pr.Traits)
	return npr
}

// Validate checks the PCI request.
func (pr *PCIRequest) Validate() error {
	var mErr multierror.Error

	if err := ValidResourceClassName(pr.Class); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if pr.Count <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("pci device count %d must be > 0", pr.Count))
	}
	for _, trait := range pr.Traits {
		if err := ValidTraitName(trait); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	switch pr.NUMAPolicy {
	case "", PCINUMAPolicyRequired, PCINUMAPolicyPreferred, PCINUMAPolicyAny:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown pci numa policy %q", pr.NUMAPolicy))
	}

	return mErr.ErrorOrNil()
}

// CandidateRequest is the full input to the allocation-candidates
// pipeline: resource groups plus the scheduling context that the
// constraint checkers and weighers consult.
type CandidateRequest struct {
	// Groups holds the unsuffixed group (if any) and the granular groups.
	Groups []*ResourceGroup

	// GroupPolicy is required when two or more granular groups are
	// present and decides whether they may share providers.
	GroupPolicy string

	// PCIRequests lists passthrough device needs.
	PCIRequests []*PCIRequest

	// SplitAcrossNUMA requests that the unsuffixed group's VCPU, PCPU and
	// MEMORY_MB be satisfied by NUMA node children, spread over this many
	// nodes. Zero disables NUMA awareness.
	SplitAcrossNUMA int

	// Flavor optionally names a flavor to merge into the request before
	// validation.
	Flavor string

	// AvailabilityZone restricts candidates to trees in the named zone.
	AvailabilityZone string

	// InTree restricts candidates to the tree rooted at the named
	// provider, used for rebuilds and same-host resizes.
	InTree string

	// ProjectID, UserID and ImageID attribute the request for tenant and
	// image isolation.
	ProjectID string
	UserID    string
	ImageID   string

	// ConsumerID is the consumer the resulting claim would be written
	// for. Existing allocations of this consumer are ignored during
	// capacity checks so a move can be planned in place.
	ConsumerID string

	// ServerGroupID ties the request to a server group policy.
	ServerGroupID string

	// PreferredTraits and AvoidedTraits bias scoring by weight without
	// filtering.
	PreferredTraits map[string]float64
	AvoidedTraits   map[string]float64

	// ReferenceConsumerID makes the cross-cell weigher penalize
	// candidates in a different cell than this consumer's current one.
	ReferenceConsumerID string

	// Limit caps the number of returned candidates. Zero means the
	// server default.
	Limit int
}

// Copy returns a deep copy of the request.
func (req *CandidateRequest) Copy() *CandidateRequest {
	if req == nil {
		return nil
	}
	nreq := new(CandidateRequest)
	*nreq = *req
	if req.Groups != nil {
		nreq.Groups = make([]*ResourceGroup, len(req.Groups))
		for i, g := range req.Groups {
			nreq.Groups[i] = g.Copy()
		}
	}
	if req.PCIRequests != nil {
		nreq.PCIRequests = make([]*PCIRequest, len(req.PCIRequests))
		for i, pr := range req.PCIRequests {
			nreq.PCIRequests[i] = pr.Copy()
		}
	}
	if req.PreferredTraits != nil {
		nreq.PreferredTraits = make(map[string]float64, len(req.PreferredTraits))
		for k, v := range req.PreferredTraits {
			nreq.PreferredTraits[k] = v
		}
	}
	if req.AvoidedTraits != nil {
		nreq.AvoidedTraits = make(map[string]float64, len(req.AvoidedTraits))
		for k, v := range req.AvoidedTraits {
			nreq.AvoidedTraits[k] = v
		}
	}
	return nreq
}

// UnsuffixedGroup returns the request's main group, or nil if the request
// is entirely granular.
func (req *CandidateRequest) UnsuffixedGroup() *ResourceGroup {
	for _, g := range req.Groups {
		if !g.IsGranular() {
			return g
		}
	}
	return nil
}

// GranularGroups returns the named groups in request order.
func (req *CandidateRequest) GranularGroups() []*ResourceGroup {
	var out []*ResourceGroup
	for _, g := range req.Groups {
		if g.IsGranular() {
			out = append(out, g)
		}
	}
	return out
}

// RequestedClasses returns the set of resource classes named anywhere in
// the request, including PCI device classes.
func (req *CandidateRequest) RequestedClasses() map[string]struct{} {
	classes := make(map[string]struct{})
	for _, g := range req.Groups {
		for class := range g.Resources {
			classes[class] = struct{}{}
		}
	}
	for _, pr := range req.PCIRequests {
		classes[pr.Class] = struct{}{}
	}
	return classes
}

// Validate checks the request after flavor expansion.
func (req *CandidateRequest) Validate() error {
	var mErr multierror.Error

	if len(req.Groups) == 0 && len(req.PCIRequests) == 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("request has no resource groups"))
	}

	seen := make(map[string]struct{}, len(req.Groups))
	granular := 0
	for _, g := range req.Groups {
		if _, ok := seen[g.Name]; ok {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("duplicate resource group %q", g.Name))
		}
		seen[g.Name] = struct{}{}
		if g.IsGranular() {
			granular++
		}
		if err := g.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	switch req.GroupPolicy {
	case "":
		if granular >= 2 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("group_policy is required with %d granular groups", granular))
		}
	case GroupPolicyNone, GroupPolicyIsolate:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown group_policy %q", req.GroupPolicy))
	}

	for _, pr := range req.PCIRequests {
		if err := pr.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if req.SplitAcrossNUMA < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("numa node count %d must be >= 0", req.SplitAcrossNUMA))
	}
	for trait := range req.PreferredTraits {
		if err := ValidTraitName(trait); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	for trait := range req.AvoidedTraits {
		if err := ValidTraitName(trait); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if req.Limit < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("limit %d must be >= 0", req.Limit))
	}

	return mErr.ErrorOrNil()
}

// ApplyFlavor merges a flavor into the request: flavor resources and
// traits extend the unsuffixed group, PCI requests append, and the NUMA
// split applies when the request itself did not set one. Explicit request
// values win over flavor values.
func (req *CandidateRequest) ApplyFlavor(f *Flavor) {
	if f == nil {
		return
	}

	g := req.UnsuffixedGroup()
	if g == nil {
		g = &ResourceGroup{Name: UnsuffixedGroupName}
		req.Groups = append([]*ResourceGroup{g}, req.Groups...)
	}
	if g.Resources == nil {
		g.Resources = make(map[string]int64, len(f.Resources))
	}
	for class, amount := range f.Resources {
		if _, ok := g.Resources[class]; !ok {
			g.Resources[class] = amount
		}
	}
	if f.Traits != nil {
		if g.Traits == nil {
			g.Traits = &TraitFilter{}
		}
		g.Traits.Required = mergeUnique(g.Traits.Required, f.Traits.Required)
		g.Traits.Forbidden = mergeUnique(g.Traits.Forbidden, f.Traits.Forbidden)
		g.Traits.AnyOf = append(g.Traits.AnyOf, f.Traits.AnyOf...)
	}
	for _, pr := range f.PCIRequests {
		req.PCIRequests = append(req.PCIRequests, pr.Copy())
	}
	if req.SplitAcrossNUMA == 0 {
		req.SplitAcrossNUMA = f.SplitAcrossNUMA
	}
}

func mergeUnique(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
