// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

const (
	// ProviderRoleComputeHost marks a root provider that hosts workloads.
	ProviderRoleComputeHost = "compute-host"

	// ProviderRoleNUMANode marks a child provider representing one NUMA
	// cell of its parent compute host.
	ProviderRoleNUMANode = "numa-node"

	// ProviderRolePCIPF and ProviderRolePCIVF mark PCI physical and
	// virtual function providers.
	ProviderRolePCIPF = "pci-pf"
	ProviderRolePCIVF = "pci-vf"

	// ProviderRolePhysicalGPU and ProviderRoleVGPUType mark GPU providers.
	ProviderRolePhysicalGPU = "physical-gpu"
	ProviderRoleVGPUType    = "vgpu-type"
)

// validProviderName matches the unique human name of a resource provider.
// Names are free-form but must be non-empty and contain no whitespace
// beyond single interior spaces.
var validProviderName = regexp.MustCompile(`^\S(.*\S)?$`)

// ResourceProvider is a node in the provider forest: any source of
// quantitative resources. A compute host is a root provider; NUMA cells,
// PCI functions and GPU types are nested providers below it.
type ResourceProvider struct {
	// ID is the stable UUID of the provider.
	ID string

	// Name is the unique human readable name.
	Name string

	// ParentID is the UUID of the parent provider, or empty for a root.
	ParentID string

	// RootID is the UUID of the root of this provider's tree. It is a
	// derived column maintained in the same transaction as ParentID and
	// must never be set by callers directly.
	RootID string

	// CellID optionally assigns the provider's tree to a cell. Only
	// meaningful on root providers.
	CellID string

	// Generation is the monotonically increasing version used for
	// optimistic concurrency. Any write that changes the provider's
	// inventory, traits or aggregate membership increments it.
	Generation uint64

	// Disabled marks the provider ineligible for new claims while keeping
	// existing allocations intact.
	Disabled bool

	// Roles are the topology role tags of the provider (compute-host,
	// numa-node, pci-pf, pci-vf, physical-gpu, vgpu-type).
	Roles []string

	// Traits is the set of boolean capability names attached to the
	// provider.
	Traits []string

	// AggregateIDs is the set of aggregates the provider is a member of.
	AggregateIDs []string

	// HypervisorVersion is an optional dotted version string reported by
	// the compute inventory owner, consumed by the hypervisor-version
	// weigher.
	HypervisorVersion string

	// Annotations is an opaque property bag written by external
	// collaborators such as the telemetry scraper. The scheduler only
	// ever reads from it.
	Annotations map[string]string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a deep copy of the resource provider.
func (rp *ResourceProvider) Copy() *ResourceProvider {
	if rp == nil {
		return nil
	}
	nrp := new(ResourceProvider)
	*nrp = *rp
	nrp.Roles = copySliceString(rp.Roles)
	nrp.Traits = copySliceString(rp.Traits)
	nrp.AggregateIDs = copySliceString(rp.AggregateIDs)
	nrp.Annotations = copyMapStringString(rp.Annotations)
	return nrp
}

// IsRoot returns true if the provider has no parent.
func (rp *ResourceProvider) IsRoot() bool {
	return rp.ParentID == ""
}

// HasRole returns true if the provider carries the given role tag.
func (rp *ResourceProvider) HasRole(role string) bool {
	for _, r := range rp.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasTrait returns true if the provider carries the given trait.
func (rp *ResourceProvider) HasTrait(name string) bool {
	for _, t := range rp.Traits {
		if t == name {
			return true
		}
	}
	return false
}

// InAggregate returns true if the provider is a member of the given
// aggregate.
func (rp *ResourceProvider) InAggregate(id string) bool {
	for _, a := range rp.AggregateIDs {
		if a == id {
			return true
		}
	}
	return false
}

// Validate checks the provider definition independent of store state.
// Structural rules (parent existence, cycle freedom) are enforced by the
// state store at write time.
func (rp *ResourceProvider) Validate() error {
	var mErr multierror.Error

	if rp.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing provider ID"))
	}
	if rp.Name == "" || !validProviderName.MatchString(rp.Name) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid provider name %q", rp.Name))
	}
	if rp.ParentID == rp.ID && rp.ID != "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("provider cannot be its own parent"))
	}
	for _, role := range rp.Roles {
		switch role {
		case ProviderRoleComputeHost, ProviderRoleNUMANode, ProviderRolePCIPF,
			ProviderRolePCIVF, ProviderRolePhysicalGPU, ProviderRoleVGPUType:
		default:
			mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown provider role %q", role))
		}
	}
	for _, trait := range rp.Traits {
		if err := ValidTraitName(trait); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	return mErr.ErrorOrNil()
}

// Cell is a named partition of the fleet. Root providers may be assigned
// to a cell; a disabled cell makes every root in it ineligible for new
// claims.
type Cell struct {
	ID       string
	Name     string
	Disabled bool

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the cell.
func (c *Cell) Copy() *Cell {
	if c == nil {
		return nil
	}
	nc := new(Cell)
	*nc = *c
	return nc
}

// SharedEdge is a shares_resources edge: the source provider contributes
// the listed resource classes to the target provider's tree. The canonical
// example is a shared storage pool contributing DISK_GB to compute hosts.
type SharedEdge struct {
	// SourceID is the sharing provider.
	SourceID string

	// TargetID is the provider whose tree receives the shared classes.
	TargetID string

	// Classes is the set of resource class names the source contributes.
	Classes []string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the edge.
func (e *SharedEdge) Copy() *SharedEdge {
	if e == nil {
		return nil
	}
	ne := new(SharedEdge)
	*ne = *e
	ne.Classes = copySliceString(e.Classes)
	return ne
}

// SharesClass returns true if the edge contributes the given class.
func (e *SharedEdge) SharesClass(class string) bool {
	for _, c := range e.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// Validate checks the edge definition.
func (e *SharedEdge) Validate() error {
	var mErr multierror.Error
	if e.SourceID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing source provider"))
	}
	if e.TargetID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing target provider"))
	}
	if e.SourceID == e.TargetID {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("provider cannot share resources with itself"))
	}
	if len(e.Classes) == 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("shared edge must list at least one resource class"))
	}
	for _, class := range e.Classes {
		if err := ValidResourceClassName(class); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

func copySliceString(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}

func copyMapStringString(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
