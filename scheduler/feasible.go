// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// FeasibleIterator yields candidate roots that pass feasibility checks.
type FeasibleIterator interface {
	// Next yields the next feasible root, or nil when exhausted.
	Next() *structs.ResourceProvider

	// Reset rewinds the iterator for another pass.
	Reset()
}

// FeasibilityChecker rules one candidate root in or out. Checkers answer
// from the current read view; a store error counts as infeasible so a
// torn read never produces a candidate the claim would reject anyway.
type FeasibilityChecker interface {
	Feasible(root *structs.ResourceProvider) bool
}

// StaticIterator yields a fixed set of roots in the order given. The
// caller sorts; candidate ordering must be deterministic end to end.
type StaticIterator struct {
	ctx    Context
	roots  []*structs.ResourceProvider
	offset int
}

func NewStaticIterator(ctx Context, roots []*structs.ResourceProvider) *StaticIterator {
	return &StaticIterator{
		ctx:   ctx,
		roots: roots,
	}
}

func (iter *StaticIterator) Next() *structs.ResourceProvider {
	if iter.offset == len(iter.roots) {
		return nil
	}
	offset := iter.offset
	iter.offset++
	return iter.roots[offset]
}

func (iter *StaticIterator) Reset() {
	iter.offset = 0
}

func (iter *StaticIterator) SetRoots(roots []*structs.ResourceProvider) {
	iter.roots = roots
	iter.offset = 0
}

// FeasibilityWrapper applies a checker chain to a source iterator,
// yielding only roots every checker accepts.
type FeasibilityWrapper struct {
	ctx      Context
	source   FeasibleIterator
	checkers []FeasibilityChecker
}

func NewFeasibilityWrapper(ctx Context, source FeasibleIterator, checkers ...FeasibilityChecker) *FeasibilityWrapper {
	return &FeasibilityWrapper{
		ctx:      ctx,
		source:   source,
		checkers: checkers,
	}
}

func (w *FeasibilityWrapper) Next() *structs.ResourceProvider {
OUTER:
	for {
		root := w.source.Next()
		if root == nil {
			return nil
		}
		for _, checker := range w.checkers {
			if !checker.Feasible(root) {
				continue OUTER
			}
		}
		return root
	}
}

func (w *FeasibilityWrapper) Reset() {
	w.source.Reset()
}

// EligibilityChecker excludes disabled providers: a disabled root, a root
// in a disabled cell, or a root carrying the compute-disabled trait.
type EligibilityChecker struct {
	ctx Context
}

func NewEligibilityChecker(ctx Context) *EligibilityChecker {
	return &EligibilityChecker{ctx: ctx}
}

func (c *EligibilityChecker) Feasible(root *structs.ResourceProvider) bool {
	if root.Disabled {
		return false
	}
	if root.HasTrait(structs.TraitComputeDisabled) {
		return false
	}
	if root.CellID != "" {
		cell, err := c.ctx.State().CellByID(nil, root.CellID)
		if err != nil {
			c.ctx.Logger().Error("cell lookup failed", "cell_id", root.CellID, "error", err)
			return false
		}
		if cell != nil && cell.Disabled {
			return false
		}
	}
	return true
}

// TraitChecker applies the request's root-scoped trait filter: required
// traits present, forbidden traits absent, each any-of set satisfied.
// Granular groups carry their own filters, checked against the provider
// chosen for the group during assignment.
type TraitChecker struct {
	ctx    Context
	filter *structs.TraitFilter
}

func NewTraitChecker(ctx Context) *TraitChecker {
	return &TraitChecker{ctx: ctx}
}

func (c *TraitChecker) SetFilter(filter *structs.TraitFilter) {
	c.filter = filter
}

func (c *TraitChecker) Feasible(root *structs.ResourceProvider) bool {
	if c.filter.Empty() {
		return true
	}
	if !hasAllTraits(root, c.filter.Required) {
		return false
	}
	if hasAnyTrait(root, c.filter.Forbidden) {
		return false
	}
	for _, set := range c.filter.AnyOf {
		if !hasAnyTrait(root, set) {
			return false
		}
	}
	return true
}

// AggregateChecker enforces aggregate membership and isolation. Every
// member_of set of every group must intersect the candidate tree's
// aggregates, and any aggregate the root belongs to that restricts
// projects or images must allow the request's.
type AggregateChecker struct {
	ctx       Context
	cache     *treeCache
	memberOf  [][]string
	projectID string
	imageID   string
}

func NewAggregateChecker(ctx Context, cache *treeCache) *AggregateChecker {
	return &AggregateChecker{ctx: ctx, cache: cache}
}

func (c *AggregateChecker) SetRequest(req *structs.CandidateRequest) {
	c.memberOf = nil
	for _, g := range req.Groups {
		c.memberOf = append(c.memberOf, g.MemberOf...)
	}
	c.projectID = req.ProjectID
	c.imageID = req.ImageID
}

func (c *AggregateChecker) Feasible(root *structs.ResourceProvider) bool {
	if len(c.memberOf) > 0 {
		ti, err := c.cache.tree(root)
		if err != nil {
			c.ctx.Logger().Error("tree load failed", "root_id", root.ID, "error", err)
			return false
		}
		union := ti.aggregateUnion()
		for _, set := range c.memberOf {
			matched := false
			for _, aggID := range set {
				if _, ok := union[aggID]; ok {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	for _, aggID := range root.AggregateIDs {
		agg, err := c.ctx.State().AggregateByID(nil, aggID)
		if err != nil {
			c.ctx.Logger().Error("aggregate lookup failed", "aggregate_id", aggID, "error", err)
			return false
		}
		if agg == nil {
			continue
		}
		if !agg.AllowsProject(c.projectID) {
			return false
		}
		if c.imageID != "" && !agg.AllowsImage(c.imageID) {
			return false
		}
	}
	return true
}

// ZoneChecker restricts candidates to roots in the requested availability
// zone, resolved through the aggregate that defines it.
type ZoneChecker struct {
	ctx  Context
	zone string

	aggregateID string
	resolved    bool
}

func NewZoneChecker(ctx Context) *ZoneChecker {
	return &ZoneChecker{ctx: ctx}
}

func (c *ZoneChecker) SetZone(zone string) {
	c.zone = zone
	c.aggregateID = ""
	c.resolved = false
}

func (c *ZoneChecker) Feasible(root *structs.ResourceProvider) bool {
	if c.zone == "" {
		return true
	}
	if !c.resolved {
		agg, err := c.ctx.State().AggregateByZone(nil, c.zone)
		if err != nil {
			c.ctx.Logger().Error("zone lookup failed", "zone", c.zone, "error", err)
			return false
		}
		if agg != nil {
			c.aggregateID = agg.ID
		}
		c.resolved = true
	}
	if c.aggregateID == "" {
		return false
	}
	return root.InAggregate(c.aggregateID)
}

// ServerGroupChecker enforces the hard server group policies against the
// current positions of the group's members. The requesting consumer's own
// position never counts against it, so a member can be replanned.
type ServerGroupChecker struct {
	ctx Context

	group *structs.ServerGroup

	// memberRoots counts placed members per root provider.
	memberRoots map[string]int
}

func NewServerGroupChecker(ctx Context) *ServerGroupChecker {
	return &ServerGroupChecker{ctx: ctx}
}

func (c *ServerGroupChecker) SetRequest(req *structs.CandidateRequest) error {
	c.group = nil
	c.memberRoots = nil
	if req.ServerGroupID == "" {
		return nil
	}

	group, err := c.ctx.State().ServerGroupByID(nil, req.ServerGroupID)
	if err != nil {
		return err
	}
	if group == nil {
		return structs.NewErrNotFound("server group", req.ServerGroupID)
	}
	c.group = group

	c.memberRoots = make(map[string]int)
	for _, member := range group.Members {
		if member == req.ConsumerID {
			continue
		}
		roots, err := consumerRoots(c.ctx, nil, member)
		if err != nil {
			return err
		}
		for _, rootID := range roots {
			c.memberRoots[rootID]++
		}
	}
	return nil
}

func (c *ServerGroupChecker) Feasible(root *structs.ResourceProvider) bool {
	if c.group == nil {
		return true
	}
	switch c.group.Policy {
	case structs.ServerGroupPolicyAffinity:
		if len(c.memberRoots) == 0 {
			return true
		}
		return c.memberRoots[root.ID] > 0
	case structs.ServerGroupPolicyAntiAffinity:
		return c.memberRoots[root.ID] < c.group.MaxServerPerHost()
	default:
		return true
	}
}

// NUMAChecker is the NUMA floor prefilter: the root must expose at least
// as many NUMA node children as the requested split, each able to hold
// the smallest per-cell share on its own. The selector performs the exact
// per-cell assignment; this check only prunes roots that cannot possibly
// fit.
type NUMAChecker struct {
	ctx   Context
	cache *treeCache
	usage *usageReader

	cells  int
	floors map[string]int64
}

func NewNUMAChecker(ctx Context, cache *treeCache) *NUMAChecker {
	return &NUMAChecker{ctx: ctx, cache: cache}
}

func (c *NUMAChecker) SetRequest(req *structs.CandidateRequest, usage *usageReader) {
	c.usage = usage
	c.cells = req.SplitAcrossNUMA
	c.floors = make(map[string]int64)
	if c.cells == 0 {
		return
	}
	if g := req.UnsuffixedGroup(); g != nil {
		for _, class := range numaSplitClasses {
			if total, ok := g.Resources[class]; ok {
				shares := splitEvenly(total, c.cells)
				c.floors[class] = shares[len(shares)-1]
			}
		}
	}
}

// numaSplitClasses are the classes a NUMA split divides across node
// children; everything else stays on the wider tree.
var numaSplitClasses = []string{
	structs.ResourceVCPU,
	structs.ResourcePCPU,
	structs.ResourceMemoryMB,
}

func (c *NUMAChecker) Feasible(root *structs.ResourceProvider) bool {
	if c.cells == 0 || len(c.floors) == 0 {
		return true
	}
	ti, err := c.cache.tree(root)
	if err != nil {
		c.ctx.Logger().Error("tree load failed", "root_id", root.ID, "error", err)
		return false
	}

	fitting := 0
	for _, cell := range ti.numaChildren() {
		ok := true
		for class, floor := range c.floors {
			fits, err := c.usage.fits(cell.ID, class, floor)
			if err != nil {
				c.ctx.Logger().Error("capacity read failed", "provider_id", cell.ID, "error", err)
				return false
			}
			if !fits {
				ok = false
				break
			}
		}
		if ok {
			fitting++
		}
	}
	return fitting >= c.cells
}

// PCIChecker is the device fitting prefilter: each PCI request needs at
// least count distinct device subtrees carrying a matching provider with
// headroom. The selector performs the exact subtree assignment.
type PCIChecker struct {
	ctx   Context
	cache *treeCache
	usage *usageReader

	requests []*structs.PCIRequest
}

func NewPCIChecker(ctx Context, cache *treeCache) *PCIChecker {
	return &PCIChecker{ctx: ctx, cache: cache}
}

func (c *PCIChecker) SetRequest(req *structs.CandidateRequest, usage *usageReader) {
	c.requests = req.PCIRequests
	c.usage = usage
}

func (c *PCIChecker) Feasible(root *structs.ResourceProvider) bool {
	if len(c.requests) == 0 {
		return true
	}
	ti, err := c.cache.tree(root)
	if err != nil {
		c.ctx.Logger().Error("tree load failed", "root_id", root.ID, "error", err)
		return false
	}

	for _, pr := range c.requests {
		subtrees := make(map[string]struct{})
		for _, rp := range ti.members {
			if !hasAllTraits(rp, pr.Traits) {
				continue
			}
			fits, err := c.usage.fits(rp.ID, pr.Class, 1)
			if err != nil {
				c.ctx.Logger().Error("capacity read failed", "provider_id", rp.ID, "error", err)
				return false
			}
			if fits {
				subtrees[ti.deviceSubtreeOf(rp.ID)] = struct{}{}
			}
		}
		if int64(len(subtrees)) < pr.Count {
			return false
		}
	}
	return true
}

// CoverageChecker is the resource coverage prefilter: every class of
// every group must be obtainable somewhere in the tree or from a sharing
// provider, and granular groups need a single provider carrying their
// traits and all of their classes. Partitioning across groups is the
// selector's job.
type CoverageChecker struct {
	ctx   Context
	cache *treeCache
	usage *usageReader

	groups []*structs.ResourceGroup
}

func NewCoverageChecker(ctx Context, cache *treeCache) *CoverageChecker {
	return &CoverageChecker{ctx: ctx, cache: cache}
}

func (c *CoverageChecker) SetRequest(req *structs.CandidateRequest, usage *usageReader) {
	c.groups = req.Groups
	c.usage = usage
}

func (c *CoverageChecker) Feasible(root *structs.ResourceProvider) bool {
	ti, err := c.cache.tree(root)
	if err != nil {
		c.ctx.Logger().Error("tree load failed", "root_id", root.ID, "error", err)
		return false
	}

	for _, g := range c.groups {
		if g.IsGranular() {
			if !c.granularFits(ti, g) {
				return false
			}
			continue
		}
		for class, amount := range g.Resources {
			if !c.classObtainable(ti, class, amount) {
				return false
			}
		}
	}
	return true
}

func (c *CoverageChecker) classObtainable(ti *treeIndex, class string, amount int64) bool {
	for _, rp := range ti.members {
		fits, err := c.usage.fits(rp.ID, class, amount)
		if err != nil {
			c.ctx.Logger().Error("capacity read failed", "provider_id", rp.ID, "error", err)
			return false
		}
		if fits {
			return true
		}
	}
	for _, rp := range ti.sharing {
		if !ti.sharesClass(rp.ID, class) {
			continue
		}
		fits, err := c.usage.fits(rp.ID, class, amount)
		if err != nil {
			c.ctx.Logger().Error("capacity read failed", "provider_id", rp.ID, "error", err)
			return false
		}
		if fits {
			return true
		}
	}
	return false
}

func (c *CoverageChecker) granularFits(ti *treeIndex, g *structs.ResourceGroup) bool {
	for _, rp := range append(append([]*structs.ResourceProvider{}, ti.members...), ti.sharing...) {
		if !groupTraitsMatch(rp, g.Traits) {
			continue
		}
		ok := true
		for class, amount := range g.Resources {
			if !ti.isMember(rp.ID) && !ti.sharesClass(rp.ID, class) {
				ok = false
				break
			}
			fits, err := c.usage.fits(rp.ID, class, amount)
			if err != nil {
				c.ctx.Logger().Error("capacity read failed", "provider_id", rp.ID, "error", err)
				return false
			}
			if !fits {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func groupTraitsMatch(rp *structs.ResourceProvider, filter *structs.TraitFilter) bool {
	if filter.Empty() {
		return true
	}
	if !hasAllTraits(rp, filter.Required) {
		return false
	}
	if hasAnyTrait(rp, filter.Forbidden) {
		return false
	}
	for _, set := range filter.AnyOf {
		if !hasAnyTrait(rp, set) {
			return false
		}
	}
	return true
}

// consumerRoots resolves the root providers a consumer currently holds
// allocations on, sorted. A migrating consumer may span two roots.
func consumerRoots(ctx Context, ws memdb.WatchSet, consumerID string) ([]string, error) {
	allocs, err := ctx.State().AllocationsByConsumer(ws, consumerID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, alloc := range allocs {
		rp, err := ctx.State().ProviderByID(ws, alloc.ProviderID)
		if err != nil {
			return nil, err
		}
		if rp == nil {
			continue
		}
		if _, ok := seen[rp.RootID]; !ok {
			seen[rp.RootID] = struct{}{}
			out = append(out, rp.RootID)
		}
	}
	sort.Strings(out)
	return out, nil
}
