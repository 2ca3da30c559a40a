// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// capacityLedger tracks the amounts a candidate has assigned so far on
// top of effective usage. Claims land as one row per (provider, class),
// so acceptance always re-checks the merged amount against the
// inventory's unit constraints.
type capacityLedger struct {
	usage    *usageReader
	assigned structs.AllocationSet
}

func newCapacityLedger(usage *usageReader) *capacityLedger {
	return &capacityLedger{
		usage:    usage,
		assigned: make(structs.AllocationSet),
	}
}

func (l *capacityLedger) accepts(providerID, class string, amount int64) (bool, error) {
	inv, err := l.usage.ctx.State().InventoryByProviderAndClass(l.usage.ws, providerID, class)
	if err != nil {
		return false, err
	}
	if inv == nil {
		return false, nil
	}
	used, err := l.usage.used(providerID, class)
	if err != nil {
		return false, err
	}
	merged := l.assigned[providerID][class] + amount
	return inv.Accepts(used, merged) == nil, nil
}

func (l *capacityLedger) assign(providerID, class string, amount int64) {
	l.assigned.Add(providerID, class, amount)
}

func (l *capacityLedger) unassign(providerID, class string, amount int64) {
	structs.SubtractAllocationSet(l.assigned, structs.AllocationSet{
		providerID: {class: amount},
	})
}

// assignUnit is one indivisible piece of the assignment problem: a whole
// granular group, or a single class of the unsuffixed group.
type assignUnit struct {
	group *structs.ResourceGroup

	// class and amount are set for unsuffixed per-class units; granular
	// units place all of their group's classes on one provider.
	class  string
	amount int64
}

func (u *assignUnit) granular() bool {
	return u.class == ""
}

// Selector solves the group assignment problem for one feasible root:
// every request group mapped onto subtree or sharing providers without
// double-counting inventory. Assignment is greedy in request order with
// backtracking inside the root; the provider order (tree distance, then
// ID) makes the outcome deterministic.
type Selector struct {
	ctx   Context
	ws    memdb.WatchSet
	cache *treeCache

	req   *structs.CandidateRequest
	usage *usageReader
}

func NewSelector(ctx Context, ws memdb.WatchSet, cache *treeCache) *Selector {
	return &Selector{
		ctx:   ctx,
		ws:    ws,
		cache: cache,
	}
}

// SetRequest primes the selector for a request. The usage reader carries
// the requesting consumer's self-exclusion.
func (s *Selector) SetRequest(req *structs.CandidateRequest, usage *usageReader) {
	s.req = req
	s.usage = usage
}

// Select plans the request onto the root's tree. A nil candidate with a
// nil error means the root cannot satisfy the request; planning failures
// shrink the result set, they do not surface as errors.
func (s *Selector) Select(root *structs.ResourceProvider) (*structs.AllocationCandidate, error) {
	ti, err := s.cache.tree(root)
	if err != nil {
		return nil, err
	}
	ledger := newCapacityLedger(s.usage)
	assignments := make(map[string][]string)

	numaCells, ok, err := s.assignNUMA(ti, ledger, assignments)
	if err != nil || !ok {
		return nil, err
	}

	ok, err = s.assignGroups(ti, ledger, assignments)
	if err != nil || !ok {
		return nil, err
	}

	ok, err = s.assignDevices(ti, ledger, numaCells)
	if err != nil || !ok {
		return nil, err
	}

	return s.emit(ti, ledger, assignments)
}

// assignNUMA splits the unsuffixed group's CPU and memory across the
// requested number of NUMA node children. Shares are assigned largest
// first to the first child that fits all split classes.
func (s *Selector) assignNUMA(ti *treeIndex, ledger *capacityLedger, assignments map[string][]string) ([]string, bool, error) {
	n := s.req.SplitAcrossNUMA
	if n == 0 {
		return nil, true, nil
	}
	g := s.req.UnsuffixedGroup()
	if g == nil {
		return nil, true, nil
	}

	shares := make(map[string][]int64)
	for _, class := range numaSplitClasses {
		if total, ok := g.Resources[class]; ok {
			shares[class] = splitEvenly(total, n)
		}
	}
	if len(shares) == 0 {
		return nil, true, nil
	}

	cells := ti.numaChildren()
	if len(cells) < n {
		return nil, false, nil
	}

	var chosen []string
	taken := make(map[string]struct{})
	for i := 0; i < n; i++ {
		placed := false
		for _, cell := range cells {
			if _, dup := taken[cell.ID]; dup {
				continue
			}
			fits := true
			for _, class := range numaSplitClasses {
				perCell, ok := shares[class]
				if !ok {
					continue
				}
				accepted, err := ledger.accepts(cell.ID, class, perCell[i])
				if err != nil {
					return nil, false, err
				}
				if !accepted {
					fits = false
					break
				}
			}
			if !fits {
				continue
			}
			for _, class := range numaSplitClasses {
				if perCell, ok := shares[class]; ok {
					ledger.assign(cell.ID, class, perCell[i])
				}
			}
			taken[cell.ID] = struct{}{}
			chosen = append(chosen, cell.ID)
			assignments[g.Name] = append(assignments[g.Name], cell.ID)
			placed = true
			break
		}
		if !placed {
			return nil, false, nil
		}
	}
	return chosen, true, nil
}

// assignGroups places the request groups in input order with
// backtracking. Granular groups bind all their classes to one provider;
// the unsuffixed group binds class by class across the tree and its
// sharing providers.
func (s *Selector) assignGroups(ti *treeIndex, ledger *capacityLedger, assignments map[string][]string) (bool, error) {
	units := s.buildUnits(ti)
	if len(units) == 0 {
		return true, nil
	}

	candidates := make([][]*structs.ResourceProvider, len(units))
	for i, unit := range units {
		candidates[i] = s.unitCandidates(ti, unit)
	}

	// granularHolder maps provider ID to the granular group occupying it,
	// enforcing the isolate policy during the search.
	granularHolder := make(map[string]string)
	pos := make([]int, len(units))
	chosen := make([]*structs.ResourceProvider, len(units))

	i := 0
	for i >= 0 && i < len(units) {
		unit := units[i]
		placed := false
		for ; pos[i] < len(candidates[i]); pos[i]++ {
			rp := candidates[i][pos[i]]
			ok, err := s.tryUnit(ledger, granularHolder, unit, rp)
			if err != nil {
				return false, err
			}
			if ok {
				chosen[i] = rp
				placed = true
				pos[i]++
				break
			}
		}
		if placed {
			i++
			continue
		}
		// Exhausted this unit: backtrack.
		pos[i] = 0
		i--
		if i >= 0 {
			s.undoUnit(ledger, granularHolder, units[i], chosen[i])
			chosen[i] = nil
		}
	}
	if i < 0 {
		return false, nil
	}

	for j, unit := range units {
		assignments[unit.group.Name] = append(assignments[unit.group.Name], chosen[j].ID)
	}
	return true, nil
}

// buildUnits expands the request groups into assignment units in request
// order. Classes consumed by the NUMA split are excluded from the
// unsuffixed group's units.
func (s *Selector) buildUnits(ti *treeIndex) []*assignUnit {
	numaConsumed := make(map[string]struct{})
	if s.req.SplitAcrossNUMA > 0 {
		if g := s.req.UnsuffixedGroup(); g != nil {
			for _, class := range numaSplitClasses {
				if _, ok := g.Resources[class]; ok {
					numaConsumed[class] = struct{}{}
				}
			}
		}
	}

	var units []*assignUnit
	for _, g := range s.req.Groups {
		if g.IsGranular() {
			units = append(units, &assignUnit{group: g})
			continue
		}
		classes := make([]string, 0, len(g.Resources))
		for class := range g.Resources {
			if _, consumed := numaConsumed[class]; !consumed {
				classes = append(classes, class)
			}
		}
		sort.Strings(classes)
		for _, class := range classes {
			units = append(units, &assignUnit{
				group:  g,
				class:  class,
				amount: g.Resources[class],
			})
		}
	}
	return units
}

// unitCandidates lists the providers a unit may bind to, tree members
// first by (depth, ID), sharing providers after by ID. Capacity is
// checked at try time against the ledger; this list only applies the
// static constraints.
func (s *Selector) unitCandidates(ti *treeIndex, unit *assignUnit) []*structs.ResourceProvider {
	var out []*structs.ResourceProvider

	if unit.granular() {
		for _, rp := range ti.members {
			if groupTraitsMatch(rp, unit.group.Traits) {
				out = append(out, rp)
			}
		}
		for _, rp := range ti.sharing {
			if !groupTraitsMatch(rp, unit.group.Traits) {
				continue
			}
			shared := true
			for class := range unit.group.Resources {
				if !ti.sharesClass(rp.ID, class) {
					shared = false
					break
				}
			}
			if shared {
				out = append(out, rp)
			}
		}
		return out
	}

	out = append(out, ti.members...)
	for _, rp := range ti.sharing {
		if ti.sharesClass(rp.ID, unit.class) {
			out = append(out, rp)
		}
	}
	return out
}

func (s *Selector) tryUnit(ledger *capacityLedger, granularHolder map[string]string, unit *assignUnit, rp *structs.ResourceProvider) (bool, error) {
	if !unit.granular() {
		ok, err := ledger.accepts(rp.ID, unit.class, unit.amount)
		if err != nil || !ok {
			return false, err
		}
		ledger.assign(rp.ID, unit.class, unit.amount)
		return true, nil
	}

	if holder, taken := granularHolder[rp.ID]; taken && holder != unit.group.Name &&
		s.req.GroupPolicy == structs.GroupPolicyIsolate {
		return false, nil
	}
	for _, class := range sortedClasses(unit.group.Resources) {
		ok, err := ledger.accepts(rp.ID, class, unit.group.Resources[class])
		if err != nil || !ok {
			return false, err
		}
	}
	for _, class := range sortedClasses(unit.group.Resources) {
		ledger.assign(rp.ID, class, unit.group.Resources[class])
	}
	granularHolder[rp.ID] = unit.group.Name
	return true, nil
}

func (s *Selector) undoUnit(ledger *capacityLedger, granularHolder map[string]string, unit *assignUnit, rp *structs.ResourceProvider) {
	if rp == nil {
		return
	}
	if !unit.granular() {
		ledger.unassign(rp.ID, unit.class, unit.amount)
		return
	}
	for class, amount := range unit.group.Resources {
		ledger.unassign(rp.ID, class, amount)
	}
	if granularHolder[rp.ID] == unit.group.Name {
		delete(granularHolder, rp.ID)
	}
}

// assignDevices places the PCI requests: each unit of a request lands on
// a distinct device subtree, one function per unit. With a required NUMA
// policy the device must be nested under one of the chosen NUMA cells;
// preferred only biases the order.
func (s *Selector) assignDevices(ti *treeIndex, ledger *capacityLedger, numaCells []string) (bool, error) {
	if len(s.req.PCIRequests) == 0 {
		return true, nil
	}

	cellSet := make(map[string]struct{}, len(numaCells))
	for _, id := range numaCells {
		cellSet[id] = struct{}{}
	}

	for _, pr := range s.req.PCIRequests {
		providers := s.deviceCandidates(ti, pr, cellSet)
		usedSubtrees := make(map[string]struct{})

		for unit := int64(0); unit < pr.Count; unit++ {
			placed := false
			for _, rp := range providers {
				key := ti.deviceSubtreeOf(rp.ID)
				if _, dup := usedSubtrees[key]; dup {
					continue
				}
				ok, err := ledger.accepts(rp.ID, pr.Class, 1)
				if err != nil {
					return false, err
				}
				if !ok {
					continue
				}
				ledger.assign(rp.ID, pr.Class, 1)
				usedSubtrees[key] = struct{}{}
				placed = true
				break
			}
			if !placed {
				return false, nil
			}
		}
	}
	return true, nil
}

// deviceCandidates lists providers able to serve one unit of the PCI
// request, honoring the NUMA policy. Affine devices come first under the
// preferred policy; the required policy drops non-affine devices when a
// NUMA split anchored the workload.
func (s *Selector) deviceCandidates(ti *treeIndex, pr *structs.PCIRequest, cellSet map[string]struct{}) []*structs.ResourceProvider {
	anchored := len(cellSet) > 0

	var affine, other []*structs.ResourceProvider
	for _, rp := range ti.members {
		if !hasAllTraits(rp, pr.Traits) {
			continue
		}
		if anchored {
			if _, ok := cellSet[ti.numaAncestorOf(rp.ID)]; ok {
				affine = append(affine, rp)
				continue
			}
		}
		other = append(other, rp)
	}

	switch pr.NUMAPolicy {
	case structs.PCINUMAPolicyRequired:
		if anchored {
			return affine
		}
		return other
	case structs.PCINUMAPolicyPreferred:
		return append(affine, other...)
	default:
		return append(affine, other...)
	}
}

// emit builds the candidate from the finished ledger: the proposed
// allocations, the generation pins for every touched provider, and the
// freshness tie-break.
func (s *Selector) emit(ti *treeIndex, ledger *capacityLedger, assignments map[string][]string) (*structs.AllocationCandidate, error) {
	cand := &structs.AllocationCandidate{
		RootID:              ti.root.ID,
		CellID:              ti.root.CellID,
		Allocations:         ledger.assigned.Copy(),
		GroupAssignments:    make(map[string][]string, len(assignments)),
		ProviderGenerations: make(map[string]uint64),
	}

	// A trait-only unsuffixed group is satisfied by the root itself.
	if g := s.req.UnsuffixedGroup(); g != nil {
		if _, ok := assignments[g.Name]; !ok {
			assignments[g.Name] = []string{ti.root.ID}
		}
	}
	for name, providers := range assignments {
		cand.GroupAssignments[name] = dedupeSorted(providers)
	}

	touched := map[string]struct{}{ti.root.ID: {}}
	for providerID := range ledger.assigned {
		touched[providerID] = struct{}{}
	}
	for _, providers := range cand.GroupAssignments {
		for _, providerID := range providers {
			touched[providerID] = struct{}{}
		}
	}
	for providerID := range touched {
		rp := ti.byID[providerID]
		if rp == nil {
			var err error
			rp, err = s.ctx.State().ProviderByID(s.ws, providerID)
			if err != nil {
				return nil, err
			}
			if rp == nil {
				continue
			}
		}
		cand.ProviderGenerations[providerID] = rp.Generation
		if rp.ModifyIndex > cand.Freshness {
			cand.Freshness = rp.ModifyIndex
		}
	}
	return cand, nil
}

func sortedClasses(resources map[string]int64) []string {
	out := make([]string, 0, len(resources))
	for class := range resources {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

func dedupeSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
