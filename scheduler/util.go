// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// treeIndex is one candidate tree loaded for planning: the members of a
// root's subtree plus the sharing providers contributing resources into
// it, with depth and membership lookups precomputed. All slices are in
// deterministic order so identical inputs plan identically.
type treeIndex struct {
	root *structs.ResourceProvider

	// byID holds tree members and sharing providers.
	byID map[string]*structs.ResourceProvider

	// members are the tree's providers ordered by (depth, ID). The fitting
	// tie-break prefers providers close to the root.
	members []*structs.ResourceProvider

	// depth maps member ID to its distance from the root.
	depth map[string]int

	// sharing are providers contributing classes via shares_resources
	// edges targeting any tree member, ordered by ID.
	sharing []*structs.ResourceProvider

	// sharedClasses maps sharing provider ID to the classes it
	// contributes.
	sharedClasses map[string]map[string]struct{}
}

func newTreeIndex(ctx Context, ws memdb.WatchSet, root *structs.ResourceProvider) (*treeIndex, error) {
	ti := &treeIndex{
		root:          root,
		byID:          make(map[string]*structs.ResourceProvider),
		depth:         make(map[string]int),
		sharedClasses: make(map[string]map[string]struct{}),
	}

	iter, err := ctx.State().ProvidersByRoot(ws, root.ID)
	if err != nil {
		return nil, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rp := raw.(*structs.ResourceProvider)
		ti.byID[rp.ID] = rp
		ti.members = append(ti.members, rp)
	}

	for _, rp := range ti.members {
		ti.depth[rp.ID] = ti.depthOf(rp.ID)
	}
	sort.Slice(ti.members, func(i, j int) bool {
		a, b := ti.members[i], ti.members[j]
		if ti.depth[a.ID] != ti.depth[b.ID] {
			return ti.depth[a.ID] < ti.depth[b.ID]
		}
		return a.ID < b.ID
	})

	for _, rp := range ti.members {
		shares, err := ctx.State().SharesByTarget(ws, rp.ID)
		if err != nil {
			return nil, err
		}
		for raw := shares.Next(); raw != nil; raw = shares.Next() {
			edge := raw.(*structs.SharedEdge)
			classes, ok := ti.sharedClasses[edge.SourceID]
			if !ok {
				source, err := ctx.State().ProviderByID(ws, edge.SourceID)
				if err != nil {
					return nil, err
				}
				if source == nil {
					continue
				}
				ti.byID[source.ID] = source
				ti.sharing = append(ti.sharing, source)
				classes = make(map[string]struct{})
				ti.sharedClasses[edge.SourceID] = classes
			}
			for _, class := range edge.Classes {
				classes[class] = struct{}{}
			}
		}
	}
	sort.Slice(ti.sharing, func(i, j int) bool {
		return ti.sharing[i].ID < ti.sharing[j].ID
	})

	return ti, nil
}

// depthOf walks the parent chain to the root. The forest invariant bounds
// the walk.
func (ti *treeIndex) depthOf(id string) int {
	if d, ok := ti.depth[id]; ok {
		return d
	}
	rp := ti.byID[id]
	if rp == nil || rp.IsRoot() {
		return 0
	}
	d := ti.depthOf(rp.ParentID) + 1
	ti.depth[id] = d
	return d
}

// isMember returns true for providers inside the tree, excluding sharing
// providers.
func (ti *treeIndex) isMember(id string) bool {
	_, ok := ti.depth[id]
	return ok
}

// sharesClass returns true if the sharing provider contributes the class
// into this tree.
func (ti *treeIndex) sharesClass(providerID, class string) bool {
	_, ok := ti.sharedClasses[providerID][class]
	return ok
}

// numaChildren returns the root's direct NUMA node children in ID order.
func (ti *treeIndex) numaChildren() []*structs.ResourceProvider {
	var out []*structs.ResourceProvider
	for _, rp := range ti.members {
		if rp.ParentID == ti.root.ID && rp.HasRole(structs.ProviderRoleNUMANode) {
			out = append(out, rp)
		}
	}
	return out
}

// numaAncestorOf returns the ID of the NUMA node the provider is nested
// under, or empty when the provider hangs directly off the root.
func (ti *treeIndex) numaAncestorOf(id string) string {
	for cur := ti.byID[id]; cur != nil && !cur.IsRoot(); cur = ti.byID[cur.ParentID] {
		if cur.HasRole(structs.ProviderRoleNUMANode) {
			return cur.ID
		}
	}
	return ""
}

// deviceSubtreeOf returns the top of the device subtree the provider
// belongs to: the highest ancestor carrying a device role, or the
// provider itself. A PF and its VFs share one subtree key.
func (ti *treeIndex) deviceSubtreeOf(id string) string {
	top := id
	for cur := ti.byID[id]; cur != nil && !cur.IsRoot(); cur = ti.byID[cur.ParentID] {
		if isDeviceProvider(cur) {
			top = cur.ID
		}
	}
	return top
}

// aggregateUnion returns the union of aggregate memberships across the
// tree's members.
func (ti *treeIndex) aggregateUnion() map[string]struct{} {
	out := make(map[string]struct{})
	for _, rp := range ti.members {
		for _, agg := range rp.AggregateIDs {
			out[agg] = struct{}{}
		}
	}
	return out
}

// traitUnion returns the union of traits across the tree's members.
func (ti *treeIndex) traitUnion() map[string]struct{} {
	out := make(map[string]struct{})
	for _, rp := range ti.members {
		for _, t := range rp.Traits {
			out[t] = struct{}{}
		}
	}
	return out
}

func isDeviceProvider(rp *structs.ResourceProvider) bool {
	return rp.HasRole(structs.ProviderRolePCIPF) ||
		rp.HasRole(structs.ProviderRolePCIVF) ||
		rp.HasRole(structs.ProviderRolePhysicalGPU) ||
		rp.HasRole(structs.ProviderRoleVGPUType)
}

// treeCache memoizes tree loads within one planning pass so the checkers,
// the selector and the weighers walk each candidate tree once.
type treeCache struct {
	ctx   Context
	ws    memdb.WatchSet
	trees map[string]*treeIndex
}

func newTreeCache(ctx Context, ws memdb.WatchSet) *treeCache {
	return &treeCache{
		ctx:   ctx,
		ws:    ws,
		trees: make(map[string]*treeIndex),
	}
}

func (tc *treeCache) tree(root *structs.ResourceProvider) (*treeIndex, error) {
	if ti, ok := tc.trees[root.ID]; ok {
		return ti, nil
	}
	ti, err := newTreeIndex(tc.ctx, tc.ws, root)
	if err != nil {
		return nil, err
	}
	tc.trees[root.ID] = ti
	return ti, nil
}

// usageReader reads effective usage for capacity checks, excluding the
// requesting consumer's current footprint so an in-place move or resize
// sees its own allocations as free.
type usageReader struct {
	ctx  Context
	ws   memdb.WatchSet
	self structs.AllocationSet
}

func newUsageReader(ctx Context, ws memdb.WatchSet, consumerID string) (*usageReader, error) {
	u := &usageReader{
		ctx:  ctx,
		ws:   ws,
		self: make(structs.AllocationSet),
	}
	if consumerID != "" {
		allocs, err := ctx.State().AllocationsByConsumer(ws, consumerID)
		if err != nil {
			return nil, err
		}
		for _, alloc := range allocs {
			u.self.Add(alloc.ProviderID, alloc.Class, alloc.Used)
		}
	}
	return u, nil
}

func (u *usageReader) used(providerID, class string) (int64, error) {
	used, err := u.ctx.State().UsedByInventory(u.ws, providerID, class)
	if err != nil {
		return 0, err
	}
	used -= u.self[providerID][class]
	if used < 0 {
		used = 0
	}
	return used, nil
}

// headroom returns the free amount of a class on a provider, or 0 when
// the provider has no inventory row for it.
func (u *usageReader) headroom(providerID, class string) (int64, error) {
	inv, err := u.ctx.State().InventoryByProviderAndClass(u.ws, providerID, class)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return 0, nil
	}
	used, err := u.used(providerID, class)
	if err != nil {
		return 0, err
	}
	free := inv.Capacity() - used
	if free < 0 {
		free = 0
	}
	return free, nil
}

// fits reports whether one additional allocation of amount would pass the
// inventory's unit and capacity constraints.
func (u *usageReader) fits(providerID, class string, amount int64) (bool, error) {
	inv, err := u.ctx.State().InventoryByProviderAndClass(u.ws, providerID, class)
	if err != nil {
		return false, err
	}
	if inv == nil {
		return false, nil
	}
	used, err := u.used(providerID, class)
	if err != nil {
		return false, err
	}
	return inv.Accepts(used, amount) == nil, nil
}

func hasAllTraits(rp *structs.ResourceProvider, traits []string) bool {
	for _, t := range traits {
		if !rp.HasTrait(t) {
			return false
		}
	}
	return true
}

func hasAnyTrait(rp *structs.ResourceProvider, traits []string) bool {
	for _, t := range traits {
		if rp.HasTrait(t) {
			return true
		}
	}
	return false
}

// splitEvenly divides total across n cells, handing the remainder to the
// leading cells so shares differ by at most one and larger shares come
// first.
func splitEvenly(total int64, n int) []int64 {
	out := make([]int64, n)
	base := total / int64(n)
	rem := total % int64(n)
	for i := range out {
		out[i] = base
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}
