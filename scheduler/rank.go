// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"github.com/hashicorp/go-memdb"
	version "github.com/hashicorp/go-version"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// weighInput carries what a weigher may inspect for one candidate.
type weighInput struct {
	ctx  Context
	ws   memdb.WatchSet
	req  *structs.CandidateRequest
	cand *structs.AllocationCandidate
	tree *treeIndex
}

// WeigherFn scores one candidate on an arbitrary scale. Raw scores are
// min-max normalized across the candidate set before multipliers apply,
// so only the relative spread within one weigher matters.
type WeigherFn func(in *weighInput) (float64, error)

type weigher struct {
	name string
	fn   WeigherFn
}

func builtinWeighers() []weigher {
	return []weigher{
		{structs.WeigherRAM, weighRAM},
		{structs.WeigherCPU, weighCPU},
		{structs.WeigherDisk, weighDisk},
		{structs.WeigherIOOps, weighIOOps},
		{structs.WeigherPCI, weighPCI},
		{structs.WeigherTraitAffinity, weighTraitAffinity},
		{structs.WeigherGroupSoftPolicy, weighGroupSoftPolicy},
		{structs.WeigherCrossCell, weighCrossCell},
		{structs.WeigherBuildFailure, weighBuildFailure},
		{structs.WeigherHypervisorVer, weighHypervisorVersion},
	}
}

// ScoreCandidates fills in every candidate's per-weigher contributions
// and total score. Each weigher's raw scores are normalized across the
// whole set, multiplied by its effective multiplier and summed; the
// multiplier resolves per candidate so aggregate property overrides on
// one root do not leak into another.
func ScoreCandidates(ctx Context, ws memdb.WatchSet, cache *treeCache, req *structs.CandidateRequest, candidates []*structs.AllocationCandidate) error {
	if len(candidates) == 0 {
		return nil
	}
	cfg := ctx.SchedulerConfig()

	inputs := make([]*weighInput, len(candidates))
	rootAggs := make(map[string][]*structs.Aggregate)
	for i, cand := range candidates {
		root, err := ctx.State().ProviderByID(ws, cand.RootID)
		if err != nil {
			return err
		}
		if root == nil {
			continue
		}
		ti, err := cache.tree(root)
		if err != nil {
			return err
		}
		inputs[i] = &weighInput{
			ctx:  ctx,
			ws:   ws,
			req:  req,
			cand: cand,
			tree: ti,
		}
		if _, ok := rootAggs[cand.RootID]; !ok {
			var aggs []*structs.Aggregate
			for _, aggID := range root.AggregateIDs {
				agg, err := ctx.State().AggregateByID(ws, aggID)
				if err != nil {
					return err
				}
				if agg != nil {
					aggs = append(aggs, agg)
				}
			}
			rootAggs[cand.RootID] = aggs
		}
	}

	for _, w := range builtinWeighers() {
		raw := make([]float64, len(candidates))
		for i := range candidates {
			if inputs[i] == nil {
				continue
			}
			v, err := w.fn(inputs[i])
			if err != nil {
				return err
			}
			raw[i] = v
		}

		norm := structs.NormalizeScores(raw)
		for i, cand := range candidates {
			mult := cfg.EffectiveMultiplier(w.name, rootAggs[cand.RootID])
			weighted := mult * norm[i]
			if cand.Scores == nil {
				cand.Scores = make(map[string]float64)
			}
			cand.Scores[w.name] = weighted
			cand.Score += weighted
		}
	}
	return nil
}

// freeCapacity sums one class's headroom across the given providers.
func freeCapacity(in *weighInput, providers []*structs.ResourceProvider, class string) (float64, error) {
	var total float64
	for _, rp := range providers {
		inv, err := in.ctx.State().InventoryByProviderAndClass(in.ws, rp.ID, class)
		if err != nil {
			return 0, err
		}
		if inv == nil {
			continue
		}
		used, err := in.ctx.State().UsedByInventory(in.ws, rp.ID, class)
		if err != nil {
			return 0, err
		}
		if free := inv.Capacity() - used; free > 0 {
			total += float64(free)
		}
	}
	return total, nil
}

func weighRAM(in *weighInput) (float64, error) {
	return freeCapacity(in, in.tree.members, structs.ResourceMemoryMB)
}

func weighCPU(in *weighInput) (float64, error) {
	return freeCapacity(in, in.tree.members, structs.ResourceVCPU)
}

// weighDisk counts sharing providers too: a tree serving its disk from a
// shared storage pool scores by the pool's headroom.
func weighDisk(in *weighInput) (float64, error) {
	providers := in.tree.members
	for _, rp := range in.tree.sharing {
		if in.tree.sharesClass(rp.ID, structs.ResourceDiskGB) {
			providers = append(providers[:len(providers):len(providers)], rp)
		}
	}
	return freeCapacity(in, providers, structs.ResourceDiskGB)
}

// weighIOOps counts consumers in transient states holding allocations on
// the tree. The default multiplier is negative, steering new workloads
// away from hosts already churning through builds and migrations.
func weighIOOps(in *weighInput) (float64, error) {
	seen := make(map[string]struct{})
	var busy float64
	for _, rp := range in.tree.members {
		iter, err := in.ctx.State().AllocationsByProvider(in.ws, rp.ID)
		if err != nil {
			return 0, err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			alloc := raw.(*structs.Allocation)
			if _, ok := seen[alloc.ConsumerID]; ok {
				continue
			}
			seen[alloc.ConsumerID] = struct{}{}
			consumer, err := in.ctx.State().ConsumerByID(in.ws, alloc.ConsumerID)
			if err != nil {
				return 0, err
			}
			if consumer != nil && consumer.InTransientState() {
				busy++
			}
		}
	}
	return busy, nil
}

// weighPCI sums free device units on the tree. The sign flips for
// requests without PCI devices so device-rich hosts are kept free for
// workloads that need them.
func weighPCI(in *weighInput) (float64, error) {
	var free float64
	for _, rp := range in.tree.members {
		if !isDeviceProvider(rp) {
			continue
		}
		iter, err := in.ctx.State().InventoriesByProvider(in.ws, rp.ID)
		if err != nil {
			return 0, err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			inv := raw.(*structs.Inventory)
			used, err := in.ctx.State().UsedByInventory(in.ws, rp.ID, inv.Class)
			if err != nil {
				return 0, err
			}
			if headroom := inv.Capacity() - used; headroom > 0 {
				free += float64(headroom)
			}
		}
	}
	if len(in.req.PCIRequests) == 0 {
		return -free, nil
	}
	return free, nil
}

func weighTraitAffinity(in *weighInput) (float64, error) {
	if len(in.req.PreferredTraits) == 0 && len(in.req.AvoidedTraits) == 0 {
		return 0, nil
	}
	traits := in.tree.traitUnion()
	var score float64
	for trait, weight := range in.req.PreferredTraits {
		if _, ok := traits[trait]; ok {
			score += weight
		}
	}
	for trait, weight := range in.req.AvoidedTraits {
		if _, ok := traits[trait]; ok {
			score -= weight
		}
	}
	return score, nil
}

// weighGroupSoftPolicy counts the requester's group members already
// placed on the candidate root, positive under soft-affinity and
// negative under soft-anti-affinity. Hard policies are the feasibility
// pass's job and score zero here.
func weighGroupSoftPolicy(in *weighInput) (float64, error) {
	if in.req.ServerGroupID == "" {
		return 0, nil
	}
	group, err := in.ctx.State().ServerGroupByID(in.ws, in.req.ServerGroupID)
	if err != nil || group == nil {
		return 0, err
	}

	var sign float64
	switch group.Policy {
	case structs.ServerGroupPolicySoftAffinity:
		sign = 1
	case structs.ServerGroupPolicySoftAntiAffinity:
		sign = -1
	default:
		return 0, nil
	}

	var members float64
	for _, member := range group.Members {
		if member == in.req.ConsumerID {
			continue
		}
		roots, err := consumerRoots(in.ctx, in.ws, member)
		if err != nil {
			return 0, err
		}
		for _, rootID := range roots {
			if rootID == in.cand.RootID {
				members++
				break
			}
		}
	}
	return sign * members, nil
}

// weighCrossCell penalizes moving the reference consumer out of its
// current cell. The large default multiplier makes any same-cell
// candidate beat every cross-cell one regardless of capacity scores.
func weighCrossCell(in *weighInput) (float64, error) {
	if in.req.ReferenceConsumerID == "" {
		return 0, nil
	}
	roots, err := consumerRoots(in.ctx, in.ws, in.req.ReferenceConsumerID)
	if err != nil {
		return 0, err
	}
	if len(roots) == 0 {
		return 0, nil
	}
	root, err := in.ctx.State().ProviderByID(in.ws, roots[0])
	if err != nil || root == nil {
		return 0, err
	}
	if root.CellID == in.cand.CellID {
		return 0, nil
	}
	return -1, nil
}

func weighBuildFailure(in *weighInput) (float64, error) {
	ft := in.ctx.Failures()
	if ft == nil {
		return 0, nil
	}
	return ft.FailureScore(in.cand.RootID), nil
}

// weighHypervisorVersion folds the first three version segments into one
// comparable number so newer hypervisors win ties. Roots without a
// parseable version score zero.
func weighHypervisorVersion(in *weighInput) (float64, error) {
	raw := in.tree.root.HypervisorVersion
	if raw == "" {
		return 0, nil
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return 0, nil
	}
	segments := v.Segments()
	var composite float64
	for i := 0; i < 3; i++ {
		composite *= 1000
		if i < len(segments) {
			composite += float64(segments[i])
		}
	}
	return composite, nil
}
