// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// CandidateStack is the allocation candidates pipeline: root iteration,
// feasibility checking, exact selection, weighing and ranking. A stack is
// built once per query against one state view and is not safe for
// concurrent use.
type CandidateStack struct {
	ctx   Context
	ws    memdb.WatchSet
	cache *treeCache

	source      *StaticIterator
	eligibility *EligibilityChecker
	traits      *TraitChecker
	zone        *ZoneChecker
	serverGroup *ServerGroupChecker
	aggregates  *AggregateChecker
	coverage    *CoverageChecker
	numa        *NUMAChecker
	pci         *PCIChecker
	wrapper     *FeasibilityWrapper
	selector    *Selector
}

// NewCandidateStack builds the pipeline against the context's current
// state view. Checkers are ordered cheapest first so expensive subtree
// walks only run for roots that survive the static filters.
func NewCandidateStack(ctx Context, ws memdb.WatchSet) *CandidateStack {
	cache := newTreeCache(ctx, ws)

	s := &CandidateStack{
		ctx:   ctx,
		ws:    ws,
		cache: cache,
	}
	s.source = NewStaticIterator(ctx, nil)
	s.eligibility = NewEligibilityChecker(ctx)
	s.traits = NewTraitChecker(ctx)
	s.zone = NewZoneChecker(ctx)
	s.serverGroup = NewServerGroupChecker(ctx)
	s.aggregates = NewAggregateChecker(ctx, cache)
	s.coverage = NewCoverageChecker(ctx, cache)
	s.numa = NewNUMAChecker(ctx, cache)
	s.pci = NewPCIChecker(ctx, cache)
	s.wrapper = NewFeasibilityWrapper(ctx, s.source,
		s.eligibility,
		s.traits,
		s.zone,
		s.serverGroup,
		s.aggregates,
		s.coverage,
		s.numa,
		s.pci,
	)
	s.selector = NewSelector(ctx, ws, cache)
	return s
}

// Candidates runs the full pipeline for one request and returns the
// ranked candidates with provider summaries. Roots that cannot serve the
// request silently shrink the result; only malformed requests and
// storage failures surface as errors.
func (s *CandidateStack) Candidates(req *structs.CandidateRequest) (*structs.CandidateResponse, error) {
	if req == nil {
		return nil, structs.NewErr(structs.ErrKindBadRequest, "missing candidate request")
	}
	req = req.Copy()

	if req.Flavor != "" {
		flavor, err := s.ctx.State().FlavorByName(s.ws, req.Flavor)
		if err != nil {
			return nil, err
		}
		if flavor == nil {
			return nil, structs.NewErrNotFound("flavor", req.Flavor)
		}
		req.ApplyFlavor(flavor)
	}
	if err := req.Validate(); err != nil {
		return nil, structs.NewErr(structs.ErrKindBadRequest, "invalid candidate request: %v", err)
	}

	usage, err := newUsageReader(s.ctx, s.ws, req.ConsumerID)
	if err != nil {
		return nil, err
	}

	roots, err := s.resolveRoots(req)
	if err != nil {
		return nil, err
	}

	var filter *structs.TraitFilter
	if g := req.UnsuffixedGroup(); g != nil {
		filter = g.Traits
	}
	s.traits.SetFilter(filter)
	s.zone.SetZone(req.AvailabilityZone)
	if err := s.serverGroup.SetRequest(req); err != nil {
		return nil, err
	}
	s.aggregates.SetRequest(req)
	s.coverage.SetRequest(req, usage)
	s.numa.SetRequest(req, usage)
	s.pci.SetRequest(req, usage)
	s.selector.SetRequest(req, usage)
	s.source.SetRoots(roots)
	s.wrapper.Reset()

	var candidates []*structs.AllocationCandidate
	for root := s.wrapper.Next(); root != nil; root = s.wrapper.Next() {
		cand, err := s.selector.Select(root)
		if err != nil {
			return nil, err
		}
		if cand != nil {
			candidates = append(candidates, cand)
		}
	}

	if err := ScoreCandidates(s.ctx, s.ws, s.cache, req, candidates); err != nil {
		return nil, err
	}
	structs.SortCandidates(candidates)

	limit := req.Limit
	if limit <= 0 {
		limit = s.ctx.SchedulerConfig().CandidateLimit
	}
	if limit <= 0 {
		limit = structs.DefaultCandidateLimit
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	summaries, err := s.summarize(candidates)
	if err != nil {
		return nil, err
	}
	generation, err := s.ctx.State().LatestIndex()
	if err != nil {
		return nil, err
	}

	return &structs.CandidateResponse{
		Candidates: candidates,
		Summaries:  summaries,
		Generation: generation,
	}, nil
}

// resolveRoots lists the candidate roots in deterministic order. An
// in_tree filter narrows the walk to one tree; an unknown in_tree
// provider yields no candidates rather than an error.
func (s *CandidateStack) resolveRoots(req *structs.CandidateRequest) ([]*structs.ResourceProvider, error) {
	if req.InTree != "" {
		rp, err := s.ctx.State().ProviderByID(s.ws, req.InTree)
		if err != nil {
			return nil, err
		}
		if rp == nil {
			return nil, nil
		}
		if !rp.IsRoot() {
			rp, err = s.ctx.State().ProviderByID(s.ws, rp.RootID)
			if err != nil {
				return nil, err
			}
			if rp == nil {
				return nil, nil
			}
		}
		return []*structs.ResourceProvider{rp}, nil
	}

	roots, err := s.ctx.State().RootProviders(s.ws)
	if err != nil {
		return nil, err
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots, nil
}

// summarize builds the provider summaries for every provider any kept
// candidate touches, keyed by provider ID.
func (s *CandidateStack) summarize(candidates []*structs.AllocationCandidate) (map[string]*structs.ProviderSummary, error) {
	out := make(map[string]*structs.ProviderSummary)
	for _, cand := range candidates {
		for providerID := range cand.ProviderGenerations {
			if _, ok := out[providerID]; ok {
				continue
			}
			rp, err := s.ctx.State().ProviderByID(s.ws, providerID)
			if err != nil {
				return nil, err
			}
			if rp == nil {
				continue
			}

			summary := &structs.ProviderSummary{
				ProviderID: rp.ID,
				Name:       rp.Name,
				RootID:     rp.RootID,
				Generation: rp.Generation,
				Resources:  make(map[string]*structs.ResourceSummary),
				Traits:     append([]string(nil), rp.Traits...),
			}
			sort.Strings(summary.Traits)

			iter, err := s.ctx.State().InventoriesByProvider(s.ws, rp.ID)
			if err != nil {
				return nil, err
			}
			for raw := iter.Next(); raw != nil; raw = iter.Next() {
				inv := raw.(*structs.Inventory)
				used, err := s.ctx.State().UsedByInventory(s.ws, rp.ID, inv.Class)
				if err != nil {
					return nil, err
				}
				summary.Resources[inv.Class] = &structs.ResourceSummary{
					Capacity: inv.Capacity(),
					Used:     used,
				}
			}
			out[providerID] = summary
		}
	}
	return out, nil
}
