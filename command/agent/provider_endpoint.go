// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/helper/uuid"
	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// ProviderInventoriesResponse carries a provider's inventory set at the
// generation it was read or written at.
type ProviderInventoriesResponse struct {
	ProviderID  string
	Generation  uint64
	Inventories []*structs.Inventory
}

// ProviderInventoriesRequest is the PUT body replacing a provider's
// inventory set. The generation may come from the body or If-Match.
type ProviderInventoriesRequest struct {
	Generation  *uint64
	Inventories []*structs.Inventory
}

// ProviderTraitsResponse carries a provider's trait set.
type ProviderTraitsResponse struct {
	ProviderID string
	Generation uint64
	Traits     []string
}

// ProviderTraitsRequest is the PUT body replacing a provider's traits.
type ProviderTraitsRequest struct {
	Generation *uint64
	Traits     []string
}

// ProviderAggregatesResponse carries a provider's aggregate memberships.
type ProviderAggregatesResponse struct {
	ProviderID string
	Generation uint64
	Aggregates []string
}

// ProviderAggregatesRequest is the PUT body replacing a provider's
// aggregate memberships.
type ProviderAggregatesRequest struct {
	Generation *uint64
	Aggregates []string
}

// ProviderUsagesResponse reports a provider's summed consumption per
// resource class.
type ProviderUsagesResponse struct {
	ProviderID string
	Generation uint64
	Usages     map[string]int64
}

// ResourceProvidersRequest routes the provider collection.
func (s *HTTPServer) ResourceProvidersRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case "GET":
		return s.providerListRequest(resp, req)
	case "POST":
		return s.providerUpsert(resp, req, "")
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

// ResourceProviderSpecificRequest routes a single provider and its
// sub-resources.
func (s *HTTPServer) ResourceProviderSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/resource_providers/")
	switch {
	case strings.HasSuffix(path, "/inventories"):
		providerID := strings.TrimSuffix(path, "/inventories")
		return s.providerInventoriesRequest(resp, req, providerID)
	case strings.Contains(path, "/inventories/"):
		parts := strings.SplitN(path, "/inventories/", 2)
		return s.providerInventorySpecificRequest(resp, req, parts[0], parts[1])
	case strings.HasSuffix(path, "/traits"):
		providerID := strings.TrimSuffix(path, "/traits")
		return s.providerTraitsRequest(resp, req, providerID)
	case strings.HasSuffix(path, "/aggregates"):
		providerID := strings.TrimSuffix(path, "/aggregates")
		return s.providerAggregatesRequest(resp, req, providerID)
	case strings.HasSuffix(path, "/usages"):
		providerID := strings.TrimSuffix(path, "/usages")
		return s.providerUsagesRequest(resp, req, providerID)
	default:
		return s.providerCRUD(resp, req, path)
	}
}

func (s *HTTPServer) providerListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	query := req.URL.Query()
	memberOf := parseMemberOf(query["member_of"])
	inTree := query.Get("in_tree")

	var out []*structs.ResourceProvider
	var meta structs.QueryMeta
	err := s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		var iter memdb.ResultIterator
		var err error
		switch {
		case inTree != "":
			rp, lerr := snap.ProviderByID(ws, inTree)
			if lerr != nil {
				return lerr
			}
			if rp == nil {
				return structs.NewErrNotFound("resource provider", inTree)
			}
			iter, err = snap.ProvidersByRoot(ws, rp.RootID)
		case len(memberOf) == 1 && len(memberOf[0]) == 1:
			iter, err = snap.ProvidersByAggregate(ws, memberOf[0][0])
		default:
			iter, err = snap.Providers(ws)
		}
		if err != nil {
			return err
		}

		providers := make([]*structs.ResourceProvider, 0)
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			rp := raw.(*structs.ResourceProvider)
			if !matchesMemberOf(rp, memberOf) {
				continue
			}
			providers = append(providers, rp)
		}

		index, err := snap.Index(state.TableProviders)
		if err != nil {
			return err
		}
		meta.Index = index
		out = providers
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err = filterList(opts.Filter, out)
	if err != nil {
		return nil, err
	}

	setMeta(resp, &meta)
	return out, nil
}

func (s *HTTPServer) providerCRUD(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	switch req.Method {
	case "GET":
		return s.providerQuery(resp, req, providerID)
	case "PUT":
		return s.providerUpsert(resp, req, providerID)
	case "DELETE":
		return s.providerDelete(resp, req, providerID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) providerQuery(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	var out *structs.ResourceProvider
	var meta structs.QueryMeta
	err := s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		rp, err := snap.ProviderByID(ws, providerID)
		if err != nil {
			return err
		}
		out = rp

		index, err := snap.Index(state.TableProviders)
		if err != nil {
			return err
		}
		meta.Index = index
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, structs.NewErrNotFound("resource provider", providerID)
	}

	setMeta(resp, &meta)
	setGeneration(resp, out.Generation)
	return out, nil
}

func (s *HTTPServer) providerUpsert(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	var rp structs.ResourceProvider
	if err := decodeBody(req, &rp); err != nil {
		return nil, CodedError(400, err.Error())
	}

	if providerID != "" {
		if rp.ID != "" && rp.ID != providerID {
			return nil, CodedError(400, "provider ID does not match request path")
		}
		rp.ID = providerID
	}
	if rp.ID == "" {
		rp.ID = uuid.Generate()
	}

	// The If-Match header wins over the body generation.
	gen, ok, err := parseIfMatch(req)
	if err != nil {
		return nil, err
	}
	if ok {
		rp.Generation = gen
	}

	index, err := s.agent.server.UpsertProvider(&rp)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	setGeneration(resp, rp.Generation)
	return &rp, nil
}

func (s *HTTPServer) providerDelete(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	index, err := s.agent.server.DeleteProvider(providerID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	resp.WriteHeader(http.StatusNoContent)
	return nil, nil
}

func (s *HTTPServer) providerInventoriesRequest(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	switch req.Method {
	case "GET":
		return s.providerInventoriesQuery(resp, req, providerID)
	case "PUT":
		return s.providerInventoriesUpdate(resp, req, providerID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) providerInventoriesQuery(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	var out *ProviderInventoriesResponse
	var meta structs.QueryMeta
	err := s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		res, err := readProviderInventories(ws, snap, providerID)
		if err != nil {
			return err
		}
		out = res

		index, err := snap.Index(state.TableInventories)
		if err != nil {
			return err
		}
		meta.Index = index
		return nil
	})
	if err != nil {
		return nil, err
	}

	setMeta(resp, &meta)
	setGeneration(resp, out.Generation)
	return out, nil
}

func (s *HTTPServer) providerInventoriesUpdate(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	var args ProviderInventoriesRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}

	gen, err := resolveGeneration(req, args.Generation)
	if err != nil {
		return nil, err
	}

	for _, inv := range args.Inventories {
		if inv.ProviderID == "" {
			inv.ProviderID = providerID
		}
		normalizeInventory(inv)
	}

	index, err := s.agent.server.SetInventories(providerID, gen, args.Inventories)
	if err != nil {
		return nil, err
	}

	snap, err := s.agent.server.State().Snapshot()
	if err != nil {
		return nil, err
	}
	out, err := readProviderInventories(nil, snap, providerID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	setGeneration(resp, out.Generation)
	return out, nil
}

func (s *HTTPServer) providerInventorySpecificRequest(resp http.ResponseWriter, req *http.Request, providerID, class string) (interface{}, error) {
	switch req.Method {
	case "GET":
		return s.providerInventoryQuery(resp, req, providerID, class)
	case "DELETE":
		return s.providerInventoryDelete(resp, req, providerID, class)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) providerInventoryQuery(resp http.ResponseWriter, req *http.Request, providerID, class string) (interface{}, error) {
	snap, err := s.agent.server.State().Snapshot()
	if err != nil {
		return nil, err
	}

	rp, err := snap.ProviderByID(nil, providerID)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, structs.NewErrNotFound("resource provider", providerID)
	}

	inv, err := snap.InventoryByProviderAndClass(nil, providerID, class)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, structs.NewErrNotFound("inventory", providerID+"/"+class)
	}

	setGeneration(resp, rp.Generation)
	return inv, nil
}

func (s *HTTPServer) providerInventoryDelete(resp http.ResponseWriter, req *http.Request, providerID, class string) (interface{}, error) {
	gen, ok, err := parseIfMatch(req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, CodedError(http.StatusBadRequest, "generation precondition required")
	}

	index, err := s.agent.server.DeleteInventory(providerID, gen, class)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	resp.WriteHeader(http.StatusNoContent)
	return nil, nil
}

func (s *HTTPServer) providerTraitsRequest(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	switch req.Method {
	case "GET":
		return s.providerTraitsQuery(resp, req, providerID)
	case "PUT":
		return s.providerTraitsUpdate(resp, req, providerID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) providerTraitsQuery(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	snap, err := s.agent.server.State().Snapshot()
	if err != nil {
		return nil, err
	}

	rp, err := snap.ProviderByID(nil, providerID)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, structs.NewErrNotFound("resource provider", providerID)
	}

	setGeneration(resp, rp.Generation)
	return &ProviderTraitsResponse{
		ProviderID: providerID,
		Generation: rp.Generation,
		Traits:     rp.Traits,
	}, nil
}

func (s *HTTPServer) providerTraitsUpdate(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	var args ProviderTraitsRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}

	gen, err := resolveGeneration(req, args.Generation)
	if err != nil {
		return nil, err
	}

	index, err := s.agent.server.SetProviderTraits(providerID, gen, args.Traits)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	return s.providerTraitsQuery(resp, req, providerID)
}

func (s *HTTPServer) providerAggregatesRequest(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	switch req.Method {
	case "GET":
		return s.providerAggregatesQuery(resp, req, providerID)
	case "PUT":
		return s.providerAggregatesUpdate(resp, req, providerID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) providerAggregatesQuery(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	snap, err := s.agent.server.State().Snapshot()
	if err != nil {
		return nil, err
	}

	rp, err := snap.ProviderByID(nil, providerID)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, structs.NewErrNotFound("resource provider", providerID)
	}

	setGeneration(resp, rp.Generation)
	return &ProviderAggregatesResponse{
		ProviderID: providerID,
		Generation: rp.Generation,
		Aggregates: rp.AggregateIDs,
	}, nil
}

func (s *HTTPServer) providerAggregatesUpdate(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	var args ProviderAggregatesRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}

	gen, err := resolveGeneration(req, args.Generation)
	if err != nil {
		return nil, err
	}

	index, err := s.agent.server.SetProviderAggregates(providerID, gen, args.Aggregates)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	return s.providerAggregatesQuery(resp, req, providerID)
}

func (s *HTTPServer) providerUsagesRequest(resp http.ResponseWriter, req *http.Request, providerID string) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	var out *ProviderUsagesResponse
	var meta structs.QueryMeta
	err := s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		rp, err := snap.ProviderByID(ws, providerID)
		if err != nil {
			return err
		}
		if rp == nil {
			return structs.NewErrNotFound("resource provider", providerID)
		}

		usages, err := snap.ProviderUsage(ws, providerID)
		if err != nil {
			return err
		}
		out = &ProviderUsagesResponse{
			ProviderID: providerID,
			Generation: rp.Generation,
			Usages:     usages,
		}

		index, err := snap.Index(state.TableAllocations)
		if err != nil {
			return err
		}
		meta.Index = index
		return nil
	})
	if err != nil {
		return nil, err
	}

	setMeta(resp, &meta)
	setGeneration(resp, out.Generation)
	return out, nil
}

// readProviderInventories loads a provider's inventory set at its
// current generation.
func readProviderInventories(ws memdb.WatchSet, snap *state.StateSnapshot, providerID string) (*ProviderInventoriesResponse, error) {
	rp, err := snap.ProviderByID(ws, providerID)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, structs.NewErrNotFound("resource provider", providerID)
	}

	iter, err := snap.InventoriesByProvider(ws, providerID)
	if err != nil {
		return nil, err
	}

	out := &ProviderInventoriesResponse{
		ProviderID:  providerID,
		Generation:  rp.Generation,
		Inventories: make([]*structs.Inventory, 0),
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out.Inventories = append(out.Inventories, raw.(*structs.Inventory))
	}
	return out, nil
}

// normalizeInventory fills owner-omitted inventory fields with the
// permissive defaults: unit range [1, total], step 1, ratio 1.0.
func normalizeInventory(inv *structs.Inventory) {
	if inv.MinUnit == 0 {
		inv.MinUnit = 1
	}
	if inv.MaxUnit == 0 {
		inv.MaxUnit = inv.Total
	}
	if inv.StepSize == 0 {
		inv.StepSize = 1
	}
	if inv.AllocationRatio == 0 {
		inv.AllocationRatio = 1.0
	}
}

// resolveGeneration returns the generation precondition from the
// If-Match header or the body field. The header wins when both are
// present.
func resolveGeneration(req *http.Request, body *uint64) (uint64, error) {
	gen, ok, err := parseIfMatch(req)
	if err != nil {
		return 0, err
	}
	if ok {
		return gen, nil
	}
	if body != nil {
		return *body, nil
	}
	return 0, CodedError(http.StatusBadRequest, "generation precondition required")
}

// matchesMemberOf checks a provider's own aggregate memberships against
// AND-of-OR aggregate sets.
func matchesMemberOf(rp *structs.ResourceProvider, sets [][]string) bool {
	for _, set := range sets {
		found := false
		for _, agg := range set {
			if rp.InAggregate(agg) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
