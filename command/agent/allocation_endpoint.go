// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// ConsumerAllocationsResponse is a consumer's live footprint plus its
// attribution and generation. Unknown consumers read as an empty
// footprint so callers can probe without special-casing 404s.
type ConsumerAllocationsResponse struct {
	ConsumerID         string
	ConsumerGeneration *uint64
	ProjectID          string
	UserID             string
	ConsumerType       string
	ConsumerState      string
	Allocations        structs.AllocationSet
}

// AllocationSpecificRequest routes a consumer's footprint: read,
// replace (the claim protocol) and release.
func (s *HTTPServer) AllocationSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	consumerID := strings.TrimPrefix(req.URL.Path, "/v1/allocations/")
	if consumerID == "" {
		return nil, CodedError(http.StatusBadRequest, "missing consumer ID")
	}

	switch req.Method {
	case "GET":
		return s.allocationsQuery(resp, req, consumerID)
	case "PUT":
		return s.allocationsClaim(resp, req, consumerID)
	case "DELETE":
		return s.allocationsRelease(resp, req, consumerID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) allocationsQuery(resp http.ResponseWriter, req *http.Request, consumerID string) (interface{}, error) {
	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	var out *ConsumerAllocationsResponse
	var meta structs.QueryMeta
	err := s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		res := &ConsumerAllocationsResponse{
			ConsumerID:  consumerID,
			Allocations: make(structs.AllocationSet),
		}

		consumer, err := snap.ConsumerByID(ws, consumerID)
		if err != nil {
			return err
		}
		if consumer != nil {
			gen := consumer.Generation
			res.ConsumerGeneration = &gen
			res.ProjectID = consumer.ProjectID
			res.UserID = consumer.UserID
			res.ConsumerType = consumer.Type
			res.ConsumerState = consumer.State
		}

		allocs, err := snap.AllocationsByConsumer(ws, consumerID)
		if err != nil {
			return err
		}
		for _, alloc := range allocs {
			res.Allocations.Add(alloc.ProviderID, alloc.Class, alloc.Used)
		}

		index, err := snap.Index(state.TableAllocations)
		if err != nil {
			return err
		}
		meta.Index = index
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	setMeta(resp, &meta)
	if out.ConsumerGeneration != nil {
		setGeneration(resp, *out.ConsumerGeneration)
	}
	return out, nil
}

func (s *HTTPServer) allocationsClaim(resp http.ResponseWriter, req *http.Request, consumerID string) (interface{}, error) {
	var claim structs.ClaimRequest
	if err := decodeBody(req, &claim); err != nil {
		return nil, CodedError(400, err.Error())
	}

	if claim.ConsumerID != "" && claim.ConsumerID != consumerID {
		return nil, CodedError(400, "consumer ID does not match request path")
	}
	claim.ConsumerID = consumerID

	// The If-Match header wins over the body generation.
	gen, ok, err := parseIfMatch(req)
	if err != nil {
		return nil, err
	}
	if ok {
		claim.ConsumerGeneration = &gen
	}

	index, err := s.agent.server.ClaimWithRetry(req.Context(), &claim)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	resp.WriteHeader(http.StatusNoContent)
	return nil, nil
}

func (s *HTTPServer) allocationsRelease(resp http.ResponseWriter, req *http.Request, consumerID string) (interface{}, error) {
	index, err := s.agent.server.Release(consumerID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	resp.WriteHeader(http.StatusNoContent)
	return nil, nil
}
