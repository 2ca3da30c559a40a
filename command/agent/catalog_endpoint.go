// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"sort"
	"strings"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// UsagesResponse is the per-project consumption rollup.
type UsagesResponse struct {
	ProjectID string
	UserID    string
	Usages    map[string]int64
}

// ResourceClassesRequest lists the resource classes: the frozen standard
// set plus custom registrations.
func (s *HTTPServer) ResourceClassesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	var out []*structs.ResourceClass
	var meta structs.QueryMeta
	err := s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		classes := make([]*structs.ResourceClass, 0)
		for _, name := range structs.StandardResourceClasses() {
			classes = append(classes, &structs.ResourceClass{Name: name})
		}

		iter, err := snap.ResourceClasses(ws)
		if err != nil {
			return err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			classes = append(classes, raw.(*structs.ResourceClass))
		}
		sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })

		index, err := snap.Index(state.TableResourceClasses)
		if err != nil {
			return err
		}
		meta.Index = index
		out = classes
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

// ResourceClassSpecificRequest routes a single resource class.
func (s *HTTPServer) ResourceClassSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	name := strings.TrimPrefix(req.URL.Path, "/v1/resource_classes/")
	switch req.Method {
	case "GET":
		return s.resourceClassQuery(resp, req, name)
	case "PUT":
		return s.resourceClassUpsert(resp, req, name)
	case "DELETE":
		return s.resourceClassDelete(resp, req, name)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) resourceClassQuery(resp http.ResponseWriter, req *http.Request, name string) (interface{}, error) {
	if structs.IsStandardResourceClass(name) {
		return &structs.ResourceClass{Name: name}, nil
	}

	snap, err := s.agent.server.State().Snapshot()
	if err != nil {
		return nil, err
	}
	rc, err := snap.ResourceClassByName(nil, name)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, structs.NewErrNotFound("resource class", name)
	}
	return rc, nil
}

func (s *HTTPServer) resourceClassUpsert(resp http.ResponseWriter, req *http.Request, name string) (interface{}, error) {
	rc := &structs.ResourceClass{Name: name}
	index, err := s.agent.server.UpsertResourceClass(rc)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	return s.resourceClassQuery(resp, req, name)
}

func (s *HTTPServer) resourceClassDelete(resp http.ResponseWriter, req *http.Request, name string) (interface{}, error) {
	index, err := s.agent.server.DeleteResourceClass(name)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	resp.WriteHeader(http.StatusNoContent)
	return nil, nil
}

// TraitsRequest lists the traits: the standard set of the configured
// source plus custom registrations.
func (s *HTTPServer) TraitsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	standard, err := structs.StandardTraits(s.agent.config.StandardTraitsSource)
	if err != nil {
		return nil, err
	}

	var out []*structs.Trait
	var meta structs.QueryMeta
	err = s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		traits := make([]*structs.Trait, 0, len(standard))
		for _, name := range standard {
			traits = append(traits, &structs.Trait{Name: name})
		}

		iter, err := snap.Traits(ws)
		if err != nil {
			return err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			traits = append(traits, raw.(*structs.Trait))
		}
		sort.Slice(traits, func(i, j int) bool { return traits[i].Name < traits[j].Name })

		index, err := snap.Index(state.TableTraits)
		if err != nil {
			return err
		}
		meta.Index = index
		out = traits
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

// TraitSpecificRequest routes a single trait.
func (s *HTTPServer) TraitSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	name := strings.TrimPrefix(req.URL.Path, "/v1/traits/")
	switch req.Method {
	case "GET":
		return s.traitQuery(resp, req, name)
	case "PUT":
		return s.traitUpsert(resp, req, name)
	case "DELETE":
		return s.traitDelete(resp, req, name)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) traitQuery(resp http.ResponseWriter, req *http.Request, name string) (interface{}, error) {
	if structs.IsStandardTrait(name) {
		return &structs.Trait{Name: name}, nil
	}

	snap, err := s.agent.server.State().Snapshot()
	if err != nil {
		return nil, err
	}
	t, err := snap.TraitByName(nil, name)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, structs.NewErrNotFound("trait", name)
	}
	return t, nil
}

func (s *HTTPServer) traitUpsert(resp http.ResponseWriter, req *http.Request, name string) (interface{}, error) {
	t := &structs.Trait{Name: name}
	index, err := s.agent.server.UpsertTrait(t)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	return s.traitQuery(resp, req, name)
}

func (s *HTTPServer) traitDelete(resp http.ResponseWriter, req *http.Request, name string) (interface{}, error) {
	index, err := s.agent.server.DeleteTrait(name)
	if err != nil {
		return nil, err
	}

	setIndex(resp, index)
	resp.WriteHeader(http.StatusNoContent)
	return nil, nil
}

// UsagesRequest reports per-project, optionally per-user, summed
// consumption by resource class.
func (s *HTTPServer) UsagesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var opts structs.QueryOptions
	if err := s.parse(req, &opts); err != nil {
		return nil, err
	}

	query := req.URL.Query()
	projectID := query.Get("project_id")
	if projectID == "" {
		return nil, CodedError(http.StatusBadRequest, "missing project_id")
	}
	userID := query.Get("user_id")

	var out *UsagesResponse
	var meta structs.QueryMeta
	err := s.blockingQuery(&opts, &meta, func(ws memdb.WatchSet, snap *state.StateSnapshot) error {
		usages, err := snap.UsageByProject(ws, projectID, userID)
		if err != nil {
			return err
		}
		out = &UsagesResponse{
			ProjectID: projectID,
			UserID:    userID,
			Usages:    usages,
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
	return out, nil
}
