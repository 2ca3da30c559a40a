// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// AllocationCandidatesRequest plans placements for the query. With
// ?session= the plan runs against that session's overlay instead of
// live state.
func (s *HTTPServer) AllocationCandidatesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	cr, sessionID, err := parseCandidateRequest(req)
	if err != nil {
		return nil, err
	}

	out, err := s.agent.server.AllocationCandidates(cr, sessionID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, out.Generation)
	return out, nil
}

// parseCandidateRequest builds a candidate request from the query
// string. Suffixed keys (resources2, required2, member_of2) define
// granular groups named by their suffix; unsuffixed keys feed the main
// group.
func parseCandidateRequest(req *http.Request) (*structs.CandidateRequest, string, error) {
	query := req.URL.Query()

	cr := &structs.CandidateRequest{}
	groups := make(map[string]*structs.ResourceGroup)
	group := func(suffix string) *structs.ResourceGroup {
		g, ok := groups[suffix]
		if !ok {
			g = &structs.ResourceGroup{Name: suffix}
			groups[suffix] = g
		}
		return g
	}

	for key, values := range query {
		switch {
		case strings.HasPrefix(key, "resources"):
			g := group(strings.TrimPrefix(key, "resources"))
			for _, value := range values {
				if err := parseResourceList(g, value); err != nil {
					return nil, "", err
				}
			}
		case strings.HasPrefix(key, "required"):
			g := group(strings.TrimPrefix(key, "required"))
			for _, value := range values {
				parseTraitTokens(g, value)
			}
		case strings.HasPrefix(key, "member_of"):
			g := group(strings.TrimPrefix(key, "member_of"))
			g.MemberOf = append(g.MemberOf, parseMemberOf(values)...)
		}
	}

	// Granular groups follow the main group in suffix order so repeated
	// requests assign groups identically.
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cr.Groups = append(cr.Groups, groups[name])
	}

	cr.GroupPolicy = query.Get("group_policy")
	cr.InTree = query.Get("in_tree")
	cr.AvailabilityZone = query.Get("availability_zone")
	cr.Flavor = query.Get("flavor_id")
	cr.ProjectID = query.Get("project_id")
	cr.UserID = query.Get("user_id")
	cr.ImageID = query.Get("image_id")
	cr.ConsumerID = query.Get("consumer_id")
	cr.ServerGroupID = query.Get("server_group")
	cr.ReferenceConsumerID = query.Get("reference_consumer")

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, "", CodedError(400, fmt.Sprintf("invalid limit %q", raw))
		}
		cr.Limit = limit
	}
	if raw := query.Get("numa_nodes"); raw != "" {
		nodes, err := strconv.Atoi(raw)
		if err != nil {
			return nil, "", CodedError(400, fmt.Sprintf("invalid numa_nodes %q", raw))
		}
		cr.SplitAcrossNUMA = nodes
	}

	preferred, err := parseWeightedTraits(query["preferred"])
	if err != nil {
		return nil, "", err
	}
	cr.PreferredTraits = preferred

	avoided, err := parseWeightedTraits(query["avoided"])
	if err != nil {
		return nil, "", err
	}
	cr.AvoidedTraits = avoided

	return cr, query.Get("session"), nil
}

// parseResourceList parses a "VCPU:4,MEMORY_MB:2048" value into the
// group's resource map.
func parseResourceList(g *structs.ResourceGroup, raw string) error {
	if raw == "" {
		return nil
	}
	if g.Resources == nil {
		g.Resources = make(map[string]int64)
	}
	for _, part := range strings.Split(raw, ",") {
		class, amountRaw, ok := strings.Cut(part, ":")
		if !ok {
			return CodedError(400, fmt.Sprintf("invalid resource specifier %q", part))
		}
		amount, err := strconv.ParseInt(amountRaw, 10, 64)
		if err != nil {
			return CodedError(400, fmt.Sprintf("invalid resource amount %q", amountRaw))
		}
		g.Resources[class] = amount
	}
	return nil
}

// parseTraitTokens parses a required= value into the group's trait
// filter: an "in:" value is an any-of set, "!" prefixed names are
// forbidden, bare names are required.
func parseTraitTokens(g *structs.ResourceGroup, raw string) {
	if raw == "" {
		return
	}
	if g.Traits == nil {
		g.Traits = &structs.TraitFilter{}
	}
	if after, ok := strings.CutPrefix(raw, "in:"); ok {
		g.Traits.AnyOf = append(g.Traits.AnyOf, strings.Split(after, ","))
		return
	}
	for _, tok := range strings.Split(raw, ",") {
		if name, ok := strings.CutPrefix(tok, "!"); ok {
			g.Traits.Forbidden = append(g.Traits.Forbidden, name)
		} else if tok != "" {
			g.Traits.Required = append(g.Traits.Required, tok)
		}
	}
}

// parseMemberOf turns repeated member_of values into AND-of-OR
// aggregate sets: each occurrence is one set, an "in:" value holds a
// comma separated any-of list.
func parseMemberOf(values []string) [][]string {
	var out [][]string
	for _, raw := range values {
		if raw == "" {
			continue
		}
		if after, ok := strings.CutPrefix(raw, "in:"); ok {
			out = append(out, strings.Split(after, ","))
		} else {
			out = append(out, []string{raw})
		}
	}
	return out
}

// parseWeightedTraits parses repeated "TRAIT" or "TRAIT:WEIGHT" values,
// defaulting the weight to 1.
func parseWeightedTraits(values []string) (map[string]float64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			if part == "" {
				continue
			}
			name, weightRaw, ok := strings.Cut(part, ":")
			weight := 1.0
			if ok {
				w, err := strconv.ParseFloat(weightRaw, 64)
				if err != nil {
					return nil, CodedError(400, fmt.Sprintf("invalid trait weight %q", weightRaw))
				}
				weight = w
			}
			out[name] = weight
		}
	}
	return out, nil
}
