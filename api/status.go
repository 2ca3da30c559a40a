// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

// Status is used to query the status endpoint.
type Status struct {
	client *Client
}

// Status returns a handle on the status endpoint.
func (c *Client) Status() *Status {
	return &Status{client: c}
}

// StatusInfo summarizes the graph the agent is serving.
type StatusInfo struct {
	// Generation is the global graph generation.
	Generation uint64

	// Providers, Consumers and Allocations count the live entities.
	Providers   int
	Consumers   int
	Allocations int

	// ActiveSessions counts open simulation sessions.
	ActiveSessions int
}

// Info queries the agent for a summary of the graph it serves.
func (s *Status) Info(q *QueryOptions) (*StatusInfo, *QueryMeta, error) {
	var out StatusInfo
	qm, err := s.client.query("/v1/status", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}
