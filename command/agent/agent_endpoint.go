// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import "net/http"

type healthResponse struct {
	Server *healthResponseAgent `json:"server,omitempty"`
}

type healthResponseAgent struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// HealthRequest checks that the embedded placement server is up and can
// answer a read against its state store.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	health := healthResponse{}
	if server := s.agent.Server(); server != nil {
		health.Server = &healthResponseAgent{Ok: true, Message: "ok"}
		if _, err := server.Status(); err != nil {
			health.Server.Ok = false
			health.Server.Message = err.Error()
		}
	}

	if health.Server == nil || !health.Server.Ok {
		return nil, CodedError(500, "agent unhealthy")
	}
	return &health, nil
}
