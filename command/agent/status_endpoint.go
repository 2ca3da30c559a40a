// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import "net/http"

// StatusRequest reports the graph generation and entity counts.
func (s *HTTPServer) StatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	status, err := s.agent.server.Status()
	if err != nil {
		return nil, err
	}

	setIndex(resp, status.Generation)
	return status, nil
}
