// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import "net/http"

// MetricsRequest returns a summary of the currently aggregated metrics
// from the in-memory sink.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	return s.agent.InmemSink.DisplayMetrics(resp, req)
}
