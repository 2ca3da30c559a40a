// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// SimulationCreateRequest opens a session. TTL is a duration string;
// empty uses the server default.
type SimulationCreateRequest struct {
	TTL     string
	AuditID string `json:"audit_id"`
}

// SimulationMoveRequest re-places a consumer's footprint from one tree
// into another inside the session.
type SimulationMoveRequest struct {
	ConsumerID string
	FromRootID string
	ToRootID   string
}

// SimulationAllocateRequest places a new speculative footprint.
type SimulationAllocateRequest struct {
	ConsumerID string
	ProjectID  string
	UserID     string
	Resources  structs.AllocationSet
}

// SimulationDeallocateRequest removes a consumer's footprint inside the
// session.
type SimulationDeallocateRequest struct {
	ConsumerID string
}

// SessionMetricsResponse pairs a session's utilization report with its
// diff against the requested baseline.
type SessionMetricsResponse struct {
	Report *structs.UtilizationReport
	Diff   *structs.UtilizationDiff
}

// SimulationsRequest routes the session collection.
func (s *HTTPServer) SimulationsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case "GET":
		return s.simulationListRequest(resp, req)
	case "POST":
		return s.simulationCreate(resp, req)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

// SimulationSpecificRequest routes a single session and its operations.
func (s *HTTPServer) SimulationSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/simulations/")
	switch {
	case strings.HasSuffix(path, "/moves"):
		return s.simulationMove(resp, req, strings.TrimSuffix(path, "/moves"))
	case strings.HasSuffix(path, "/allocations"):
		return s.simulationAllocate(resp, req, strings.TrimSuffix(path, "/allocations"))
	case strings.HasSuffix(path, "/deallocations"):
		return s.simulationDeallocate(resp, req, strings.TrimSuffix(path, "/deallocations"))
	case strings.HasSuffix(path, "/undo"):
		return s.simulationUndo(resp, req, strings.TrimSuffix(path, "/undo"))
	case strings.HasSuffix(path, "/placement"):
		return s.simulationPlacement(resp, req, strings.TrimSuffix(path, "/placement"))
	case strings.HasSuffix(path, "/usage"):
		return s.simulationUsage(resp, req, strings.TrimSuffix(path, "/usage"))
	case strings.HasSuffix(path, "/metrics"):
		return s.simulationMetrics(resp, req, strings.TrimSuffix(path, "/metrics"))
	case strings.HasSuffix(path, "/commit"):
		return s.simulationCommit(resp, req, strings.TrimSuffix(path, "/commit"))
	case strings.HasSuffix(path, "/rollback"):
		return s.simulationRollback(resp, req, strings.TrimSuffix(path, "/rollback"))
	default:
		if req.Method != "GET" {
			return nil, CodedError(405, ErrInvalidMethod)
		}
		return s.agent.server.Session(path)
	}
}

func (s *HTTPServer) simulationListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var opts structs.QueryOptions
	parseFilter(req, &opts)

	sessions, err := s.agent.server.Sessions()
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = make([]*structs.SimulationSession, 0)
	}

	return filterList(opts.Filter, sessions)
}

func (s *HTTPServer) simulationCreate(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var args SimulationCreateRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}

	var ttl time.Duration
	if args.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(args.TTL)
		if err != nil {
			return nil, CodedError(400, "invalid ttl: "+err.Error())
		}
	}

	sess, err := s.agent.server.CreateSession(ttl, args.AuditID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, sess.CreateIndex)
	return sess, nil
}

func (s *HTTPServer) simulationMove(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "POST" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var args SimulationMoveRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}

	delta, err := s.agent.server.RecordMove(sessionID, args.ConsumerID, args.FromRootID, args.ToRootID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, delta.CreateIndex)
	return delta, nil
}

func (s *HTTPServer) simulationAllocate(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "POST" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var args SimulationAllocateRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}

	delta, err := s.agent.server.RecordAllocate(sessionID, args.ConsumerID, args.Resources, args.ProjectID, args.UserID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, delta.CreateIndex)
	return delta, nil
}

func (s *HTTPServer) simulationDeallocate(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "POST" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var args SimulationDeallocateRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}

	delta, err := s.agent.server.RecordDeallocate(sessionID, args.ConsumerID)
	if err != nil {
		return nil, err
	}

	setIndex(resp, delta.CreateIndex)
	return delta, nil
}

func (s *HTTPServer) simulationUndo(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "POST" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	if err := s.agent.server.UndoLast(sessionID); err != nil {
		return nil, err
	}
	return s.agent.server.Session(sessionID)
}

func (s *HTTPServer) simulationPlacement(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	consumers := req.URL.Query()["consumer"]
	return s.agent.server.SessionPlacement(sessionID, consumers)
}

func (s *HTTPServer) simulationUsage(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	classes := req.URL.Query()["resource_class"]
	return s.agent.server.SessionUsage(sessionID, classes)
}

func (s *HTTPServer) simulationMetrics(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "GET" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	query := req.URL.Query()
	classes := query["resource_class"]
	against := query.Get("diff")

	report, diff, err := s.agent.server.SessionMetrics(sessionID, classes, against)
	if err != nil {
		return nil, err
	}
	return &SessionMetricsResponse{Report: report, Diff: diff}, nil
}

func (s *HTTPServer) simulationCommit(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "POST" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	if err := s.agent.server.Commit(sessionID); err != nil {
		return nil, err
	}
	return s.agent.server.Session(sessionID)
}

func (s *HTTPServer) simulationRollback(resp http.ResponseWriter, req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != "POST" {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	if err := s.agent.server.Rollback(sessionID); err != nil {
		return nil, err
	}
	return s.agent.server.Session(sessionID)
}
