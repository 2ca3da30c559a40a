// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-bexpr"
	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/rs/cors"

	"github.com/hashicorp/tachyon/helper"
	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"

	// defaultQueryTime is the wait applied to blocking reads that name
	// an index but no wait.
	defaultQueryTime = 300 * time.Second

	// maxQueryTime caps caller-supplied waits.
	maxQueryTime = 600 * time.Second
)

var (
	// allowCORS sets permissive CORS headers for a handler
	allowCORS = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"HEAD", "GET"},
		AllowedHeaders: []string{"*"},
	})
)

// HTTPServer is used to wrap an Agent and expose it over an HTTP interface
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     log.Logger
	Addr       string
}

// NewHTTPServer starts new HTTP server over the agent
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := config.Listener("tcp", config.BindAddr, config.Ports.HTTP)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %v", err)
	}

	mux := http.NewServeMux()

	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.httpLogger,
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	httpServer := http.Server{
		Addr:     srv.Addr,
		Handler:  mux,
		ErrorLog: srv.logger.StandardLogger(&log.StandardLoggerOptions{InferLevels: true}),
	}

	go func() {
		defer close(srv.listenerCh)
		httpServer.Serve(ln)
	}()

	return srv, nil
}

// Shutdown is used to shutdown the HTTP server
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh // block until http.Serve has returned.
	}
}

// registerHandlers is used to attach our handlers to the mux
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/resource_providers", s.wrap(s.ResourceProvidersRequest))
	s.mux.HandleFunc("/v1/resource_providers/", s.wrap(s.ResourceProviderSpecificRequest))

	s.mux.HandleFunc("/v1/resource_classes", s.wrap(s.ResourceClassesRequest))
	s.mux.HandleFunc("/v1/resource_classes/", s.wrap(s.ResourceClassSpecificRequest))

	s.mux.HandleFunc("/v1/traits", s.wrap(s.TraitsRequest))
	s.mux.HandleFunc("/v1/traits/", s.wrap(s.TraitSpecificRequest))

	s.mux.Handle("/v1/usages", wrapCORS(s.wrap(s.UsagesRequest)))

	s.mux.Handle("/v1/allocation_candidates", wrapCORS(s.wrap(s.AllocationCandidatesRequest)))

	s.mux.HandleFunc("/v1/allocations/", s.wrap(s.AllocationSpecificRequest))

	s.mux.HandleFunc("/v1/simulations", s.wrap(s.SimulationsRequest))
	s.mux.HandleFunc("/v1/simulations/", s.wrap(s.SimulationSpecificRequest))

	s.mux.HandleFunc("/v1/status", s.wrap(s.StatusRequest))

	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// apiError is one element of the error envelope every failed request
// returns.
type apiError struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type errorEnvelope struct {
	Errors []*apiError `json:"errors"`
}

// kindStatus maps the error taxonomy onto HTTP statuses. Conflicts of
// every flavor are 409 so callers re-read and re-plan; transient store
// failures are 503 so callers retry with backoff.
var kindStatus = map[structs.ErrorKind]int{
	structs.ErrKindBadRequest:         http.StatusBadRequest,
	structs.ErrKindNotFound:           http.StatusNotFound,
	structs.ErrKindConflictGeneration: http.StatusConflict,
	structs.ErrKindConflictUniqueness: http.StatusConflict,
	structs.ErrKindOutOfCapacity:      http.StatusConflict,
	structs.ErrKindInvalidState:       http.StatusConflict,
	structs.ErrKindDeadlineExceeded:   http.StatusGatewayTimeout,
	structs.ErrKindTransient:          http.StatusServiceUnavailable,
	structs.ErrKindFatal:              http.StatusInternalServerError,
}

// errorResponse shapes err into an envelope element and its HTTP
// status. Coded errors keep their code, taxonomy errors map through
// kindStatus, anything foreign is a 500 fatal.
func errorResponse(err error) (int, *apiError) {
	if coded, ok := err.(HTTPCodedError); ok {
		code := structs.ErrKindBadRequest
		switch {
		case coded.Code() == http.StatusNotFound:
			code = structs.ErrKindNotFound
		case coded.Code() >= 500:
			code = structs.ErrKindFatal
		}
		return coded.Code(), &apiError{
			Status: coded.Code(),
			Code:   string(code),
			Title:  http.StatusText(coded.Code()),
			Detail: coded.Error(),
		}
	}

	kind := structs.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, &apiError{
		Status: status,
		Code:   string(kind),
		Title:  http.StatusText(status),
		Detail: err.Error(),
	}
}

// wrap is used to wrap functions to make them more convenient
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		setHeaders(resp, s.agent.config.HTTPAPIResponseHeaders)
		// Invoke the handler
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()
		obj, err := handler(resp, req)

		// Check for an error
	HAS_ERR:
		if err != nil {
			code, apiErr := errorResponse(err)
			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)

			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(code)
			enc := codec.NewEncoder(resp, structs.JsonHandle)
			enc.Encode(&errorEnvelope{Errors: []*apiError{apiErr}})
			return
		}

		prettyPrint := false
		if v, ok := req.URL.Query()["pretty"]; ok {
			if len(v) > 0 && (len(v[0]) == 0 || v[0] != "0") {
				prettyPrint = true
			}
		}

		// Write out the JSON object
		if obj != nil {
			var buf bytes.Buffer
			if prettyPrint {
				enc := codec.NewEncoder(&buf, structs.JsonHandlePretty)
				err = enc.Encode(obj)
				if err == nil {
					buf.Write([]byte("\n"))
				}
			} else {
				enc := codec.NewEncoder(&buf, structs.JsonHandle)
				err = enc.Encode(obj)
			}
			if err != nil {
				goto HAS_ERR
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf.Bytes())
		}
	}
	return f
}

// blockingQuery runs the read against a snapshot of the graph,
// retrying while the result index has not passed MinQueryIndex. A
// timed-out wait returns the current result, not an error.
func (s *HTTPServer) blockingQuery(opts *structs.QueryOptions, meta *structs.QueryMeta,
	run func(ws memdb.WatchSet, snap *state.StateSnapshot) error) error {

	ctx := context.Background()
	var cancel context.CancelFunc
	store := s.agent.server.State()

	// Fast path non-blocking
	if opts.MinQueryIndex == 0 {
		goto RUN_QUERY
	}

	// Restrict the max query time, and ensure there is always one
	if opts.MaxQueryTime > maxQueryTime {
		opts.MaxQueryTime = maxQueryTime
	} else if opts.MaxQueryTime <= 0 {
		opts.MaxQueryTime = defaultQueryTime
	}

	// Apply a small amount of jitter to the request
	opts.MaxQueryTime += helper.RandomStagger(opts.MaxQueryTime / structs.JitterFraction)

	// Setup a query timeout
	ctx, cancel = context.WithTimeout(ctx, opts.MaxQueryTime)
	defer cancel()

RUN_QUERY:
	metrics.IncrCounter([]string{"http", "query"}, 1)

	snap, err := store.Snapshot()
	if err != nil {
		return err
	}

	// We can skip all watch tracking if this isn't a blocking query.
	var ws memdb.WatchSet
	if opts.MinQueryIndex > 0 {
		ws = memdb.NewWatchSet()

		// This channel will be closed if a snapshot is restored and the
		// whole state store is abandoned.
		ws.Add(store.AbandonCh())
	}

	// Block up to the timeout if we didn't see anything fresh.
	err = run(ws, snap)

	// Check for minimum query time
	if err == nil && opts.MinQueryIndex > 0 && meta.Index <= opts.MinQueryIndex {
		if err := ws.WatchCtx(ctx); err == nil {
			goto RUN_QUERY
		}
	}
	return err
}

// decodeBody is used to decode a JSON request body
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(&out)
}

// setIndex is used to set the index response header
func setIndex(resp http.ResponseWriter, index uint64) {
	resp.Header().Set("X-Tachyon-Index", strconv.FormatUint(index, 10))
}

// setGeneration is used to set the entity generation response header
func setGeneration(resp http.ResponseWriter, generation uint64) {
	resp.Header().Set("X-Tachyon-Generation", strconv.FormatUint(generation, 10))
}

// setMeta is used to set the query response meta data
func setMeta(resp http.ResponseWriter, m *structs.QueryMeta) {
	setIndex(resp, m.Index)
}

// setHeaders is used to set canonical response header fields
func setHeaders(resp http.ResponseWriter, headers map[string]string) {
	for field, value := range headers {
		resp.Header().Set(http.CanonicalHeaderKey(field), value)
	}
}

// parseWait is used to parse the ?wait and ?index query params
func parseWait(req *http.Request, b *structs.QueryOptions) error {
	query := req.URL.Query()
	if wait := query.Get("wait"); wait != "" {
		dur, err := time.ParseDuration(wait)
		if err != nil {
			return CodedError(http.StatusBadRequest, "Invalid wait time")
		}
		b.MaxQueryTime = dur
	}
	if idx := query.Get("index"); idx != "" {
		index, err := strconv.ParseUint(idx, 10, 64)
		if err != nil {
			return CodedError(http.StatusBadRequest, "Invalid index")
		}
		b.MinQueryIndex = index
	}
	return nil
}

// parseFilter is used to parse the ?filter query param
func parseFilter(req *http.Request, b *structs.QueryOptions) {
	query := req.URL.Query()
	if filter := query.Get("filter"); filter != "" {
		b.Filter = filter
	}
}

// parse is a convenience method for endpoints that need to parse multiple flags
func (s *HTTPServer) parse(req *http.Request, b *structs.QueryOptions) error {
	parseFilter(req, b)
	return parseWait(req, b)
}

// parseIfMatch reads a generation precondition from the If-Match
// header. The boolean reports whether the header was present.
func parseIfMatch(req *http.Request) (uint64, bool, error) {
	raw := req.Header.Get("If-Match")
	if raw == "" {
		return 0, false, nil
	}
	gen, err := strconv.ParseUint(strings.Trim(raw, `"`), 10, 64)
	if err != nil {
		return 0, false, CodedError(http.StatusBadRequest,
			fmt.Sprintf("Invalid If-Match header %q", raw))
	}
	return gen, true, nil
}

// filterList drops list elements failing the bexpr filter expression.
func filterList[T any](filter string, items []T) ([]T, error) {
	if filter == "" {
		return items, nil
	}
	eval, err := bexpr.CreateEvaluator(filter)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest,
			fmt.Sprintf("failed to parse filter expression %q: %v", filter, err))
	}

	out := make([]T, 0, len(items))
	for _, item := range items {
		ok, err := eval.Evaluate(item)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest,
				fmt.Sprintf("failed to evaluate filter expression %q: %v", filter, err))
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// wrapCORS wraps a HandlerFunc in allowCORS and returns a http.Handler
func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}
