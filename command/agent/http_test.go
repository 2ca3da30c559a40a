// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/ci"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// makeHTTPServer returns a started test agent with its HTTP server
// bound to an ephemeral port.
func makeHTTPServer(t testing.TB, cb func(c *Config)) *TestAgent {
	return NewTestAgent(t.Name(), cb)
}

func httpTest(t testing.TB, cb func(c *Config), f func(srv *TestAgent)) {
	s := makeHTTPServer(t, cb)
	defer s.Shutdown()
	f(s)
}

func encodeReq(obj interface{}) io.ReadCloser {
	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	enc.Encode(obj)
	return io.NopCloser(buf)
}

func TestSetIndex(t *testing.T) {
	ci.Parallel(t)
	resp := httptest.NewRecorder()
	setIndex(resp, 1000)
	header := resp.Header().Get("X-Tachyon-Index")
	if header != "1000" {
		t.Fatalf("Bad: %v", header)
	}
	setIndex(resp, 2000)
	if v := resp.Header()["X-Tachyon-Index"]; len(v) != 1 {
		t.Fatalf("bad: %#v", v)
	}
}

func TestSetGeneration(t *testing.T) {
	ci.Parallel(t)
	resp := httptest.NewRecorder()
	setGeneration(resp, 7)
	header := resp.Header().Get("X-Tachyon-Generation")
	if header != "7" {
		t.Fatalf("Bad: %v", header)
	}
	setGeneration(resp, 8)
	if v := resp.Header()["X-Tachyon-Generation"]; len(v) != 1 {
		t.Fatalf("bad: %#v", v)
	}
}

func TestSetMeta(t *testing.T) {
	ci.Parallel(t)
	meta := structs.QueryMeta{Index: 1000}
	resp := httptest.NewRecorder()
	setMeta(resp, &meta)
	header := resp.Header().Get("X-Tachyon-Index")
	if header != "1000" {
		t.Fatalf("Bad: %v", header)
	}
}

func TestSetHeaders(t *testing.T) {
	ci.Parallel(t)
	s := makeHTTPServer(t, nil)
	s.Agent.config.HTTPAPIResponseHeaders = map[string]string{"foo": "bar"}
	defer s.Shutdown()

	resp := httptest.NewRecorder()
	handler := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return &structs.ResourceClass{Name: "CUSTOM_FOO"}, nil
	}

	req, _ := http.NewRequest(http.MethodGet, "/v1/resource_classes", nil)
	s.Server.wrap(handler)(resp, req)
	header := resp.Header().Get("foo")

	if header != "bar" {
		t.Fatalf("expected header: %v, actual: %v", "bar", header)
	}
}

func TestContentTypeIsJSON(t *testing.T) {
	ci.Parallel(t)
	s := makeHTTPServer(t, nil)
	defer s.Shutdown()

	resp := httptest.NewRecorder()
	handler := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return &structs.ResourceClass{Name: "CUSTOM_FOO"}, nil
	}

	req, _ := http.NewRequest(http.MethodGet, "/v1/resource_classes", nil)
	s.Server.wrap(handler)(resp, req)

	contentType := resp.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Fatalf("Content-Type header was not 'application/json'")
	}
}

func TestPrettyPrint(t *testing.T) {
	ci.Parallel(t)
	testPrettyPrint("pretty=1", true, t)
}

func TestPrettyPrintOff(t *testing.T) {
	ci.Parallel(t)
	testPrettyPrint("pretty=0", false, t)
}

func TestPrettyPrintBare(t *testing.T) {
	ci.Parallel(t)
	testPrettyPrint("pretty", true, t)
}

func testPrettyPrint(pretty string, prettyFmt bool, t *testing.T) {
	s := makeHTTPServer(t, nil)
	defer s.Shutdown()

	r := &structs.ResourceClass{Name: "CUSTOM_FOO"}

	resp := httptest.NewRecorder()
	handler := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return r, nil
	}

	urlStr := "/v1/resource_classes/CUSTOM_FOO?" + pretty
	req, _ := http.NewRequest(http.MethodGet, urlStr, nil)
	s.Server.wrap(handler)(resp, req)

	var expected []byte
	if prettyFmt {
		expected, _ = json.MarshalIndent(r, "", "    ")
		expected = append(expected, "\n"...)
	} else {
		expected, _ = json.Marshal(r)
	}
	actual, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	if !bytes.Equal(expected, actual) {
		t.Fatalf("bad:\nexpected:\t%q\nactual:\t\t%q", string(expected), string(actual))
	}
}

func TestErrorResponse(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "not found",
			err:    structs.NewErrNotFound("resource provider", "missing"),
			status: 404,
			code:   "not_found",
		},
		{
			name:   "generation conflict",
			err:    structs.NewErrGenerationConflict("resource provider", "rp1", 3, 5),
			status: 409,
			code:   "conflict_generation",
		},
		{
			name:   "uniqueness conflict",
			err:    structs.NewErrUniqueness("resource provider", "web"),
			status: 409,
			code:   "conflict_uniqueness",
		},
		{
			name:   "out of capacity",
			err:    structs.NewErrOutOfCapacity("rp1", "VCPU", errors.New("no room")),
			status: 409,
			code:   "out_of_capacity",
		},
		{
			name:   "invalid state",
			err:    structs.NewErr(structs.ErrKindInvalidState, "session closed"),
			status: 409,
			code:   "invalid_state",
		},
		{
			name:   "bad request",
			err:    structs.NewErr(structs.ErrKindBadRequest, "malformed resource list"),
			status: 400,
			code:   "bad_request",
		},
		{
			name:   "deadline exceeded",
			err:    structs.NewErr(structs.ErrKindDeadlineExceeded, "claim retries exhausted"),
			status: 504,
			code:   "deadline_exceeded",
		},
		{
			name:   "transient",
			err:    structs.NewErr(structs.ErrKindTransient, "snapshot unavailable"),
			status: 503,
			code:   "transient",
		},
		{
			name:   "coded 400",
			err:    CodedError(400, "Invalid wait time"),
			status: 400,
			code:   "bad_request",
		},
		{
			name:   "coded 404",
			err:    CodedError(404, "no handler"),
			status: 404,
			code:   "not_found",
		},
		{
			name:   "coded 500",
			err:    CodedError(500, "boom"),
			status: 500,
			code:   "fatal",
		},
		{
			name:   "foreign error",
			err:    errors.New("boom"),
			status: 500,
			code:   "fatal",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, apiErr := errorResponse(tc.err)
			must.Eq(t, tc.status, status)
			must.Eq(t, tc.status, apiErr.Status)
			must.Eq(t, tc.code, apiErr.Code)
			must.Eq(t, http.StatusText(tc.status), apiErr.Title)
			must.StrContains(t, apiErr.Detail, tc.err.Error())
		})
	}
}

func TestWrap_ErrorEnvelope(t *testing.T) {
	ci.Parallel(t)
	s := makeHTTPServer(t, nil)
	defer s.Shutdown()

	handler := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return nil, structs.NewErrGenerationConflict("resource provider", "rp1", 3, 5)
	}

	resp := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/v1/resource_providers/rp1", nil)
	s.Server.wrap(handler)(resp, req)

	must.Eq(t, http.StatusConflict, resp.Code)
	must.Eq(t, "application/json", resp.Header().Get("Content-Type"))

	var out errorEnvelope
	must.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	must.Len(t, 1, out.Errors)
	must.Eq(t, http.StatusConflict, out.Errors[0].Status)
	must.Eq(t, "conflict_generation", out.Errors[0].Code)
	must.Eq(t, "Conflict", out.Errors[0].Title)
	must.StrContains(t, out.Errors[0].Detail, "rp1")
}

func TestParseWait(t *testing.T) {
	ci.Parallel(t)
	var b structs.QueryOptions

	req, err := http.NewRequest(http.MethodGet,
		"/v1/resource_providers?wait=60s&index=1000", nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := parseWait(req, &b); err != nil {
		t.Fatalf("err: %v", err)
	}

	if b.MinQueryIndex != 1000 {
		t.Fatalf("Bad: %v", b)
	}
	if b.MaxQueryTime != 60*time.Second {
		t.Fatalf("Bad: %v", b)
	}
}

func TestParseWait_InvalidTime(t *testing.T) {
	ci.Parallel(t)
	var b structs.QueryOptions

	req, err := http.NewRequest(http.MethodGet,
		"/v1/resource_providers?wait=60foo&index=1000", nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	err = parseWait(req, &b)
	must.ErrorContains(t, err, "Invalid wait time")

	var coded HTTPCodedError
	must.True(t, errors.As(err, &coded))
	must.Eq(t, 400, coded.Code())
}

func TestParseWait_InvalidIndex(t *testing.T) {
	ci.Parallel(t)
	var b structs.QueryOptions

	req, err := http.NewRequest(http.MethodGet,
		"/v1/resource_providers?wait=60s&index=foo", nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	err = parseWait(req, &b)
	must.ErrorContains(t, err, "Invalid index")

	var coded HTTPCodedError
	must.True(t, errors.As(err, &coded))
	must.Eq(t, 400, coded.Code())
}

func TestParseFilter(t *testing.T) {
	ci.Parallel(t)
	var b structs.QueryOptions

	req, err := http.NewRequest(http.MethodGet,
		"/v1/resource_providers?filter=Name+%3D%3D+%22web%22", nil)
	must.NoError(t, err)

	parseFilter(req, &b)
	must.Eq(t, `Name == "web"`, b.Filter)
}

func TestParseIfMatch(t *testing.T) {
	ci.Parallel(t)

	t.Run("absent", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, "/v1/resource_providers/rp1", nil)
		gen, ok, err := parseIfMatch(req)
		must.NoError(t, err)
		must.False(t, ok)
		must.Eq(t, 0, gen)
	})

	t.Run("bare", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, "/v1/resource_providers/rp1", nil)
		req.Header.Set("If-Match", "7")
		gen, ok, err := parseIfMatch(req)
		must.NoError(t, err)
		must.True(t, ok)
		must.Eq(t, 7, gen)
	})

	t.Run("quoted", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, "/v1/resource_providers/rp1", nil)
		req.Header.Set("If-Match", `"42"`)
		gen, ok, err := parseIfMatch(req)
		must.NoError(t, err)
		must.True(t, ok)
		must.Eq(t, 42, gen)
	})

	t.Run("invalid", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, "/v1/resource_providers/rp1", nil)
		req.Header.Set("If-Match", "abc")
		_, _, err := parseIfMatch(req)
		must.ErrorContains(t, err, "Invalid If-Match header")
	})
}

func TestFilterList(t *testing.T) {
	ci.Parallel(t)

	providers := []*structs.ResourceProvider{
		{ID: "a", Name: "compute-0"},
		{ID: "b", Name: "compute-1"},
		{ID: "c", Name: "storage-0"},
	}

	t.Run("empty filter", func(t *testing.T) {
		out, err := filterList("", providers)
		must.NoError(t, err)
		must.Len(t, 3, out)
	})

	t.Run("match", func(t *testing.T) {
		out, err := filterList(`Name == "compute-1"`, providers)
		must.NoError(t, err)
		must.Len(t, 1, out)
		must.Eq(t, "b", out[0].ID)
	})

	t.Run("no match", func(t *testing.T) {
		out, err := filterList(`Name == "absent"`, providers)
		must.NoError(t, err)
		must.Len(t, 0, out)
	})

	t.Run("parse error", func(t *testing.T) {
		_, err := filterList(`Name ==`, providers)
		must.ErrorContains(t, err, "failed to parse filter expression")

		var coded HTTPCodedError
		must.True(t, errors.As(err, &coded))
		must.Eq(t, 400, coded.Code())
	})
}

// TestHTTPServer_Mux exercises the full stack through the listener:
// routing, wrap, the JSON envelope and the index header.
func TestHTTPServer_Mux(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		resp, err := s.httpGet("/v1/status")
		must.NoError(t, err)
		defer resp.Body.Close()

		must.Eq(t, 200, resp.StatusCode)
		must.Eq(t, "application/json", resp.Header.Get("Content-Type"))

		var out struct {
			Generation uint64
		}
		must.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	})
}

func TestHTTPServer_Mux_NotFoundEnvelope(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		resp, err := s.httpGet("/v1/resource_providers/nonesuch")
		must.NoError(t, err)
		defer resp.Body.Close()

		must.Eq(t, 404, resp.StatusCode)

		var out errorEnvelope
		must.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		must.Len(t, 1, out.Errors)
		must.Eq(t, "not_found", out.Errors[0].Code)
		must.StrContains(t, out.Errors[0].Detail, "nonesuch")
	})
}
