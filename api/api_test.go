// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestDefaultConfig_env(t *testing.T) {
	url := "http://1.2.3.4:8778"
	t.Setenv("TACHYON_ADDR", url)

	config := DefaultConfig()
	must.Eq(t, url, config.Address)
}

func TestSetQueryOptions(t *testing.T) {
	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	r, err := c.newRequest("GET", "/v1/resource_providers")
	must.NoError(t, err)

	q := &QueryOptions{
		WaitIndex: 1000,
		WaitTime:  100 * time.Second,
		Filter:    `Disabled == false`,
		Params:    map[string]string{"in_tree": "root-1"},
	}
	r.setQueryOptions(q)

	must.Eq(t, "1000", r.params.Get("index"))
	must.Eq(t, "100000ms", r.params.Get("wait"))
	must.Eq(t, `Disabled == false`, r.params.Get("filter"))
	must.Eq(t, "root-1", r.params.Get("in_tree"))
}

func TestSetWriteOptions(t *testing.T) {
	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	r, err := c.newRequest("PUT", "/v1/resource_providers/p1")
	must.NoError(t, err)

	r.setWriteOptions(&WriteOptions{Generation: 7})
	must.Eq(t, `"7"`, r.header.Get("If-Match"))
}

func TestRequestToHTTP(t *testing.T) {
	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	r, err := c.newRequest("DELETE", "/v1/allocations/instance-1?pretty=1")
	must.NoError(t, err)

	req, err := r.toHTTP()
	must.NoError(t, err)
	must.Eq(t, "DELETE", req.Method)
	must.Eq(t, "/v1/allocations/instance-1", req.URL.Path)
	must.Eq(t, "1", req.URL.Query().Get("pretty"))
}

func TestParseQueryMeta(t *testing.T) {
	resp := &http.Response{Header: make(http.Header)}
	resp.Header.Set("X-Tachyon-Index", "42")
	resp.Header.Set("X-Tachyon-Generation", "7")

	qm := &QueryMeta{}
	must.NoError(t, parseQueryMeta(resp, qm))
	must.Eq(t, uint64(42), qm.LastIndex)
	must.Eq(t, uint64(7), qm.LastGeneration)
}

func TestFromHTTPResponse_errorEnvelope(t *testing.T) {
	body := `{"errors":[{"status":409,"code":"conflict_generation",` +
		`"title":"Conflict","detail":"provider generation mismatch"}]}`
	resp := &http.Response{
		StatusCode: 409,
		Status:     "409 Conflict",
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	err := NewUnexpectedResponseError(
		FromHTTPResponse(resp),
		WithExpectedStatuses([]int{200}),
	)
	must.Eq(t, 409, err.StatusCode())
	must.StrContains(t, err.Error(), "conflict_generation: provider generation mismatch")
}

func TestClient_StatusInfo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		must.Eq(t, "/v1/status", r.URL.Path)
		w.Header().Set("X-Tachyon-Index", "12")
		fmt.Fprint(w, `{"Generation":12,"Providers":3,"Consumers":1,"Allocations":2}`)
	}))
	defer ts.Close()

	c, err := NewClient(&Config{Address: ts.URL})
	must.NoError(t, err)

	info, qm, err := c.Status().Info(nil)
	must.NoError(t, err)
	must.Eq(t, uint64(12), info.Generation)
	must.Eq(t, 3, info.Providers)
	must.Eq(t, uint64(12), qm.LastIndex)
}

func TestClient_ClaimRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		must.Eq(t, "PUT", r.Method)
		must.Eq(t, "/v1/allocations/instance-1", r.URL.Path)
		must.Eq(t, `"3"`, r.Header.Get("If-Match"))

		body, _ := io.ReadAll(r.Body)
		must.StrContains(t, string(body), "VCPU")

		w.Header().Set("X-Tachyon-Index", "20")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c, err := NewClient(&Config{Address: ts.URL})
	must.NoError(t, err)

	wm, err := c.Allocations().Claim(&ClaimRequest{
		ConsumerID: "instance-1",
		ProjectID:  "proj",
		UserID:     "user",
		Allocations: map[string]map[string]int64{
			"p1": {"VCPU": 2},
		},
	}, &WriteOptions{Generation: 3})
	must.NoError(t, err)
	must.Eq(t, uint64(20), wm.LastIndex)
}
