// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	testing "github.com/mitchellh/go-testing-interface"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/tachyon/helper/testlog"
)

// TestServer starts an in-memory server for tests. The cleanup func
// shuts it down.
func TestServer(t testing.T, cb func(*Config)) (*Server, func()) {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.DevMode = true
	if cb != nil {
		cb(config)
	}

	s, err := NewServer(config)
	must.NoError(t, err, must.Sprint("failed to start test server"))
	return s, func() { _ = s.Shutdown() }
}
