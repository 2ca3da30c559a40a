// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/tachyon/helper/testlog"
)

// TestAgent encapsulates an Agent with a started HTTP endpoint on an
// ephemeral port. All fields are populated once Start has returned.
type TestAgent struct {
	// Name is an optional name of the agent.
	Name string

	// ConfigCallback mutates the configuration before the agent starts.
	ConfigCallback func(*Config)

	// Config is the agent configuration. Populated by Start when nil.
	Config *Config

	// LogOutput is the sink for agent logs. Defaults to the test log
	// writer.
	LogOutput io.Writer

	// DataDir is a temporary directory holding the snapshot file. Created
	// by Start and removed on Shutdown.
	DataDir string

	// Agent is the running placement agent.
	Agent *Agent

	// Server is the started HTTP endpoint.
	Server *HTTPServer
}

// NewTestAgent returns a started test agent. The caller must call Shutdown
// to free its resources.
func NewTestAgent(name string, configCallback func(*Config)) *TestAgent {
	a := &TestAgent{
		Name:           name,
		ConfigCallback: configCallback,
	}
	a.Start()
	return a
}

// Start starts the test agent, panicking on failure.
func (a *TestAgent) Start() *TestAgent {
	if a.Agent != nil {
		panic("TestAgent already started")
	}
	if a.Config == nil {
		a.Config = DevConfig()
	}

	// Bind an ephemeral port; the bound address is read back from the
	// listener once the server is up.
	a.Config.BindAddr = "127.0.0.1"
	a.Config.Ports.HTTP = 0

	if a.DataDir == "" {
		dir, err := os.MkdirTemp("", "tachyon-agent")
		if err != nil {
			panic(fmt.Sprintf("error creating agent dir: %v", err))
		}
		a.DataDir = dir
		a.Config.DataDir = dir
	}

	if a.ConfigCallback != nil {
		a.ConfigCallback(a.Config)
	}

	agent, err := a.start()
	if err != nil {
		a.cleanup()
		panic(fmt.Sprintf("error starting test agent: %v", err))
	}
	a.Agent = agent
	return a
}

// start builds the agent and its HTTP server from a.Config.
func (a *TestAgent) start() (*Agent, error) {
	if a.LogOutput == nil {
		a.LogOutput = testlog.NewWriter(nil)
	}

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.NewGlobal(metrics.DefaultConfig("tachyon-test"), inm)

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "agent",
		Level:  testlog.HCLoggerTestLevel(),
		Output: a.LogOutput,
	})

	agent, err := NewAgent(a.Config, logger, a.LogOutput, inm)
	if err != nil {
		return nil, err
	}

	// Setup the HTTP server
	http, err := NewHTTPServer(agent, a.Config)
	if err != nil {
		return agent, err
	}

	a.Server = http
	return agent, nil
}

// Shutdown stops the agent and removes its data directory.
func (a *TestAgent) Shutdown() error {
	defer a.cleanup()

	if a.Server != nil {
		a.Server.Shutdown()
	}
	if a.Agent != nil {
		return a.Agent.Shutdown()
	}
	return nil
}

func (a *TestAgent) cleanup() {
	if a.DataDir != "" {
		os.RemoveAll(a.DataDir)
	}
}

// HTTPAddr returns the bound address of the HTTP server.
func (a *TestAgent) HTTPAddr() string {
	if a.Server == nil {
		return ""
	}
	return "http://" + a.Server.Addr
}

// url returns the full URL for the given path on the test agent's server.
func (a *TestAgent) url(path string) string {
	return a.HTTPAddr() + path
}

// httpGet issues a GET against the running test agent and returns the
// response. Used by endpoint tests that need to exercise the real mux
// rather than a wrapped handler.
func (a *TestAgent) httpGet(path string) (*http.Response, error) {
	return http.Get(a.url(path))
}
