// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/tachyon/tachyon"
)

// Agent is the long running daemon: it owns the placement server, its
// telemetry sinks and the HTTP surface over both.
type Agent struct {
	config     *Config
	configLock sync.Mutex

	logger     log.InterceptLogger
	httpLogger log.Logger
	logOutput  io.Writer

	// server is the placement core the HTTP endpoints call into.
	server *tachyon.Server

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	InmemSink *metrics.InmemSink
}

// NewAgent is used to create a new agent with the given configuration
func NewAgent(config *Config, logger log.InterceptLogger, logOutput io.Writer, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logOutput:  logOutput,
		shutdownCh: make(chan struct{}),
		InmemSink:  inmem,
	}

	a.logger = logger
	a.httpLogger = a.logger.ResetNamed("http")

	if err := a.setupServer(); err != nil {
		return nil, err
	}

	return a, nil
}

// setupServer builds the placement server from the agent configuration.
func (a *Agent) setupServer() error {
	conf, err := ConvertServerConfig(a.config)
	if err != nil {
		return fmt.Errorf("server config setup failed: %w", err)
	}
	conf.Logger = a.logger

	if gs := a.config.GraphStore; gs != nil && gs.Endpoint != "" {
		a.logger.Warn("graph_store.endpoint is recognized but the graph store runs in process; not dialing",
			"endpoint", gs.Endpoint)
	}

	server, err := tachyon.NewServer(conf)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	a.server = server
	return nil
}

// Server returns the placement server the agent wraps.
func (a *Agent) Server() *tachyon.Server {
	return a.server
}

// Shutdown is used to terminate the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	var err error
	if a.server != nil {
		if serr := a.server.Shutdown(); serr != nil {
			a.logger.Error("server shutdown failed", "error", serr)
			err = serr
		}
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return err
}

// setupTelemetry is used to configure the telemetry sinks from the agent
// configuration.
func setupTelemetry(config *Telemetry) (*metrics.InmemSink, error) {
	// Prepare the in-memory sink that backs /v1/metrics and the SIGUSR1
	// dump.
	if config == nil {
		config = &Telemetry{}
	}
	interval := config.collectionInterval
	if interval <= 0 {
		interval = 1 * time.Second
	}
	inm := metrics.NewInmemSink(interval, time.Minute)
	metrics.DefaultInmemSignal(inm)

	metricsConf := metrics.DefaultConfig("tachyon")
	metricsConf.EnableHostname = !config.DisableHostname

	var fanout metrics.FanoutSink
	if config.StatsiteAddr != "" {
		sink, err := metrics.NewStatsiteSink(config.StatsiteAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}
	if config.StatsdAddr != "" {
		sink, err := metrics.NewStatsdSink(config.StatsdAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	if len(fanout) > 0 {
		fanout = append(fanout, inm)
		if _, err := metrics.NewGlobal(metricsConf, fanout); err != nil {
			return inm, err
		}
		return inm, nil
	}

	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		return inm, err
	}
	return inm, nil
}
