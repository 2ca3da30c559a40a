// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/tachyon/helper/pointer"
	"github.com/hashicorp/tachyon/tachyon"
	"github.com/hashicorp/tachyon/tachyon/structs"
	"github.com/hashicorp/tachyon/version"
)

// Config is the configuration for the Tachyon agent.
type Config struct {
	// DataDir is the directory the agent stores durable state under. The
	// graph snapshot defaults to <data_dir>/graph.db.
	DataDir string `hcl:"data_dir"`

	// LogLevel is the level of the logs to put out
	LogLevel string `hcl:"log_level"`

	// LogJson enables log output in a JSON format
	LogJson bool `hcl:"log_json"`

	// BindAddr is the address the HTTP server binds to. Defaults to
	// 0.0.0.0.
	BindAddr string `hcl:"bind_addr"`

	// EnableDebug is used to enable debugging HTTP endpoints
	EnableDebug bool `hcl:"enable_debug"`

	// Ports is used to control the network ports we bind to.
	Ports *Ports `hcl:"ports"`

	// AuthStrategy selects the authentication collaborator, noauth or
	// keystone.
	AuthStrategy string `hcl:"auth_strategy"`

	// StandardTraitsSource identifies the frozen standard trait list
	// seeded into the graph at boot.
	StandardTraitsSource string `hcl:"standard_traits_source"`

	// GraphStore configures the graph store and its durable snapshots.
	GraphStore *GraphStoreConfig `hcl:"graph_store"`

	// Candidates configures the allocation-candidates pipeline.
	Candidates *CandidatesConfig `hcl:"candidates"`

	// Weigher holds the global weigher multipliers keyed as
	// <name>_multiplier. Keys without the suffix are ignored.
	Weigher map[string]float64 `hcl:"weigher"`

	// Simulation configures session TTLs and the sweeper.
	Simulation *SimulationConfig `hcl:"simulation"`

	// Telemetry is used to configure sending telemetry
	Telemetry *Telemetry `hcl:"telemetry"`

	// HTTPAPIResponseHeaders allows users to configure the agent to set
	// arbitrary headers on API responses
	HTTPAPIResponseHeaders map[string]string `hcl:"http_api_response_headers"`

	// DevMode is set by the -dev CLI flag: in-memory state, local bind,
	// verbose logs.
	DevMode bool `hcl:"-"`

	// Version information is set at compilation time
	Version *version.VersionInfo `hcl:"-"`

	// List of config files that have been loaded (in order)
	Files []string `hcl:"-"`

	// ExtraKeysHCL collects configuration keys this build does not
	// recognize. Unknown options are tolerated so one config file can
	// serve several deployments; the agent logs them at startup.
	ExtraKeysHCL []string `hcl:",unusedKeys"`
}

// Ports encapsulates the various ports we bind to for network services.
type Ports struct {
	HTTP int `hcl:"http"`

	ExtraKeysHCL []string `hcl:",unusedKeys"`
}

// GraphStoreConfig configures the graph store adapter.
type GraphStoreConfig struct {
	// Endpoint is the store connection string. The graph store of this
	// build runs in process; a non-empty endpoint is recognized and
	// reported, not dialed.
	Endpoint string `hcl:"endpoint"`

	// RetryMax and RetryBackoffMs bound the transient-retry envelope of
	// the claim path.
	RetryMax       *int `hcl:"retry_max"`
	RetryBackoffMs *int `hcl:"retry_backoff_ms"`

	// SnapshotPath overrides the snapshot file location. Defaults to
	// <data_dir>/graph.db.
	SnapshotPath string `hcl:"snapshot_path"`

	// SnapshotInterval is the period between automatic persists.
	SnapshotInterval    time.Duration
	SnapshotIntervalHCL string `hcl:"snapshot_interval"`

	ExtraKeysHCL []string `hcl:",unusedKeys"`
}

// Merge is used to merge two graph store configs together.
func (a *GraphStoreConfig) Merge(b *GraphStoreConfig) *GraphStoreConfig {
	result := *a

	if b.Endpoint != "" {
		result.Endpoint = b.Endpoint
	}
	if b.RetryMax != nil {
		result.RetryMax = pointer.Copy(b.RetryMax)
	}
	if b.RetryBackoffMs != nil {
		result.RetryBackoffMs = pointer.Copy(b.RetryBackoffMs)
	}
	if b.SnapshotPath != "" {
		result.SnapshotPath = b.SnapshotPath
	}
	if b.SnapshotInterval != 0 {
		result.SnapshotInterval = b.SnapshotInterval
	}
	if b.SnapshotIntervalHCL != "" {
		result.SnapshotIntervalHCL = b.SnapshotIntervalHCL
	}
	return &result
}

// CandidatesConfig configures the allocation-candidates pipeline.
type CandidatesConfig struct {
	// DefaultLimit is the candidate count used when a request omits
	// limit.
	DefaultLimit *int `hcl:"default_limit"`

	ExtraKeysHCL []string `hcl:",unusedKeys"`
}

// Merge is used to merge two candidates configs together.
func (a *CandidatesConfig) Merge(b *CandidatesConfig) *CandidatesConfig {
	result := *a

	if b.DefaultLimit != nil {
		result.DefaultLimit = pointer.Copy(b.DefaultLimit)
	}
	return &result
}

// SimulationConfig configures the simulation subsystem.
type SimulationConfig struct {
	// DefaultTTL is the session lifetime applied when POST /simulations
	// omits one.
	DefaultTTL    time.Duration
	DefaultTTLHCL string `hcl:"default_ttl"`

	// SweepInterval is the period for expiring stale sessions.
	SweepInterval    time.Duration
	SweepIntervalHCL string `hcl:"sweep_interval"`

	ExtraKeysHCL []string `hcl:",unusedKeys"`
}

// Merge is used to merge two simulation configs together.
func (a *SimulationConfig) Merge(b *SimulationConfig) *SimulationConfig {
	result := *a

	if b.DefaultTTL != 0 {
		result.DefaultTTL = b.DefaultTTL
	}
	if b.DefaultTTLHCL != "" {
		result.DefaultTTLHCL = b.DefaultTTLHCL
	}
	if b.SweepInterval != 0 {
		result.SweepInterval = b.SweepInterval
	}
	if b.SweepIntervalHCL != "" {
		result.SweepIntervalHCL = b.SweepIntervalHCL
	}
	return &result
}

// Telemetry is the telemetry configuration for the server
type Telemetry struct {
	StatsiteAddr    string `hcl:"statsite_address"`
	StatsdAddr      string `hcl:"statsd_address"`
	DisableHostname bool   `hcl:"disable_hostname"`

	// in memory collection interval (by default 1s)
	CollectionInterval string `hcl:"collection_interval"`
	collectionInterval time.Duration

	ExtraKeysHCL []string `hcl:",unusedKeys"`
}

// Merge is used to merge two telemetry configs together.
func (a *Telemetry) Merge(b *Telemetry) *Telemetry {
	result := *a

	if b.StatsiteAddr != "" {
		result.StatsiteAddr = b.StatsiteAddr
	}
	if b.StatsdAddr != "" {
		result.StatsdAddr = b.StatsdAddr
	}
	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
	}
	if b.collectionInterval != 0 {
		result.collectionInterval = b.collectionInterval
	}
	return &result
}

// DevConfig is a Config that is used for dev mode of Tachyon: everything
// in memory, bound to localhost, chatty logs.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.BindAddr = "127.0.0.1"
	conf.LogLevel = "DEBUG"
	conf.DevMode = true
	conf.EnableDebug = true
	return conf
}

// DefaultConfig is the baseline configuration for Tachyon.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		BindAddr: "0.0.0.0",
		Ports: &Ports{
			HTTP: 8778,
		},
		AuthStrategy:         tachyon.AuthStrategyNoAuth,
		StandardTraitsSource: structs.StandardTraitsSourceBuiltin,
		GraphStore:           &GraphStoreConfig{},
		Candidates:           &CandidatesConfig{},
		Simulation:           &SimulationConfig{},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: 1 * time.Second,
		},
		Version: version.GetVersion(),
	}
}

// Listener can be used to get a new listener using a custom bind address.
// If the bind provided address is empty, the BindAddr is used instead.
func (c *Config) Listener(proto, addr string, port int) (net.Listener, error) {
	if addr == "" {
		addr = c.BindAddr
	}

	if 0 > port || port > 65535 {
		return nil, &net.OpError{
			Op:  "listen",
			Net: proto,
			Err: &net.AddrError{Err: "invalid port", Addr: fmt.Sprint(port)},
		}
	}
	return net.Listen(proto, net.JoinHostPort(addr, strconv.Itoa(port)))
}

// Merge merges two configurations, with b taking precedence.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.AuthStrategy != "" {
		result.AuthStrategy = b.AuthStrategy
	}
	if b.StandardTraitsSource != "" {
		result.StandardTraitsSource = b.StandardTraitsSource
	}
	if b.DevMode {
		result.DevMode = true
	}
	if b.Version != nil {
		result.Version = b.Version
	}

	// Apply the telemetry config
	if result.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		result.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	// Apply the ports config
	if result.Ports == nil && b.Ports != nil {
		ports := *b.Ports
		result.Ports = &ports
	} else if b.Ports != nil {
		result.Ports = result.Ports.Merge(b.Ports)
	}

	// Apply the graph store config
	if result.GraphStore == nil && b.GraphStore != nil {
		graph := *b.GraphStore
		result.GraphStore = &graph
	} else if b.GraphStore != nil {
		result.GraphStore = result.GraphStore.Merge(b.GraphStore)
	}

	// Apply the candidates config
	if result.Candidates == nil && b.Candidates != nil {
		candidates := *b.Candidates
		result.Candidates = &candidates
	} else if b.Candidates != nil {
		result.Candidates = result.Candidates.Merge(b.Candidates)
	}

	// Apply the simulation config
	if result.Simulation == nil && b.Simulation != nil {
		simulation := *b.Simulation
		result.Simulation = &simulation
	} else if b.Simulation != nil {
		result.Simulation = result.Simulation.Merge(b.Simulation)
	}

	// Weigher multipliers merge key by key
	if b.Weigher != nil {
		if result.Weigher == nil {
			result.Weigher = make(map[string]float64, len(b.Weigher))
		} else {
			merged := make(map[string]float64, len(result.Weigher)+len(b.Weigher))
			for k, v := range result.Weigher {
				merged[k] = v
			}
			result.Weigher = merged
		}
		for k, v := range b.Weigher {
			result.Weigher[k] = v
		}
	}

	// Merge config files lists
	result.Files = append(result.Files, b.Files...)

	// Add the http API response header map values
	if result.HTTPAPIResponseHeaders == nil {
		result.HTTPAPIResponseHeaders = make(map[string]string)
	}
	for k, v := range b.HTTPAPIResponseHeaders {
		result.HTTPAPIResponseHeaders[k] = v
	}

	result.ExtraKeysHCL = append(result.ExtraKeysHCL, b.ExtraKeysHCL...)

	return &result
}

// Merge is used to merge two port configurations.
func (a *Ports) Merge(b *Ports) *Ports {
	result := *a

	if b.HTTP != 0 {
		result.HTTP = b.HTTP
	}
	return &result
}

// snapshotPath resolves the effective snapshot file, preferring the
// explicit graph_store.snapshot_path over the data directory default.
func (c *Config) snapshotPath() string {
	if c.GraphStore != nil && c.GraphStore.SnapshotPath != "" {
		return c.GraphStore.SnapshotPath
	}
	if c.DataDir != "" {
		return filepath.Join(c.DataDir, "graph.db")
	}
	return ""
}

// ConvertServerConfig translates the agent configuration into the
// placement server's config.
func ConvertServerConfig(agentConfig *Config) (*tachyon.Config, error) {
	conf := tachyon.DefaultConfig()
	conf.DevMode = agentConfig.DevMode
	if agentConfig.AuthStrategy != "" {
		conf.AuthStrategy = agentConfig.AuthStrategy
	}
	if agentConfig.StandardTraitsSource != "" {
		conf.StandardTraitsSource = agentConfig.StandardTraitsSource
	}
	conf.SnapshotPath = agentConfig.snapshotPath()

	if gs := agentConfig.GraphStore; gs != nil {
		if gs.RetryMax != nil {
			conf.ClaimRetryMax = *gs.RetryMax
		}
		if gs.RetryBackoffMs != nil {
			conf.ClaimRetryBackoff = time.Duration(*gs.RetryBackoffMs) * time.Millisecond
		}
		if gs.SnapshotInterval != 0 {
			conf.SnapshotInterval = gs.SnapshotInterval
		}
	}

	if sim := agentConfig.Simulation; sim != nil {
		if sim.DefaultTTL != 0 {
			conf.SimulationTTL = sim.DefaultTTL
		}
		if sim.SweepInterval != 0 {
			conf.SweepInterval = sim.SweepInterval
		}
	}

	if cand := agentConfig.Candidates; cand != nil && cand.DefaultLimit != nil {
		if *cand.DefaultLimit <= 0 {
			return nil, fmt.Errorf("candidates.default_limit must be positive, got %d", *cand.DefaultLimit)
		}
		conf.SchedulerConfig.CandidateLimit = *cand.DefaultLimit
	}

	for key, value := range agentConfig.Weigher {
		name, ok := strings.CutSuffix(key, "_multiplier")
		if !ok || name == "" {
			continue
		}
		conf.SchedulerConfig.WeigherMultipliers[name] = value
	}

	return conf, nil
}

// LoadConfig loads the configuration at the given path, regardless of
// whether it is a file or directory.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}

	cleaned := filepath.Clean(path)
	config, err := ParseConfigFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("Error loading %s: %s", cleaned, err)
	}

	config.Files = append(config.Files, cleaned)
	return config, nil
}

// LoadConfigDir loads all the configurations in the given directory
// in alphabetical order.
func LoadConfigDir(dir string) (*Config, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf(
			"configuration path must be a directory: %s", dir)
	}

	var files []string
	err = nil
	for err != io.EOF {
		var fis []os.FileInfo
		fis, err = f.Readdir(128)
		if err != nil && err != io.EOF {
			return nil, err
		}

		for _, fi := range fis {
			// Ignore directories
			if fi.IsDir() {
				continue
			}

			// Only care about files that are valid to load.
			name := fi.Name()
			skip := true
			if strings.HasSuffix(name, ".hcl") {
				skip = false
			} else if strings.HasSuffix(name, ".json") {
				skip = false
			}
			if skip || isTemporaryFile(name) {
				continue
			}

			path := filepath.Join(dir, name)
			files = append(files, path)
		}
	}

	// Fast-path if we have no files
	if len(files) == 0 {
		return &Config{}, nil
	}

	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("Error loading %s: %s", f, err)
		}
		config.Files = append(config.Files, f)

		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}

	return result, nil
}

// isTemporaryFile returns true or false depending on whether the
// provided file name is a temporary file for the following editors:
// emacs or vim.
func isTemporaryFile(name string) bool {
	return strings.HasSuffix(name, "~") || // vim
		strings.HasPrefix(name, ".#") || // emacs
		(strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#")) // emacs
}
