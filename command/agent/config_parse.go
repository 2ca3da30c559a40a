// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{
		Ports:      &Ports{},
		GraphStore: &GraphStoreConfig{},
		Candidates: &CandidatesConfig{},
		Simulation: &SimulationConfig{},
		Telemetry:  &Telemetry{},
	}

	err = hcl.Decode(c, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"graph_store.snapshot_interval", &c.GraphStore.SnapshotInterval, &c.GraphStore.SnapshotIntervalHCL},
		{"simulation.default_ttl", &c.Simulation.DefaultTTL, &c.Simulation.DefaultTTLHCL},
		{"simulation.sweep_interval", &c.Simulation.SweepInterval, &c.Simulation.SweepIntervalHCL},
		{"telemetry.collection_interval", &c.Telemetry.collectionInterval, &c.Telemetry.CollectionInterval},
	}
	if err := convertDurations(tds); err != nil {
		return nil, err
	}

	// Unknown keys collect in the ExtraKeysHCL fields and are tolerated:
	// the option table is "recognized; others ignored". The agent logs
	// them once at startup.

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
}

// convertDurations parses the duration strings specified in the config
// files into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		if x.targetField == nil || x.sourceField == nil || *x.sourceField == "" {
			continue
		}
		d, err := time.ParseDuration(*x.sourceField)
		if err != nil {
			return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
		}
		*x.targetField = d
	}

	return nil
}
