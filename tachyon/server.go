// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/tachyon/helper/boltdd"
	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// Server is the placement service core: it owns the graph store, the
// claim path, the simulation engine and the background maintenance
// loops. The REST layer is a thin adaptor over its methods.
//
// Reads go through store snapshots and never block writes. Writes are
// serialized by the server so every mutation is stamped with the next
// global index; that index is the graph generation the API surfaces.
type Server struct {
	config *Config
	logger hclog.Logger

	store   *state.StateStore
	tracker *CachedClaimTracker

	// snapshotDB is the bolt handle the graph persists to, nil when
	// persistence is disabled.
	snapshotDB *boltdd.DB

	// writeLock serializes mutations so the next write index is computed
	// and consumed atomically.
	writeLock sync.Mutex

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewServer builds a server from the given config, restores any durable
// snapshot, and starts the maintenance loops.
func NewServer(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("placement")

	store, err := state.NewStateStore(&state.StateStoreConfig{Logger: logger})
	if err != nil {
		return nil, err
	}

	tracker, err := NewCachedClaimTracker(logger, config.ClaimTracker)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		logger:     logger,
		store:      store,
		tracker:    tracker,
		shutdownCh: make(chan struct{}),
	}

	if err := s.openSnapshot(); err != nil {
		return nil, err
	}

	go s.runSweeper()
	if s.snapshotDB != nil {
		go s.runSnapshots()
	}
	go s.tracker.EmitStats(time.Minute, s.shutdownCh)

	return s, nil
}

// openSnapshot opens the configured bolt file and restores the graph
// from it. A missing or empty file starts the server fresh.
func (s *Server) openSnapshot() error {
	if s.config.DevMode || s.config.SnapshotPath == "" {
		return nil
	}

	db, err := boltdd.Open(s.config.SnapshotPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("opening snapshot %s: %w", s.config.SnapshotPath, err)
	}

	if err := s.store.RestoreSnapshot(db); err != nil {
		db.Close()
		return fmt.Errorf("restoring snapshot %s: %w", s.config.SnapshotPath, err)
	}

	index, err := s.store.LatestIndex()
	if err != nil {
		db.Close()
		return err
	}
	s.logger.Info("restored graph snapshot",
		"path", s.config.SnapshotPath, "generation", index)

	s.snapshotDB = db
	return nil
}

// Shutdown stops the maintenance loops and persists a final snapshot.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return nil
	}
	s.logger.Info("shutting down")
	s.shutdown = true
	close(s.shutdownCh)

	if s.snapshotDB == nil {
		return nil
	}

	err := s.persistSnapshot()
	if cerr := s.snapshotDB.Close(); err == nil {
		err = cerr
	}
	return err
}

// State returns the underlying graph store.
func (s *Server) State() *state.StateStore {
	return s.store
}

// Tracker returns the claim-rejection tracker.
func (s *Server) Tracker() *CachedClaimTracker {
	return s.tracker
}

// withWrite runs fn under the write lock with the next global index.
// Every mutation of the graph goes through here so indexes are dense per
// writer and the generation counter never moves backwards.
func (s *Server) withWrite(fn func(index uint64) error) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	index, err := s.nextIndexLocked()
	if err != nil {
		return err
	}
	return fn(index)
}

// nextIndexLocked returns the index the next write must use. Callers
// hold the write lock.
func (s *Server) nextIndexLocked() (uint64, error) {
	latest, err := s.store.LatestIndex()
	if err != nil {
		return 0, structs.NewErr(structs.ErrKindFatal, "reading latest index: %v", err)
	}
	return latest + 1, nil
}

// runSweeper periodically expires simulation sessions whose TTL lapsed.
func (s *Server) runSweeper() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SweepSessions(time.Now().UTC()); err != nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// runSnapshots periodically persists the graph to the bolt file.
func (s *Server) runSnapshots() {
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.persistSnapshot(); err != nil {
				s.logger.Error("snapshot persist failed", "error", err)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Server) persistSnapshot() error {
	defer metrics.MeasureSince([]string{"state", "persist"}, time.Now())

	if err := s.store.PersistSnapshot(s.snapshotDB); err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}

	index, err := s.store.LatestIndex()
	if err != nil {
		return err
	}
	s.logger.Debug("persisted graph snapshot", "generation", index)
	return nil
}

// Status summarizes the graph for the status endpoint.
type Status struct {
	// Generation is the global graph generation.
	Generation uint64

	// Entity counts at the generation above.
	Providers      int
	Consumers      int
	Allocations    int
	ActiveSessions int
}

// Status reports the current generation and entity counts.
func (s *Server) Status() (*Status, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, err
	}

	st := &Status{}
	if st.Generation, err = snap.LatestIndex(); err != nil {
		return nil, err
	}

	providers, err := snap.Providers(nil)
	if err != nil {
		return nil, err
	}
	for raw := providers.Next(); raw != nil; raw = providers.Next() {
		st.Providers++
	}

	consumers, err := snap.Consumers(nil)
	if err != nil {
		return nil, err
	}
	for raw := consumers.Next(); raw != nil; raw = consumers.Next() {
		st.Consumers++
	}

	allocations, err := snap.Allocations(nil)
	if err != nil {
		return nil, err
	}
	for raw := allocations.Next(); raw != nil; raw = allocations.Next() {
		st.Allocations++
	}

	sessions, err := snap.Sessions(nil)
	if err != nil {
		return nil, err
	}
	for raw := sessions.Next(); raw != nil; raw = sessions.Next() {
		if raw.(*structs.SimulationSession).Active() {
			st.ActiveSessions++
		}
	}

	return st, nil
}
