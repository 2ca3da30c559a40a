// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/tachyon/helper/uuid"
	"github.com/hashicorp/tachyon/scheduler"
	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// DiffAgainstLive names the live graph as the far side of a metrics
// diff; any other value is taken as a session ID.
const DiffAgainstLive = "live"

// CreateSession opens a simulation session. A non-positive ttl uses the
// configured default.
func (s *Server) CreateSession(ttl time.Duration, auditID string) (*structs.SimulationSession, error) {
	if ttl <= 0 {
		ttl = s.config.SimulationTTL
	}

	now := time.Now().UTC()
	sess := &structs.SimulationSession{
		ID:        uuid.Generate(),
		AuditID:   auditID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err := s.withWrite(func(index uint64) error {
		return s.store.CreateSession(index, sess)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("simulation session opened",
		"session_id", sess.ID, "base_generation", sess.BaseGeneration,
		"expires_at", sess.ExpiresAt, "audit_id", auditID)
	return sess, nil
}

// Session returns a session by ID.
func (s *Server) Session(sessionID string) (*structs.SimulationSession, error) {
	sess, err := s.store.SessionByID(nil, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, structs.NewErrNotFound("session", sessionID)
	}
	return sess, nil
}

// Sessions lists every session, ordered by ID.
func (s *Server) Sessions() ([]*structs.SimulationSession, error) {
	iter, err := s.store.Sessions(nil)
	if err != nil {
		return nil, err
	}

	var out []*structs.SimulationSession
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.SimulationSession))
	}
	return out, nil
}

// RecordMove appends a move delta: the consumer's whole footprint leaves
// the tree rooted at fromRootID and is re-placed in the tree rooted at
// toRootID. The destination placement is planned against the session
// view, so earlier deltas count against capacity and the consumer's own
// footprint does not.
func (s *Server) RecordMove(sessionID, consumerID, fromRootID, toRootID string) (*structs.SpeculativeDelta, error) {
	defer metrics.MeasureSince([]string{"simulation", "record_move"}, time.Now())

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := time.Now().UTC()
	snap, overlay, err := s.overlayLocked(sessionID, now)
	if err != nil {
		return nil, err
	}

	footprint, err := s.virtualFootprint(overlay, consumerID)
	if err != nil {
		return nil, err
	}
	if footprint.Empty() {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"consumer %s has no placement in session %s", consumerID, sessionID)
	}

	sourceRoots, err := s.footprintRoots(snap, footprint)
	if err != nil {
		return nil, err
	}
	if _, ok := sourceRoots[fromRootID]; !ok {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"consumer %s is not placed in tree %s", consumerID, fromRootID)
	}
	if fromRootID == toRootID {
		return nil, structs.NewErr(structs.ErrKindBadRequest,
			"move source and destination are the same tree")
	}

	// Re-place the per-class totals inside the destination tree. Shared
	// classes may land back on the same sharing provider when it also
	// serves the destination.
	totals := make(map[string]int64)
	for _, classes := range footprint {
		for class, amount := range classes {
			totals[class] += amount
		}
	}

	cand, err := s.planInTree(overlay, consumerID, toRootID, totals)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, structs.NewErr(structs.ErrKindOutOfCapacity,
			"consumer %s does not fit in tree %s", consumerID, toRootID)
	}

	observed := make(map[string]uint64, len(cand.ProviderGenerations))
	for providerID, gen := range cand.ProviderGenerations {
		observed[providerID] = gen
	}
	if err := s.observeProviders(snap, observed, footprint.Providers()); err != nil {
		return nil, err
	}

	delta := &structs.SpeculativeDelta{
		SessionID:           sessionID,
		Type:                structs.DeltaTypeMove,
		ConsumerID:          consumerID,
		FromRootID:          fromRootID,
		ToRootID:            toRootID,
		Resources:           cand.Allocations.Copy(),
		ObservedGenerations: observed,
	}

	if err := s.appendDeltaLocked(now, delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// RecordAllocate appends a claim delta placing a new consumer. The
// consumer must have no footprint in the session view; capacity is
// enforced against the overlay.
func (s *Server) RecordAllocate(sessionID, consumerID string, resources structs.AllocationSet, projectID, userID string) (*structs.SpeculativeDelta, error) {
	defer metrics.MeasureSince([]string{"simulation", "record_allocate"}, time.Now())

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := time.Now().UTC()
	snap, overlay, err := s.overlayLocked(sessionID, now)
	if err != nil {
		return nil, err
	}

	existing, err := s.virtualFootprint(overlay, consumerID)
	if err != nil {
		return nil, err
	}
	if !existing.Empty() {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"consumer %s is already placed in session %s", consumerID, sessionID)
	}

	if err := s.checkOverlayCapacity(snap, overlay, resources); err != nil {
		return nil, err
	}

	roots, err := s.footprintRoots(snap, resources)
	if err != nil {
		return nil, err
	}

	observed := make(map[string]uint64)
	if err := s.observeProviders(snap, observed, resources.Providers()); err != nil {
		return nil, err
	}

	delta := &structs.SpeculativeDelta{
		SessionID:           sessionID,
		Type:                structs.DeltaTypeClaim,
		ConsumerID:          consumerID,
		ProjectID:           projectID,
		UserID:              userID,
		ToRootID:            leadRoot(roots),
		Resources:           resources.Copy(),
		ObservedGenerations: observed,
	}

	if err := s.appendDeltaLocked(now, delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// RecordDeallocate appends a release delta dropping the consumer's
// footprint from the session view.
func (s *Server) RecordDeallocate(sessionID, consumerID string) (*structs.SpeculativeDelta, error) {
	defer metrics.MeasureSince([]string{"simulation", "record_deallocate"}, time.Now())

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := time.Now().UTC()
	snap, overlay, err := s.overlayLocked(sessionID, now)
	if err != nil {
		return nil, err
	}

	footprint, err := s.virtualFootprint(overlay, consumerID)
	if err != nil {
		return nil, err
	}
	if footprint.Empty() {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"consumer %s has no placement in session %s", consumerID, sessionID)
	}

	roots, err := s.footprintRoots(snap, footprint)
	if err != nil {
		return nil, err
	}

	observed := make(map[string]uint64)
	if err := s.observeProviders(snap, observed, footprint.Providers()); err != nil {
		return nil, err
	}

	delta := &structs.SpeculativeDelta{
		SessionID:           sessionID,
		Type:                structs.DeltaTypeRelease,
		ConsumerID:          consumerID,
		FromRootID:          leadRoot(roots),
		ObservedGenerations: observed,
	}

	if err := s.appendDeltaLocked(now, delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// UndoLast pops the newest delta from the session's log.
func (s *Server) UndoLast(sessionID string) error {
	return s.withWrite(func(index uint64) error {
		return s.store.UndoDelta(index, time.Now().UTC(), sessionID)
	})
}

// Commit atomically folds the session's delta log into live state. On a
// generation conflict the session stays active so the caller can restart
// the optimization against fresh state.
func (s *Server) Commit(sessionID string) error {
	defer metrics.MeasureSince([]string{"simulation", "commit"}, time.Now())

	err := s.withWrite(func(index uint64) error {
		return s.store.CommitSession(index, time.Now().UTC(), sessionID)
	})
	if err != nil {
		if structs.IsKind(err, structs.ErrKindConflictGeneration) {
			metrics.IncrCounter([]string{"simulation", "commit_conflict"}, 1)
		}
		return err
	}

	metrics.IncrCounter([]string{"simulation", "committed"}, 1)
	s.logger.Info("simulation session committed", "session_id", sessionID)
	return nil
}

// Rollback discards the session's deltas and marks it rolled back.
func (s *Server) Rollback(sessionID string) error {
	err := s.withWrite(func(index uint64) error {
		return s.store.CloseSession(index, sessionID, structs.SessionStatusRolledBack)
	})
	if err != nil {
		return err
	}

	s.logger.Info("simulation session rolled back", "session_id", sessionID)
	return nil
}

// SweepSessions expires active sessions whose TTL lapsed before now.
func (s *Server) SweepSessions(now time.Time) error {
	var expired []string
	err := s.withWrite(func(index uint64) error {
		var err error
		expired, err = s.store.ExpireSessions(index, now)
		return err
	})
	if err != nil {
		return err
	}

	if len(expired) > 0 {
		metrics.IncrCounter([]string{"simulation", "expired"}, float32(len(expired)))
		s.logger.Info("expired simulation sessions", "session_ids", expired)
	}
	return nil
}

// SessionPlacement returns the effective placement under the session
// view: every consumer's footprint with the delta log folded in. A
// non-empty consumerIDs filters the result.
func (s *Server) SessionPlacement(sessionID string, consumerIDs []string) (map[string]structs.AllocationSet, error) {
	_, overlay, err := s.readOverlay(sessionID)
	if err != nil {
		return nil, err
	}

	placement, err := overlay.Placement()
	if err != nil {
		return nil, err
	}
	if len(consumerIDs) == 0 {
		return placement, nil
	}

	filtered := make(map[string]structs.AllocationSet, len(consumerIDs))
	for _, consumerID := range consumerIDs {
		if set, ok := placement[consumerID]; ok {
			filtered[consumerID] = set
		}
	}
	return filtered, nil
}

// SessionUsage reports per-class utilization under the session view.
// With no classes named, every class with inventory is reported.
func (s *Server) SessionUsage(sessionID string, classes []string) (*structs.UtilizationReport, error) {
	snap, overlay, err := s.readOverlay(sessionID)
	if err != nil {
		return nil, err
	}
	return s.utilizationReport(snap, overlay, sessionID, classes)
}

// SessionProviderUsage reports one provider's per-class usage under the
// session view.
func (s *Server) SessionProviderUsage(sessionID, providerID string) (map[string]int64, error) {
	snap, overlay, err := s.readOverlay(sessionID)
	if err != nil {
		return nil, err
	}

	rp, err := snap.ProviderByID(nil, providerID)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, structs.NewErrNotFound("resource provider", providerID)
	}
	return overlay.ProviderUsage(nil, providerID)
}

// SessionMetrics reports utilization statistics under the session view
// and, when against is set, the usage movement relative to the live
// graph or to another session.
func (s *Server) SessionMetrics(sessionID string, classes []string, against string) (*structs.UtilizationReport, *structs.UtilizationDiff, error) {
	snap, overlay, err := s.readOverlay(sessionID)
	if err != nil {
		return nil, nil, err
	}

	report, err := s.utilizationReport(snap, overlay, sessionID, classes)
	if err != nil {
		return nil, nil, err
	}

	switch against {
	case "":
		return report, nil, nil

	case DiffAgainstLive:
		diff, err := overlay.UtilizationDiff(classes)
		if err != nil {
			return nil, nil, err
		}
		diff.SessionID = sessionID
		return report, diff, nil

	default:
		otherDeltas, err := snap.DeltasBySession(nil, against)
		if err != nil {
			return nil, nil, err
		}
		otherSess, err := snap.SessionByID(nil, against)
		if err != nil {
			return nil, nil, err
		}
		if otherSess == nil {
			return nil, nil, structs.NewErrNotFound("session", against)
		}
		other, err := state.NewOverlay(snap, otherDeltas)
		if err != nil {
			return nil, nil, err
		}

		diff, err := s.diffOverlays(snap, other, overlay, classes)
		if err != nil {
			return nil, nil, err
		}
		diff.SessionID = sessionID
		diff.Against = against
		return report, diff, nil
	}
}

// overlayLocked builds the session overlay for a mutation. Callers must
// hold the write lock so the view cannot move before the append.
func (s *Server) overlayLocked(sessionID string, now time.Time) (*state.StateSnapshot, *state.Overlay, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, nil, structs.NewErr(structs.ErrKindFatal, "snapshot failed: %v", err)
	}
	overlay, err := s.sessionOverlay(snap, sessionID, now)
	if err != nil {
		return nil, nil, err
	}
	return snap, overlay, nil
}

// readOverlay builds the session view for a read. Terminal sessions
// read through cleanly: their logs are purged, so the view is the live
// graph.
func (s *Server) readOverlay(sessionID string) (*state.StateSnapshot, *state.Overlay, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, nil, structs.NewErr(structs.ErrKindFatal, "snapshot failed: %v", err)
	}

	sess, err := snap.SessionByID(nil, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, structs.NewErrNotFound("session", sessionID)
	}

	deltas, err := snap.DeltasBySession(nil, sessionID)
	if err != nil {
		return nil, nil, err
	}
	overlay, err := state.NewOverlay(snap, deltas)
	if err != nil {
		return nil, nil, err
	}
	return snap, overlay, nil
}

// appendDeltaLocked stamps and appends a delta. Callers hold the write
// lock.
func (s *Server) appendDeltaLocked(now time.Time, delta *structs.SpeculativeDelta) error {
	index, err := s.nextIndexLocked()
	if err != nil {
		return err
	}
	return s.store.AppendDelta(index, now, delta)
}

// virtualFootprint folds a consumer's allocations under the overlay into
// an allocation set.
func (s *Server) virtualFootprint(overlay *state.Overlay, consumerID string) (structs.AllocationSet, error) {
	allocs, err := overlay.AllocationsByConsumer(nil, consumerID)
	if err != nil {
		return nil, err
	}

	set := make(structs.AllocationSet)
	for _, alloc := range allocs {
		set.Add(alloc.ProviderID, alloc.Class, alloc.Used)
	}
	return set, nil
}

// footprintRoots resolves the distinct tree roots a footprint touches.
func (s *Server) footprintRoots(snap *state.StateSnapshot, footprint structs.AllocationSet) (map[string]struct{}, error) {
	roots := make(map[string]struct{})
	for _, providerID := range footprint.Providers() {
		rp, err := snap.ProviderByID(nil, providerID)
		if err != nil {
			return nil, err
		}
		if rp == nil {
			return nil, structs.NewErrNotFound("resource provider", providerID)
		}
		roots[rp.RootID] = struct{}{}
	}
	return roots, nil
}

// observeProviders records the live generation of each provider into
// observed, keeping entries already present.
func (s *Server) observeProviders(snap *state.StateSnapshot, observed map[string]uint64, providerIDs []string) error {
	for _, providerID := range providerIDs {
		if _, ok := observed[providerID]; ok {
			continue
		}
		rp, err := snap.ProviderByID(nil, providerID)
		if err != nil {
			return err
		}
		if rp == nil {
			return structs.NewErrNotFound("resource provider", providerID)
		}
		observed[providerID] = rp.Generation
	}
	return nil
}

// planInTree places per-class totals inside one tree against the overlay
// view, returning nil when nothing fits.
func (s *Server) planInTree(overlay *state.Overlay, consumerID, rootID string, totals map[string]int64) (*structs.AllocationCandidate, error) {
	req := &structs.CandidateRequest{
		Groups: []*structs.ResourceGroup{{
			Resources: totals,
		}},
		InTree:     rootID,
		ConsumerID: consumerID,
		Limit:      1,
	}

	ctx := scheduler.NewEvalContext(overlay, s.config.SchedulerConfig, s.logger)
	ctx.SetFailures(s.tracker)
	stack := scheduler.NewCandidateStack(ctx, nil)
	resp, err := stack.Candidates(req)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	return resp.Candidates[0], nil
}

// checkOverlayCapacity verifies a footprint fits under the session view.
func (s *Server) checkOverlayCapacity(snap *state.StateSnapshot, overlay *state.Overlay, resources structs.AllocationSet) error {
	inventories := make(map[string]map[string]*structs.Inventory)
	used := make(map[string]map[string]int64)
	for providerID, classes := range resources {
		inventories[providerID] = make(map[string]*structs.Inventory)
		used[providerID] = make(map[string]int64)
		for class := range classes {
			inv, err := snap.InventoryByProviderAndClass(nil, providerID, class)
			if err != nil {
				return err
			}
			if inv == nil {
				return structs.NewErr(structs.ErrKindBadRequest,
					"provider %s has no %s inventory", providerID, class)
			}
			inventories[providerID][class] = inv

			u, err := overlay.UsedByInventory(nil, providerID, class)
			if err != nil {
				return err
			}
			used[providerID][class] = u
		}
	}

	fit, dimension, err := structs.AllocationsFit(resources, inventories, used)
	if err != nil {
		return err
	}
	if !fit {
		return structs.NewErr(structs.ErrKindOutOfCapacity,
			"allocation does not fit session view: %s", dimension)
	}
	return nil
}

// utilizationReport summarizes the named classes under the overlay. With
// no classes given, every class with inventory is included.
func (s *Server) utilizationReport(snap *state.StateSnapshot, overlay *state.Overlay, sessionID string, classes []string) (*structs.UtilizationReport, error) {
	if len(classes) == 0 {
		var err error
		classes, err = s.inventoryClasses(snap)
		if err != nil {
			return nil, err
		}
	}

	report := &structs.UtilizationReport{
		SessionID: sessionID,
		Classes:   make(map[string]*structs.ClassUtilization, len(classes)),
	}

	var err error
	if report.Generation, err = snap.LatestIndex(); err != nil {
		return nil, err
	}

	for _, class := range classes {
		cu, err := overlay.ClassUtilization(class)
		if err != nil {
			return nil, err
		}
		report.Classes[class] = cu
	}
	return report, nil
}

// inventoryClasses returns the distinct classes with inventory, sorted.
func (s *Server) inventoryClasses(snap *state.StateSnapshot) ([]string, error) {
	iter, err := snap.Inventories(nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		seen[raw.(*structs.Inventory).Class] = struct{}{}
	}

	classes := make([]string, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes, nil
}

// diffOverlays compares per-class usage and consumer sets between two
// session views over the same snapshot.
func (s *Server) diffOverlays(snap *state.StateSnapshot, before, after *state.Overlay, classes []string) (*structs.UtilizationDiff, error) {
	if len(classes) == 0 {
		var err error
		classes, err = s.inventoryClasses(snap)
		if err != nil {
			return nil, err
		}
	}

	diff := &structs.UtilizationDiff{
		Classes: make(map[string]*structs.ClassDiff, len(classes)),
	}

	for _, class := range classes {
		cd := &structs.ClassDiff{}
		iter, err := snap.InventoriesByClass(nil, class)
		if err != nil {
			return nil, err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			inv := raw.(*structs.Inventory)
			b, err := before.UsedByInventory(nil, inv.ProviderID, class)
			if err != nil {
				return nil, err
			}
			a, err := after.UsedByInventory(nil, inv.ProviderID, class)
			if err != nil {
				return nil, err
			}
			cd.UsedBefore += b
			cd.UsedAfter += a
		}
		diff.Classes[class] = cd
	}

	beforePlacement, err := before.Placement()
	if err != nil {
		return nil, err
	}
	afterPlacement, err := after.Placement()
	if err != nil {
		return nil, err
	}
	for consumerID := range afterPlacement {
		if _, ok := beforePlacement[consumerID]; !ok {
			diff.ConsumersAdded = append(diff.ConsumersAdded, consumerID)
		}
	}
	for consumerID := range beforePlacement {
		if _, ok := afterPlacement[consumerID]; !ok {
			diff.ConsumersRemoved = append(diff.ConsumersRemoved, consumerID)
		}
	}
	sort.Strings(diff.ConsumersAdded)
	sort.Strings(diff.ConsumersRemoved)

	return diff, nil
}

// leadRoot picks the deterministic representative root for a footprint
// that may span trees through sharing providers.
func leadRoot(roots map[string]struct{}) string {
	ids := make([]string, 0, len(roots))
	for id := range roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
