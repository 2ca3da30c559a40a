// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/tachyon/scheduler"
	"github.com/hashicorp/tachyon/tachyon/state"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// AllocationCandidates plans placements for the request against a fresh
// snapshot, or against a session overlay when sessionID is set. The
// response is deterministic for a given request, graph generation and
// weigher config.
func (s *Server) AllocationCandidates(req *structs.CandidateRequest, sessionID string) (*structs.CandidateResponse, error) {
	defer metrics.MeasureSince([]string{"candidates", "plan"}, time.Now())

	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, structs.NewErr(structs.ErrKindFatal, "snapshot failed: %v", err)
	}

	view := scheduler.State(snap)
	if sessionID != "" {
		overlay, err := s.sessionOverlay(snap, sessionID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		view = overlay
	}

	ctx := scheduler.NewEvalContext(view, s.config.SchedulerConfig, s.logger)
	ctx.SetFailures(s.tracker)

	stack := scheduler.NewCandidateStack(ctx, nil)
	resp, err := stack.Candidates(req)
	if err != nil {
		return nil, err
	}

	metrics.IncrCounter([]string{"candidates", "returned"}, float32(len(resp.Candidates)))
	return resp, nil
}

// sessionOverlay folds the named session's delta log over the snapshot.
// The session must be active and unexpired.
func (s *Server) sessionOverlay(snap *state.StateSnapshot, sessionID string, now time.Time) (*state.Overlay, error) {
	sess, err := snap.SessionByID(nil, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, structs.NewErrNotFound("session", sessionID)
	}
	if !sess.Active() {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"session %s is %s, not active", sessionID, sess.Status)
	}
	if sess.Expired(now) {
		return nil, structs.NewErr(structs.ErrKindInvalidState,
			"session %s expired at %s", sessionID, sess.ExpiresAt.Format(time.RFC3339))
	}

	deltas, err := snap.DeltasBySession(nil, sessionID)
	if err != nil {
		return nil, err
	}
	return state.NewOverlay(snap, deltas)
}
