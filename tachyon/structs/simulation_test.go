// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/hashicorp/tachyon/ci"
	"github.com/shoenig/test/must"
)

func TestSpeculativeDelta_Validate(t *testing.T) {
	ci.Parallel(t)

	resources := AllocationSet{"h1": {ResourceVCPU: 2}}

	cases := []struct {
		name  string
		delta *SpeculativeDelta
		ok    bool
	}{
		{
			name: "claim",
			delta: &SpeculativeDelta{
				SessionID:  "s1",
				Type:       DeltaTypeClaim,
				ConsumerID: "c1",
				ToRootID:   "h1",
				Resources:  resources,
			},
			ok: true,
		},
		{
			name: "claim without resources",
			delta: &SpeculativeDelta{
				SessionID:  "s1",
				Type:       DeltaTypeClaim,
				ConsumerID: "c1",
			},
			ok: false,
		},
		{
			name: "release",
			delta: &SpeculativeDelta{
				SessionID:  "s1",
				Type:       DeltaTypeRelease,
				ConsumerID: "c1",
				FromRootID: "h1",
			},
			ok: true,
		},
		{
			name: "release with resources",
			delta: &SpeculativeDelta{
				SessionID:  "s1",
				Type:       DeltaTypeRelease,
				ConsumerID: "c1",
				Resources:  resources,
			},
			ok: false,
		},
		{
			name: "move",
			delta: &SpeculativeDelta{
				SessionID:  "s1",
				Type:       DeltaTypeMove,
				ConsumerID: "c1",
				FromRootID: "h1",
				ToRootID:   "h2",
				Resources:  AllocationSet{"h2": {ResourceVCPU: 2}},
			},
			ok: true,
		},
		{
			name: "move to same tree",
			delta: &SpeculativeDelta{
				SessionID:  "s1",
				Type:       DeltaTypeMove,
				ConsumerID: "c1",
				FromRootID: "h1",
				ToRootID:   "h1",
				Resources:  resources,
			},
			ok: false,
		},
		{
			name: "unknown type",
			delta: &SpeculativeDelta{
				SessionID:  "s1",
				Type:       "swap",
				ConsumerID: "c1",
			},
			ok: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.delta.Validate()
			if tc.ok {
				must.NoError(t, err)
			} else {
				must.Error(t, err)
			}
		})
	}
}

func TestSimulationSession_Lifecycle(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	s := &SimulationSession{
		ID:             "s1",
		BaseGeneration: 7,
		Status:         SessionStatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}

	must.True(t, s.Active())
	must.False(t, s.Terminal())
	must.False(t, s.Expired(now))
	must.True(t, s.Expired(now.Add(2*time.Hour)))

	s.Status = SessionStatusCommitted
	must.False(t, s.Active())
	must.True(t, s.Terminal())
}
