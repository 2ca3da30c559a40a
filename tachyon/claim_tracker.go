// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ClaimTrackerConfig tunes the claim-rejection tracker.
type ClaimTrackerConfig struct {
	// CacheSize bounds how many roots are tracked at once. Least
	// recently rejected roots are evicted first.
	CacheSize int

	// Window is how long a rejection counts against a root.
	Window time.Duration
}

// DefaultClaimTrackerConfig returns the tracker defaults.
func DefaultClaimTrackerConfig() *ClaimTrackerConfig {
	return &ClaimTrackerConfig{
		CacheSize: 50,
		Window:    5 * time.Minute,
	}
}

// CachedClaimTracker remembers recent claim rejections per root provider
// in an LRU of sliding-window counters. The build-failure weigher reads
// the windowed count to steer new placements away from roots that keep
// bouncing claims, the same way repeated plan rejections demote a node.
//
// Rejections are soft state: the tracker is empty after a restart and
// scores decay as the window slides.
type CachedClaimTracker struct {
	logger hclog.Logger
	cache  *lru.Cache[string, *rejectionStats]
	window time.Duration

	lock sync.Mutex
}

// NewCachedClaimTracker returns a tracker with the given bounds.
func NewCachedClaimTracker(logger hclog.Logger, config *ClaimTrackerConfig) (*CachedClaimTracker, error) {
	cache, err := lru.New[string, *rejectionStats](config.CacheSize)
	if err != nil {
		return nil, err
	}

	return &CachedClaimTracker{
		logger: logger.Named("claim_tracker"),
		cache:  cache,
		window: config.Window,
	}, nil
}

// Add records a claim rejection against a root provider.
func (c *CachedClaimTracker) Add(rootID string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	stats, ok := c.cache.Get(rootID)
	if !ok {
		stats = newRejectionStats(rootID, c.window)
		c.cache.Add(rootID, stats)
	}

	now := time.Now()
	score := stats.record(now)
	c.logger.Debug("claim rejected", "root_id", rootID, "score", score)
}

// FailureScore returns the windowed rejection count for a root, zero for
// roots with no recent rejections.
func (c *CachedClaimTracker) FailureScore(rootID string) float64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	stats, ok := c.cache.Get(rootID)
	if !ok {
		return 0
	}
	return float64(stats.score(time.Now()))
}

// EmitStats publishes the number of tracked roots until shutdown.
func (c *CachedClaimTracker) EmitStats(period time.Duration, shutdownCh <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.lock.Lock()
			tracked := c.cache.Len()
			c.lock.Unlock()
			metrics.SetGauge([]string{"claim_tracker", "tracked_roots"}, float32(tracked))
		case <-shutdownCh:
			return
		}
	}
}

// rejectionStats is a sliding window of rejection timestamps for one
// root provider.
type rejectionStats struct {
	rootID  string
	window  time.Duration
	history []time.Time
}

func newRejectionStats(rootID string, window time.Duration) *rejectionStats {
	return &rejectionStats{
		rootID: rootID,
		window: window,
	}
}

// record adds a rejection at now and returns the resulting score.
func (s *rejectionStats) record(now time.Time) int {
	s.history = append(s.history, now)
	return s.score(now)
}

// score counts the rejections still inside the window, pruning the rest.
func (s *rejectionStats) score(now time.Time) int {
	cutoff := now.Add(-s.window)

	keep := 0
	for _, at := range s.history {
		if at.After(cutoff) {
			s.history[keep] = at
			keep++
		}
	}
	s.history = s.history[:keep]

	return keep
}
