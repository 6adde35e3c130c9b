// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"

	"github.com/bureau-foundation/atmirror/repo"
)

// ErrEpochSuperseded is returned by FinishSync when another sync began
// after the caller's.
var ErrEpochSuperseded = errors.New("cache: sync epoch superseded")

// Epoch identifies one sync attempt. Only the holder of the newest
// epoch may finish a sync.
type Epoch uint64

// ReplayStats summarizes a FinishSync replay.
type ReplayStats struct {
	// Applied commits were newer than the watermark.
	Applied int
	// Skipped commits were at or below the watermark.
	Skipped int
	// Watermark is the revision replay compared against.
	Watermark string
}

// The ingest gate makes the stream client and the coordinator
// mutually exclusive writers. Every decision that depends on the sync
// state (queue or apply, replay then go live) happens under c.gate, so
// a commit can never be applied between a replay's drain and the
// transition to live, and never queued after it.

// BeginSync starts a sync attempt: it clears the pending queue, moves
// to StateSyncing and returns the attempt's epoch. Any earlier epoch is
// superseded. Cached records are left in place.
func (c *Cache) BeginSync() Epoch {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.beginLocked()
}

// BeginCatchUp starts a sync attempt only if the cache is live, for a
// stream client that lost its connection. It reports false, and starts
// nothing, when another sync already owns the cache.
func (c *Cache) BeginCatchUp() (Epoch, bool) {
	c.gate.Lock()
	defer c.gate.Unlock()
	if c.State() != StateLive {
		return 0, false
	}
	return c.beginLocked(), true
}

func (c *Cache) beginLocked() Epoch {
	c.epoch++
	c.ClearPending()
	c.SetState(StateSyncing)
	return c.epoch
}

// CurrentEpoch reports whether epoch is still the newest sync attempt.
func (c *Cache) CurrentEpoch(epoch Epoch) bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.epoch == epoch
}

// Admit routes one incoming commit and reports whether apply was
// called with it. While the cache is not live the commit is queued for
// replay. While live, a commit at or below the revision watermark is a
// redelivery of something already applied and is dropped; anything
// newer is applied.
func (c *Cache) Admit(commit repo.Commit, apply func(repo.Commit)) bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	if c.State() != StateLive {
		c.QueuePending(commit)
		return false
	}
	if watermark := c.RepoRevision(); !commit.NewerThan(watermark) {
		c.logger.Log(context.Background(), levelTrace, "skipping live commit at or below watermark",
			"uri", commit.URI(),
			"rev", commit.Rev,
			"watermark", watermark,
		)
		return false
	}
	apply(commit)
	c.noteApplied(commit.Rev)
	return true
}

// FinishSync completes the sync attempt identified by epoch. It drains
// the pending queue, passes every commit newer than the revision
// watermark to apply (older ones are skipped as already reflected),
// moves to StateLive, lifts broadcast suppression and broadcasts
// ChangeSynchronized. Broadcasts are suppressed for the duration of
// the replay.
//
// If a newer sync has begun since epoch, nothing happens and
// ErrEpochSuperseded is returned.
func (c *Cache) FinishSync(epoch Epoch, apply func(repo.Commit)) (ReplayStats, error) {
	c.gate.Lock()
	defer c.gate.Unlock()

	if epoch != c.epoch {
		return ReplayStats{}, ErrEpochSuperseded
	}

	c.SuppressBroadcasts(true)
	stats := ReplayStats{Watermark: c.RepoRevision()}
	for _, commit := range c.DrainPending() {
		if !commit.NewerThan(stats.Watermark) {
			stats.Skipped++
			c.logger.Log(context.Background(), levelTrace, "skipping replayed commit at or below watermark",
				"uri", commit.URI(),
				"rev", commit.Rev,
				"watermark", stats.Watermark,
			)
			continue
		}
		apply(commit)
		c.noteApplied(commit.Rev)
		stats.Applied++
	}

	c.SetState(StateLive)
	c.SuppressBroadcasts(false)
	c.NotifySynchronized()

	c.logger.Info("cache synchronized",
		"applied", stats.Applied,
		"skipped", stats.Skipped,
		"watermark", stats.Watermark,
	)
	return stats, nil
}
