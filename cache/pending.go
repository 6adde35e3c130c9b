// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"github.com/bureau-foundation/atmirror/repo"
)

// QueuePending appends a commit to the pending queue. When the queue is
// at its limit the oldest commit is dropped to make room, and
// QueuePending reports false.
func (c *Cache) QueuePending(commit repo.Commit) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	kept := true
	if len(c.pending) >= c.pendingLimit {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingDropped++
		kept = false
		c.logger.Warn("pending queue full, dropping oldest commit",
			"limit", c.pendingLimit,
			"dropped_rev", dropped.Rev,
			"dropped_uri", dropped.URI(),
			"dropped_total", c.pendingDropped,
		)
	}
	c.pending = append(c.pending, commit)
	return kept
}

// DrainPending returns the queued commits in arrival order and empties
// the queue.
func (c *Cache) DrainPending() []repo.Commit {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	drained := c.pending
	c.pending = nil
	return drained
}

// ClearPending discards the queued commits.
func (c *Cache) ClearPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = nil
}

// PendingLen returns the number of queued commits.
func (c *Cache) PendingLen() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// PendingDropped returns how many commits have been dropped from a
// full queue over the cache's lifetime.
func (c *Cache) PendingDropped() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pendingDropped
}
