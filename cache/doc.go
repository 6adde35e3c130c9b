// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache holds the in-process mirror of the agent's repository:
// one typed [Table] per tracked collection, the identity and daemon
// state singletons, and the bookkeeping that lets a snapshot and a
// commit stream be merged without losing or double-applying a commit.
//
// Writers go through the ingest gate. [Cache.BeginSync] (or
// [Cache.BeginCatchUp] after a stream reconnect) moves the cache to
// StateSyncing and returns an [Epoch]; while syncing, [Cache.Admit]
// queues every commit. [Cache.FinishSync] replays the queue against the
// revision watermark and goes live, unless a newer epoch has taken
// over. Revisions compare lexically.
//
// Readers use the table accessors directly and may subscribe to
// changes with [Cache.Subscribe]. Change notifications are withheld
// while broadcasts are suppressed; the end of every catch-up is
// announced with a ChangeSynchronized notification.
package cache
