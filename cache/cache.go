// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/repo"
)

// SyncState is the cache's position in the sync lifecycle.
type SyncState int32

const (
	// StateInit: nothing has been loaded yet.
	StateInit SyncState = iota
	// StateSyncing: a snapshot load or reconnect catch-up is in
	// progress. Incoming commits are queued, not applied.
	StateSyncing
	// StateLive: incoming commits are applied as they arrive.
	StateLive
)

func (s SyncState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	}
	return "unknown"
}

// levelTrace is below Debug, for per-commit skip messages.
const levelTrace = slog.LevelDebug - 4

// Default sizes.
const (
	DefaultPendingLimit     = 10000
	DefaultSubscriberBuffer = 256
)

// Options configures a Cache.
type Options struct {
	// PendingLimit bounds the commits queued while syncing. When full,
	// the oldest queued commit is dropped.
	// Default: DefaultPendingLimit
	PendingLimit int

	// SubscriberBuffer is the channel capacity of each subscription.
	// Default: DefaultSubscriberBuffer
	SubscriberBuffer int

	Logger *slog.Logger
}

// Cache is the in-process mirror of the agent's repository.
type Cache struct {
	logger           *slog.Logger
	pendingLimit     int
	subscriberBuffer int

	state      atomic.Int32
	suppressed atomic.Bool

	facts    *Table[lexicon.FactRecord]
	rules    *Table[lexicon.RuleRecord]
	thoughts *Table[lexicon.ThoughtRecord]
	notes    *Table[lexicon.NoteRecord]
	jobs     *Table[lexicon.JobRecord]
	tools    *Table[lexicon.ToolRecord]

	identity    *Singleton[lexicon.IdentityRecord]
	daemonState *Singleton[lexicon.DaemonStateRecord]

	pendingMu      sync.Mutex
	pending        []repo.Commit
	pendingDropped uint64

	revisionMu sync.RWMutex
	// revision is the newest revision known to be fully applied.
	revision string
	// inflight is the newest revision applied live; other records of
	// that revision may still be on the way.
	inflight string

	subscribersMu sync.Mutex
	subscribers   map[*Subscription]struct{}

	// gate serializes ingest decisions; see BeginSync.
	gate  sync.Mutex
	epoch Epoch
}

// New returns an empty cache in StateInit.
func New(options Options) *Cache {
	if options.PendingLimit <= 0 {
		options.PendingLimit = DefaultPendingLimit
	}
	if options.SubscriberBuffer <= 0 {
		options.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	c := &Cache{
		logger:           options.Logger,
		pendingLimit:     options.PendingLimit,
		subscriberBuffer: options.SubscriberBuffer,
		subscribers:      make(map[*Subscription]struct{}),
	}
	c.facts = newTable[lexicon.FactRecord](lexicon.Fact, c.publish)
	c.rules = newTable[lexicon.RuleRecord](lexicon.Rule, c.publish)
	c.thoughts = newTable[lexicon.ThoughtRecord](lexicon.Thought, c.publish)
	c.notes = newTable[lexicon.NoteRecord](lexicon.Note, c.publish)
	c.jobs = newTable[lexicon.JobRecord](lexicon.Job, c.publish)
	c.tools = newTable[lexicon.ToolRecord](lexicon.Tool, c.publish)
	c.identity = newSingleton[lexicon.IdentityRecord](lexicon.Identity, lexicon.SelfKey, c.publish)
	c.daemonState = newSingleton[lexicon.DaemonStateRecord](lexicon.DaemonState, lexicon.SelfKey, c.publish)
	return c
}

// State returns the current sync state.
func (c *Cache) State() SyncState { return SyncState(c.state.Load()) }

// SetState sets the sync state. The coordinator and stream client
// normally move the state through BeginSync and FinishSync instead.
func (c *Cache) SetState(state SyncState) {
	previous := SyncState(c.state.Swap(int32(state)))
	if previous != state {
		c.logger.Info("cache state changed", "from", previous, "to", state)
	}
}

func (c *Cache) Facts() *Table[lexicon.FactRecord]       { return c.facts }
func (c *Cache) Rules() *Table[lexicon.RuleRecord]       { return c.rules }
func (c *Cache) Thoughts() *Table[lexicon.ThoughtRecord] { return c.thoughts }
func (c *Cache) Notes() *Table[lexicon.NoteRecord]       { return c.notes }
func (c *Cache) Jobs() *Table[lexicon.JobRecord]         { return c.jobs }
func (c *Cache) Tools() *Table[lexicon.ToolRecord]       { return c.tools }

// Identity returns the identity singleton.
func (c *Cache) Identity() (Record[lexicon.IdentityRecord], bool) { return c.identity.Get() }

// SetIdentity stores the identity singleton.
func (c *Cache) SetIdentity(value lexicon.IdentityRecord, cid string) bool {
	return c.identity.Set(value, cid)
}

// ClearIdentity removes the identity singleton.
func (c *Cache) ClearIdentity() bool { return c.identity.Clear() }

// DaemonState returns the daemon state singleton.
func (c *Cache) DaemonState() (Record[lexicon.DaemonStateRecord], bool) { return c.daemonState.Get() }

// SetDaemonState stores the daemon state singleton.
func (c *Cache) SetDaemonState(value lexicon.DaemonStateRecord, cid string) bool {
	return c.daemonState.Set(value, cid)
}

// ClearDaemonState removes the daemon state singleton.
func (c *Cache) ClearDaemonState() bool { return c.daemonState.Clear() }

// Counts returns the number of cached records per collection.
func (c *Cache) Counts() map[string]int {
	counts := map[string]int{
		lexicon.Fact:    c.facts.Len(),
		lexicon.Rule:    c.rules.Len(),
		lexicon.Thought: c.thoughts.Len(),
		lexicon.Note:    c.notes.Len(),
		lexicon.Job:     c.jobs.Len(),
		lexicon.Tool:    c.tools.Len(),
	}
	if _, ok := c.identity.Get(); ok {
		counts[lexicon.Identity] = 1
	}
	if _, ok := c.daemonState.Get(); ok {
		counts[lexicon.DaemonState] = 1
	}
	return counts
}

// PopulateFromSnapshot replaces every table and both singletons with
// the snapshot's content. It is the only bulk write and publishes no
// per-record changes. The revision watermark is not touched; the
// caller sets it once the snapshot has been accepted.
func (c *Cache) PopulateFromSnapshot(snapshot *repo.Snapshot) {
	populate(c.facts, snapshot.Collection(lexicon.Fact))
	populate(c.rules, snapshot.Collection(lexicon.Rule))
	populate(c.thoughts, snapshot.Collection(lexicon.Thought))
	populate(c.notes, snapshot.Collection(lexicon.Note))
	populate(c.jobs, snapshot.Collection(lexicon.Job))
	populate(c.tools, snapshot.Collection(lexicon.Tool))
	c.identity.replace(singletonRecord[lexicon.IdentityRecord](snapshot.Identity))
	c.daemonState.replace(singletonRecord[lexicon.DaemonStateRecord](snapshot.DaemonState))

	c.logger.Info("cache populated from snapshot",
		"repo", snapshot.Repo,
		"rev", snapshot.Rev,
		"records", snapshot.RecordCount(),
		"skipped", len(snapshot.Skipped),
	)
}

func populate[T any](table *Table[T], entries map[string]repo.Entry) {
	records := make(map[string]Record[T], len(entries))
	for key, entry := range entries {
		value, ok := entry.Record.(T)
		if !ok {
			continue
		}
		records[key] = Record[T]{Value: value, CID: entry.CID}
	}
	table.replace(records)
}

func singletonRecord[T any](entry *repo.Entry) *Record[T] {
	if entry == nil {
		return nil
	}
	value, ok := entry.Record.(T)
	if !ok {
		return nil
	}
	return &Record[T]{Value: value, CID: entry.CID}
}

// SuppressBroadcasts turns change notifications off or on. The
// synchronized signal is never suppressed.
func (c *Cache) SuppressBroadcasts(suppress bool) {
	if c.suppressed.Swap(suppress) != suppress {
		c.logger.Debug("broadcast suppression changed", "suppressed", suppress)
	}
}

// BroadcastsSuppressed reports whether change notifications are off.
func (c *Cache) BroadcastsSuppressed() bool { return c.suppressed.Load() }

// RepoRevision returns the revision watermark: the newest revision
// whose records are all in the cache. Empty when unset.
func (c *Cache) RepoRevision() string {
	c.revisionMu.RLock()
	defer c.revisionMu.RUnlock()
	return c.revision
}

// SetRepoRevision sets the watermark unconditionally, typically to a
// freshly loaded snapshot's revision.
func (c *Cache) SetRepoRevision(rev string) {
	c.revisionMu.Lock()
	defer c.revisionMu.Unlock()
	c.revision = rev
	c.inflight = rev
}

// AdvanceRepoRevision moves the watermark to rev if rev is newer, and
// reports whether it moved.
func (c *Cache) AdvanceRepoRevision(rev string) bool {
	c.revisionMu.Lock()
	defer c.revisionMu.Unlock()
	if rev <= c.revision {
		return false
	}
	c.revision = rev
	return true
}

// noteApplied records that a commit of rev was applied. A revision can
// span several commits, so the watermark only reaches a revision once
// a commit of a newer one arrives.
func (c *Cache) noteApplied(rev string) {
	c.revisionMu.Lock()
	defer c.revisionMu.Unlock()
	if rev <= c.inflight {
		return
	}
	if c.inflight > c.revision {
		c.revision = c.inflight
	}
	c.inflight = rev
}
