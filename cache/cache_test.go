// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/lib/testutil"
	"github.com/bureau-foundation/atmirror/repo"
)

// pendingChanges returns every change already delivered to the
// subscription without waiting. Publishing is synchronous, so this is
// exact.
func pendingChanges(subscription *Subscription) []Change {
	var changes []Change
	for {
		select {
		case change := <-subscription.Changes():
			changes = append(changes, change)
		default:
			return changes
		}
	}
}

func factCommit(rkey, rev, predicate string) repo.Commit {
	return repo.Commit{
		Repo:       "did:plc:agent",
		Rev:        rev,
		Collection: lexicon.Fact,
		RecordKey:  rkey,
		Operation:  repo.OpCreate,
		Record:     lexicon.FactRecord{Predicate: predicate},
		CID:        "bafy-" + rkey + "-" + rev,
	}
}

// applyFacts is a minimal apply callback for gate tests.
func applyFacts(c *Cache) func(repo.Commit) {
	return func(commit repo.Commit) {
		if commit.IsDelete() {
			c.Facts().Delete(commit.RecordKey)
			return
		}
		c.Facts().Upsert(commit.RecordKey, commit.Record.(lexicon.FactRecord), commit.CID)
	}
}

func TestSyncStateString(t *testing.T) {
	for state, want := range map[SyncState]string{
		StateInit:     "init",
		StateSyncing:  "syncing",
		StateLive:     "live",
		SyncState(42): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("SyncState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestNewCacheStartsInit(t *testing.T) {
	c := New(Options{})
	if c.State() != StateInit {
		t.Errorf("State() = %v, want init", c.State())
	}
	if c.RepoRevision() != "" {
		t.Errorf("RepoRevision() = %q, want empty", c.RepoRevision())
	}
	if c.BroadcastsSuppressed() {
		t.Error("new cache should not suppress broadcasts")
	}
}

func TestTableUpsertGetListDelete(t *testing.T) {
	c := New(Options{})
	subscription := c.Subscribe()
	defer subscription.Close()

	facts := c.Facts()
	if !facts.Upsert("b", lexicon.FactRecord{Predicate: "second"}, "cid-b") {
		t.Error("first Upsert should report a change")
	}
	facts.Upsert("a", lexicon.FactRecord{Predicate: "first"}, "cid-a")

	record, ok := facts.Get("a")
	if !ok || record.Value.Predicate != "first" || record.CID != "cid-a" {
		t.Errorf("Get(a) = %+v, %v", record, ok)
	}
	entries := facts.List()
	if len(entries) != 2 || entries[0].Key != "a" || entries[1].Key != "b" {
		t.Errorf("List() = %+v, want sorted [a b]", entries)
	}

	if !facts.Delete("a") {
		t.Error("Delete(a) should report a change")
	}
	if facts.Delete("a") {
		t.Error("second Delete(a) should be a no-op")
	}
	if facts.Len() != 1 {
		t.Errorf("Len() = %d, want 1", facts.Len())
	}

	changes := pendingChanges(subscription)
	want := []Change{
		{Kind: ChangeUpsert, Collection: lexicon.Fact, Key: "b", CID: "cid-b"},
		{Kind: ChangeUpsert, Collection: lexicon.Fact, Key: "a", CID: "cid-a"},
		{Kind: ChangeDelete, Collection: lexicon.Fact, Key: "a"},
	}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Errorf("changes = %+v, want %+v", changes, want)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	c := New(Options{})
	subscription := c.Subscribe()
	defer subscription.Close()

	value := lexicon.FactRecord{Predicate: "likes", Args: []string{"go"}}
	c.Facts().Upsert("f1", value, "cid-1")
	if c.Facts().Upsert("f1", value, "cid-1") {
		t.Error("identical upsert should report no change")
	}
	if changes := pendingChanges(subscription); len(changes) != 1 {
		t.Errorf("identical upsert published %d changes, want 1 total", len(changes))
	}
	if c.Facts().Len() != 1 {
		t.Errorf("Len() = %d after duplicate upsert", c.Facts().Len())
	}

	if !c.Facts().Upsert("f1", lexicon.FactRecord{Predicate: "likes", Args: []string{"rust"}}, "cid-2") {
		t.Error("upsert with a new CID should report a change")
	}
}

func TestSingletons(t *testing.T) {
	c := New(Options{})
	subscription := c.Subscribe()
	defer subscription.Close()

	if _, ok := c.Identity(); ok {
		t.Error("identity should start empty")
	}
	c.SetIdentity(lexicon.IdentityRecord{OperatorDID: "did:plc:operator", Name: "bureau"}, "cid-identity")
	identity, ok := c.Identity()
	if !ok || identity.Value.Name != "bureau" {
		t.Errorf("Identity() = %+v, %v", identity, ok)
	}
	if c.SetIdentity(identity.Value, "cid-identity") {
		t.Error("identical singleton set should report no change")
	}

	c.SetDaemonState(lexicon.DaemonStateRecord{Status: "awake"}, "cid-state")
	if !c.ClearDaemonState() || c.ClearDaemonState() {
		t.Error("ClearDaemonState should report a change exactly once")
	}
	if !c.ClearIdentity() {
		t.Error("ClearIdentity should report a change")
	}

	changes := pendingChanges(subscription)
	if len(changes) != 4 {
		t.Fatalf("changes = %+v, want 4", changes)
	}
	if changes[0].Key != lexicon.SelfKey || changes[0].Collection != lexicon.Identity {
		t.Errorf("singleton change = %+v", changes[0])
	}
}

func TestSuppression(t *testing.T) {
	c := New(Options{})
	subscription := c.Subscribe()
	defer subscription.Close()

	c.SuppressBroadcasts(true)
	c.Facts().Upsert("f1", lexicon.FactRecord{Predicate: "quiet"}, "cid-1")
	c.Rules().Delete("absent")
	if changes := pendingChanges(subscription); len(changes) != 0 {
		t.Errorf("suppressed cache published %+v", changes)
	}
	if _, ok := c.Facts().Get("f1"); !ok {
		t.Error("suppression must not block the write itself")
	}

	c.NotifySynchronized()
	changes := pendingChanges(subscription)
	if len(changes) != 1 || changes[0].Kind != ChangeSynchronized {
		t.Errorf("synchronized signal should bypass suppression, got %+v", changes)
	}

	c.SuppressBroadcasts(false)
	c.Facts().Upsert("f2", lexicon.FactRecord{Predicate: "loud"}, "cid-2")
	if changes := pendingChanges(subscription); len(changes) != 1 {
		t.Errorf("changes after lifting suppression = %+v", changes)
	}
}

func TestPendingQueueBounded(t *testing.T) {
	c := New(Options{PendingLimit: 3})
	for i := 1; i <= 5; i++ {
		kept := c.QueuePending(factCommit(fmt.Sprintf("f%d", i), fmt.Sprintf("rev%d", i), "p"))
		if want := i <= 3; kept != want {
			t.Errorf("QueuePending #%d = %v, want %v", i, kept, want)
		}
	}
	if c.PendingLen() != 3 {
		t.Errorf("PendingLen() = %d, want 3", c.PendingLen())
	}
	if c.PendingDropped() != 2 {
		t.Errorf("PendingDropped() = %d, want 2", c.PendingDropped())
	}

	drained := c.DrainPending()
	if len(drained) != 3 || drained[0].RecordKey != "f3" || drained[2].RecordKey != "f5" {
		t.Errorf("DrainPending() kept %+v, want f3..f5", drained)
	}
	if c.PendingLen() != 0 {
		t.Error("DrainPending should empty the queue")
	}

	c.QueuePending(factCommit("f6", "rev6", "p"))
	c.ClearPending()
	if len(c.DrainPending()) != 0 {
		t.Error("ClearPending should discard queued commits")
	}
}

func TestRevisionWatermark(t *testing.T) {
	c := New(Options{})
	c.SetRepoRevision("3kb")
	if c.AdvanceRepoRevision("3ka") {
		t.Error("AdvanceRepoRevision must not move backwards")
	}
	if !c.AdvanceRepoRevision("3kc") || c.RepoRevision() != "3kc" {
		t.Errorf("RepoRevision() = %q, want 3kc", c.RepoRevision())
	}
	c.SetRepoRevision("3ka")
	if c.RepoRevision() != "3ka" {
		t.Error("SetRepoRevision is unconditional")
	}
}

func TestGateQueuesUntilFinish(t *testing.T) {
	c := New(Options{})
	subscription := c.Subscribe()
	defer subscription.Close()
	apply := applyFacts(c)

	epoch := c.BeginSync()
	if c.State() != StateSyncing {
		t.Fatalf("State() = %v after BeginSync", c.State())
	}
	if c.Admit(factCommit("old", "3ka", "stale"), apply) {
		t.Error("Admit while syncing must queue, not apply")
	}
	c.Admit(factCommit("new", "3kc", "fresh"), apply)
	if c.Facts().Len() != 0 {
		t.Fatal("queued commits leaked into the table")
	}

	// A snapshot at 3kb already reflects the 3ka commit.
	c.SuppressBroadcasts(true)
	c.SetRepoRevision("3kb")

	stats, err := c.FinishSync(epoch, apply)
	if err != nil {
		t.Fatalf("FinishSync: %v", err)
	}
	if stats.Applied != 1 || stats.Skipped != 1 || stats.Watermark != "3kb" {
		t.Errorf("stats = %+v", stats)
	}
	if _, ok := c.Facts().Get("old"); ok {
		t.Error("commit at or below the watermark was replayed")
	}
	if _, ok := c.Facts().Get("new"); !ok {
		t.Error("commit above the watermark was not replayed")
	}
	if c.State() != StateLive || c.BroadcastsSuppressed() {
		t.Errorf("after FinishSync: state=%v suppressed=%v", c.State(), c.BroadcastsSuppressed())
	}

	// Replay happens under suppression; only the synchronized signal
	// reaches subscribers.
	changes := pendingChanges(subscription)
	if len(changes) != 1 || changes[0].Kind != ChangeSynchronized {
		t.Errorf("changes = %+v, want only synchronized", changes)
	}

	if !c.Admit(factCommit("live", "3kd", "now"), apply) {
		t.Error("Admit while live should apply")
	}
	if _, ok := c.Facts().Get("live"); !ok {
		t.Error("live commit not applied")
	}
}

func TestGateEpochSuperseded(t *testing.T) {
	c := New(Options{})
	first := c.BeginSync()
	c.QueuePending(factCommit("f1", "3ka", "p"))
	second := c.BeginSync()

	if c.PendingLen() != 0 {
		t.Error("BeginSync must clear the pending queue")
	}
	if c.CurrentEpoch(first) || !c.CurrentEpoch(second) {
		t.Error("CurrentEpoch does not track the newest attempt")
	}

	_, err := c.FinishSync(first, applyFacts(c))
	if !errors.Is(err, ErrEpochSuperseded) {
		t.Fatalf("FinishSync(stale) = %v, want ErrEpochSuperseded", err)
	}
	if c.State() != StateSyncing {
		t.Errorf("stale FinishSync changed state to %v", c.State())
	}
	if _, err := c.FinishSync(second, applyFacts(c)); err != nil {
		t.Fatalf("FinishSync(current): %v", err)
	}
}

func TestBeginCatchUpOnlyWhenLive(t *testing.T) {
	c := New(Options{})
	if _, ok := c.BeginCatchUp(); ok {
		t.Error("BeginCatchUp from init should refuse")
	}
	epoch := c.BeginSync()
	if _, ok := c.BeginCatchUp(); ok {
		t.Error("BeginCatchUp during a sync should refuse")
	}
	if _, err := c.FinishSync(epoch, applyFacts(c)); err != nil {
		t.Fatal(err)
	}
	catchUp, ok := c.BeginCatchUp()
	if !ok || catchUp == epoch {
		t.Fatalf("BeginCatchUp from live = %v, %v", catchUp, ok)
	}
	if c.State() != StateSyncing {
		t.Errorf("State() = %v after BeginCatchUp", c.State())
	}
}

func TestLiveWatermarkSkipsRewoundDuplicates(t *testing.T) {
	c := New(Options{})
	apply := applyFacts(c)
	epoch := c.BeginSync()
	c.SetRepoRevision("3ka")
	if _, err := c.FinishSync(epoch, apply); err != nil {
		t.Fatal(err)
	}

	// Revision 3kb touches two records; 3kc starts after it.
	c.Admit(factCommit("x", "3kb", "p"), apply)
	c.Admit(factCommit("y", "3kb", "p"), apply)
	if c.RepoRevision() != "3ka" {
		t.Errorf("watermark moved to %q before 3kb was complete", c.RepoRevision())
	}
	c.Admit(factCommit("z", "3kc", "p"), apply)
	if c.RepoRevision() != "3kb" {
		t.Errorf("watermark = %q, want 3kb once 3kc arrived", c.RepoRevision())
	}

	// The stream reconnects with a rewound cursor and redelivers.
	catchUp, ok := c.BeginCatchUp()
	if !ok {
		t.Fatal("BeginCatchUp refused while live")
	}
	c.Admit(factCommit("x", "3kb", "p"), apply)
	c.Admit(factCommit("y", "3kb", "p"), apply)
	c.Admit(factCommit("z", "3kc", "p"), apply)
	c.Admit(factCommit("w", "3kd", "p"), apply)

	stats, err := c.FinishSync(catchUp, apply)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 2 || stats.Applied != 2 {
		t.Errorf("stats = %+v, want 2 skipped (3kb) and 2 applied (3kc, 3kd)", stats)
	}
	if c.Facts().Len() != 4 {
		t.Errorf("Len() = %d, want 4 with no loss or duplication", c.Facts().Len())
	}
}

func TestAdmitDropsLiveRedelivery(t *testing.T) {
	c := New(Options{})
	subscription := c.Subscribe()
	defer subscription.Close()
	apply := applyFacts(c)
	epoch := c.BeginSync()
	if _, err := c.FinishSync(epoch, apply); err != nil {
		t.Fatal(err)
	}
	pendingChanges(subscription)

	c.Admit(factCommit("f1", "3ka01", "likes"), apply)
	deletion := repo.Commit{
		Repo:       "did:plc:agent",
		Rev:        "3ka02",
		Collection: lexicon.Fact,
		RecordKey:  "f1",
		Operation:  repo.OpDelete,
	}
	c.Admit(deletion, apply)
	if c.RepoRevision() != "3ka01" {
		t.Fatalf("watermark = %q, want 3ka01", c.RepoRevision())
	}
	pendingChanges(subscription)

	// A rewound stream delivers the create again while live.
	if c.Admit(factCommit("f1", "3ka01", "likes"), apply) {
		t.Error("Admit applied a commit at the watermark")
	}
	if _, ok := c.Facts().Get("f1"); ok {
		t.Error("deleted record came back from a redelivered commit")
	}
	if changes := pendingChanges(subscription); len(changes) != 0 {
		t.Errorf("redelivery broadcast %+v", changes)
	}

	if !c.Admit(factCommit("f2", "3ka03", "knows"), apply) {
		t.Error("Admit dropped a commit newer than the watermark")
	}
}

func TestPopulateFromSnapshot(t *testing.T) {
	builder := repo.NewBuilder("did:plc:agent", "3kz")
	if _, err := builder.Put(lexicon.Fact, "f1", lexicon.FactRecord{Predicate: "p"}); err != nil {
		t.Fatal(err)
	}
	if _, err := builder.Put(lexicon.Tool, "t1", lexicon.ToolRecord{Name: "grep"}); err != nil {
		t.Fatal(err)
	}
	if _, err := builder.Put(lexicon.DaemonState, lexicon.SelfKey, lexicon.DaemonStateRecord{Status: "idle"}); err != nil {
		t.Fatal(err)
	}
	data, _, err := builder.Build()
	if err != nil {
		t.Fatal(err)
	}
	snapshot, err := repo.DecodeSnapshot(data, repo.DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}

	c := New(Options{})
	c.Facts().Upsert("stale", lexicon.FactRecord{Predicate: "gone"}, "cid-stale")
	c.SetIdentity(lexicon.IdentityRecord{OperatorDID: "did:plc:operator"}, "cid-identity")
	subscription := c.Subscribe()
	defer subscription.Close()

	c.PopulateFromSnapshot(snapshot)

	if _, ok := c.Facts().Get("stale"); ok {
		t.Error("PopulateFromSnapshot must replace tables wholesale")
	}
	if _, ok := c.Facts().Get("f1"); !ok {
		t.Error("snapshot fact missing")
	}
	if tool, ok := c.Tools().Get("t1"); !ok || tool.Value.Name != "grep" {
		t.Errorf("Tools().Get(t1) = %+v, %v", tool, ok)
	}
	if _, ok := c.Identity(); ok {
		t.Error("identity absent from the snapshot should be cleared")
	}
	if state, ok := c.DaemonState(); !ok || state.Value.Status != "idle" {
		t.Errorf("DaemonState() = %+v, %v", state, ok)
	}
	if changes := pendingChanges(subscription); len(changes) != 0 {
		t.Errorf("bulk load published %+v", changes)
	}

	counts := c.Counts()
	if counts[lexicon.Fact] != 1 || counts[lexicon.Tool] != 1 || counts[lexicon.DaemonState] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
	if _, ok := counts[lexicon.Identity]; ok {
		t.Error("Counts() should omit an empty singleton")
	}
}

func TestSubscriptionOverflowAndClose(t *testing.T) {
	c := New(Options{SubscriberBuffer: 1})
	slow := c.Subscribe()
	if slow.ID() == c.Subscribe().ID() {
		t.Error("subscriptions should have distinct IDs")
	}

	c.Facts().Upsert("a", lexicon.FactRecord{Predicate: "p"}, "cid-a")
	c.Facts().Upsert("b", lexicon.FactRecord{Predicate: "p"}, "cid-b")
	if !slow.Resync() {
		t.Error("overflowed subscription should be flagged for resync")
	}
	if slow.Resync() {
		t.Error("Resync should clear the flag")
	}
	change := testutil.RequireReceive(t, slow.Changes(), time.Second, "first change")
	if change.Key != "a" {
		t.Errorf("buffered change = %+v, want key a", change)
	}

	slow.Close()
	slow.Close()
	if _, open := <-slow.Changes(); open {
		t.Error("Close should close the change channel")
	}
	// Publishing after Close must not panic.
	c.Facts().Upsert("c", lexicon.FactRecord{Predicate: "p"}, "cid-c")
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	c := New(Options{})
	apply := applyFacts(c)
	epoch := c.BeginSync()
	if _, err := c.FinishSync(epoch, apply); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for reader := 0; reader < 4; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, entry := range c.Facts().List() {
					if entry.CID != "cid-"+entry.Key {
						t.Errorf("torn read: %+v", entry)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%d", i%50)
		c.Admit(repo.Commit{
			Rev:        fmt.Sprintf("3k%04d", i),
			Collection: lexicon.Fact,
			RecordKey:  key,
			Operation:  repo.OpUpdate,
			Record:     lexicon.FactRecord{Predicate: key},
			CID:        "cid-" + key,
		}, apply)
	}
	close(stop)
	wg.Wait()

	if c.Facts().Len() != 50 {
		t.Errorf("Len() = %d, want 50", c.Facts().Len())
	}
}
