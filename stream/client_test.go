// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/atmirror/cache"
	"github.com/bureau-foundation/atmirror/dispatch"
	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/lib/clock"
	"github.com/bureau-foundation/atmirror/lib/testutil"
	"github.com/bureau-foundation/atmirror/repo"
)

const waitTimeout = 5 * time.Second

// streamServer accepts websocket subscriptions and hands each
// connection to the test.
type streamServer struct {
	server      *httptest.Server
	connections chan *serverConn
}

type serverConn struct {
	conn  *websocket.Conn
	query url.Values
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := &streamServer{connections: make(chan *serverConn, 8)}
	server.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server.connections <- &serverConn{conn: conn, query: r.URL.Query()}
	}))
	t.Cleanup(server.server.Close)
	return server
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *streamServer) accept(t *testing.T) *serverConn {
	t.Helper()
	conn := testutil.RequireReceive(t, s.connections, waitTimeout, "waiting for the client to connect")
	t.Cleanup(func() { conn.conn.Close() })
	return conn
}

func (c *serverConn) send(t *testing.T, event []byte) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, event); err != nil {
		t.Fatalf("writing event: %v", err)
	}
}

func commitEvent(t *testing.T, did string, timeUS int64, commit jetstreamCommit) []byte {
	t.Helper()
	data, err := json.Marshal(jetstreamEvent{DID: did, TimeUS: timeUS, Kind: "commit", Commit: &commit})
	if err != nil {
		t.Fatalf("encoding event: %v", err)
	}
	return data
}

func jsonRecord(t *testing.T, record any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("encoding record: %v", err)
	}
	return data
}

func factEvent(t *testing.T, timeUS int64, rev, rkey, predicate string) []byte {
	t.Helper()
	return commitEvent(t, agentDID, timeUS, jetstreamCommit{
		Rev:        rev,
		Operation:  "create",
		Collection: lexicon.Fact,
		RecordKey:  rkey,
		Record:     jsonRecord(t, lexicon.FactRecord{Predicate: predicate}),
		CID:        "bafy-" + rkey + "-" + predicate,
	})
}

func factDeleteEvent(t *testing.T, timeUS int64, rev, rkey string) []byte {
	t.Helper()
	return commitEvent(t, agentDID, timeUS, jetstreamCommit{
		Rev:        rev,
		Operation:  "delete",
		Collection: lexicon.Fact,
		RecordKey:  rkey,
	})
}

// approvalEvent doubles as a barrier: once its callback fires, every
// earlier message on the connection has been routed.
func approvalEvent(t *testing.T, timeUS int64, rkey string) []byte {
	t.Helper()
	return commitEvent(t, operatorDID, timeUS, jetstreamCommit{
		Rev:        "3kop" + rkey,
		Operation:  "create",
		Collection: lexicon.Approval,
		RecordKey:  rkey,
		Record:     jsonRecord(t, lexicon.ApprovalRecord{Tool: "at://did:plc:agent/ai.bureau.agent.tool/t1", ToolCID: "bafytool"}),
		CID:        "bafy-approval-" + rkey,
	})
}

type harness struct {
	server       *streamServer
	cache        *cache.Cache
	client       *Client
	clock        *clock.FakeClock
	subscription *cache.Subscription
	approvals    chan repo.Commit
	cancel       context.CancelFunc
	done         chan error
}

// startClient runs a Jetstream client against a test server. When live
// is set the cache starts out live, as after a completed sync.
func startClient(t *testing.T, live bool, configure func(*ClientConfig)) *harness {
	t.Helper()
	h := &harness{
		server:    newStreamServer(t),
		cache:     cache.New(cache.Options{}),
		clock:     clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		approvals: make(chan repo.Commit, 16),
		done:      make(chan error, 1),
	}
	dispatcher := dispatch.New(h.cache, nil)

	h.subscription = h.cache.Subscribe()
	t.Cleanup(h.subscription.Close)
	if live {
		epoch := h.cache.BeginSync()
		if _, err := h.cache.FinishSync(epoch, dispatcher.ApplyFunc()); err != nil {
			t.Fatalf("FinishSync: %v", err)
		}
		change := testutil.RequireReceive(t, h.subscription.Changes(), waitTimeout, "initial synchronized")
		if change.Kind != cache.ChangeSynchronized {
			t.Fatalf("first change = %+v", change)
		}
	}

	source, err := NewJetstream(JetstreamConfig{
		URL:    h.server.url(),
		Filter: DefaultFilter(agentDID, operatorDID),
		Rewind: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewJetstream: %v", err)
	}

	config := ClientConfig{
		Source:      source,
		Cache:       h.cache,
		Dispatcher:  dispatcher,
		AgentDID:    agentDID,
		OperatorDID: operatorDID,
		OnApproval:  func(commit repo.Commit) { h.approvals <- commit },
		Clock:       h.clock,
		MinBackoff:  time.Second,
		MaxBackoff:  4 * time.Second,
		GracePeriod: 5 * time.Second,
	}
	if configure != nil {
		configure(&config)
	}
	h.client, err = NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, h.done, waitTimeout, "client shutdown")
	})
	return h
}

// barrier sends an approval and waits for its callback.
func (h *harness) barrier(t *testing.T, conn *serverConn, timeUS int64, rkey string) {
	t.Helper()
	conn.send(t, approvalEvent(t, timeUS, rkey))
	approval := testutil.RequireReceive(t, h.approvals, waitTimeout, "waiting for barrier %s", rkey)
	if approval.RecordKey != rkey {
		t.Fatalf("barrier approval = %s, want %s", approval.RecordKey, rkey)
	}
}

func (h *harness) requireChange(t *testing.T, kind cache.ChangeKind, key string) {
	t.Helper()
	change := testutil.RequireReceive(t, h.subscription.Changes(), waitTimeout, "waiting for %s %s", kind, key)
	if change.Kind != kind || change.Key != key {
		t.Fatalf("change = %+v, want %s %q", change, kind, key)
	}
}

// dropConnection closes the server side and advances past the first
// reconnect backoff.
func (h *harness) dropConnection(t *testing.T, conn *serverConn) {
	t.Helper()
	conn.conn.Close()
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)
}

func TestClientAppliesLiveCommits(t *testing.T) {
	h := startClient(t, true, nil)
	conn := h.server.accept(t)

	conn.send(t, factEvent(t, 1_000, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")

	conn.send(t, factDeleteEvent(t, 2_000, "3ka02", "f1"))
	h.requireChange(t, cache.ChangeDelete, "f1")

	if h.client.Cursor() != 2_000 {
		t.Errorf("Cursor() = %d, want 2000", h.client.Cursor())
	}
	if h.cache.Facts().Len() != 0 {
		t.Errorf("facts = %d, want 0", h.cache.Facts().Len())
	}
}

func TestClientQueuesUntilLive(t *testing.T) {
	h := startClient(t, false, nil)
	epoch := h.cache.BeginSync()
	conn := h.server.accept(t)

	conn.send(t, factEvent(t, 1_000, "3ka01", "f1", "likes"))
	h.barrier(t, conn, 1_001, "a1")

	if h.cache.PendingLen() != 1 {
		t.Fatalf("PendingLen() = %d, want 1", h.cache.PendingLen())
	}
	if _, ok := h.cache.Facts().Get("f1"); ok {
		t.Fatal("commit applied while syncing")
	}

	stats, err := h.cache.FinishSync(epoch, dispatch.New(h.cache, nil).ApplyFunc())
	if err != nil {
		t.Fatalf("FinishSync: %v", err)
	}
	if stats.Applied != 1 {
		t.Errorf("replayed %d commits, want 1", stats.Applied)
	}
	if _, ok := h.cache.Facts().Get("f1"); !ok {
		t.Error("queued commit not replayed")
	}
}

func TestClientRoutesApprovalsAndIgnoresOthers(t *testing.T) {
	h := startClient(t, true, nil)
	conn := h.server.accept(t)

	// A tracked collection in the operator's repository is not the
	// agent's data.
	conn.send(t, commitEvent(t, operatorDID, 1_000, jetstreamCommit{
		Rev:        "3kop",
		Operation:  "create",
		Collection: lexicon.Fact,
		RecordKey:  "operator-fact",
		Record:     jsonRecord(t, lexicon.FactRecord{Predicate: "p"}),
		CID:        "bafyop",
	}))
	// Approvals in the agent's repository are not authoritative.
	conn.send(t, commitEvent(t, agentDID, 1_001, jetstreamCommit{
		Rev:        "3kself",
		Operation:  "create",
		Collection: lexicon.Approval,
		RecordKey:  "self-approval",
		Record:     jsonRecord(t, lexicon.ApprovalRecord{Tool: "at://x", ToolCID: "bafy"}),
		CID:        "bafyself",
	}))
	h.barrier(t, conn, 1_002, "a1")

	conn.send(t, factEvent(t, 1_003, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")

	if h.cache.Facts().Len() != 1 {
		t.Errorf("facts = %d, want only the agent's", h.cache.Facts().Len())
	}
	testutil.RequireNoReceive(t, h.approvals, 20*time.Millisecond, "agent-side approval must not be delivered")
}

func TestClientApprovalRecord(t *testing.T) {
	h := startClient(t, true, nil)
	conn := h.server.accept(t)

	conn.send(t, approvalEvent(t, 1_000, "a1"))
	approval := testutil.RequireReceive(t, h.approvals, waitTimeout, "approval")
	record, ok := approval.Record.(lexicon.ApprovalRecord)
	if !ok || record.ToolCID != "bafytool" {
		t.Fatalf("approval record = %#v", approval.Record)
	}
	if approval.Repo != operatorDID {
		t.Errorf("approval repo = %s", approval.Repo)
	}
}

func TestClientDropsMalformedMessages(t *testing.T) {
	h := startClient(t, true, nil)
	conn := h.server.accept(t)

	conn.send(t, []byte(`{"kind":`))
	conn.send(t, []byte(`{"did":"did:plc:agent","time_us":5,"kind":"commit","commit":{"rev":"3k","operation":"explode","collection":"ai.bureau.agent.fact","rkey":"f0"}}`))
	conn.send(t, factEvent(t, 1_000, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")

	select {
	case <-h.server.connections:
		t.Fatal("client reconnected after a malformed message")
	default:
	}
}

func TestClientReconnectCatchUp(t *testing.T) {
	h := startClient(t, true, nil)
	first := h.server.accept(t)
	if first.query.Has("cursor") {
		t.Fatalf("first connection sent cursor %q", first.query.Get("cursor"))
	}

	first.send(t, factEvent(t, 10_000_000, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")
	first.send(t, factEvent(t, 20_000_000, "3ka02", "f2", "knows"))
	h.requireChange(t, cache.ChangeUpsert, "f2")

	h.dropConnection(t, first)
	if h.cache.State() != cache.StateSyncing || !h.client.CatchingUp() {
		t.Fatalf("after drop: state %s, catching up %v", h.cache.State(), h.client.CatchingUp())
	}

	second := h.server.accept(t)
	if got := second.query.Get("cursor"); got != "15000000" {
		t.Errorf("resume cursor = %q, want 15000000 (5s rewind)", got)
	}
	h.clock.WaitForTimers(1) // grace timer armed
	if !h.cache.BroadcastsSuppressed() {
		t.Error("broadcasts not suppressed during catch-up")
	}

	// The rewound overlap replays f2, then a new revision deletes f1.
	second.send(t, factEvent(t, 20_000_000, "3ka02", "f2", "knows"))
	second.send(t, factDeleteEvent(t, 25_000_000, "3ka03", "f1"))

	// The delete was replayed under suppression: the next change is the
	// synchronized signal.
	h.requireChange(t, cache.ChangeSynchronized, "")
	if h.cache.State() != cache.StateLive || h.client.CatchingUp() {
		t.Fatalf("after catch-up: state %s, catching up %v", h.cache.State(), h.client.CatchingUp())
	}
	if h.cache.BroadcastsSuppressed() {
		t.Error("suppression still on after catch-up")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("%d timers pending, grace timer should be stopped", h.clock.Pending())
	}
	if _, ok := h.cache.Facts().Get("f1"); ok {
		t.Error("f1 survived its delete")
	}
	if _, ok := h.cache.Facts().Get("f2"); !ok {
		t.Error("f2 lost during catch-up")
	}

	second.send(t, factEvent(t, 30_000_000, "3ka04", "f3", "sees"))
	h.requireChange(t, cache.ChangeUpsert, "f3")
}

func TestClientGracePeriodEndsQuietCatchUp(t *testing.T) {
	h := startClient(t, true, nil)
	first := h.server.accept(t)
	first.send(t, factEvent(t, 20_000_000, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")

	h.dropConnection(t, first)
	second := h.server.accept(t)
	h.clock.WaitForTimers(1)

	// Only overlap arrives; nothing is past the pre-drop cursor.
	second.send(t, factEvent(t, 20_000_000, "3ka01", "f1", "likes"))
	h.barrier(t, second, 19_000_000, "a1")
	if h.cache.State() != cache.StateSyncing {
		t.Fatalf("state = %s, want syncing until the grace period ends", h.cache.State())
	}
	if h.cache.PendingLen() != 1 {
		t.Errorf("PendingLen() = %d, want the overlap commit queued", h.cache.PendingLen())
	}

	h.clock.Advance(5 * time.Second)
	h.requireChange(t, cache.ChangeSynchronized, "")
	if h.cache.State() != cache.StateLive || h.cache.BroadcastsSuppressed() {
		t.Fatalf("after grace: state %s, suppressed %v", h.cache.State(), h.cache.BroadcastsSuppressed())
	}
	if h.cache.PendingLen() != 0 {
		t.Errorf("PendingLen() = %d after replay", h.cache.PendingLen())
	}
}

func TestClientGracePeriodThenLateOverlap(t *testing.T) {
	h := startClient(t, true, nil)
	first := h.server.accept(t)
	first.send(t, factEvent(t, 16_000_000, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")
	first.send(t, factDeleteEvent(t, 20_000_000, "3ka02", "f1"))
	h.requireChange(t, cache.ChangeDelete, "f1")

	h.dropConnection(t, first)
	second := h.server.accept(t)
	h.clock.WaitForTimers(1)

	// The grace period ends before any of the rewound overlap arrives.
	h.clock.Advance(5 * time.Second)
	h.requireChange(t, cache.ChangeSynchronized, "")
	if h.cache.State() != cache.StateLive {
		t.Fatalf("state = %s after grace period", h.cache.State())
	}

	second.send(t, factEvent(t, 16_000_000, "3ka01", "f1", "likes"))
	h.barrier(t, second, 16_000_001, "a1")

	if _, ok := h.cache.Facts().Get("f1"); ok {
		t.Error("deleted f1 restored by a rewound duplicate")
	}
	select {
	case change := <-h.subscription.Changes():
		t.Errorf("duplicate produced change %+v", change)
	default:
	}

	second.send(t, factEvent(t, 30_000_000, "3ka03", "f2", "knows"))
	h.requireChange(t, cache.ChangeUpsert, "f2")
}

func TestClientIdleTimeoutReconnects(t *testing.T) {
	h := startClient(t, true, func(config *ClientConfig) {
		config.IdleTimeout = 50 * time.Millisecond
	})
	h.server.accept(t)

	// The server never writes. The idle read fails and the client
	// waits out the first backoff.
	h.clock.WaitForTimers(1)
	if !h.client.CatchingUp() || h.cache.State() != cache.StateSyncing {
		t.Errorf("after idle timeout: catching up %v, state %s", h.client.CatchingUp(), h.cache.State())
	}
	select {
	case <-h.server.connections:
		t.Fatal("client reconnected before its backoff elapsed")
	default:
	}

	h.clock.Advance(time.Second)
	h.server.accept(t)
}

func TestClientCatchUpSupersededByFullSync(t *testing.T) {
	h := startClient(t, true, nil)
	first := h.server.accept(t)
	first.send(t, factEvent(t, 20_000_000, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")

	first.conn.Close()
	h.clock.WaitForTimers(1)
	// A full sync takes over while the client waits to reconnect.
	h.cache.BeginSync()
	h.clock.Advance(time.Second)

	second := h.server.accept(t)
	second.send(t, factEvent(t, 30_000_000, "3ka02", "f2", "knows"))
	h.barrier(t, second, 30_000_001, "a1")

	if h.client.CatchingUp() {
		t.Error("client still owns a superseded catch-up")
	}
	if h.cache.State() != cache.StateSyncing {
		t.Errorf("state = %s, the full sync owns the transition to live", h.cache.State())
	}
	if h.cache.BroadcastsSuppressed() {
		t.Error("client suppressed broadcasts for a catch-up it no longer owns")
	}
	if h.cache.PendingLen() != 1 {
		t.Errorf("PendingLen() = %d, want the new commit queued for the full sync", h.cache.PendingLen())
	}
	if h.clock.Pending() != 0 {
		t.Errorf("%d timers pending, want no grace timer", h.clock.Pending())
	}
}

func TestClientCancelReleasesSuppression(t *testing.T) {
	h := startClient(t, true, nil)
	first := h.server.accept(t)
	first.send(t, factEvent(t, 1_000, "3ka01", "f1", "likes"))
	h.requireChange(t, cache.ChangeUpsert, "f1")

	h.dropConnection(t, first)
	h.server.accept(t)
	h.clock.WaitForTimers(1)
	if !h.cache.BroadcastsSuppressed() {
		t.Fatal("broadcasts not suppressed during catch-up")
	}
	h.client.mu.Lock()
	epoch := h.client.catchUp.epoch
	h.client.mu.Unlock()

	h.cancel()
	if err := testutil.RequireReceive(t, h.done, waitTimeout, "Run return"); err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
	h.done <- nil // for the cleanup's receive
	if h.cache.BroadcastsSuppressed() {
		t.Error("suppression left on after Run returned")
	}
	if h.client.CatchingUp() {
		t.Error("catch-up still held after Run returned")
	}

	// A grace timer callback that fired during shutdown and ran late.
	h.client.finishCatchUp(epoch, "grace period elapsed")
	if h.cache.State() != cache.StateSyncing {
		t.Errorf("state = %s, a stopped client must not take the cache live", h.cache.State())
	}
}

func TestClientBackoff(t *testing.T) {
	attempts := make(chan struct{}, 16)
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts <- struct{}{}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer refusing.Close()

	h := startClient(t, false, func(config *ClientConfig) {
		source, err := NewJetstream(JetstreamConfig{URL: "ws" + strings.TrimPrefix(refusing.URL, "http")})
		if err != nil {
			t.Fatalf("NewJetstream: %v", err)
		}
		config.Source = source
	})

	testutil.RequireReceive(t, attempts, waitTimeout, "first attempt")
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		h.clock.WaitForTimers(1)
		h.clock.Advance(wait - time.Millisecond)
		if h.clock.Pending() != 1 {
			t.Fatalf("reconnected before the %s backoff elapsed", wait)
		}
		h.clock.Advance(time.Millisecond)
		testutil.RequireReceive(t, attempts, waitTimeout, "attempt after %s", wait)
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		current, limit, want time.Duration
	}{
		{time.Second, time.Minute, 2 * time.Second},
		{32 * time.Second, time.Minute, time.Minute},
		{time.Minute, time.Minute, time.Minute},
	}
	for _, test := range tests {
		if got := nextBackoff(test.current, test.limit); got != test.want {
			t.Errorf("nextBackoff(%s, %s) = %s, want %s", test.current, test.limit, got, test.want)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	c := cache.New(cache.Options{})
	dispatcher := dispatch.New(c, nil)
	source := NewFirehose(FirehoseConfig{URL: "wss://relay.example"})

	tests := []struct {
		name   string
		config ClientConfig
	}{
		{"no source", ClientConfig{Cache: c, Dispatcher: dispatcher, AgentDID: agentDID}},
		{"no cache", ClientConfig{Source: source, Dispatcher: dispatcher, AgentDID: agentDID}},
		{"no dispatcher", ClientConfig{Source: source, Cache: c, AgentDID: agentDID}},
		{"no agent", ClientConfig{Source: source, Cache: c, Dispatcher: dispatcher}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewClient(test.config); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
