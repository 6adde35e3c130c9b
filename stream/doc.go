// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream subscribes to a repository commit stream over a
// websocket and feeds the commits into the cache.
//
// A [Source] knows one wire format: how to build the subscription URL,
// how to decode a frame into [repo.Commit] values plus the frame's
// cursor marker, and how far to rewind that cursor on reconnect.
// [Jetstream] speaks the JSON feed (optionally zstd-compressed);
// [Firehose] speaks com.atproto.sync.subscribeRepos, where each frame
// is a CBOR header and payload and record bytes travel in an embedded
// archive fragment.
//
// [Client] runs the connection state machine shared by both formats:
//
//	Disconnected -> Connecting -> Streaming -> Disconnected -> ...
//
// Every frame's cursor is recorded before its commits are acted on.
// Commits from the agent's repository in tracked collections go
// through the cache's ingest gate: queued while the cache syncs,
// applied while it is live. Approval records from the operator go to
// the approval callback. Everything else is ignored.
//
// When a connection drops while the cache is live, the client starts a
// catch-up: the cache moves to syncing (cached records stay readable),
// the reconnect resumes from a rewound cursor, and broadcasts are
// suppressed while the overlap replays. The catch-up ends on the first
// frame whose cursor is past the last one seen before the drop; a
// grace timer ends it if the stream stays quiet. Replayed duplicates
// are discarded by revision in the cache, never here.
package stream
