// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror keeps a cache synchronized with one agent
// repository.
//
// A [Coordinator] combines a full snapshot with the live commit
// stream. Each sync attempt:
//
//  1. Prepares: clears stale queued commits and moves the cache to
//     syncing, so stream commits queue instead of applying.
//  2. Starts the stream (first attempt only) and waits a settle delay
//     so it is connected before the snapshot is taken.
//  3. Fetches and decodes the repository snapshot.
//  4. Loads the snapshot wholesale, sets its revision as the watermark,
//     and replays queued commits newer than the watermark, all with
//     broadcasts suppressed.
//  5. Goes live and sends one synchronized notification.
//
// A failed fetch or decode abandons the attempt before any table is
// touched; the stream keeps queuing for the next attempt.
package mirror
