// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for atmirror packages.
//
// [RequireReceive], [RequireNoReceive] and [RequireClosed] encapsulate
// the timeout safety valve pattern (select with time.After fallback)
// so that individual tests do not need direct time.After calls. These
// are the only place in the test suite where real wall-clock timeouts
// are used. Everything else runs on a [clock.FakeClock].
//
// [WriteFile] writes a fixture into a per-test temporary directory.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no atmirror-internal dependencies.
package testutil
