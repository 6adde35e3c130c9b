// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes record-level changes to the cache table of
// their collection. It is the only code that knows which Go type
// belongs to which collection on the write path.
//
// Changes to untracked collections, singleton writes under a key other
// than "self", and records whose decoded type does not match their
// collection are not handled: the dispatcher reports false and leaves
// the cache untouched.
package dispatch
