// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package repo models an AT Protocol repository as the mirror sees it:
// the uniform [Commit] produced by both stream formats, and the
// [Snapshot] decoded from a full repository archive.
//
// [DecodeSnapshot] walks a CARv1 archive from its root commit block
// through the Merkle Search Tree to every record block, decoding
// tracked collections into their lexicon types. Framing problems
// (anything that makes the tree itself untrustworthy) abort with an
// error wrapping [ErrMalformedArchive]. A single record that cannot be
// decoded is skipped and reported in [Snapshot].Skipped; the rest of
// the snapshot is still usable.
//
// [Builder] produces archives in the same format, with a real tree
// layout, so tests across the module can construct repositories.
package repo
