// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package car reads and writes CARv1 archives, the block-oriented
// content-addressed format used for full repository exports
// (com.atproto.sync.getRepo) and for the block fragments embedded in
// binary replication stream commits.
//
// An archive is a varint-length-prefixed DAG-CBOR header
// ({roots, version}) followed by varint-length-prefixed sections, each
// holding a binary CID and the block bytes it addresses.
//
// Framing problems are reported as [*FormatError]. Callers treat them
// as fatal for the whole archive, which is distinct from a single
// record failing to decode against its schema (handled one level up,
// in the repo package).
package car
