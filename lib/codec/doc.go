// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the DAG-CBOR encoding configuration shared by
// every package that touches repository data.
//
// AT Protocol repositories store records, commit objects and Merkle
// search tree nodes as DAG-CBOR, and the binary replication stream
// frames each message as two concatenated DAG-CBOR values. DAG-CBOR is
// a strict subset of CBOR: canonical (length-first) map key ordering,
// smallest integer encoding, no indefinite-length items, and content
// links carried as tag 42.
//
// For buffer-oriented operations (blocks, records):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For CBOR sequences (stream frames: header then payload):
//
//	rest, err := codec.UnmarshalFirst(frame, &header)
//	err = codec.Unmarshal(rest, &payload)
//
// # Struct Tag Rules
//
// Record types carry `json` tags only. fxamacker/cbor v2 reads `json`
// tags as a fallback when `cbor` tags are absent, so one tag names the
// field for both the JSON stream (records arrive already decoded as
// JSON) and the binary stream and archives (records arrive as
// DAG-CBOR). Types that only ever appear in CBOR (commit blocks, tree
// nodes, frame envelopes) use `cbor` tags.
package codec
