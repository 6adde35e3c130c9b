// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cid implements the subset of content identifiers that AT
// Protocol repositories use: version 1 CIDs with the dag-cbor or raw
// content codec and a sha2-256 or blake3 multihash.
//
// A [CID] round-trips through three encodings: the binary form found
// in archive block sections ([Read], [CID.Bytes]), the "b"-prefixed
// base32 string form used on the JSON stream and in logs ([Parse],
// [CID.String]), and the DAG-CBOR link form (tag 42) embedded in
// commit blocks, tree nodes and records ([CID.MarshalCBOR],
// [CID.UnmarshalCBOR]).
//
// [CID.Verify] recomputes a block's digest so the snapshot decoder can
// reject archives whose blocks do not match their addresses.
package cid
