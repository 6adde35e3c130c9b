// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lexicon defines the record collections the agent keeps in its
// repository and the Go types their records decode into.
//
// Every collection lives under the [Namespace] NSID prefix. Tracked
// collections ([IsTracked]) are mirrored into the cache; [Identity]
// and [DaemonState] are singletons stored under [SelfKey]. [Approval]
// records are written by the operator, not the agent, and are routed
// to a callback instead of the cache. Each collection constant has a
// record type of the same name with a Record suffix ([FactRecord] for
// [Fact]).
//
// [DecodeJSON] and [DecodeCBOR] turn a raw record into its typed value
// and reject records that do not match the collection's schema: a
// mismatched $type, or a missing required field.
package lexicon
