// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package aturi parses and formats AT Protocol record addresses of the
// form at://owner/collection/rkey.
//
// [Parse] is strict: the scheme prefix is required and at least three
// non-empty segments must follow it. Anything after the collection is
// the record key. [RecordKey] is the lenient
// fallback for strings that only need their trailing record key
// extracted (for example a tool argument that may be either a bare key
// or a full URI).
package aturi
