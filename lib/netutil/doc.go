// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O utilities for atmirror.
//
// HTTP response helpers ([ReadResponse], [DecodeResponse], [ErrorBody])
// bound response body reads at [MaxResponseSize] to prevent unbounded
// memory allocation from a misbehaving server. Repository archives are
// larger than any JSON response and are read with [ReadLimited] and an
// explicit bound instead.
//
// [IsExpectedCloseError] classifies errors that occur during normal
// websocket teardown, so that stream clients log a server-initiated
// close at a lower level than a real failure.
package netutil
