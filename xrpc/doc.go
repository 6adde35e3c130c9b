// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package xrpc is a minimal client for the repository sync endpoints
// of a personal data server: com.atproto.sync.getRepo (the full
// archive) and com.atproto.sync.getLatestCommit (the head revision).
//
// Non-2xx responses carrying the standard XRPC error body are returned
// as [*Error]; callers can use errors.As to inspect the code:
//
//	var xrpcErr *xrpc.Error
//	if errors.As(err, &xrpcErr) && xrpcErr.Code == xrpc.ErrCodeRepoNotFound { ... }
package xrpc
