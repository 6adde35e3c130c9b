// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the running atmirror binary.
//
// Release builds inject [GitCommit], [GitDirty], [BuildTime] and
// [Version] with -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/atmirror/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/atmirror
//
// When they are not injected, the VCS stamp the Go toolchain embeds
// in module builds is used instead.
package version
