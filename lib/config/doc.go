// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the atmirror daemon.
//
// Configuration is loaded from a single file specified by either the
// ATMIRROR_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas; everything else is read as YAML. Both forms share
// the same keys.
//
// Variable expansion is performed on URL and path fields after
// loading: ${HOME} and ${VAR:-default} patterns are expanded. No
// other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Identity, Stream, Sync, Log
//   - [Default] -- returns a Config with every tunable filled in
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other atmirror packages.
package config
