// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// build is the resolved build stamp.
type build struct {
	commit string
	dirty  bool
	time   string
}

func current() build {
	stamp := build{commit: GitCommit, dirty: GitDirty == "true", time: BuildTime}
	if stamp.commit != "unknown" {
		return stamp
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return stamp
	}
	return fromSettings(stamp, info.Settings)
}

// fromSettings fills the stamp from the toolchain's vcs.* build
// settings.
func fromSettings(stamp build, settings []debug.BuildSetting) build {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			stamp.commit = setting.Value
			if len(stamp.commit) > 12 {
				stamp.commit = stamp.commit[:12]
			}
		case "vcs.modified":
			stamp.dirty = setting.Value == "true"
		case "vcs.time":
			stamp.time = setting.Value
		}
	}
	return stamp
}

func (b build) String() string {
	dirty := ""
	if b.dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, b.commit, dirty, b.time)
}

// Info returns the one-line version string for --version output.
func Info() string {
	return current().String()
}

// Full adds the Go version and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
