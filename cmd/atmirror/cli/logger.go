// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/atmirror/lib/config"
)

// NewLogger builds the process logger from the log config, writing to
// stderr. Format "auto" picks text for a terminal and JSON otherwise.
func NewLogger(logConfig config.LogConfig) (*slog.Logger, error) {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), logConfig)
}

func newLogger(w io.Writer, terminal bool, logConfig config.LogConfig) (*slog.Logger, error) {
	level, err := logConfig.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	format := logConfig.Format
	if format == "auto" {
		format = "json"
		if terminal {
			format = "text"
		}
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", logConfig.Format)
}
