// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Atmirror keeps an in-memory mirror of an agent's AT Protocol
// repository: it subscribes to a commit stream, takes a snapshot of the
// repository, and stays live until interrupted.
//
// Usage:
//
//	atmirror run --config atmirror.yaml
//	atmirror fetch --did did:plc:agent --pds https://pds.example.com
//	atmirror inspect repo.car.lz4
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/atmirror/cmd/atmirror/cli"
	"github.com/bureau-foundation/atmirror/lib/version"
)

func main() {
	if err := rootCommand(os.Stdout).Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand(stdout io.Writer) *cli.Command {
	var showVersion bool
	return &cli.Command{
		Name:        "atmirror",
		Summary:     "Mirror an agent's AT Protocol repository",
		Description: "Atmirror mirrors an agent's ai.bureau.agent.* records into memory and\nkeeps them current from a Jetstream or firehose subscription.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("atmirror", pflag.ContinueOnError)
			flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flagSet
		},
		Subcommands: []*cli.Command{
			runCommand(),
			fetchCommand(stdout),
			inspectCommand(stdout),
			versionCommand(stdout),
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Fprintf(stdout, "atmirror %s\n", version.Info())
				return nil
			}
			return errors.New("subcommand required\n\nRun 'atmirror --help' for usage.")
		},
	}
}

func versionCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			fmt.Fprintln(stdout, version.Full())
			return nil
		},
	}
}
