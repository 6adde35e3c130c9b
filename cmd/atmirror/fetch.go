// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/atmirror/cmd/atmirror/cli"
	"github.com/bureau-foundation/atmirror/repo"
	"github.com/bureau-foundation/atmirror/xrpc"
)

type fetchOptions struct {
	configPath string
	did        string
	pdsURL     string
	output     string
	compress   bool
	verify     bool
	timeout    time.Duration
}

func fetchCommand(stdout io.Writer) *cli.Command {
	var options fetchOptions
	return &cli.Command{
		Name:    "fetch",
		Summary: "Download a repository archive",
		Description: `Download the full repository archive (CAR) of a DID from its
personal data server. The DID and server come from --did and --pds,
or from the identity section of the config file when not given.`,
		Usage: "atmirror fetch [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			flagSet.StringVarP(&options.configPath, "config", "c", "", "config file (default $ATMIRROR_CONFIG)")
			flagSet.StringVar(&options.did, "did", "", "repository DID (default: identity.agent_did)")
			flagSet.StringVar(&options.pdsURL, "pds", "", "personal data server URL (default: identity.pds_url)")
			flagSet.StringVarP(&options.output, "output", "o", "", `output file, "-" for stdout (default: <did>.car)`)
			flagSet.BoolVar(&options.compress, "compress", false, "write the archive as an LZ4 frame")
			flagSet.BoolVar(&options.verify, "verify", true, "decode the archive and check block hashes before writing")
			flagSet.DurationVar(&options.timeout, "timeout", 60*time.Second, "bound on the whole download")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Fetch the configured agent's repository", Command: "atmirror fetch --compress"},
			{Description: "Fetch any repository to stdout", Command: "atmirror fetch --did did:plc:abc --pds https://pds.example.com -o -"},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runFetch(ctx, options, stdout, os.Stderr)
		},
	}
}

func runFetch(ctx context.Context, options fetchOptions, stdout, stderr io.Writer) error {
	if options.did == "" || options.pdsURL == "" {
		cfg, err := loadConfig(options.configPath)
		if err != nil {
			return fmt.Errorf("--did and --pds not both given: %w", err)
		}
		if options.did == "" {
			options.did = cfg.Identity.AgentDID
		}
		if options.pdsURL == "" {
			options.pdsURL = cfg.Identity.PDSURL
		}
	}
	if !strings.HasPrefix(options.did, "did:") {
		return fmt.Errorf("invalid DID %q", options.did)
	}

	client, err := xrpc.NewClient(xrpc.ClientConfig{PDSURL: options.pdsURL})
	if err != nil {
		return err
	}

	if options.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.timeout)
		defer cancel()
	}
	fetched, err := client.FetchRepo(ctx, options.did)
	if err != nil {
		return err
	}

	rev := fetched.LatestRev
	if options.verify {
		snapshot, err := repo.DecodeSnapshot(fetched.Archive, repo.DecodeOptions{VerifyBlocks: true})
		if err != nil {
			return fmt.Errorf("archive failed verification: %w", err)
		}
		if snapshot.Repo != options.did {
			return fmt.Errorf("archive belongs to %s, not %s", snapshot.Repo, options.did)
		}
		rev = snapshot.Rev
	}

	path := options.output
	if path == "" {
		path = archiveName(options.did, options.compress)
	}
	if path == "-" {
		if err := writeArchive(stdout, fetched.Archive, options.compress); err != nil {
			return err
		}
	} else if err := writeArchiveFile(path, fetched.Archive, options.compress); err != nil {
		return err
	}

	fmt.Fprintf(stderr, "fetched %s at rev %s (%d bytes) to %s\n",
		options.did, rev, len(fetched.Archive), path)
	return nil
}

// archiveName derives a file name from a DID. Colons are not portable
// in file names.
func archiveName(did string, compress bool) string {
	name := strings.ReplaceAll(did, ":", "_") + ".car"
	if compress {
		name += ".lz4"
	}
	return name
}

func writeArchiveFile(path string, data []byte, compress bool) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()
	return writeArchive(file, data, compress)
}

// writeArchive writes data to w, as an LZ4 frame when compress is set.
func writeArchive(w io.Writer, data []byte, compress bool) error {
	if !compress {
		_, err := w.Write(data)
		return err
	}
	zw := lz4.NewWriter(w)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compressing archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing archive: %w", err)
	}
	return nil
}
